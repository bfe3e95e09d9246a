package coordinator

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/cluster"
)

// FollowerState is one follower in the layout: its identity, the delay its
// process was spawned with, and whether catch-up has admitted it into the
// active replication set.
type FollowerState struct {
	Desc     cluster.NodeDescriptor
	Delay    time.Duration
	CaughtUp bool
}

// Layout is the coordinator's authoritative cluster shape: one leader plus
// an ordered set of followers and the quorum parameters. Updated by
// bootstrap, spawn and catch-up admission; read by every write and read,
// hence the RWMutex.
type Layout struct {
	mu        sync.RWMutex
	leader    *cluster.NodeDescriptor
	followers map[string]*FollowerState
	w, r      int
	nextIndex int
}

// NewLayout creates an empty layout with the given quorum parameters.
func NewLayout(w, r int) *Layout {
	return &Layout{
		followers: make(map[string]*FollowerState),
		w:         w,
		r:         r,
	}
}

// Quorum returns (W, R).
func (l *Layout) Quorum() (int, int) {
	return l.w, l.r
}

// SetLeader installs the leader descriptor.
func (l *Layout) SetLeader(desc cluster.NodeDescriptor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leader = &desc
}

// Leader returns the leader descriptor, ok=false before bootstrap.
func (l *Layout) Leader() (cluster.NodeDescriptor, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.leader == nil {
		return cluster.NodeDescriptor{}, false
	}
	return *l.leader, true
}

// AddFollower installs or replaces a follower entry. A fresh entry starts
// outside the active set until catch-up completes.
func (l *Layout) AddFollower(desc cluster.NodeDescriptor, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.followers[desc.ID] = &FollowerState{Desc: desc, Delay: delay}
}

// SetCaughtUp admits (or evicts) a follower from the active set.
func (l *Layout) SetCaughtUp(nodeID string, caughtUp bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.followers[nodeID]; ok {
		f.CaughtUp = caughtUp
	}
}

// Follower returns one follower's state.
func (l *Layout) Follower(nodeID string) (FollowerState, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	f, ok := l.followers[nodeID]
	if !ok {
		return FollowerState{}, false
	}
	return *f, true
}

// Followers returns all follower states ordered by ascending port.
func (l *Layout) Followers() []FollowerState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]FollowerState, 0, len(l.followers))
	for _, f := range l.followers {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Desc.Port < out[j].Desc.Port })
	return out
}

// NextFollowerIndex allocates the next follower-K index.
func (l *Layout) NextFollowerIndex() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextIndex++
	return l.nextIndex
}

// Sets is one write's (or read's) view of the quorum geometry.
type Sets struct {
	Sync  []cluster.NodeDescriptor
	Async []cluster.NodeDescriptor
	Read  []cluster.NodeDescriptor
	// Spare are live followers outside the read set, eligible for the
	// optional read retry.
	Spare []cluster.NodeDescriptor
}

// ComputeSets derives the sync/async/read sets from the live follower list,
// which must be sorted by ascending port.
//
// The selection rules are deliberate teaching devices and must stay literal:
// the sync set is the W live followers with the smallest ports and the read
// set is the R with the largest, so the two sets overlap in at least one
// follower exactly when W+R>N.
func ComputeSets(live []cluster.NodeDescriptor, w, r int) Sets {
	var s Sets
	if w <= len(live) {
		s.Sync = slices.Clone(live[:w])
		s.Async = slices.Clone(live[w:])
	}
	if r <= len(live) {
		s.Read = slices.Clone(live[len(live)-r:])
		s.Spare = slices.Clone(live[:len(live)-r])
	}
	return s
}
