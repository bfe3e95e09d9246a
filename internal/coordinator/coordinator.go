package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/cluster"
	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/config"
)

// Error kinds surfaced to clients. The HTTP layer maps them onto status
// codes; everything else is wrapped around them.
var (
	ErrQuorumUnavailable     = errors.New("write quorum not available")
	ErrReadQuorumUnavailable = errors.New("read quorum not available")
	ErrNotFound              = errors.New("key not found")
	ErrNoLeader              = errors.New("no leader available")
	ErrUnknownFollower       = errors.New("unknown follower")
)

// readQueryTimeout bounds each parallel follower read.
const readQueryTimeout = 5 * time.Second

// writeForwardTimeout bounds the call to the leader; it sits just above the
// leader's own 60 s sync replication deadline.
const writeForwardTimeout = 65 * time.Second

// Coordinator owns the cluster layout and is the only component that speaks
// quorum. It forwards writes to the leader with a computed sync/async split,
// runs read quorums across followers, and manages node processes.
type Coordinator struct {
	cfg      config.CoordinatorConfig
	layout   *Layout
	liveness *Liveness
	spawner  Spawner
	log      hclog.Logger

	procs *processTable
}

// New creates a coordinator. The spawner is injectable so tests can run a
// cluster without forking processes; production uses NewExecSpawner.
func New(cfg config.CoordinatorConfig, spawner Spawner, log hclog.Logger) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		layout:   NewLayout(cfg.WriteQuorum, cfg.ReadQuorum),
		liveness: NewLiveness(time.Second, 1, log.Named("liveness")),
		spawner:  spawner,
		log:      log,
		procs:    newProcessTable(),
	}
}

// Layout exposes the cluster layout.
func (c *Coordinator) Layout() *Layout { return c.layout }

// Liveness exposes the health view.
func (c *Coordinator) Liveness() *Liveness { return c.liveness }

// RunLiveness drives health checking over the current layout members.
func (c *Coordinator) RunLiveness(ctx context.Context) {
	c.liveness.Run(ctx, func() []cluster.NodeDescriptor {
		var nodes []cluster.NodeDescriptor
		if leader, ok := c.layout.Leader(); ok {
			nodes = append(nodes, leader)
		}
		for _, f := range c.layout.Followers() {
			nodes = append(nodes, f.Desc)
		}
		return nodes
	})
}

// liveFollowers returns the caught-up followers the coordinator currently
// believes are reachable, ordered by ascending port.
func (c *Coordinator) liveFollowers() []cluster.NodeDescriptor {
	var live []cluster.NodeDescriptor
	for _, f := range c.layout.Followers() {
		if f.CaughtUp && c.liveness.IsAlive(f.Desc.ID) {
			live = append(live, f.Desc)
		}
	}
	// Followers() is port-ordered already; keep the invariant explicit.
	sort.Slice(live, func(i, j int) bool { return live[i].Port < live[j].Port })
	return live
}

// WriteResult is a successful quorum write.
type WriteResult struct {
	Version         int64
	SyncedFollowers []string
}

// Write runs one quorum write: compute the sync/async split, drive the
// leader, report honestly. The coordinator never retries a failed write on
// behalf of the client.
func (c *Coordinator) Write(ctx context.Context, key, value string) (WriteResult, error) {
	leader, ok := c.layout.Leader()
	if !ok || !c.liveness.IsAlive(leader.ID) {
		return WriteResult{}, ErrNoLeader
	}

	live := c.liveFollowers()
	w, _ := c.layout.Quorum()
	if len(live) < w {
		return WriteResult{}, fmt.Errorf("%w: %d live followers, need %d",
			ErrQuorumUnavailable, len(live), w)
	}

	sets := ComputeSets(live, w, 0)
	syncURLs := urlsOf(sets.Sync)
	asyncURLs := urlsOf(sets.Async)

	callCtx, cancel := context.WithTimeout(ctx, writeForwardTimeout)
	defer cancel()

	var resp cluster.WriteResponse
	err := cluster.PostJSON(callCtx, leader.URL()+"/write", cluster.WriteRequest{
		Key:            key,
		Value:          value,
		SyncFollowers:  syncURLs,
		AsyncFollowers: asyncURLs,
	}, &resp)
	if err != nil {
		// A leader-side 503 and an unreachable leader both mean the same
		// thing to the client: the quorum was not met.
		c.log.Warn("write failed", "key", key, "error", err)
		return WriteResult{}, fmt.Errorf("%w: %v", ErrQuorumUnavailable, err)
	}

	c.log.Info("write committed", "key", key, "version", resp.Version,
		"sync_acks", resp.SyncAcks, "async_targets", len(asyncURLs))
	return WriteResult{Version: resp.Version, SyncedFollowers: idsOf(sets.Sync)}, nil
}

// ReadResult is a successful quorum read.
type ReadResult struct {
	Key          string
	Value        string
	Version      int64
	SourceNodeID string
}

// readAnswer is one follower's reply within a read quorum.
type readAnswer struct {
	desc     cluster.NodeDescriptor
	rec      cluster.ReadResponse
	found    bool
	answered bool
}

// Read runs one quorum read over the R live followers with the largest
// ports, in parallel, and returns the freshest answer. A 404 from a
// follower counts as an answer (the key may simply not have replicated
// yet); an unreachable follower does not.
func (c *Coordinator) Read(ctx context.Context, key string) (ReadResult, error) {
	live := c.liveFollowers()
	_, r := c.layout.Quorum()
	if len(live) < r {
		return ReadResult{}, fmt.Errorf("%w: %d live followers, need %d",
			ErrReadQuorumUnavailable, len(live), r)
	}

	sets := ComputeSets(live, 0, r)
	answers := c.queryAll(ctx, sets.Read, key)

	answered := countAnswered(answers)
	if answered < r && !c.cfg.StrictQuorum && len(sets.Spare) > 0 {
		// Policy choice, off under --strict-quorum: fill the quorum from
		// live followers outside the read set.
		missing := r - answered
		spares := sets.Spare
		if missing < len(spares) {
			spares = spares[len(spares)-missing:]
		}
		answers = append(answers, c.queryAll(ctx, spares, key)...)
		answered = countAnswered(answers)
	}
	if answered < r {
		return ReadResult{}, fmt.Errorf("%w: %d of %d followers answered",
			ErrReadQuorumUnavailable, answered, r)
	}

	best, found := pickFreshest(answers)
	if !found {
		return ReadResult{}, fmt.Errorf("%w: %q", ErrNotFound, key)
	}

	if c.cfg.ReadRepair {
		c.readRepair(answers, best)
	}

	return ReadResult{
		Key:          key,
		Value:        best.rec.Value,
		Version:      best.rec.Version,
		SourceNodeID: best.rec.NodeID,
	}, nil
}

// queryAll fans a read out to every target in parallel and collects all
// outcomes. Per-call timeout applies; the caller's context cancels pending
// queries if the client goes away.
func (c *Coordinator) queryAll(ctx context.Context, targets []cluster.NodeDescriptor, key string) []readAnswer {
	results := make(chan readAnswer, len(targets))
	for _, desc := range targets {
		go func(desc cluster.NodeDescriptor) {
			callCtx, cancel := context.WithTimeout(ctx, readQueryTimeout)
			defer cancel()

			var rec cluster.ReadResponse
			err := cluster.GetJSON(callCtx, desc.URL()+"/read/"+key, &rec)
			switch {
			case err == nil:
				results <- readAnswer{desc: desc, rec: rec, found: true, answered: true}
			case isNotFound(err):
				results <- readAnswer{desc: desc, answered: true}
			default:
				c.log.Debug("read query failed", "node_id", desc.ID, "error", err)
				results <- readAnswer{desc: desc}
			}
		}(desc)
	}

	answers := make([]readAnswer, 0, len(targets))
	for range targets {
		answers = append(answers, <-results)
	}
	return answers
}

// readRepair pushes the freshest record to read-set members that answered
// with a stale version or a miss. Background and best-effort.
func (c *Coordinator) readRepair(answers []readAnswer, best readAnswer) {
	for _, a := range answers {
		if !a.answered || a.desc.ID == best.desc.ID {
			continue
		}
		if a.found && a.rec.Version >= best.rec.Version {
			continue
		}
		go func(target cluster.NodeDescriptor) {
			ctx, cancel := context.WithTimeout(context.Background(), writeForwardTimeout)
			defer cancel()
			err := cluster.PostJSON(ctx, target.URL()+"/replicate", cluster.ReplicateRequest{
				Key:     best.rec.Key,
				Value:   best.rec.Value,
				Version: best.rec.Version,
				Source:  "read-repair",
			}, nil)
			if err != nil {
				c.log.Debug("read repair failed", "node_id", target.ID, "error", err)
			}
		}(a.desc)
	}
}

func countAnswered(answers []readAnswer) int {
	n := 0
	for _, a := range answers {
		if a.answered {
			n++
		}
	}
	return n
}

func pickFreshest(answers []readAnswer) (readAnswer, bool) {
	var best readAnswer
	found := false
	for _, a := range answers {
		if a.found && (!found || a.rec.Version > best.rec.Version) {
			best = a
			found = true
		}
	}
	return best, found
}

func isNotFound(err error) bool {
	var se *cluster.StatusError
	return errors.As(err, &se) && se.Status == 404
}

func urlsOf(nodes []cluster.NodeDescriptor) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.URL()
	}
	return out
}

func idsOf(nodes []cluster.NodeDescriptor) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}
