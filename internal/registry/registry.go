// Package registry implements service discovery for the cluster: nodes
// announce themselves with periodic heartbeats, a background pruner marks
// silent nodes as pruned, and an optional auto-respawn policy asks the
// coordinator to replace pruned followers after a cool-down.
//
// The registry is the only component that owns membership state. It never
// kills or spawns processes itself; it observes heartbeat gaps and emits
// hints (prune, respawn, catch-up) that the coordinator acts on.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/cluster"
	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/config"
)

// EntryState is the registry's liveness verdict for a node.
type EntryState string

const (
	StateAlive  EntryState = "alive"
	StatePruned EntryState = "pruned"
)

// Entry is the registry's view of one node.
type Entry struct {
	cluster.NodeDescriptor
	LastHeartbeat time.Time
	State         EntryState
}

// EntryView is the JSON shape returned by /nodes.
type EntryView struct {
	cluster.NodeDescriptor
	State           EntryState `json:"state"`
	LastSeenSeconds float64    `json:"last_seen_seconds_ago"`
}

// Registry holds the membership table. All mutation goes through the mutex;
// heartbeat handlers and the pruner are both writers.
type Registry struct {
	cfg config.RegistryConfig
	log hclog.Logger

	// runID distinguishes this registry incarnation in logs when several
	// workshop clusters share a machine.
	runID string

	mu      sync.Mutex
	entries map[string]*Entry

	// respawnPending guards against scheduling two replacements for the
	// same node id.
	respawnPending map[string]bool

	now func() time.Time
}

// New creates an empty registry.
func New(cfg config.RegistryConfig, log hclog.Logger) *Registry {
	return &Registry{
		cfg:            cfg,
		log:            log,
		runID:          uuid.NewString(),
		entries:        make(map[string]*Entry),
		respawnPending: make(map[string]bool),
		now:            time.Now,
	}
}

// Heartbeat upserts a node entry and reports whether the node is new to the
// registry and whether it was previously pruned (resurrection). The
// last-heartbeat timestamp only ever moves forward.
func (r *Registry) Heartbeat(desc cluster.NodeDescriptor) (isNew, resurrected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e, ok := r.entries[desc.ID]
	if !ok {
		r.entries[desc.ID] = &Entry{
			NodeDescriptor: desc,
			LastHeartbeat:  now,
			State:          StateAlive,
		}
		r.log.Info("new node registered", "node_id", desc.ID, "role", desc.Role,
			"port", desc.Port, "epoch", desc.StartupEpoch)
		return true, false
	}

	resurrected = e.State == StatePruned
	e.NodeDescriptor = desc
	e.State = StateAlive
	if now.After(e.LastHeartbeat) {
		e.LastHeartbeat = now
	}
	if resurrected {
		r.log.Info("pruned node resurrected", "node_id", desc.ID, "epoch", desc.StartupEpoch)
	}
	return false, resurrected
}

// Deregister removes a node entry (graceful shutdown path).
func (r *Registry) Deregister(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[nodeID]; ok {
		delete(r.entries, nodeID)
		r.log.Info("node deregistered", "node_id", nodeID)
	}
}

// Alive returns the descriptors of all alive nodes, ordered by port for
// deterministic output.
func (r *Registry) Alive() []cluster.NodeDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]cluster.NodeDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		if e.State == StateAlive {
			out = append(out, e.NodeDescriptor)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Nodes returns a snapshot of every entry regardless of state.
func (r *Registry) Nodes() []EntryView {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	out := make([]EntryView, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, EntryView{
			NodeDescriptor:  e.NodeDescriptor,
			State:           e.State,
			LastSeenSeconds: now.Sub(e.LastHeartbeat).Seconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// counts returns (total, alive) under the lock.
func (r *Registry) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alive := 0
	for _, e := range r.entries {
		if e.State == StateAlive {
			alive++
		}
	}
	return len(r.entries), alive
}

// RunPruner wakes every prune tick and transitions entries that have missed
// heartbeats beyond the threshold from alive to pruned. A pruned entry is
// only ever cleared by a successful re-registration.
func (r *Registry) RunPruner(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PruneTick)
	defer ticker.Stop()

	r.log.Info("pruner started", "threshold", r.cfg.PruneThreshold,
		"auto_spawn", r.cfg.AutoSpawn, "spawn_delay", r.cfg.SpawnDelay)

	for {
		select {
		case <-ticker.C:
			r.pruneOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) pruneOnce(ctx context.Context) {
	r.mu.Lock()
	now := r.now()
	var pruned []cluster.NodeDescriptor
	for _, e := range r.entries {
		if e.State != StateAlive {
			continue
		}
		silent := now.Sub(e.LastHeartbeat)
		if silent > r.cfg.PruneThreshold {
			e.State = StatePruned
			pruned = append(pruned, e.NodeDescriptor)
			r.log.Warn("node pruned", "node_id", e.ID, "silent_for", silent.Round(100*time.Millisecond))
		}
	}
	r.mu.Unlock()

	for _, desc := range pruned {
		if r.cfg.AutoSpawn && desc.Role == cluster.RoleFollower {
			r.scheduleRespawn(ctx, desc.ID)
		}
	}
}

// scheduleRespawn waits the configured spawn delay and then asks the
// coordinator for a replacement, unless a heartbeat resurrected the node in
// the meantime. The delay is what keeps a transiently-slow heartbeat from
// producing a ghost node; a delay shorter than the prune threshold plus one
// heartbeat interval re-creates that failure mode, which some workshop
// sessions demonstrate on purpose.
func (r *Registry) scheduleRespawn(ctx context.Context, nodeID string) {
	r.mu.Lock()
	if r.respawnPending[nodeID] {
		r.mu.Unlock()
		return
	}
	r.respawnPending[nodeID] = true
	var lastSeen time.Time
	if e, ok := r.entries[nodeID]; ok {
		lastSeen = e.LastHeartbeat
	}
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.respawnPending, nodeID)
			r.mu.Unlock()
		}()

		select {
		case <-time.After(r.cfg.SpawnDelay):
		case <-ctx.Done():
			return
		}

		r.mu.Lock()
		e, ok := r.entries[nodeID]
		stillPruned := ok && e.State == StatePruned && !e.LastHeartbeat.After(lastSeen)
		r.mu.Unlock()
		if !stillPruned {
			r.log.Info("respawn cancelled, node came back", "node_id", nodeID)
			return
		}

		r.log.Info("requesting respawn", "node_id", nodeID)
		callCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var resp cluster.SpawnResponse
		if err := cluster.PostJSON(callCtx, r.cfg.CoordinatorURL+"/spawn", struct{}{}, &resp); err != nil {
			r.log.Error("respawn request failed", "node_id", nodeID, "error", err)
			return
		}
		r.log.Info("respawn requested", "node_id", resp.NodeID, "port", resp.Port,
			"was_respawn", resp.WasRespawn)
	}()
}

// hintCatchup tells the coordinator a follower needs catch-up. Fire and
// forget: the coordinator also triggers catch-up on its own spawns, and
// bulk loads are idempotent, so a duplicate hint is harmless.
func (r *Registry) hintCatchup(desc cluster.NodeDescriptor) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := cluster.PostJSON(ctx, r.cfg.CoordinatorURL+"/catchup", cluster.CatchupRequest{
			NodeID: desc.ID,
			URL:    desc.URL(),
		}, nil)
		if err != nil {
			r.log.Warn("catch-up hint failed", "node_id", desc.ID, "error", err)
			return
		}
		r.log.Info("catch-up hint delivered", "node_id", desc.ID)
	}()
}
