// Package node implements a single replica process of the key/value store.
//
// A node is one OS process listening on one TCP port. In the leader role it
// accepts client writes, assigns versions under a per-key lock and fans the
// write out to sync followers (waiting) and async followers (not waiting).
// In the follower role it accepts replicated writes after an artificial
// delay, which is what makes replication lag visible to students.
//
// The node heartbeats to the registry every two seconds and keeps serving
// data traffic even when the registry is unreachable; membership is advisory
// for a node, authoritative only for the coordinator.
package node

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/config"
	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/ratelimit"
	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/store"
)

// State is a node's lifecycle phase.
type State string

const (
	StateBooting    State = "booting"
	StateRegistered State = "registered"
	StateServing    State = "serving"
	StateDraining   State = "draining"
	StateExited     State = "exited"
)

// syncReplicateTimeout bounds the leader's wait for its sync fan-out.
const syncReplicateTimeout = 60 * time.Second

// Node is the runtime state of one replica process.
type Node struct {
	cfg   config.NodeConfig
	store *store.Store
	log   hclog.Logger
	start time.Time

	state   atomic.Value       // State
	limiter *ratelimit.Limiter // nil unless --rate-limit is set

	activeRequests       atomic.Int64
	totalWrites          atomic.Int64
	totalReads           atomic.Int64
	replicationsSent     atomic.Int64
	replicationsReceived atomic.Int64
}

// New creates a node from its configuration. The store starts empty; a
// replacement follower is filled by catch-up, not by the constructor.
func New(cfg config.NodeConfig, log hclog.Logger) (*Node, error) {
	n := &Node{
		cfg:   cfg,
		store: store.New(),
		log:   log,
		start: time.Now(),
	}
	n.state.Store(StateBooting)

	if cfg.RateLimit != "" {
		limiter, err := ratelimit.New(cfg.RateLimit, cfg.RateLimitMax, cfg.RateLimitWindow)
		if err != nil {
			return nil, err
		}
		n.limiter = limiter
	}
	return n, nil
}

// ID returns the node's identifier.
func (n *Node) ID() string { return n.cfg.ID }

// Role returns "leader" or "follower".
func (n *Node) Role() string { return n.cfg.Role }

// State returns the current lifecycle phase.
func (n *Node) State() State {
	return n.state.Load().(State)
}

func (n *Node) setState(s State) {
	n.state.Store(s)
	n.log.Debug("state transition", "state", string(s))
}

// Store exposes the record store, used by package-level tests to inspect
// replica contents without going through HTTP.
func (n *Node) Store() *store.Store { return n.store }
