package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/cluster"
)

// nodeHealth tracks the coordinator's view of one cluster member.
type nodeHealth struct {
	NodeID           string
	Status           string // "healthy", "unhealthy", "unknown"
	LastCheck        time.Time
	LastHealthy      time.Time
	ConsecutiveFails int
}

// Liveness performs periodic health checks against every node in the
// layout. It is the coordinator's own cached view of who is reachable; the
// registry's prune state is a separate, slower signal used for respawn.
//
// A member with no record yet (just spawned, not yet checked) counts as
// alive: the spawn path only admits a follower to the active replication set
// after its /health endpoint answered, so optimism here is safe and avoids a
// one-tick dead window for fresh nodes.
type Liveness struct {
	interval    time.Duration
	timeout     time.Duration
	maxFailures int

	mu     sync.RWMutex
	nodes  map[string]*nodeHealth
	client *http.Client

	checkFunc func(url string) error
	log       hclog.Logger
}

// NewLiveness creates a monitor that checks each node every interval and
// marks it unhealthy after maxFailures consecutive failed checks.
func NewLiveness(interval time.Duration, maxFailures int, log hclog.Logger) *Liveness {
	l := &Liveness{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: maxFailures,
		nodes:       make(map[string]*nodeHealth),
		client:      &http.Client{Timeout: 2 * time.Second},
		log:         log,
	}
	l.checkFunc = l.defaultCheck
	return l
}

// Run drives the check loop until ctx is cancelled. provider returns the
// current set of nodes to watch; members that leave the set are forgotten.
func (l *Liveness) Run(ctx context.Context, provider func() []cluster.NodeDescriptor) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.checkAll(provider())
	for {
		select {
		case <-ticker.C:
			l.checkAll(provider())
		case <-ctx.Done():
			return
		}
	}
}

func (l *Liveness) checkAll(nodes []cluster.NodeDescriptor) {
	current := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		current[n.ID] = true
		l.checkNode(n)
	}

	l.mu.Lock()
	for id := range l.nodes {
		if !current[id] {
			delete(l.nodes, id)
		}
	}
	l.mu.Unlock()
}

func (l *Liveness) checkNode(node cluster.NodeDescriptor) {
	l.mu.Lock()
	h, ok := l.nodes[node.ID]
	if !ok {
		h = &nodeHealth{NodeID: node.ID, Status: "unknown", LastHealthy: time.Now()}
		l.nodes[node.ID] = h
	}
	l.mu.Unlock()

	err := l.checkFunc(node.URL())

	l.mu.Lock()
	defer l.mu.Unlock()
	h.LastCheck = time.Now()
	if err != nil {
		h.ConsecutiveFails++
		if h.ConsecutiveFails >= l.maxFailures && h.Status != "unhealthy" {
			h.Status = "unhealthy"
			l.log.Warn("node unreachable", "node_id", node.ID, "fails", h.ConsecutiveFails, "error", err)
		}
		return
	}
	if h.Status == "unhealthy" {
		l.log.Info("node recovered", "node_id", node.ID)
	}
	h.Status = "healthy"
	h.ConsecutiveFails = 0
	h.LastHealthy = time.Now()
}

func (l *Liveness) defaultCheck(url string) error {
	resp, err := l.client.Get(url + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// IsAlive reports whether the coordinator currently considers the node
// reachable. Unknown nodes count as alive (see type comment).
func (l *Liveness) IsAlive(nodeID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.nodes[nodeID]
	if !ok {
		return true
	}
	return h.Status != "unhealthy"
}

// Status returns "alive" or "dead" for the status endpoint.
func (l *Liveness) Status(nodeID string) string {
	if l.IsAlive(nodeID) {
		return "alive"
	}
	return "dead"
}

// MarkHealthy resets a node's record after a successful spawn so a
// replacement is not penalized by its predecessor's failures.
func (l *Liveness) MarkHealthy(nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodes[nodeID] = &nodeHealth{
		NodeID:      nodeID,
		Status:      "healthy",
		LastCheck:   time.Now(),
		LastHealthy: time.Now(),
	}
}
