package coordinator

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/cluster"
	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/config"
)

// NodeSpec is everything needed to start one node process.
type NodeSpec struct {
	ID               string
	Role             string
	Host             string
	Port             int
	RegistryURL      string
	ReplicationDelay time.Duration
	StartupEpoch     int
}

// Process is a handle to a spawned node process.
type Process interface {
	// Terminate sends SIGTERM. The node drains and deregisters from the
	// registry before it exits.
	Terminate() error
	// Kill sends SIGKILL. The node's heartbeat simply stops; the registry
	// discovers the death on its own, exactly as it would for a crash.
	Kill() error
}

// Spawner starts node processes. Injectable so the test suite can run a
// cluster in-process.
type Spawner interface {
	Spawn(spec NodeSpec) (Process, error)
}

// execSpawner runs the node binary as a detached OS process. Process
// isolation is deliberate: students watch real failure domain boundaries,
// so nodes must not share the coordinator's address space.
type execSpawner struct {
	binary string
}

// NewExecSpawner creates a Spawner around the node binary at path.
func NewExecSpawner(binary string) Spawner {
	return &execSpawner{binary: binary}
}

func (s *execSpawner) Spawn(spec NodeSpec) (Process, error) {
	cmd := exec.Command(s.binary,
		"--id", spec.ID,
		"--role", spec.Role,
		"--host", spec.Host,
		"--port", strconv.Itoa(spec.Port),
		"--registry", spec.RegistryURL,
		"--replication-delay", spec.ReplicationDelay.String(),
		"--startup-epoch", strconv.Itoa(spec.StartupEpoch),
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start node %s: %w", spec.ID, err)
	}
	// Reap the child when it exits so killed nodes do not linger as
	// zombies for the coordinator's lifetime.
	go func() { _ = cmd.Wait() }()
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Terminate() error { return p.cmd.Process.Signal(syscall.SIGTERM) }
func (p *execProcess) Kill() error      { return p.cmd.Process.Kill() }

// processTable remembers the handle for every process this coordinator
// spawned, keyed by node id. A respawn overwrites the dead predecessor.
type processTable struct {
	mu    sync.Mutex
	procs map[string]Process
}

func newProcessTable() *processTable {
	return &processTable{procs: make(map[string]Process)}
}

func (t *processTable) put(id string, p Process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs[id] = p
}

func (t *processTable) get(id string) (Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[id]
	return p, ok
}

func (t *processTable) all() map[string]Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Process, len(t.procs))
	for id, p := range t.procs {
		out[id] = p
	}
	return out
}

// Shutdown terminates every node process this coordinator spawned. The
// cluster is memory-resident by design, so tearing it down loses all state;
// that is expected.
func (c *Coordinator) Shutdown() {
	for id, proc := range c.procs.all() {
		if err := proc.Terminate(); err != nil {
			c.log.Debug("terminate on shutdown failed", "node_id", id, "error", err)
		}
	}
}

// Bootstrap spawns the leader and the initial follower set. Called once at
// coordinator startup.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	leaderSpec := NodeSpec{
		ID:          "leader",
		Role:        cluster.RoleLeader,
		Host:        c.cfg.Host,
		Port:        c.cfg.BasePort + 1,
		RegistryURL: c.cfg.RegistryURL,
	}
	proc, err := c.spawner.Spawn(leaderSpec)
	if err != nil {
		return err
	}
	c.procs.put(leaderSpec.ID, proc)
	leaderDesc := cluster.NodeDescriptor{
		ID: leaderSpec.ID, Role: leaderSpec.Role,
		Host: leaderSpec.Host, Port: leaderSpec.Port,
	}
	if err := c.waitHealthy(ctx, leaderDesc.URL()); err != nil {
		return fmt.Errorf("leader failed to come up: %w", err)
	}
	c.layout.SetLeader(leaderDesc)
	c.log.Info("leader started", "port", leaderDesc.Port)

	for i := 0; i < c.cfg.Followers; i++ {
		if _, err := c.Spawn(ctx); err != nil {
			return fmt.Errorf("failed to start follower %d: %w", i+1, err)
		}
	}
	return nil
}

// Spawn starts a follower. A pruned follower id is preferred and respawned
// on its original port, which keeps the topology (and therefore the quorum
// geometry) stable across failures; otherwise the next follower-K id and
// port are allocated.
func (c *Coordinator) Spawn(ctx context.Context) (cluster.SpawnResponse, error) {
	spec, wasRespawn := c.nextFollowerSpec(ctx)

	proc, err := c.spawner.Spawn(spec)
	if err != nil {
		return cluster.SpawnResponse{}, err
	}
	c.procs.put(spec.ID, proc)

	desc := cluster.NodeDescriptor{
		ID: spec.ID, Role: spec.Role, Host: spec.Host,
		Port: spec.Port, StartupEpoch: spec.StartupEpoch,
	}
	c.layout.AddFollower(desc, spec.ReplicationDelay)
	c.log.Info("follower spawned", "node_id", spec.ID, "port", spec.Port,
		"delay", spec.ReplicationDelay, "respawn", wasRespawn, "epoch", spec.StartupEpoch)

	go c.activateFollower(desc)

	return cluster.SpawnResponse{NodeID: spec.ID, Port: spec.Port, WasRespawn: wasRespawn}, nil
}

// nextFollowerSpec picks identity, port and replication delay for the next
// follower. The delay is fixed at spawn time from the port's rank in the
// follower ordering: ranks below W get the fast sync delay, the rest get
// the slow async delay that makes replication lag visible.
func (c *Coordinator) nextFollowerSpec(ctx context.Context) (NodeSpec, bool) {
	spec := NodeSpec{
		Role:        cluster.RoleFollower,
		Host:        c.cfg.Host,
		RegistryURL: c.cfg.RegistryURL,
	}

	if desc, ok := c.prunedFollower(ctx); ok {
		spec.ID = desc.ID
		spec.Port = desc.Port
		spec.StartupEpoch = desc.StartupEpoch + 1
		spec.ReplicationDelay = c.delayForPort(desc.Port)
		return spec, true
	}

	k := c.layout.NextFollowerIndex()
	spec.ID = fmt.Sprintf("follower-%d", k)
	spec.Port = c.cfg.BasePort + 1 + k
	spec.ReplicationDelay = c.delayForPort(spec.Port)
	return spec, false
}

// prunedFollower asks the registry for pruned follower entries and returns
// the one with the smallest port. A registry outage degrades to fresh
// allocation; it never blocks a spawn.
func (c *Coordinator) prunedFollower(ctx context.Context) (cluster.NodeDescriptor, bool) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var resp struct {
		Nodes []struct {
			cluster.NodeDescriptor
			State string `json:"state"`
		} `json:"nodes"`
	}
	if err := cluster.GetJSON(ctx, c.cfg.RegistryURL+"/nodes", &resp); err != nil {
		c.log.Warn("could not query registry for pruned nodes", "error", err)
		return cluster.NodeDescriptor{}, false
	}

	var best cluster.NodeDescriptor
	found := false
	for _, n := range resp.Nodes {
		if n.State != "pruned" || n.Role != cluster.RoleFollower {
			continue
		}
		if !found || n.Port < best.Port {
			best = n.NodeDescriptor
			found = true
		}
	}
	return best, found
}

// delayForPort computes the rank of port among the known follower ports
// (itself included) and maps rank < W to the sync delay.
func (c *Coordinator) delayForPort(port int) time.Duration {
	ports := []int{port}
	for _, f := range c.layout.Followers() {
		if f.Desc.Port != port {
			ports = append(ports, f.Desc.Port)
		}
	}
	rank := 0
	for _, p := range ports {
		if p < port {
			rank++
		}
	}
	w, _ := c.layout.Quorum()
	if rank < w {
		return config.SyncReplicationDelay
	}
	return config.AsyncReplicationDelay
}

// activateFollower waits for the new process to answer health checks, runs
// catch-up when the leader holds data, and only then admits the follower to
// the active replication set.
func (c *Coordinator) activateFollower(desc cluster.NodeDescriptor) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.waitHealthy(ctx, desc.URL()); err != nil {
		c.log.Error("spawned follower never became healthy", "node_id", desc.ID, "error", err)
		return
	}
	c.liveness.MarkHealthy(desc.ID)

	if err := c.CatchUp(ctx, desc.ID, desc.URL()); err != nil {
		c.log.Error("catch-up failed", "node_id", desc.ID, "error", err)
		return
	}

	c.layout.SetCaughtUp(desc.ID, true)
	c.log.Info("follower active", "node_id", desc.ID)
}

// waitHealthy polls url/health until it answers or ctx expires.
func (c *Coordinator) waitHealthy(ctx context.Context, url string) error {
	for {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		var hr cluster.HealthResponse
		err := cluster.GetJSON(callCtx, url+"/health", &hr)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Kill stops a follower process with SIGKILL, so the node gets no chance to
// deregister. The layout entry stays: the registry notices the missing
// heartbeats on its own schedule, so a kill and a genuine crash are
// indistinguishable from its point of view.
func (c *Coordinator) Kill(nodeID string) error {
	if _, ok := c.layout.Follower(nodeID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFollower, nodeID)
	}
	proc, ok := c.procs.get(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s was not spawned by this coordinator", ErrUnknownFollower, nodeID)
	}
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("failed to kill %s: %w", nodeID, err)
	}
	c.log.Info("follower killed", "node_id", nodeID)
	return nil
}
