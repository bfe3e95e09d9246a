package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/cluster"
	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/config"
)

func testConfig() config.RegistryConfig {
	return config.RegistryConfig{
		Port:           9000,
		CoordinatorURL: "http://127.0.0.1:1",
		PruneThreshold: 100 * time.Millisecond,
		PruneTick:      20 * time.Millisecond,
		SpawnDelay:     80 * time.Millisecond,
	}
}

func desc(id, role string, port int) cluster.NodeDescriptor {
	return cluster.NodeDescriptor{ID: id, Role: role, Host: "127.0.0.1", Port: port}
}

// TestHeartbeatUpsert tests new registration, refresh, and resurrection
func TestHeartbeatUpsert(t *testing.T) {
	r := New(testConfig(), hclog.NewNullLogger())

	isNew, resurrected := r.Heartbeat(desc("follower-1", cluster.RoleFollower, 7002))
	assert.True(t, isNew)
	assert.False(t, resurrected)

	isNew, resurrected = r.Heartbeat(desc("follower-1", cluster.RoleFollower, 7002))
	assert.False(t, isNew)
	assert.False(t, resurrected)

	// Force a prune, then heartbeat again: resurrection.
	r.mu.Lock()
	r.entries["follower-1"].State = StatePruned
	r.mu.Unlock()

	isNew, resurrected = r.Heartbeat(desc("follower-1", cluster.RoleFollower, 7002))
	assert.False(t, isNew)
	assert.True(t, resurrected)

	alive := r.Alive()
	require.Len(t, alive, 1)
	assert.Equal(t, "follower-1", alive[0].ID)
}

// TestHeartbeatMonotonicTimestamp tests that last_heartbeat never moves back
func TestHeartbeatMonotonicTimestamp(t *testing.T) {
	r := New(testConfig(), hclog.NewNullLogger())
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	r.Heartbeat(desc("n1", cluster.RoleFollower, 7002))
	first := r.entries["n1"].LastHeartbeat

	// Clock jumps backwards (delayed delivery): timestamp must not regress.
	now = now.Add(-10 * time.Second)
	r.Heartbeat(desc("n1", cluster.RoleFollower, 7002))
	assert.Equal(t, first, r.entries["n1"].LastHeartbeat)

	now = first.Add(5 * time.Second)
	r.Heartbeat(desc("n1", cluster.RoleFollower, 7002))
	assert.Equal(t, now, r.entries["n1"].LastHeartbeat)
}

// TestPrunerMarksSilentNodes tests the alive -> pruned transition
func TestPrunerMarksSilentNodes(t *testing.T) {
	r := New(testConfig(), hclog.NewNullLogger())
	r.Heartbeat(desc("quiet", cluster.RoleFollower, 7002))
	r.Heartbeat(desc("chatty", cluster.RoleFollower, 7003))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.RunPruner(ctx)

	// Keep one node chatty past the threshold.
	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		r.Heartbeat(desc("chatty", cluster.RoleFollower, 7003))
		time.Sleep(20 * time.Millisecond)
	}

	nodes := r.Nodes()
	states := map[string]EntryState{}
	for _, n := range nodes {
		states[n.ID] = n.State
	}
	assert.Equal(t, StatePruned, states["quiet"])
	assert.Equal(t, StateAlive, states["chatty"])

	// Only the chatty node remains in the alive set.
	alive := r.Alive()
	require.Len(t, alive, 1)
	assert.Equal(t, "chatty", alive[0].ID)
}

// TestDeregister tests explicit removal
func TestDeregister(t *testing.T) {
	r := New(testConfig(), hclog.NewNullLogger())
	r.Heartbeat(desc("n1", cluster.RoleFollower, 7002))
	r.Deregister("n1")
	assert.Empty(t, r.Nodes())

	// Deregistering an unknown id is a no-op.
	r.Deregister("ghost")
}

// TestAutoRespawnRequestsSpawn tests that a pruned follower triggers a
// coordinator spawn after the cool-down
func TestAutoRespawnRequestsSpawn(t *testing.T) {
	var spawnCalls atomic.Int64
	coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/spawn" {
			spawnCalls.Add(1)
			cluster.WriteJSON(w, http.StatusOK, cluster.SpawnResponse{NodeID: "follower-1", Port: 7002, WasRespawn: true})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer coord.Close()

	cfg := testConfig()
	cfg.AutoSpawn = true
	cfg.CoordinatorURL = coord.URL
	r := New(cfg, hclog.NewNullLogger())
	r.Heartbeat(desc("follower-1", cluster.RoleFollower, 7002))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.RunPruner(ctx)

	require.Eventually(t, func() bool { return spawnCalls.Load() == 1 },
		2*time.Second, 10*time.Millisecond, "expected exactly one spawn request")

	// No duplicate respawn for the same prune.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(1), spawnCalls.Load())
}

// TestRespawnCancelledByLateHeartbeat tests the ghost-node guard: a
// heartbeat arriving during the spawn delay cancels the respawn
func TestRespawnCancelledByLateHeartbeat(t *testing.T) {
	var spawnCalls atomic.Int64
	coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/spawn" {
			spawnCalls.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer coord.Close()

	cfg := testConfig()
	cfg.AutoSpawn = true
	cfg.SpawnDelay = 150 * time.Millisecond
	cfg.CoordinatorURL = coord.URL
	r := New(cfg, hclog.NewNullLogger())
	r.Heartbeat(desc("follower-1", cluster.RoleFollower, 7002))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.RunPruner(ctx)

	// Wait until pruned, then resurrect inside the spawn delay.
	require.Eventually(t, func() bool {
		for _, n := range r.Nodes() {
			if n.ID == "follower-1" && n.State == StatePruned {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	r.Heartbeat(desc("follower-1", cluster.RoleFollower, 7002))

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, spawnCalls.Load(), "late heartbeat must cancel the respawn")
}

// TestHeartbeatEndpointEmitsCatchupHint tests the HTTP surface: a new
// follower heartbeat posts a catch-up hint to the coordinator
func TestHeartbeatEndpointEmitsCatchupHint(t *testing.T) {
	hints := make(chan cluster.CatchupRequest, 1)
	coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/catchup" {
			var body cluster.CatchupRequest
			_ = json.NewDecoder(req.Body).Decode(&body)
			hints <- body
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer coord.Close()

	cfg := testConfig()
	cfg.CoordinatorURL = coord.URL
	r := New(cfg, hclog.NewNullLogger())
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	body, _ := json.Marshal(desc("follower-2", cluster.RoleFollower, 7003))
	resp, err := http.Post(srv.URL+"/heartbeat", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var hb cluster.HeartbeatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hb))
	assert.True(t, hb.OK)
	require.Len(t, hb.Nodes, 1)

	select {
	case hint := <-hints:
		assert.Equal(t, "follower-2", hint.NodeID)
		assert.Equal(t, "http://127.0.0.1:7003", hint.URL)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a catch-up hint")
	}
}

// TestHeartbeatEndpointValidation tests malformed heartbeat bodies
func TestHeartbeatEndpointValidation(t *testing.T) {
	r := New(testConfig(), hclog.NewNullLogger())
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/heartbeat", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, _ := json.Marshal(cluster.NodeDescriptor{Role: cluster.RoleFollower, Port: 7002})
	resp, err = http.Post(srv.URL+"/heartbeat", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "missing node_id")
}
