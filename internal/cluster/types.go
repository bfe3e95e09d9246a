package cluster

import (
	"fmt"

	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/store"
)

// Node roles. The leader accepts client writes and fans them out; followers
// accept replicated writes and serve reads. Leader identity is fixed for the
// lifetime of a run; there is no election layer.
const (
	RoleLeader   = "leader"
	RoleFollower = "follower"
)

// NodeDescriptor identifies a node process in the cluster. StartupEpoch is
// incremented each time the same node_id is respawned, which lets observers
// tell a replacement process apart from the original.
type NodeDescriptor struct {
	ID           string `json:"node_id"`
	Role         string `json:"role"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	StartupEpoch int    `json:"startup_epoch"`
}

// URL returns the node's base HTTP address.
func (d NodeDescriptor) URL() string {
	return fmt.Sprintf("http://%s:%d", d.Host, d.Port)
}

// WriteRequest is the leader /write body. The coordinator decides the
// sync/async split per write and hands both lists to the leader.
type WriteRequest struct {
	Key            string   `json:"key"`
	Value          string   `json:"value"`
	SyncFollowers  []string `json:"sync_followers"`
	AsyncFollowers []string `json:"async_followers"`
}

// WriteResponse reports the version assigned by the leader and which sync
// followers acknowledged.
type WriteResponse struct {
	Version     int64    `json:"version"`
	SyncAcks    int      `json:"sync_acks"`
	SyncAckedBy []string `json:"sync_acked_by,omitempty"`
}

// ReplicateRequest carries one versioned record from the leader to a follower.
type ReplicateRequest struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Version int64  `json:"version"`
	Source  string `json:"source,omitempty"`
}

// ReplicateResponse reports whether the follower installed the record.
// A stale version is dropped and still answered with Accepted=false and a
// 200 status: re-delivery is success, not failure.
type ReplicateResponse struct {
	Accepted     bool  `json:"accepted"`
	LocalVersion int64 `json:"local_version"`
}

// ReadResponse is a node's answer for a single key.
type ReadResponse struct {
	NodeID  string `json:"node_id"`
	Key     string `json:"key"`
	Value   string `json:"value"`
	Version int64  `json:"version"`
}

// SnapshotResponse is the full state of a node, used by catch-up.
type SnapshotResponse struct {
	Records map[string]store.Record `json:"records"`
}

// BulkLoadRequest installs a snapshot on a follower, bypassing the
// replication delay. Loading is per-record monotonic so a bulk load can
// never regress keys the follower already holds at newer versions.
type BulkLoadRequest struct {
	Records map[string]store.Record `json:"records"`
}

// BulkLoadResponse reports how many records the follower installed.
type BulkLoadResponse struct {
	Loaded int `json:"loaded"`
}

// HealthResponse is a node's /health body.
type HealthResponse struct {
	NodeID      string  `json:"node_id"`
	Role        string  `json:"role"`
	UptimeS     float64 `json:"uptime_s"`
	RecordCount int     `json:"record_count"`
}

// HeartbeatResponse acknowledges a heartbeat and returns the current alive
// set, so every node learns the membership view for free on each beat.
type HeartbeatResponse struct {
	OK    bool             `json:"ok"`
	Nodes []NodeDescriptor `json:"nodes,omitempty"`
}

// DeregisterRequest removes a node from the registry on graceful shutdown.
type DeregisterRequest struct {
	NodeID string `json:"node_id"`
}

// CatchupRequest asks the coordinator to run catch-up for a follower. Sent
// by the registry when a new or resurrected follower appears.
type CatchupRequest struct {
	NodeID string `json:"node_id"`
	URL    string `json:"url,omitempty"`
}

// SpawnResponse reports the outcome of a coordinator /spawn.
type SpawnResponse struct {
	NodeID     string `json:"node_id"`
	Port       int    `json:"port"`
	WasRespawn bool   `json:"was_respawn"`
}

// ErrorResponse is the uniform JSON error body across all components.
type ErrorResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after,omitempty"`
}
