package node

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/cluster"
	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/store"
)

// StatsResponse is the node's /stats body.
type StatsResponse struct {
	NodeID               string `json:"node_id"`
	Role                 string `json:"role"`
	State                string `json:"state"`
	ActiveRequests       int64  `json:"active_requests"`
	TotalWrites          int64  `json:"total_writes"`
	TotalReads           int64  `json:"total_reads"`
	ReplicationsSent     int64  `json:"replications_sent"`
	ReplicationsReceived int64  `json:"replications_received"`
	RecordCount          int    `json:"record_count"`
	LoadFactor           int    `json:"load_factor"`
	RateLimitEnabled     bool   `json:"rate_limit_enabled"`
}

// Handler returns the node's HTTP API. Every response carries X-Node-ID and
// X-Node-Role so clients and the workshop visualizers can see which replica
// answered.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/write", n.handleWrite)
	mux.HandleFunc("/replicate", n.handleReplicate)
	mux.HandleFunc("/read/", n.handleRead)
	mux.HandleFunc("/snapshot", n.handleSnapshot)
	mux.HandleFunc("/bulk-load", n.handleBulkLoad)
	mux.HandleFunc("/health", n.handleHealth)
	mux.HandleFunc("/stats", n.handleStats)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.activeRequests.Add(1)
		defer n.activeRequests.Add(-1)

		w.Header().Set("X-Node-ID", n.cfg.ID)
		w.Header().Set("X-Node-Role", n.cfg.Role)

		// The optional node-side limiter guards client-facing data paths
		// only; replication and control traffic must never be throttled.
		if n.limiter != nil && isDataPath(r.URL.Path) {
			ok, res := n.limiter.Check(clientID(r))
			if !ok {
				retryAfter := retryAfterSeconds(res.RetryAfter)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				cluster.WriteJSON(w, http.StatusTooManyRequests, cluster.ErrorResponse{
					Error:      "rate limit exceeded",
					RetryAfter: retryAfter,
				})
				return
			}
		}

		mux.ServeHTTP(w, r)
	})
}

func isDataPath(path string) bool {
	return path == "/write" || strings.HasPrefix(path, "/read/")
}

// clientID identifies the caller for rate limiting: an explicit header when
// present, otherwise the source address without the port.
func clientID(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// retryAfterSeconds rounds the wait up to whole seconds, never below one.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// handleWrite accepts a client write. Leader only: followers reject direct
// writes so every version number has a single origin.
func (n *Node) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		cluster.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if n.cfg.Role != cluster.RoleLeader {
		cluster.WriteError(w, http.StatusForbidden, "followers cannot accept direct writes")
		return
	}

	var req cluster.WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, "bad json")
		return
	}
	if req.Key == "" {
		cluster.WriteError(w, http.StatusBadRequest, "key must not be empty")
		return
	}

	n.simulateLoad()

	// The key lock is held across the whole write lifecycle, including the
	// sync fan-out, so concurrent writes to one key serialize and versions
	// stay strictly increasing. Writes to other keys proceed in parallel.
	unlock := n.store.LockKey(req.Key)
	defer unlock()

	prev, existed := n.store.Get(req.Key)
	rec := n.store.Append(req.Key, req.Value)
	n.totalWrites.Add(1)
	n.log.Info("write accepted", "key", req.Key, "version", rec.Version,
		"sync_targets", len(req.SyncFollowers), "async_targets", len(req.AsyncFollowers))

	acked, err := n.replicateSync(req.SyncFollowers, req.Key, req.Value, rec.Version)

	if err != nil && n.cfg.RollbackOnFailure {
		// Optional mode: undo the local apply when the sync quorum failed.
		// The default keeps the value (leader-authoritative semantics).
		n.store.Restore(req.Key, prev, existed)
		n.log.Warn("write rolled back", "key", req.Key, "version", rec.Version, "error", err)
		cluster.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	// The write is locally durable at this point; async followers receive
	// it regardless of the sync outcome.
	n.replicateAsync(req.AsyncFollowers, req.Key, req.Value, rec.Version)

	if err != nil {
		n.log.Warn("sync replication incomplete", "key", req.Key, "version", rec.Version,
			"acks", len(acked), "error", err)
		cluster.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	cluster.WriteJSON(w, http.StatusOK, cluster.WriteResponse{
		Version:     rec.Version,
		SyncAcks:    len(acked),
		SyncAckedBy: acked,
	})
}

// handleReplicate accepts a replicated record from the leader. Follower
// only. The artificial delay runs before the version check so even a stale
// delivery shows the configured lag.
func (n *Node) handleReplicate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		cluster.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if n.cfg.Role == cluster.RoleLeader {
		cluster.WriteError(w, http.StatusForbidden, "leader cannot receive replications")
		return
	}

	var req cluster.ReplicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, "bad json")
		return
	}
	if req.Key == "" {
		cluster.WriteError(w, http.StatusBadRequest, "key must not be empty")
		return
	}

	// Deliberately not tied to the request context: a replicate that has
	// started is never abandoned halfway.
	if n.cfg.ReplicationDelay > 0 {
		time.Sleep(n.cfg.ReplicationDelay)
	}

	applied, local := n.store.Apply(req.Key, store.Record{Value: req.Value, Version: req.Version})
	if applied {
		n.replicationsReceived.Add(1)
		n.log.Info("replicated", "key", req.Key, "version", req.Version, "source", req.Source)
	} else {
		n.log.Debug("dropped stale replicate", "key", req.Key,
			"version", req.Version, "local_version", local)
	}

	cluster.WriteJSON(w, http.StatusOK, cluster.ReplicateResponse{
		Accepted:     applied,
		LocalVersion: local,
	})
}

// handleRead serves GET /read/{key}.
func (n *Node) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		cluster.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/read/")
	if key == "" {
		cluster.WriteError(w, http.StatusBadRequest, "key required")
		return
	}

	n.simulateLoad()

	rec, ok := n.store.Get(key)
	if !ok {
		cluster.WriteError(w, http.StatusNotFound, "key not found")
		return
	}
	n.totalReads.Add(1)

	cluster.WriteJSON(w, http.StatusOK, cluster.ReadResponse{
		NodeID:  n.cfg.ID,
		Key:     key,
		Value:   rec.Value,
		Version: rec.Version,
	})
}

// handleSnapshot serves the full record map for catch-up.
func (n *Node) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		cluster.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.SnapshotResponse{Records: n.store.Snapshot()})
}

// handleBulkLoad installs a snapshot, bypassing the replication delay.
// Each record is applied monotonically, so bulk-loading a stale snapshot
// over newer local data never regresses a key.
func (n *Node) handleBulkLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		cluster.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req cluster.BulkLoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, "bad json")
		return
	}

	loaded := 0
	for key, rec := range req.Records {
		if applied, _ := n.store.Apply(key, rec); applied {
			loaded++
		}
	}
	n.log.Info("bulk load complete", "offered", len(req.Records), "loaded", loaded)

	cluster.WriteJSON(w, http.StatusOK, cluster.BulkLoadResponse{Loaded: loaded})
}

func (n *Node) handleHealth(w http.ResponseWriter, r *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, cluster.HealthResponse{
		NodeID:      n.cfg.ID,
		Role:        n.cfg.Role,
		UptimeS:     time.Since(n.start).Seconds(),
		RecordCount: n.store.Len(),
	})
}

func (n *Node) handleStats(w http.ResponseWriter, r *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, StatsResponse{
		NodeID:               n.cfg.ID,
		Role:                 n.cfg.Role,
		State:                string(n.State()),
		ActiveRequests:       n.activeRequests.Load(),
		TotalWrites:          n.totalWrites.Load(),
		TotalReads:           n.totalReads.Load(),
		ReplicationsSent:     n.replicationsSent.Load(),
		ReplicationsReceived: n.replicationsReceived.Load(),
		RecordCount:          n.store.Len(),
		LoadFactor:           n.cfg.LoadFactor,
		RateLimitEnabled:     n.limiter != nil,
	})
}
