package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/cluster"
)

// StatusResponse is the coordinator's /status body: the full layout, quorum
// parameters, the current sync/async/read sets and per-follower liveness.
type StatusResponse struct {
	Leader    *StatusNode  `json:"leader"`
	Followers []StatusNode `json:"followers"`
	Quorum    StatusQuorum `json:"quorum"`
	Sets      StatusSets   `json:"sets"`
}

// StatusNode is one member's row in /status.
type StatusNode struct {
	NodeID       string `json:"node_id"`
	URL          string `json:"url"`
	Port         int    `json:"port"`
	Status       string `json:"status"`
	CaughtUp     bool   `json:"caught_up,omitempty"`
	DelayMs      int64  `json:"replication_delay_ms,omitempty"`
	StartupEpoch int    `json:"startup_epoch"`
}

// StatusQuorum summarizes write/read feasibility.
type StatusQuorum struct {
	W             int  `json:"W"`
	R             int  `json:"R"`
	LiveFollowers int  `json:"live_followers"`
	CanWrite      bool `json:"can_write"`
	CanRead       bool `json:"can_read"`
}

// StatusSets lists the node ids in each quorum set.
type StatusSets struct {
	Sync  []string `json:"sync"`
	Async []string `json:"async"`
	Read  []string `json:"read"`
}

// WriteBody is the coordinator /write request.
type WriteBody struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Handler returns the coordinator's HTTP API.
func (c *Coordinator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/write", c.handleWrite)
	mux.HandleFunc("/read/", c.handleRead)
	mux.HandleFunc("/spawn", c.handleSpawn)
	mux.HandleFunc("/kill/", c.handleKill)
	mux.HandleFunc("/catchup", c.handleCatchup)
	mux.HandleFunc("/status", c.handleStatus)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/", c.handleRoot)
	return mux
}

func (c *Coordinator) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		cluster.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body WriteBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, "bad json")
		return
	}
	if body.Key == "" {
		cluster.WriteError(w, http.StatusBadRequest, "key must not be empty")
		return
	}

	res, err := c.Write(r.Context(), body.Key, body.Value)
	if err != nil {
		cluster.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	cluster.WriteJSON(w, http.StatusOK, struct {
		Key             string   `json:"key"`
		Version         int64    `json:"version"`
		SyncedFollowers []string `json:"synced_followers"`
	}{Key: body.Key, Version: res.Version, SyncedFollowers: res.SyncedFollowers})
}

func (c *Coordinator) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		cluster.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/read/")
	if key == "" {
		cluster.WriteError(w, http.StatusBadRequest, "key required")
		return
	}

	res, err := c.Read(r.Context(), key)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		cluster.WriteError(w, http.StatusNotFound, err.Error())
		return
	default:
		cluster.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	cluster.WriteJSON(w, http.StatusOK, struct {
		Key          string `json:"key"`
		Value        string `json:"value"`
		Version      int64  `json:"version"`
		SourceNodeID string `json:"source_node_id"`
	}{Key: res.Key, Value: res.Value, Version: res.Version, SourceNodeID: res.SourceNodeID})
}

func (c *Coordinator) handleSpawn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		cluster.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp, err := c.Spawn(r.Context())
	if err != nil {
		cluster.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	cluster.WriteJSON(w, http.StatusOK, resp)
}

func (c *Coordinator) handleKill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		cluster.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	nodeID := strings.TrimPrefix(r.URL.Path, "/kill/")
	if nodeID == "" {
		cluster.WriteError(w, http.StatusBadRequest, "node_id required")
		return
	}
	if err := c.Kill(nodeID); err != nil {
		if errors.Is(err, ErrUnknownFollower) {
			cluster.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		cluster.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	cluster.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleCatchup serves the registry's catch-up hint for a new or
// resurrected follower. The work runs in the background; duplicate hints
// are harmless because bulk loads are idempotent.
func (c *Coordinator) handleCatchup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		cluster.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body cluster.CatchupRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, "bad json")
		return
	}
	if body.NodeID == "" {
		cluster.WriteError(w, http.StatusBadRequest, "missing node_id")
		return
	}

	url := body.URL
	if url == "" {
		f, ok := c.layout.Follower(body.NodeID)
		if !ok {
			cluster.WriteError(w, http.StatusNotFound, "unknown follower")
			return
		}
		url = f.Desc.URL()
	}
	if _, ok := c.layout.Leader(); !ok {
		cluster.WriteError(w, http.StatusServiceUnavailable, ErrNoLeader.Error())
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.CatchUp(ctx, body.NodeID, url); err != nil {
			c.log.Error("hinted catch-up failed", "node_id", body.NodeID, "error", err)
			return
		}
		c.layout.SetCaughtUp(body.NodeID, true)
	}()

	cluster.WriteJSON(w, http.StatusOK, map[string]string{"status": "catchup_started"})
}

func (c *Coordinator) handleStatus(w http.ResponseWriter, r *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, c.Status())
}

// Status assembles the live StatusResponse.
func (c *Coordinator) Status() StatusResponse {
	var resp StatusResponse

	if leader, ok := c.layout.Leader(); ok {
		resp.Leader = &StatusNode{
			NodeID:       leader.ID,
			URL:          leader.URL(),
			Port:         leader.Port,
			Status:       c.liveness.Status(leader.ID),
			StartupEpoch: leader.StartupEpoch,
		}
	}

	for _, f := range c.layout.Followers() {
		resp.Followers = append(resp.Followers, StatusNode{
			NodeID:       f.Desc.ID,
			URL:          f.Desc.URL(),
			Port:         f.Desc.Port,
			Status:       c.liveness.Status(f.Desc.ID),
			CaughtUp:     f.CaughtUp,
			DelayMs:      f.Delay.Milliseconds(),
			StartupEpoch: f.Desc.StartupEpoch,
		})
	}

	live := c.liveFollowers()
	w, r := c.layout.Quorum()
	leaderAlive := false
	if leader, ok := c.layout.Leader(); ok {
		leaderAlive = c.liveness.IsAlive(leader.ID)
	}
	resp.Quorum = StatusQuorum{
		W:             w,
		R:             r,
		LiveFollowers: len(live),
		CanWrite:      leaderAlive && len(live) >= w,
		CanRead:       len(live) >= r,
	}

	sets := ComputeSets(live, w, r)
	resp.Sets = StatusSets{
		Sync:  idsOf(sets.Sync),
		Async: idsOf(sets.Async),
		Read:  idsOf(sets.Read),
	}
	return resp
}

func (c *Coordinator) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		cluster.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	status := c.Status()
	leaderID := ""
	if status.Leader != nil {
		leaderID = status.Leader.NodeID
	}
	cluster.WriteJSON(w, http.StatusOK, struct {
		Service       string `json:"service"`
		Leader        string `json:"leader"`
		FollowerCount int    `json:"follower_count"`
		CanWrite      bool   `json:"can_write"`
		CanRead       bool   `json:"can_read"`
	}{
		Service:       "kv coordinator",
		Leader:        leaderID,
		FollowerCount: len(status.Followers),
		CanWrite:      status.Quorum.CanWrite,
		CanRead:       status.Quorum.CanRead,
	})
}
