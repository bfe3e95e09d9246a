package registry

import (
	"encoding/json"
	"net/http"

	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/cluster"
)

// Handler returns the registry's HTTP API.
func (r *Registry) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/heartbeat", r.handleHeartbeat)
	mux.HandleFunc("/deregister", r.handleDeregister)
	mux.HandleFunc("/nodes", r.handleNodes)
	mux.HandleFunc("/alive", r.handleAlive)
	mux.HandleFunc("/", r.handleRoot)
	return mux
}

func (r *Registry) handleHeartbeat(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		cluster.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var desc cluster.NodeDescriptor
	if err := json.NewDecoder(req.Body).Decode(&desc); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, "bad json")
		return
	}
	if desc.ID == "" || desc.Port == 0 {
		cluster.WriteError(w, http.StatusBadRequest, "missing node_id/port")
		return
	}
	if desc.Host == "" {
		desc.Host = "127.0.0.1"
	}

	isNew, resurrected := r.Heartbeat(desc)

	// A follower appearing for the first time, or coming back from the
	// pruned state, needs the leader's data before it is useful.
	if (isNew || resurrected) && desc.Role == cluster.RoleFollower {
		r.hintCatchup(desc)
	}

	cluster.WriteJSON(w, http.StatusOK, cluster.HeartbeatResponse{OK: true, Nodes: r.Alive()})
}

func (r *Registry) handleDeregister(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		cluster.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body cluster.DeregisterRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, "bad json")
		return
	}
	if body.NodeID == "" {
		cluster.WriteError(w, http.StatusBadRequest, "missing node_id")
		return
	}
	r.Deregister(body.NodeID)
	cluster.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (r *Registry) handleNodes(w http.ResponseWriter, req *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, struct {
		Nodes []EntryView `json:"nodes"`
	}{Nodes: r.Nodes()})
}

func (r *Registry) handleAlive(w http.ResponseWriter, req *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, struct {
		Nodes []cluster.NodeDescriptor `json:"nodes"`
	}{Nodes: r.Alive()})
}

func (r *Registry) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		cluster.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	total, alive := r.counts()
	cluster.WriteJSON(w, http.StatusOK, struct {
		Service     string `json:"service"`
		RunID       string `json:"run_id"`
		TotalNodes  int    `json:"total_nodes"`
		AliveNodes  int    `json:"alive_nodes"`
		PrunedNodes int    `json:"pruned_nodes"`
	}{
		Service:     "kv registry",
		RunID:       r.runID,
		TotalNodes:  total,
		AliveNodes:  alive,
		PrunedNodes: total - alive,
	})
}
