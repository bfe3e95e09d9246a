// Package gateway implements the single client-facing ingress of the
// cluster. Requests pass through a fixed middleware order — rate limiter,
// then load balancer, then forward — and the upstream's response comes back
// verbatim, non-200 statuses included, so a 429 or 503 produced anywhere in
// the chain reaches the client untouched.
//
// In the usual deployment the gateway fronts the coordinator and the load
// balancer is idle. Configured with several upstreams it fronts nodes
// directly and the selected strategy picks one per request; the balancer's
// view of upstream load and latency comes entirely from the gateway's own
// observations.
package gateway

import (
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/balance"
	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/cluster"
	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/config"
	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/ratelimit"
)

// Gateway is the stateless edge process. Its only state is the rate-limiter
// table and the balancer's observation counters.
type Gateway struct {
	cfg      config.GatewayConfig
	limiter  *ratelimit.Limiter // nil when rate limiting is disabled
	balancer *balance.Balancer  // nil when fronting the coordinator
	client   *http.Client
	log      hclog.Logger

	totalRequests     atomic.Int64
	forwardedRequests atomic.Int64
	rateLimited       atomic.Int64
	upstreamErrors    atomic.Int64
}

// New creates a gateway from its configuration.
func New(cfg config.GatewayConfig, log hclog.Logger) (*Gateway, error) {
	g := &Gateway{
		cfg:    cfg,
		client: &http.Client{Timeout: 65 * time.Second},
		log:    log,
	}

	if cfg.RateLimit != "" {
		limiter, err := ratelimit.New(cfg.RateLimit, cfg.RateLimitMax, cfg.RateLimitWindow)
		if err != nil {
			return nil, err
		}
		g.limiter = limiter
		log.Info("rate limiting enabled", "strategy", cfg.RateLimit,
			"max", cfg.RateLimitMax, "window", cfg.RateLimitWindow)
	}

	if len(cfg.Upstreams) > 0 {
		b, err := balance.New(cfg.LoadBalance, cfg.Upstreams, cfg.Weights, cfg.AdaptiveK)
		if err != nil {
			return nil, err
		}
		g.balancer = b
		log.Info("load balancing enabled", "strategy", cfg.LoadBalance,
			"upstreams", len(cfg.Upstreams))
	}
	return g, nil
}

// Handler returns the gateway's HTTP API with the middleware chain applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/write", g.handleForward)
	mux.HandleFunc("/read/", g.handleForward)
	mux.HandleFunc("/cluster-status", g.handleClusterStatus)
	mux.HandleFunc("/stats", g.handleStats)
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/graduate", g.handleGraduate)
	mux.HandleFunc("/", g.handleRoot)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.totalRequests.Add(1)

		// Rate limiting runs first so a rejected client costs nothing
		// upstream. Observability endpoints stay reachable regardless.
		if g.limiter != nil && isForwardedPath(r.URL.Path) {
			ok, res := g.limiter.Check(clientID(r))
			if !ok {
				g.rateLimited.Add(1)
				retryAfter := retryAfterSeconds(res.RetryAfter)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
				w.Header().Set("X-RateLimit-Remaining", "0")
				g.log.Info("rate limited", "client", clientID(r), "path", r.URL.Path)
				cluster.WriteJSON(w, http.StatusTooManyRequests, cluster.ErrorResponse{
					Error:      "too many requests",
					RetryAfter: retryAfter,
				})
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		}

		mux.ServeHTTP(w, r)
	})
}

// retryAfterSeconds rounds the wait up to whole seconds, never below one.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func isForwardedPath(path string) bool {
	return path == "/write" || len(path) > len("/read/") && path[:len("/read/")] == "/read/"
}

// clientID identifies the caller: an explicit header when present, else the
// source address without the port.
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

// pickUpstream returns the base URL for this request and the balancer
// upstream handle when one is in play.
func (g *Gateway) pickUpstream() (string, *balance.Upstream) {
	if g.balancer != nil {
		if u := g.balancer.Pick(); u != nil {
			return u.URL, u
		}
	}
	return g.cfg.CoordinatorURL, nil
}

// handleForward proxies /write and /read/{key} to the chosen upstream and
// copies the response back verbatim. The client's context propagates, so a
// disconnected client cancels the upstream call.
func (g *Gateway) handleForward(w http.ResponseWriter, r *http.Request) {
	base, upstream := g.pickUpstream()
	g.forwardedRequests.Add(1)

	req, err := http.NewRequestWithContext(r.Context(), r.Method, base+r.URL.Path, r.Body)
	if err != nil {
		cluster.WriteError(w, http.StatusInternalServerError, "failed to build upstream request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if id := r.Header.Get("X-Client-ID"); id != "" {
		req.Header.Set("X-Client-ID", id)
	}

	if upstream != nil {
		g.balancer.RecordStart(upstream)
	}
	start := time.Now()
	resp, err := g.client.Do(req)
	latency := time.Since(start)
	if upstream != nil {
		g.balancer.RecordEnd(upstream, latency.Milliseconds(), err == nil)
	}
	if err != nil {
		g.upstreamErrors.Add(1)
		g.log.Warn("upstream unreachable", "upstream", base, "error", err)
		cluster.WriteError(w, http.StatusServiceUnavailable, "upstream unreachable")
		return
	}
	defer resp.Body.Close()

	// Verbatim passthrough, status code included: the rate-limit and
	// quorum signals must survive the hop.
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		g.log.Debug("response copy interrupted", "error", err)
	}
}

func (g *Gateway) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, g.cfg.CoordinatorURL+"/status", nil)
	if err != nil {
		cluster.WriteError(w, http.StatusInternalServerError, "failed to build upstream request")
		return
	}
	resp, err := g.client.Do(req)
	if err != nil {
		g.upstreamErrors.Add(1)
		cluster.WriteError(w, http.StatusServiceUnavailable, "coordinator unreachable")
		return
	}
	defer resp.Body.Close()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// StatsResponse is the gateway's /stats body.
type StatsResponse struct {
	Gateway struct {
		TotalRequests     int64 `json:"total_requests"`
		ForwardedRequests int64 `json:"forwarded_requests"`
		RateLimited       int64 `json:"rate_limited_requests"`
		UpstreamErrors    int64 `json:"upstream_errors"`
	} `json:"gateway"`
	RateLimiter  *ratelimit.Stats `json:"rate_limiter,omitempty"`
	LoadBalancer *BalancerStats   `json:"load_balancer,omitempty"`
}

// BalancerStats is the load balancer section of /stats.
type BalancerStats struct {
	Strategy  string                  `json:"strategy"`
	Upstreams []balance.UpstreamStats `json:"upstreams"`
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp StatsResponse
	resp.Gateway.TotalRequests = g.totalRequests.Load()
	resp.Gateway.ForwardedRequests = g.forwardedRequests.Load()
	resp.Gateway.RateLimited = g.rateLimited.Load()
	resp.Gateway.UpstreamErrors = g.upstreamErrors.Load()
	if g.limiter != nil {
		stats := g.limiter.Stats()
		resp.RateLimiter = &stats
	}
	if g.balancer != nil {
		resp.LoadBalancer = &BalancerStats{
			Strategy:  g.balancer.StrategyName(),
			Upstreams: g.balancer.Stats(),
		}
	}
	cluster.WriteJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "gateway"})
}

func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		cluster.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	cluster.WriteJSON(w, http.StatusOK, struct {
		Service     string `json:"service"`
		Coordinator string `json:"coordinator"`
		RateLimit   bool   `json:"rate_limiting"`
		LoadBalance bool   `json:"load_balancing"`
	}{
		Service:     "kv gateway",
		Coordinator: g.cfg.CoordinatorURL,
		RateLimit:   g.limiter != nil,
		LoadBalance: g.balancer != nil,
	})
}
