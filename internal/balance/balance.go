// Package balance implements upstream selection for the gateway. The
// balancer owns per-upstream observations (active requests, latency) taken
// from the gateway's own vantage point; upstreams do not report anything.
package balance

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
)

// Upstream is one backend the gateway can forward to. Stats fields are
// updated on every forwarded request and read by the adaptive strategy.
type Upstream struct {
	URL    string
	Weight int

	active        atomic.Int64
	totalRequests atomic.Int64
	totalLatency  atomic.Int64 // milliseconds
	failures      atomic.Int64
}

// ActiveRequests returns the number of in-flight requests to this upstream.
func (u *Upstream) ActiveRequests() int64 { return u.active.Load() }

// AvgLatencyMs returns the rolling average latency observed by the gateway,
// zero until the first request completes.
func (u *Upstream) AvgLatencyMs() float64 {
	n := u.totalRequests.Load()
	if n == 0 {
		return 0
	}
	return float64(u.totalLatency.Load()) / float64(n)
}

// UpstreamStats is the JSON view exposed on /stats.
type UpstreamStats struct {
	URL            string  `json:"url"`
	Weight         int     `json:"weight,omitempty"`
	ActiveRequests int64   `json:"active_requests"`
	TotalRequests  int64   `json:"total_requests"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	Failures       int64   `json:"failures"`
}

// Strategy picks an upstream for the next request.
type Strategy interface {
	Pick(upstreams []*Upstream) *Upstream
	Name() string
}

// RoundRobin rotates through upstreams in order.
type RoundRobin struct {
	counter atomic.Uint64
}

func (r *RoundRobin) Name() string { return "round_robin" }

// Pick implements Strategy.
func (r *RoundRobin) Pick(upstreams []*Upstream) *Upstream {
	if len(upstreams) == 0 {
		return nil
	}
	n := r.counter.Add(1) - 1
	return upstreams[n%uint64(len(upstreams))]
}

// Adaptive selects the upstream minimizing active + k*avg_latency_ms.
// Ties fall back to round-robin so cold upstreams still share the load.
type Adaptive struct {
	K  float64
	rr RoundRobin
}

func (a *Adaptive) Name() string { return "adaptive" }

// Pick implements Strategy.
func (a *Adaptive) Pick(upstreams []*Upstream) *Upstream {
	if len(upstreams) == 0 {
		return nil
	}
	var tied []*Upstream
	best := 0.0
	for _, u := range upstreams {
		score := float64(u.ActiveRequests()) + a.K*u.AvgLatencyMs()
		switch {
		case tied == nil || score < best:
			tied = []*Upstream{u}
			best = score
		case score == best:
			tied = append(tied, u)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	return a.rr.Pick(tied)
}

// Weighted distributes requests proportionally to static capacity weights.
// An upstream with weight 0 is treated as weight 1.
type Weighted struct {
	counter atomic.Uint64
}

func (w *Weighted) Name() string { return "weighted" }

// Pick implements Strategy.
func (w *Weighted) Pick(upstreams []*Upstream) *Upstream {
	if len(upstreams) == 0 {
		return nil
	}
	total := 0
	for _, u := range upstreams {
		total += weightOf(u)
	}
	n := int((w.counter.Add(1) - 1) % uint64(total))
	for _, u := range upstreams {
		n -= weightOf(u)
		if n < 0 {
			return u
		}
	}
	return upstreams[len(upstreams)-1]
}

func weightOf(u *Upstream) int {
	if u.Weight <= 0 {
		return 1
	}
	return u.Weight
}

// Random selects uniformly. Fine when upstream capacities match.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (r *Random) Name() string { return "random" }

// Pick implements Strategy.
func (r *Random) Pick(upstreams []*Upstream) *Upstream {
	if len(upstreams) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return upstreams[r.rng.Intn(len(upstreams))]
}

// Balancer pairs an upstream set with a selection strategy and the
// observation hooks the forwarding path calls around each request.
type Balancer struct {
	upstreams []*Upstream
	strategy  Strategy
}

// New creates a Balancer over urls with the named strategy. Supported names
// are "round_robin", "adaptive", "weighted" and "random". weights may be nil
// or must match urls in length.
func New(strategy string, urls []string, weights []int, adaptiveK float64) (*Balancer, error) {
	var s Strategy
	switch strategy {
	case "round_robin":
		s = &RoundRobin{}
	case "adaptive":
		s = &Adaptive{K: adaptiveK}
	case "weighted":
		s = &Weighted{}
	case "random":
		s = &Random{}
	default:
		return nil, fmt.Errorf("unknown load balance strategy: %q", strategy)
	}
	ups := make([]*Upstream, len(urls))
	for i, url := range urls {
		ups[i] = &Upstream{URL: url}
		if i < len(weights) {
			ups[i].Weight = weights[i]
		}
	}
	return &Balancer{upstreams: ups, strategy: s}, nil
}

// Pick returns the upstream for the next request, nil when none exist.
func (b *Balancer) Pick() *Upstream {
	return b.strategy.Pick(b.upstreams)
}

// StrategyName returns the active strategy identifier.
func (b *Balancer) StrategyName() string { return b.strategy.Name() }

// RecordStart marks a request in flight to u.
func (b *Balancer) RecordStart(u *Upstream) {
	u.active.Add(1)
}

// RecordEnd completes the observation started by RecordStart.
func (b *Balancer) RecordEnd(u *Upstream, latencyMs int64, success bool) {
	u.active.Add(-1)
	u.totalRequests.Add(1)
	u.totalLatency.Add(latencyMs)
	if !success {
		u.failures.Add(1)
	}
}

// Stats returns the per-upstream observation table.
func (b *Balancer) Stats() []UpstreamStats {
	out := make([]UpstreamStats, 0, len(b.upstreams))
	for _, u := range b.upstreams {
		out = append(out, UpstreamStats{
			URL:            u.URL,
			Weight:         u.Weight,
			ActiveRequests: u.ActiveRequests(),
			TotalRequests:  u.totalRequests.Load(),
			AvgLatencyMs:   u.AvgLatencyMs(),
			Failures:       u.failures.Load(),
		})
	}
	return out
}
