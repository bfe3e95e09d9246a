package node

import "time"

// fib is the naive recursive Fibonacci. Exponential on purpose: the load
// factor dial maps small integers onto a wide range of per-request CPU cost.
func fib(x int) int {
	if x < 2 {
		return x
	}
	return fib(x-1) + fib(x-2)
}

// simulateLoad burns CPU on a data request when --load-factor is set, so the
// adaptive load balancer has something real to observe.
func (n *Node) simulateLoad() {
	if n.cfg.LoadFactor <= 0 {
		return
	}
	start := time.Now()
	fib(n.cfg.LoadFactor)
	n.log.Debug("simulated cpu load", "fib", n.cfg.LoadFactor,
		"took_ms", time.Since(start).Milliseconds())
}
