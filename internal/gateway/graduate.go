package gateway

import "net/http"

// graduationArt is the reward at the end of the reliability workshop. No
// semantic content; purely a static response.
const graduationArt = `
╔═══════════════════════════════════════════════════════════════╗
║                                                               ║
║   ★ CONGRATULATIONS! YOU ARE NOW A DISTRIBUTED SYSTEMS        ║
║     ENGINEER! ★                                               ║
║                                                               ║
║   You have mastered:                                          ║
║                                                               ║
║     ✔ Load Balancing (Round-Robin, Adaptive & Weighted)       ║
║     ✔ Rate Limiting (Fixed Window Algorithm)                  ║
║     ✔ Single-Leader Replication                               ║
║     ✔ Quorum Reads & Writes                                   ║
║     ✔ Service Discovery & Heartbeats                          ║
║     ✔ Fault Tolerance & Recovery                              ║
║                                                               ║
║   "In distributed systems, everything fails all the time.     ║
║    The difference is whether you designed for it."            ║
║                                                               ║
║                             — Werner Vogels, AWS CTO          ║
║                                                               ║
╚═══════════════════════════════════════════════════════════════╝

    Now go build systems that survive chaos!
`

func (g *Gateway) handleGraduate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(graduationArt))
}
