// Package cluster holds the wire protocol shared by every component of the
// distributed key/value store: node descriptors, the JSON request/response
// bodies for the node, registry, coordinator and gateway endpoints, and the
// small HTTP client helpers the components call each other with.
//
// All inter-component traffic is HTTP with JSON bodies over loopback. The
// package is a leaf by design — node, registry, coordinator and gateway all
// import it, so a change to a wire type is visible to every process that
// speaks it.
//
// # Topology
//
//	client ──▶ Gateway ──▶ Coordinator ──▶ Leader ──▶ Followers
//	                            ▲
//	             heartbeats      │ prune / respawn hints
//	        Node ──────────▶ Registry
//
// Version numbers travel inside ReplicateRequest and store.Record; a
// follower only ever installs a strictly newer version, which is what keeps
// out-of-order delivery harmless.
package cluster
