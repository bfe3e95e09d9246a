// Package coordinator implements the orchestration layer of the distributed
// key/value store. The coordinator owns the cluster layout (one leader plus
// N followers) and is the only component that speaks "quorum".
//
// # Responsibilities
//
//   - Write path: compute the sync set (the W live followers with the
//     smallest ports) and the async set (every other live follower), drive
//     the leader's write endpoint with both lists, and surface the leader's
//     verdict honestly. Fewer than W live followers means the write is
//     refused outright — durability is never weakened silently.
//   - Read path: query the R live followers with the largest ports in
//     parallel and return the answer with the highest version. The
//     smallest-port / largest-port pairing is the workshop's teaching
//     device: the two sets intersect in at least one follower exactly when
//     W+R>N, which is what makes the no-stale-read demo work.
//   - Membership actions: spawn node processes (preferring pruned ids on
//     their original ports so the topology stays stable), kill them with
//     signals, and run catch-up before a replacement follower rejoins the
//     active replication set.
//   - Liveness: an internal health monitor polls every layout member and
//     feeds the live-follower set used by the quorum math. The registry's
//     prune state is a second, slower signal used only for respawn.
//
// # What the coordinator does not do
//
// It holds no record data, never retries failed writes on behalf of the
// client, and never manufactures membership state: killing a follower just
// sends a signal, and the registry discovers the silence by itself, so a
// kill and a crash look identical downstream.
//
// The leader's identity is assumed stable for the process lifetime. Leader
// failure requires an election layer that is deliberately out of scope.
package coordinator
