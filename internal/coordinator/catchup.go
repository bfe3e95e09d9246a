package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/cluster"
)

const catchupTimeout = 10 * time.Second

// CatchUp copies the leader's full state into the follower at followerURL:
// fetch the leader's snapshot, push it through the follower's bulk-load
// endpoint (which bypasses the replication delay — catch-up is urgent), and
// return only once the load is acknowledged. The caller admits the follower
// to the active set afterwards, never before.
//
// Writes accepted during the transfer may or may not land in the snapshot;
// once the follower re-enters the async replication path, subsequent writes
// close that gap. Bulk loading is per-record monotonic, so running catch-up
// against a follower that already has newer data never regresses it.
func (c *Coordinator) CatchUp(ctx context.Context, nodeID, followerURL string) error {
	leader, ok := c.layout.Leader()
	if !ok {
		return ErrNoLeader
	}

	snapCtx, cancel := context.WithTimeout(ctx, catchupTimeout)
	defer cancel()
	var snap cluster.SnapshotResponse
	if err := cluster.GetJSON(snapCtx, leader.URL()+"/snapshot", &snap); err != nil {
		return fmt.Errorf("failed to fetch leader snapshot: %w", err)
	}

	if len(snap.Records) == 0 {
		c.log.Debug("catch-up skipped, leader is empty", "node_id", nodeID)
		return nil
	}

	loadCtx, cancel := context.WithTimeout(ctx, catchupTimeout)
	defer cancel()
	var loaded cluster.BulkLoadResponse
	err := cluster.PostJSON(loadCtx, followerURL+"/bulk-load",
		cluster.BulkLoadRequest{Records: snap.Records}, &loaded)
	if err != nil {
		return fmt.Errorf("failed to bulk-load follower %s: %w", nodeID, err)
	}

	c.log.Info("catch-up complete", "node_id", nodeID,
		"offered", len(snap.Records), "loaded", loaded.Loaded)
	return nil
}
