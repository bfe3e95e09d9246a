package node

import (
	"context"
	"fmt"

	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/cluster"
)

// replicateSync fans the record out to every sync follower in parallel and
// waits for all of them or the 60 s deadline. Returns the followers that
// acknowledged and the first failure, if any. The context is detached from
// the client request on purpose: a write accepted locally at the leader
// keeps propagating even if the caller goes away.
func (n *Node) replicateSync(targets []string, key, value string, version int64) ([]string, error) {
	if len(targets) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), syncReplicateTimeout)
	defer cancel()

	type ack struct {
		target string
		err    error
	}
	results := make(chan ack, len(targets))

	for _, target := range targets {
		go func(target string) {
			err := n.replicateTo(ctx, target, key, value, version)
			results <- ack{target: target, err: err}
		}(target)
	}

	var acked []string
	var firstErr error
	for range targets {
		res := <-results
		if res.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("sync replicate to %s: %w", res.target, res.err)
			}
			continue
		}
		acked = append(acked, res.target)
	}
	return acked, firstErr
}

// replicateAsync queues a fire-and-forget replicate to every async follower.
// Failures are logged and dropped; the async path exists to show lag, and a
// replacement follower is healed by catch-up, not by retries here.
func (n *Node) replicateAsync(targets []string, key, value string, version int64) {
	for _, target := range targets {
		go func(target string) {
			ctx, cancel := context.WithTimeout(context.Background(), syncReplicateTimeout)
			defer cancel()
			if err := n.replicateTo(ctx, target, key, value, version); err != nil {
				n.log.Warn("async replicate failed", "target", target, "key", key, "error", err)
			}
		}(target)
	}
}

func (n *Node) replicateTo(ctx context.Context, target, key, value string, version int64) error {
	var resp cluster.ReplicateResponse
	err := cluster.PostJSON(ctx, target+"/replicate", cluster.ReplicateRequest{
		Key:     key,
		Value:   value,
		Version: version,
		Source:  n.cfg.ID,
	}, &resp)
	if err != nil {
		return err
	}
	n.replicationsSent.Add(1)
	return nil
}
