package node

import (
	"context"
	"time"

	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/cluster"
)

const heartbeatTimeout = 2 * time.Second

// Descriptor returns the node's registry-facing identity.
func (n *Node) Descriptor() cluster.NodeDescriptor {
	return cluster.NodeDescriptor{
		ID:           n.cfg.ID,
		Role:         n.cfg.Role,
		Host:         n.cfg.Host,
		Port:         n.cfg.Port,
		StartupEpoch: n.cfg.StartupEpoch,
	}
}

// RunHeartbeat emits a heartbeat to the registry every heartbeat interval
// until ctx is cancelled. The first successful beat moves the node from
// booting through registered to serving. Send failures are logged and
// retried on the next tick; a node that cannot reach the registry keeps
// serving data traffic.
func (n *Node) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	n.beat(ctx)
	for {
		select {
		case <-ticker.C:
			n.beat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) beat(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	defer cancel()

	var resp cluster.HeartbeatResponse
	err := cluster.PostJSON(ctx, n.cfg.RegistryURL+"/heartbeat", n.Descriptor(), &resp)
	if err != nil {
		n.log.Warn("heartbeat failed", "registry", n.cfg.RegistryURL, "error", err)
		return
	}
	if n.State() == StateBooting {
		n.setState(StateRegistered)
		n.setState(StateServing)
		n.log.Info("registered with registry", "registry", n.cfg.RegistryURL)
	}
}

// Drain deregisters from the registry during graceful shutdown.
func (n *Node) Drain(ctx context.Context) {
	n.setState(StateDraining)

	ctx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	defer cancel()
	err := cluster.PostJSON(ctx, n.cfg.RegistryURL+"/deregister",
		cluster.DeregisterRequest{NodeID: n.cfg.ID}, nil)
	if err != nil {
		n.log.Warn("deregister failed", "error", err)
	}

	n.setState(StateExited)
}
