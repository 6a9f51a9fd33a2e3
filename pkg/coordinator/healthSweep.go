package coordinator

import (
	"context"
	"time"

	"github.com/CARTAvis/go-fleet/pkg/shared/defs"
)

func (c *Coordinator) runHealthSweep(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-ctx.Done():
			c.logger.Debug("Health sweep stopped")
			return
		}
	}
}

// sweep marks stale workers unhealthy and closes the transport of every worker
// presumed dead. The read loop's close path then removes the record.
func (c *Coordinator) sweep() {
	for _, id := range c.pool.CheckHealth(c.cfg.HeartbeatTimeout) {
		c.logger.Warn("Evicting worker after heartbeat timeout", "workerId", id)
		c.pool.Disconnect(id, defs.CloseHeartbeatTimeout, "heartbeat timeout")
	}
}
