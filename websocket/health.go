package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/V-prajit/Terminator/metrics"
)

// Monitor is the liveness sweep over the registry. Connections that have been
// silent longer than Timeout, or whose writes failed, are terminated; the
// rest are pinged. A pong counts as activity.
type Monitor struct {
	Registry  *Registry
	Terminate func(c *Connection, code int, reason string)
	Interval  time.Duration
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Run sweeps every Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// Sweep runs one pass and returns the number of terminated connections.
// Terminations run concurrently and Sweep returns once all have finished.
func (m *Monitor) Sweep(now time.Time) int {
	var wg sync.WaitGroup
	terminated := 0
	for _, c := range m.Registry.Connections() {
		code, reason := 0, ""
		switch {
		case now.Sub(c.LastActivity()) > m.Timeout:
			code, reason = websocket.ClosePolicyViolation, "inactivity timeout"
		case !c.Healthy():
			code, reason = websocket.CloseInternalServerErr, "send failure"
		default:
			if err := c.ping(); err != nil {
				c.logger.Debug("ping failed", "error", err)
				c.markUnhealthy()
			}
			continue
		}
		terminated++
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			m.terminate(c, code, reason)
		}(c)
	}
	wg.Wait()
	return terminated
}

func (m *Monitor) terminate(c *Connection, code int, reason string) {
	metrics.HealthTerminations.Inc()
	m.Logger.Info("terminating connection", "connection_id", c.ID, "reason", reason, "last_activity", c.LastActivity())
	m.Terminate(c, code, reason)
}
