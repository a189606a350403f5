package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/emberworks/chatbridge/internal/logger"
)

// Heartbeat probes every live connection each interval. A connection whose
// previous ping went unanswered is terminated, so an unresponsive peer is
// gone within roughly two intervals.
type Heartbeat struct {
	manager  *Manager
	cleaner  *Cleaner
	interval time.Duration
	logger   *logger.Logger
}

// NewHeartbeat creates the prober.
func NewHeartbeat(manager *Manager, cleaner *Cleaner, interval time.Duration, log *logger.Logger) *Heartbeat {
	return &Heartbeat{
		manager:  manager,
		cleaner:  cleaner,
		interval: interval,
		logger:   log.WithComponent("heartbeat"),
	}
}

// Run loops until the context is cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Sweep runs one probing pass over the current connection snapshot. Sockets
// still authenticating are probed too: their pong handler runs regardless of
// lifecycle state, so a stalled pre-auth connection is reaped like any other
// silent peer instead of holding its goroutine forever.
func (h *Heartbeat) Sweep() {
	for _, c := range h.manager.Snapshot() {
		if c.State() == StateClosing {
			continue
		}
		if !c.pongSeen.Swap(false) {
			h.logger.Warn("heartbeat missed",
				slog.String("connection_id", c.ID),
				slog.String("user_id", c.UserID()))
			h.cleaner.Cleanup(c, CauseHeartbeatTimeout)
			continue
		}
		if err := c.Ping(); err != nil {
			h.cleaner.Cleanup(c, CauseWriteFailure)
		}
	}
}
