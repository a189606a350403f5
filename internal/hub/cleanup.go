package hub

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emberworks/chatbridge/internal/logger"
)

// DisconnectCause labels why a connection was torn down.
type DisconnectCause string

const (
	CauseClientClose      DisconnectCause = "client-close"
	CauseWriteFailure     DisconnectCause = "write-failure"
	CauseHeartbeatTimeout DisconnectCause = "heartbeat-timeout"
	CauseShutdown         DisconnectCause = "shutdown"
	CauseAuthFailure      DisconnectCause = "auth-failure"
)

// Cleaner tears a connection down exactly once, in a fixed order: disconnect
// notice, indexes, rate-limiter state, typing state (with typing:stop
// fan-out), socket, and finally one structured disconnect log line.
type Cleaner struct {
	manager *Manager
	limiter *RateLimiter
	typing  *TypingTracker
	logger  *logger.Logger
}

// NewCleaner wires the orchestrator to the state it must purge.
func NewCleaner(manager *Manager, limiter *RateLimiter, typing *TypingTracker, log *logger.Logger) *Cleaner {
	return &Cleaner{
		manager: manager,
		limiter: limiter,
		typing:  typing,
		logger:  log.WithComponent("cleanup"),
	}
}

// Cleanup runs the teardown sequence. Subsequent calls for the same
// connection are no-ops.
func (cl *Cleaner) Cleanup(c *Conn, cause DisconnectCause) {
	c.cleanupOnce.Do(func() {
		userID := c.UserID()

		closeCode := websocket.CloseNormalClosure
		switch cause {
		case CauseAuthFailure:
			closeCode = websocket.ClosePolicyViolation
		case CauseShutdown:
			closeCode = websocket.CloseGoingAway
		case CauseWriteFailure, CauseHeartbeatTimeout:
			closeCode = websocket.CloseInternalServerErr
		}

		// Tell the peer why before the socket goes away. On a client-initiated
		// close or a broken pipe the write fails and that is fine.
		_ = c.Send(DisconnectedFrame(closeCode, string(cause)))
		c.MarkClosing()

		cl.manager.Remove(c.ID)
		cl.limiter.Remove(c.ID)

		if userID != "" {
			for _, conversationID := range cl.typing.PurgeUser(userID) {
				cl.manager.SendToConversation(conversationID, TypingStopFrame(userID, conversationID), userID)
			}
		}

		c.CloseWithCode(closeCode, string(cause))

		cl.logger.Info("connection closed",
			slog.String("connection_id", c.ID),
			slog.String("user_id", userID),
			slog.Duration("duration", time.Since(c.JoinedAt())),
			slog.String("cause", string(cause)))
	})
}
