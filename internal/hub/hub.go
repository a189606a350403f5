package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/emberworks/chatbridge/internal/logger"
	"github.com/emberworks/chatbridge/internal/metrics"
	"github.com/emberworks/chatbridge/pkg/auth"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// MessageHandler consumes an inbound message:send once it has passed
// authentication and rate limiting. The bridge implements this.
type MessageHandler interface {
	HandleMessageSend(ctx context.Context, conn *Conn, frame ClientFrame)
}

// Options carries the hub's tunables.
type Options struct {
	HeartbeatInterval time.Duration
	RateLimit         int
	RateWindow        time.Duration
	TypingExpiry      time.Duration
	TypingSpamWindow  time.Duration
	WriteTimeout      time.Duration
}

// Hub ties the connection manager, rate limiter, typing tracker, heartbeat
// and cleanup orchestrator together behind one websocket endpoint.
type Hub struct {
	Manager   *Manager
	Limiter   *RateLimiter
	Typing    *TypingTracker
	Cleaner   *Cleaner
	Heartbeat *Heartbeat

	validator    auth.TokenValidator
	handler      MessageHandler
	writeTimeout time.Duration
	logger       *logger.Logger

	wg sync.WaitGroup
}

// New assembles a hub. The message handler may be set later via SetHandler
// to break the construction cycle with the bridge.
func New(validator auth.TokenValidator, opts Options, log *logger.Logger) *Hub {
	h := &Hub{
		validator:    validator,
		writeTimeout: opts.WriteTimeout,
		logger:       log.WithComponent("hub"),
	}

	h.Manager = NewManager(log)
	h.Limiter = NewRateLimiter(opts.RateLimit, opts.RateWindow)
	h.Typing = NewTypingTracker(opts.TypingExpiry, opts.TypingSpamWindow, func(userID, conversationID string) {
		h.Manager.SendToConversation(conversationID, TypingStopFrame(userID, conversationID), userID)
	})
	h.Cleaner = NewCleaner(h.Manager, h.Limiter, h.Typing, log)
	h.Heartbeat = NewHeartbeat(h.Manager, h.Cleaner, opts.HeartbeatInterval, log)

	h.Manager.OnSendFailure = func(c *Conn, err error) {
		go h.Cleaner.Cleanup(c, CauseWriteFailure)
	}

	return h
}

// SetHandler installs the message:send consumer.
func (h *Hub) SetHandler(handler MessageHandler) {
	h.handler = handler
}

// HandleWS is the gin endpoint that upgrades and serves a socket.
func (h *Hub) HandleWS(c *gin.Context) {
	sock, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	conn := NewConn(sock, h.writeTimeout)
	h.Serve(conn, c.Query("token"))
}

// Serve runs a connection's lifecycle on the caller's goroutine: state
// machine, authentication, then the read loop until disconnect.
func (h *Hub) Serve(conn *Conn, queryToken string) {
	h.Manager.Add(conn)
	conn.Transition(StateConnecting, StateAuthenticating)

	userID, ok := h.authenticate(conn, queryToken)
	if !ok {
		_ = conn.Send(ErrorFrame("authentication", "authentication failed"))
		h.Cleaner.Cleanup(conn, CauseAuthFailure)
		return
	}

	conn.SetUserID(userID)
	conn.Transition(StateAuthenticating, StateActive)
	h.Manager.MarkActive(conn)

	if err := conn.Send(EstablishedFrame()); err != nil {
		h.Cleaner.Cleanup(conn, CauseWriteFailure)
		return
	}
	if err := conn.Send(AuthenticatedFrame(conn.ID)); err != nil {
		h.Cleaner.Cleanup(conn, CauseWriteFailure)
		return
	}

	h.logger.Info("connection authenticated",
		slog.String("connection_id", conn.ID),
		slog.String("user_id", userID))

	h.readLoop(conn)
}

// authenticate resolves the user identity from the query token or, failing
// that, the first inbound frame, which must be an auth frame.
func (h *Hub) authenticate(conn *Conn, queryToken string) (string, bool) {
	token := queryToken
	if token == "" {
		_, data, err := conn.sock.ReadMessage()
		if err != nil {
			return "", false
		}
		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type != FrameAuth {
			return "", false
		}
		token = frame.Token
	}
	if token == "" {
		return "", false
	}

	userID, err := h.validator.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token rejected",
			slog.String("connection_id", conn.ID),
			slog.String("error", err.Error()))
		return "", false
	}
	return userID, true
}

func (h *Hub) readLoop(conn *Conn) {
	for {
		_, data, err := conn.sock.ReadMessage()
		if err != nil {
			h.Cleaner.Cleanup(conn, CauseClientClose)
			return
		}
		conn.touch()

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = conn.Send(ErrorFrame("invalid_request", "malformed frame"))
			continue
		}
		h.dispatch(conn, frame)
	}
}

func (h *Hub) dispatch(conn *Conn, frame ClientFrame) {
	userID := conn.UserID()

	switch frame.Type {
	case FramePing:
		conn.pongSeen.Store(true)
		_ = conn.Send(PongFrame())

	case FrameTypingStart:
		if frame.ConversationID == "" {
			return
		}
		h.Manager.AttachToConversation(conn.ID, frame.ConversationID)
		if h.Typing.Start(userID, frame.ConversationID) {
			h.Manager.SendToConversation(frame.ConversationID, TypingStartFrame(userID, frame.ConversationID), userID)
		}

	case FrameTypingStop:
		if frame.ConversationID == "" {
			return
		}
		if h.Typing.Stop(userID, frame.ConversationID) {
			h.Manager.SendToConversation(frame.ConversationID, TypingStopFrame(userID, frame.ConversationID), userID)
		}

	case FrameMessageSend:
		if !h.Limiter.Allow(conn.ID) {
			metrics.RateLimitedFrames.Inc()
			_ = conn.Send(AckErrorFrame(frame.MessageID, "rate_limit", "message rate limit exceeded"))
			return
		}
		if frame.ConversationID != "" {
			h.Manager.AttachToConversation(conn.ID, frame.ConversationID)
		}
		if h.handler == nil {
			_ = conn.Send(AckErrorFrame(frame.MessageID, "internal", "message handling unavailable"))
			return
		}

		ctx := logger.WithConnectionID(context.Background(), conn.ID)
		ctx = logger.WithUserID(ctx, userID)
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.handler.HandleMessageSend(ctx, conn, frame)
		}()

	case FrameAuth:
		// Already authenticated; ignore.

	default:
		_ = conn.Send(ErrorFrame("invalid_request", "unknown frame type: "+frame.Type))
	}
}

// Shutdown closes every socket and waits for in-flight message handlers and
// cleanups, bounded by the context.
func (h *Hub) Shutdown(ctx context.Context) {
	for _, conn := range h.Manager.Snapshot() {
		h.Cleaner.Cleanup(conn, CauseShutdown)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn("shutdown timed out waiting for in-flight handlers")
	}
}
