package hub

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emberworks/chatbridge/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

// fakeSocket is an in-memory Socket. Inbound frames are fed through a
// channel; outbound frames are decoded and recorded.
type fakeSocket struct {
	mu        sync.Mutex
	written   []ServerFrame
	pings     int
	closed    bool
	closeCode int
	writeErr  error

	inbound     chan []byte
	pongHandler func(string) error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{inbound: make(chan []byte, 16)}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	data, ok := <-s.inbound
	if !ok {
		return 0, nil, errors.New("socket closed")
	}
	return websocket.TextMessage, data, nil
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	var frame ServerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	s.written = append(s.written, frame)
	return nil
}

func (s *fakeSocket) WriteControl(messageType int, data []byte, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch messageType {
	case websocket.PingMessage:
		s.pings++
	case websocket.CloseMessage:
		if len(data) >= 2 {
			s.closeCode = int(binary.BigEndian.Uint16(data[:2]))
		}
	}
	return nil
}

func (s *fakeSocket) SetReadDeadline(t time.Time) error        { return nil }
func (s *fakeSocket) SetWriteDeadline(t time.Time) error       { return nil }
func (s *fakeSocket) SetPongHandler(h func(string) error)      { s.pongHandler = h }
func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) feed(frame ClientFrame) {
	data, _ := json.Marshal(frame)
	s.inbound <- data
}

func (s *fakeSocket) frames(frameType string) []ServerFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ServerFrame
	for _, f := range s.written {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

func (s *fakeSocket) closedWith() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closeCode
}

type fakeValidator struct {
	users map[string]string
}

func (v *fakeValidator) ValidateToken(token string) (string, error) {
	if userID, ok := v.users[token]; ok {
		return userID, nil
	}
	return "", errors.New("invalid token")
}

// recordingHandler captures message:send frames handed off by the hub.
type recordingHandler struct {
	mu     sync.Mutex
	frames []ClientFrame
}

func (r *recordingHandler) HandleMessageSend(ctx context.Context, conn *Conn, frame ClientFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *recordingHandler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func testOptions() Options {
	return Options{
		HeartbeatInterval: 30 * time.Second,
		RateLimit:         10,
		RateWindow:        60 * time.Second,
		TypingExpiry:      5 * time.Second,
		TypingSpamWindow:  time.Second,
		WriteTimeout:      time.Second,
	}
}

func newTestHub() *Hub {
	validator := &fakeValidator{users: map[string]string{"good-token": "user-1", "other-token": "user-2"}}
	return New(validator, testOptions(), testLogger())
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

// activeConn registers an already-authenticated connection, bypassing Serve.
func activeConn(h *Hub, userID string) (*Conn, *fakeSocket) {
	sock := newFakeSocket()
	c := NewConn(sock, time.Second)
	c.SetUserID(userID)
	c.Transition(StateConnecting, StateAuthenticating)
	c.Transition(StateAuthenticating, StateActive)
	h.Manager.Add(c)
	h.Manager.MarkActive(c)
	return c, sock
}

func TestServeAuthenticatesViaQueryToken(t *testing.T) {
	h := newTestHub()
	sock := newFakeSocket()
	conn := NewConn(sock, time.Second)

	done := make(chan struct{})
	go func() {
		h.Serve(conn, "good-token")
		close(done)
	}()

	waitFor(t, "authenticated frame never sent", func() bool {
		return len(sock.frames(FrameAuthenticated)) == 1
	})
	if len(sock.frames(FrameEstablished)) != 1 {
		t.Fatal("expected connection:established before connection:authenticated")
	}
	if conn.UserID() != "user-1" {
		t.Fatalf("user id = %q, want user-1", conn.UserID())
	}
	if conn.State() != StateActive {
		t.Fatalf("state = %v, want active", conn.State())
	}
	if got := h.Manager.Stats(); got.Connections != 1 || got.Users != 1 {
		t.Fatalf("stats = %+v, want one connection and one user", got)
	}

	close(sock.inbound)
	<-done

	if got := h.Manager.Stats(); got.Connections != 0 {
		t.Fatalf("stats after close = %+v, want empty", got)
	}
}

func TestServeAuthenticatesViaFirstFrame(t *testing.T) {
	h := newTestHub()
	sock := newFakeSocket()
	conn := NewConn(sock, time.Second)
	sock.feed(ClientFrame{Type: FrameAuth, Token: "good-token"})

	done := make(chan struct{})
	go func() {
		h.Serve(conn, "")
		close(done)
	}()

	waitFor(t, "authenticated frame never sent", func() bool {
		return len(sock.frames(FrameAuthenticated)) == 1
	})
	if conn.UserID() != "user-1" {
		t.Fatalf("user id = %q, want user-1", conn.UserID())
	}

	close(sock.inbound)
	<-done
}

func TestServeRejectsNonAuthFirstFrame(t *testing.T) {
	h := newTestHub()
	sock := newFakeSocket()
	conn := NewConn(sock, time.Second)
	sock.feed(ClientFrame{Type: FrameMessageSend, Content: "hi", ConversationID: "c1"})

	h.Serve(conn, "")

	errFrames := sock.frames(FrameError)
	if len(errFrames) != 1 || errFrames[0].Kind != "authentication" {
		t.Fatalf("error frames = %+v, want one authentication error", errFrames)
	}
	closed, code := sock.closedWith()
	if !closed || code != websocket.ClosePolicyViolation {
		t.Fatalf("closed = %v code = %d, want policy violation close", closed, code)
	}
	if got := h.Manager.Stats(); got.Connections != 0 {
		t.Fatalf("stats = %+v, want empty after rejection", got)
	}
}

func TestServeRejectsBadToken(t *testing.T) {
	h := newTestHub()
	sock := newFakeSocket()
	conn := NewConn(sock, time.Second)

	h.Serve(conn, "wrong-token")

	errFrames := sock.frames(FrameError)
	if len(errFrames) != 1 || errFrames[0].Kind != "authentication" {
		t.Fatalf("error frames = %+v, want one authentication error", errFrames)
	}
	closed, code := sock.closedWith()
	if !closed || code != websocket.ClosePolicyViolation {
		t.Fatalf("closed = %v code = %d, want policy violation close", closed, code)
	}
}

func TestDispatchMessageSendHandsOffToHandler(t *testing.T) {
	h := newTestHub()
	handler := &recordingHandler{}
	h.SetHandler(handler)

	conn, _ := activeConn(h, "user-1")
	h.dispatch(conn, ClientFrame{Type: FrameMessageSend, MessageID: "m1", ConversationID: "c1", Content: "hi"})

	waitFor(t, "handler never invoked", func() bool { return handler.count() == 1 })
	if convs := h.Manager.Conversations(conn.ID); len(convs) != 1 || convs[0] != "c1" {
		t.Fatalf("conversations = %v, want [c1]", convs)
	}
}

func TestDispatchRateLimitsMessageSend(t *testing.T) {
	h := newTestHub()
	h.Limiter = NewRateLimiter(2, time.Minute)
	handler := &recordingHandler{}
	h.SetHandler(handler)

	conn, sock := activeConn(h, "user-1")
	for i := 0; i < 3; i++ {
		h.dispatch(conn, ClientFrame{
			Type:           FrameMessageSend,
			MessageID:      fmt.Sprintf("m%d", i),
			ConversationID: "c1",
			Content:        "hi",
		})
	}

	waitFor(t, "handlers never invoked", func() bool { return handler.count() == 2 })
	acks := sock.frames(FrameAck)
	if len(acks) != 1 {
		t.Fatalf("acks = %+v, want exactly one rejection", acks)
	}
	if acks[0].Status != AckError || acks[0].Kind != "rate_limit" || acks[0].MessageID != "m2" {
		t.Fatalf("ack = %+v, want rate_limit error for m2", acks[0])
	}
}

func TestRateLimitDoesNotCountTypingOrPing(t *testing.T) {
	h := newTestHub()
	h.Limiter = NewRateLimiter(1, time.Minute)
	handler := &recordingHandler{}
	h.SetHandler(handler)

	conn, _ := activeConn(h, "user-1")
	for i := 0; i < 5; i++ {
		h.dispatch(conn, ClientFrame{Type: FramePing})
		h.dispatch(conn, ClientFrame{Type: FrameTypingStart, ConversationID: "c1"})
	}
	h.dispatch(conn, ClientFrame{Type: FrameMessageSend, MessageID: "m1", ConversationID: "c1", Content: "hi"})

	waitFor(t, "message not handled", func() bool { return handler.count() == 1 })
}

func TestTypingFanOutExcludesOriginatingUser(t *testing.T) {
	h := newTestHub()
	sender, senderSock := activeConn(h, "user-1")
	senderOther, senderOtherSock := activeConn(h, "user-1")
	_, peerSock := activeConn(h, "user-2")

	for _, c := range h.Manager.Snapshot() {
		h.Manager.AttachToConversation(c.ID, "c1")
	}
	_ = senderOther

	h.dispatch(sender, ClientFrame{Type: FrameTypingStart, ConversationID: "c1"})

	if got := peerSock.frames(FrameTypingStart); len(got) != 1 || got[0].UserID != "user-1" {
		t.Fatalf("peer typing frames = %+v, want one from user-1", got)
	}
	if got := senderSock.frames(FrameTypingStart); len(got) != 0 {
		t.Fatalf("sender received its own typing frame: %+v", got)
	}
	if got := senderOtherSock.frames(FrameTypingStart); len(got) != 0 {
		t.Fatalf("sender's other device received the typing frame: %+v", got)
	}
}

func TestDispatchPingRepliesAndMarksAlive(t *testing.T) {
	h := newTestHub()
	conn, sock := activeConn(h, "user-1")
	conn.pongSeen.Store(false)

	h.dispatch(conn, ClientFrame{Type: FramePing})

	if len(sock.frames(FramePong)) != 1 {
		t.Fatal("expected a pong reply")
	}
	if !conn.pongSeen.Load() {
		t.Fatal("application ping must count as liveness")
	}
}

func TestDispatchUnknownFrameType(t *testing.T) {
	h := newTestHub()
	conn, sock := activeConn(h, "user-1")

	h.dispatch(conn, ClientFrame{Type: "bogus"})

	errFrames := sock.frames(FrameError)
	if len(errFrames) != 1 || errFrames[0].Kind != "invalid_request" {
		t.Fatalf("error frames = %+v, want one invalid_request", errFrames)
	}
}

func TestCleanupPurgesEverythingOnce(t *testing.T) {
	h := newTestHub()
	conn, sock := activeConn(h, "user-1")
	_, peerSock := activeConn(h, "user-2")

	h.Manager.AttachToConversation(conn.ID, "c1")
	for _, c := range h.Manager.Snapshot() {
		h.Manager.AttachToConversation(c.ID, "c1")
	}
	h.Typing.Start("user-1", "c1")
	h.Limiter.Allow(conn.ID)

	h.Cleaner.Cleanup(conn, CauseClientClose)

	if got := h.Manager.Stats(); got.Connections != 1 || got.Users != 1 {
		t.Fatalf("stats = %+v, want only the peer left", got)
	}
	if h.Typing.Active("user-1", "c1") {
		t.Fatal("typing state must be purged")
	}
	if got := peerSock.frames(FrameTypingStop); len(got) != 1 {
		t.Fatalf("peer typing:stop frames = %+v, want one", got)
	}
	closed, code := sock.closedWith()
	if !closed || code != websocket.CloseNormalClosure {
		t.Fatalf("closed = %v code = %d, want normal closure", closed, code)
	}
	if conn.State() != StateClosing {
		t.Fatalf("state = %v, want closing", conn.State())
	}

	// Second call is a no-op; the peer must not see another typing:stop.
	h.Cleaner.Cleanup(conn, CauseHeartbeatTimeout)
	if got := peerSock.frames(FrameTypingStop); len(got) != 1 {
		t.Fatalf("cleanup ran twice: %+v", got)
	}
}

func TestCleanupCloseCodes(t *testing.T) {
	cases := map[DisconnectCause]int{
		CauseClientClose:      websocket.CloseNormalClosure,
		CauseWriteFailure:     websocket.CloseInternalServerErr,
		CauseHeartbeatTimeout: websocket.CloseInternalServerErr,
		CauseShutdown:         websocket.CloseGoingAway,
		CauseAuthFailure:      websocket.ClosePolicyViolation,
	}
	for cause, want := range cases {
		h := newTestHub()
		conn, sock := activeConn(h, "user-1")
		h.Cleaner.Cleanup(conn, cause)
		if _, code := sock.closedWith(); code != want {
			t.Errorf("%s: close code = %d, want %d", cause, code, want)
		}
	}
}

func TestCleanupSendsDisconnectedFrame(t *testing.T) {
	h := newTestHub()
	conn, sock := activeConn(h, "user-1")

	h.Cleaner.Cleanup(conn, CauseShutdown)

	got := sock.frames(FrameDisconnected)
	if len(got) != 1 {
		t.Fatalf("disconnected frames = %+v, want one", got)
	}
	if got[0].Code != websocket.CloseGoingAway || got[0].Reason != string(CauseShutdown) {
		t.Fatalf("disconnected frame = %+v, want going-away code and shutdown reason", got[0])
	}
}

func TestHeartbeatTerminatesStalledAuthenticatingConnection(t *testing.T) {
	h := newTestHub()
	sock := newFakeSocket()
	conn := NewConn(sock, time.Second)

	// No query token and no auth frame: Serve parks in the read waiting for
	// the first frame that never comes.
	done := make(chan struct{})
	go func() {
		h.Serve(conn, "")
		close(done)
	}()
	waitFor(t, "connection never registered", func() bool {
		return h.Manager.Stats().Connections == 1
	})

	h.Heartbeat.Sweep()
	if closed, _ := sock.closedWith(); closed {
		t.Fatal("connection must survive the first sweep")
	}

	h.Heartbeat.Sweep()
	closed, code := sock.closedWith()
	if !closed || code != websocket.CloseInternalServerErr {
		t.Fatalf("closed = %v code = %d, want internal error close", closed, code)
	}
	if got := h.Manager.Stats(); got.Connections != 0 {
		t.Fatalf("stats = %+v, want empty", got)
	}

	close(sock.inbound)
	<-done
}

func TestHeartbeatTerminatesSilentPeerWithinTwoSweeps(t *testing.T) {
	h := newTestHub()
	conn, sock := activeConn(h, "user-1")

	// First sweep consumes the initial liveness credit and sends a ping.
	h.Heartbeat.Sweep()
	if _, n := sock.closedWith(); n != 0 {
		t.Fatal("connection must survive the first sweep")
	}
	sock.mu.Lock()
	pings := sock.pings
	sock.mu.Unlock()
	if pings != 1 {
		t.Fatalf("pings = %d, want 1", pings)
	}

	// No pong arrives; the second sweep terminates the connection.
	h.Heartbeat.Sweep()
	closed, code := sock.closedWith()
	if !closed || code != websocket.CloseInternalServerErr {
		t.Fatalf("closed = %v code = %d, want internal error close", closed, code)
	}
	if got := h.Manager.Stats(); got.Connections != 0 {
		t.Fatalf("stats = %+v, want empty", got)
	}
	_ = conn
}

func TestHeartbeatPongKeepsConnectionAlive(t *testing.T) {
	h := newTestHub()
	conn, sock := activeConn(h, "user-1")

	for i := 0; i < 3; i++ {
		h.Heartbeat.Sweep()
		// Simulate the peer answering the protocol ping.
		sock.pongHandler("")
	}

	if closed, _ := sock.closedWith(); closed {
		t.Fatal("responsive connection must not be terminated")
	}
	if conn.State() != StateActive {
		t.Fatalf("state = %v, want active", conn.State())
	}
}

func TestSendFailureSchedulesCleanup(t *testing.T) {
	h := newTestHub()
	conn, sock := activeConn(h, "user-1")
	h.Manager.AttachToConversation(conn.ID, "c1")

	sock.mu.Lock()
	sock.writeErr = errors.New("broken pipe")
	sock.mu.Unlock()

	h.Manager.SendToConversation("c1", PongFrame(), "")

	waitFor(t, "cleanup never ran", func() bool {
		return h.Manager.Stats().Connections == 0
	})
	waitFor(t, "socket never closed", func() bool {
		closed, _ := sock.closedWith()
		return closed
	})
}

func TestShutdownClosesAllConnections(t *testing.T) {
	h := newTestHub()
	_, sock1 := activeConn(h, "user-1")
	_, sock2 := activeConn(h, "user-2")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h.Shutdown(ctx)

	for i, sock := range []*fakeSocket{sock1, sock2} {
		closed, code := sock.closedWith()
		if !closed || code != websocket.CloseGoingAway {
			t.Fatalf("socket %d: closed = %v code = %d, want going away", i, closed, code)
		}
	}
	if got := h.Manager.Stats(); got.Connections != 0 {
		t.Fatalf("stats = %+v, want empty", got)
	}
}
