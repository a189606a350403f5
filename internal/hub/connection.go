package hub

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State is the per-connection lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// ErrConnClosed is returned by Send once a connection has entered closing.
var ErrConnClosed = errors.New("connection closed")

// Socket is the subset of *websocket.Conn the hub relies on. Tests substitute
// an in-memory implementation.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Conn is one live socket. Writes are serialized through writeMu; the state
// field moves strictly connecting -> authenticating -> active -> closing.
type Conn struct {
	ID       string
	sock     Socket
	state    atomic.Int32
	userID   atomic.Value // string, set at authentication
	joinedAt time.Time
	lastSeen atomic.Int64 // unix nanos

	// pongSeen is set by the pong handler and consumed by the heartbeat
	// loop; a connection that misses two intervals is terminated.
	pongSeen atomic.Bool

	writeMu      sync.Mutex
	writeTimeout time.Duration

	cleanupOnce sync.Once
}

// NewConn wraps an upgraded socket. The connection starts in connecting.
func NewConn(sock Socket, writeTimeout time.Duration) *Conn {
	c := &Conn{
		ID:           uuid.NewString(),
		sock:         sock,
		joinedAt:     time.Now(),
		writeTimeout: writeTimeout,
	}
	c.userID.Store("")
	c.lastSeen.Store(time.Now().UnixNano())
	c.pongSeen.Store(true)
	sock.SetPongHandler(func(string) error {
		c.pongSeen.Store(true)
		c.touch()
		return nil
	})
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Transition moves from one state to the next if the connection is currently
// in from. Returns false when another goroutine got there first.
func (c *Conn) Transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// MarkClosing forces the terminal state regardless of the current one.
// Returns true on the first call that reached closing.
func (c *Conn) MarkClosing() bool {
	for {
		cur := c.state.Load()
		if State(cur) == StateClosing {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(StateClosing)) {
			return true
		}
	}
}

// SetUserID records the authenticated identity.
func (c *Conn) SetUserID(userID string) {
	c.userID.Store(userID)
}

// UserID is empty until authentication succeeds.
func (c *Conn) UserID() string {
	v, _ := c.userID.Load().(string)
	return v
}

// JoinedAt is the accept timestamp.
func (c *Conn) JoinedAt() time.Time {
	return c.joinedAt
}

// LastSeen is the time of the most recent inbound frame or pong.
func (c *Conn) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Conn) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// Send writes one frame. A failed or late write leaves the connection due
// for cleanup; the caller decides whether to schedule it.
func (c *Conn) Send(frame ServerFrame) error {
	if c.State() == StateClosing {
		return ErrConnClosed
	}
	data, err := frame.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.sock.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a protocol-level ping.
func (c *Conn) Ping() error {
	return c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// CloseWithCode sends a close frame and closes the socket.
func (c *Conn) CloseWithCode(code int, reason string) {
	deadline := time.Now().Add(c.writeTimeout)
	_ = c.sock.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.sock.Close()
}
