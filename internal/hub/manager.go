package hub

import (
	"log/slog"
	"sync"

	"github.com/emberworks/chatbridge/internal/logger"
)

// Stats is the index census reported by the manager.
type Stats struct {
	Connections   int `json:"connections"`
	Users         int `json:"users"`
	Conversations int `json:"conversations"`
}

// Manager owns the authoritative index of live connections: by connection
// id, by user, and by conversation. All mutations happen under one lock;
// fan-out iterates over a snapshot so a send never holds the lock.
type Manager struct {
	mu sync.RWMutex

	byConn map[string]*Conn
	byUser map[string]map[string]*Conn
	byConv map[string]map[string]*Conn

	// connConvs tracks which conversations each connection joined, for
	// removal.
	connConvs map[string]map[string]bool

	// OnSendFailure is invoked (outside the lock) when a write to a
	// connection fails, so the hub can schedule cleanup.
	OnSendFailure func(c *Conn, err error)

	logger *logger.Logger
}

// NewManager creates an empty connection index.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		byConn:    make(map[string]*Conn),
		byUser:    make(map[string]map[string]*Conn),
		byConv:    make(map[string]map[string]*Conn),
		connConvs: make(map[string]map[string]bool),
		logger:    log.WithComponent("connection_manager"),
	}
}

// Add inserts the connection into the by-connection index. The by-user index
// entry is created only once the connection is authenticated via MarkActive.
func (m *Manager) Add(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byConn[c.ID] = c
}

// MarkActive indexes an authenticated connection under its user.
func (m *Manager) MarkActive(c *Conn) {
	userID := c.UserID()
	if userID == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byConn[c.ID]; !ok {
		// Removed before authentication completed.
		return
	}
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]*Conn)
	}
	m.byUser[userID][c.ID] = c

	m.logger.Debug("connection active",
		slog.String("connection_id", c.ID),
		slog.String("user_id", userID),
		slog.Int("user_connections", len(m.byUser[userID])))
}

// AttachToConversation adds the connection to a conversation's participant
// index.
func (m *Manager) AttachToConversation(connectionID, conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.byConn[connectionID]
	if !ok {
		return
	}
	if m.byConv[conversationID] == nil {
		m.byConv[conversationID] = make(map[string]*Conn)
	}
	m.byConv[conversationID][connectionID] = c

	if m.connConvs[connectionID] == nil {
		m.connConvs[connectionID] = make(map[string]bool)
	}
	m.connConvs[connectionID][conversationID] = true
}

// Remove deletes the connection from every index. Idempotent.
func (m *Manager) Remove(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.byConn[connectionID]
	if !ok {
		return
	}
	delete(m.byConn, connectionID)

	if userID := c.UserID(); userID != "" {
		if userConns, ok := m.byUser[userID]; ok {
			delete(userConns, connectionID)
			if len(userConns) == 0 {
				delete(m.byUser, userID)
			}
		}
	}

	for conversationID := range m.connConvs[connectionID] {
		if convConns, ok := m.byConv[conversationID]; ok {
			delete(convConns, connectionID)
			if len(convConns) == 0 {
				delete(m.byConv, conversationID)
			}
		}
	}
	delete(m.connConvs, connectionID)
}

// Get returns a live connection by id.
func (m *Manager) Get(connectionID string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byConn[connectionID]
	return c, ok
}

// Conversations returns the conversations a connection has joined.
func (m *Manager) Conversations(connectionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	convs := make([]string, 0, len(m.connConvs[connectionID]))
	for id := range m.connConvs[connectionID] {
		convs = append(convs, id)
	}
	return convs
}

// SendToUser writes the frame to every connection of one user. Best effort:
// one failed socket does not stop the others.
func (m *Manager) SendToUser(userID string, frame ServerFrame) {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.byUser[userID]))
	for _, c := range m.byUser[userID] {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	m.deliver(conns, frame)
}

// SendToConversation writes the frame to every connection attached to the
// conversation, skipping connections of exceptUserID when non-empty.
func (m *Manager) SendToConversation(conversationID string, frame ServerFrame, exceptUserID string) {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.byConv[conversationID]))
	for _, c := range m.byConv[conversationID] {
		if exceptUserID != "" && c.UserID() == exceptUserID {
			continue
		}
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	m.deliver(conns, frame)
}

// SendToConversationExceptConn writes the frame to every connection attached
// to the conversation except one. Used to mirror a user's own message to
// their other devices.
func (m *Manager) SendToConversationExceptConn(conversationID string, frame ServerFrame, exceptConnID string) {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.byConv[conversationID]))
	for _, c := range m.byConv[conversationID] {
		if c.ID == exceptConnID {
			continue
		}
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	m.deliver(conns, frame)
}

// Snapshot returns every live connection, for the heartbeat sweep and bulk
// shutdown.
func (m *Manager) Snapshot() []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := make([]*Conn, 0, len(m.byConn))
	for _, c := range m.byConn {
		conns = append(conns, c)
	}
	return conns
}

// Stats reports index sizes.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Connections:   len(m.byConn),
		Users:         len(m.byUser),
		Conversations: len(m.byConv),
	}
}

func (m *Manager) deliver(conns []*Conn, frame ServerFrame) {
	for _, c := range conns {
		if err := c.Send(frame); err != nil {
			m.logger.Warn("send failed",
				slog.String("connection_id", c.ID),
				slog.String("frame_type", frame.Type),
				slog.String("error", err.Error()))
			if m.OnSendFailure != nil {
				m.OnSendFailure(c, err)
			}
		}
	}
}
