package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used when no DATABASE_URL is configured and
// by tests. Data does not survive a restart.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string]*Message
	byConv        map[string][]string // conversation id -> message ids in insert order
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]*Message),
		byConv:        make(map[string][]string),
	}
}

func (m *Memory) Conversations() ConversationStore { return (*memConversations)(m) }
func (m *Memory) Messages() MessageStore           { return (*memMessages)(m) }

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }

type memConversations Memory

func (s *memConversations) Create(ctx context.Context, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	conv.UpdatedAt = conv.CreatedAt

	clone := *conv
	s.conversations[conv.ID] = &clone
	return nil
}

func (s *memConversations) GetByID(ctx context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *conv
	return &clone, nil
}

func (s *memConversations) ListForUser(ctx context.Context, userID string, page Page) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var convs []Conversation
	for _, conv := range s.conversations {
		if conv.UserID == userID {
			convs = append(convs, *conv)
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})

	limit := page.Limit
	if limit <= 0 {
		limit = 20
	}
	if page.Offset >= len(convs) {
		return nil, nil
	}
	convs = convs[page.Offset:]
	if len(convs) > limit {
		convs = convs[:limit]
	}
	return convs, nil
}

func (s *memConversations) UpdateTitle(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.Title = title
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

type memMessages Memory

func (s *memMessages) Insert(ctx context.Context, msg *Message) (*Message, error) {
	if msg.Content == "" || len(msg.Content) > MaxContentLength {
		return nil, ErrInvalidContent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, exists := s.messages[msg.ID]; exists {
		return nil, ErrDuplicateID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	clone := *msg
	if msg.Metadata != nil {
		md := *msg.Metadata
		clone.Metadata = &md
	}
	s.messages[msg.ID] = &clone
	s.byConv[msg.ConversationID] = append(s.byConv[msg.ConversationID], msg.ID)

	if conv, ok := s.conversations[msg.ConversationID]; ok {
		conv.UpdatedAt = msg.CreatedAt
	}
	return msg, nil
}

func (s *memMessages) ListForConversation(ctx context.Context, conversationID string, limit int, dir Direction) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	ids := s.byConv[conversationID]
	var msgs []Message
	if dir == DirectionBackward {
		for i := len(ids) - 1; i >= 0 && len(msgs) < limit; i-- {
			msgs = append(msgs, copyMessage(s.messages[ids[i]]))
		}
	} else {
		for i := 0; i < len(ids) && len(msgs) < limit; i++ {
			msgs = append(msgs, copyMessage(s.messages[ids[i]]))
		}
	}
	return msgs, nil
}

func (s *memMessages) UpdateMetadata(ctx context.Context, messageID string, md MessageMetadata) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := md
	msg.Metadata = &clone

	out := copyMessage(msg)
	return &out, nil
}

func copyMessage(msg *Message) Message {
	out := *msg
	if msg.Metadata != nil {
		md := *msg.Metadata
		out.Metadata = &md
	}
	return out
}
