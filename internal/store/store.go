// Package store persists conversations and messages and exposes the
// repository surface the hub and bridge consume.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidContent is returned when message content is empty or exceeds
// MaxContentLength.
var ErrInvalidContent = errors.New("message content length out of range")

// ErrDuplicateID is returned when a message insert reuses an existing id, so
// a client retry of the same messageId cannot overwrite the stored message.
var ErrDuplicateID = errors.New("message id already exists")

// Role identifies the author class of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MaxContentLength bounds message content at persistence time.
const MaxContentLength = 50000

// TokenUsage records token counts for an assistant message.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Cost records the dollar cost of an assistant message.
type Cost struct {
	Input    float64 `json:"input"`
	Output   float64 `json:"output"`
	Total    float64 `json:"total"`
	Currency string  `json:"currency"`
}

// MessageMetadata is attached to assistant messages once a stream completes.
type MessageMetadata struct {
	Model        string     `json:"model"`
	Usage        TokenUsage `json:"usage"`
	Cost         Cost       `json:"cost"`
	FinishReason string     `json:"finish_reason"`
}

// Conversation is a chat thread owned by a single user. The owner is set at
// creation and never changes.
type Conversation struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	Model        string    `json:"model,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is one turn in a conversation. UserID is empty for assistant and
// system messages. Metadata is nil until the assistant stream completes and
// the message is never mutated after that.
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	UserID         string           `json:"user_id,omitempty"`
	Role           Role             `json:"role"`
	Content        string           `json:"content"`
	Metadata       *MessageMetadata `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Direction orders a message listing.
type Direction string

const (
	// DirectionForward returns the oldest messages first.
	DirectionForward Direction = "forward"
	// DirectionBackward returns the newest messages first. Callers wanting
	// the recent window in chronological order reverse the result.
	DirectionBackward Direction = "backward"
)

// Page bounds a conversation listing.
type Page struct {
	Limit  int
	Offset int
}

// ConversationStore is the conversation half of the repository.
type ConversationStore interface {
	Create(ctx context.Context, conv *Conversation) error
	GetByID(ctx context.Context, id string) (*Conversation, error)
	ListForUser(ctx context.Context, userID string, page Page) ([]Conversation, error)
	UpdateTitle(ctx context.Context, id, title string) error
}

// MessageStore is the message half of the repository.
type MessageStore interface {
	// Insert persists the message, assigning id and timestamp when unset,
	// and bumps the parent conversation's updated timestamp.
	Insert(ctx context.Context, msg *Message) (*Message, error)
	ListForConversation(ctx context.Context, conversationID string, limit int, dir Direction) ([]Message, error)
	// UpdateMetadata attaches metadata to an existing message exactly once.
	UpdateMetadata(ctx context.Context, messageID string, md MessageMetadata) (*Message, error)
}

// Store bundles both repositories behind one handle.
type Store interface {
	Conversations() ConversationStore
	Messages() MessageStore
	Ping(ctx context.Context) error
	Close() error
}
