package logger

import (
	"context"
)

// WithConnectionID adds a connection ID to the context.
func WithConnectionID(ctx context.Context, connectionID string) context.Context {
	return context.WithValue(ctx, ContextKeyConnectionID, connectionID)
}

// WithUserID adds a user ID to the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ContextKeyUserID, userID)
}

// WithConversationID adds a conversation ID to the context.
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, ContextKeyConversationID, conversationID)
}

// WithMessageID adds a message ID to the context.
func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, ContextKeyMessageID, messageID)
}
