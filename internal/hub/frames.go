// Package hub owns the live socket population: accepting connections,
// authenticating them, indexing them by user and conversation, rate limiting
// inbound traffic, typing state, liveness probing, and disconnect cleanup.
package hub

import (
	"encoding/json"
	"time"
)

// Client-to-server frame types.
const (
	FrameAuth        = "auth"
	FrameMessageSend = "message:send"
	FrameTypingStart = "typing:start"
	FrameTypingStop  = "typing:stop"
	FramePing        = "ping"
)

// Server-to-client frame types.
const (
	FrameEstablished   = "connection:established"
	FrameAuthenticated = "connection:authenticated"
	FrameDisconnected  = "connection:disconnected"
	FrameError         = "connection:error"
	FrameAck           = "message:ack"
	FrameReceive       = "message:receive"
	FrameStream        = "message:stream"
	FramePong          = "pong"
)

// Ack statuses.
const (
	AckDelivered = "delivered"
	AckError     = "error"
)

// ClientFrame is the envelope for every inbound frame. Unused fields stay
// empty; Type selects which ones matter.
type ClientFrame struct {
	Type           string `json:"type"`
	Token          string `json:"token,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Content        string `json:"content,omitempty"`
	ModelOverride  string `json:"modelOverride,omitempty"`
}

// ServerFrame is the envelope for every outbound frame.
type ServerFrame struct {
	Type           string     `json:"type"`
	ConnectionID   string     `json:"connectionId,omitempty"`
	MessageID      string     `json:"messageId,omitempty"`
	ConversationID string     `json:"conversationId,omitempty"`
	UserID         string     `json:"userId,omitempty"`
	Content        string     `json:"content,omitempty"`
	IsComplete     *bool      `json:"isComplete,omitempty"`
	Status         string     `json:"status,omitempty"`
	Kind           string     `json:"kind,omitempty"`
	Message        string     `json:"message,omitempty"`
	Code           int        `json:"code,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
}

// Encode marshals the frame for the wire.
func (f ServerFrame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

func EstablishedFrame() ServerFrame {
	return ServerFrame{Type: FrameEstablished}
}

func AuthenticatedFrame(connectionID string) ServerFrame {
	return ServerFrame{Type: FrameAuthenticated, ConnectionID: connectionID}
}

func DisconnectedFrame(code int, reason string) ServerFrame {
	return ServerFrame{Type: FrameDisconnected, Code: code, Reason: reason}
}

func ErrorFrame(kind, message string) ServerFrame {
	return ServerFrame{Type: FrameError, Kind: kind, Message: message}
}

func AckDeliveredFrame(messageID string) ServerFrame {
	return ServerFrame{Type: FrameAck, MessageID: messageID, Status: AckDelivered}
}

func AckErrorFrame(messageID, kind, message string) ServerFrame {
	return ServerFrame{Type: FrameAck, MessageID: messageID, Status: AckError, Kind: kind, Message: message}
}

func ReceiveFrame(messageID, conversationID, userID, content string, ts time.Time) ServerFrame {
	return ServerFrame{
		Type:           FrameReceive,
		MessageID:      messageID,
		ConversationID: conversationID,
		UserID:         userID,
		Content:        content,
		Timestamp:      &ts,
	}
}

// StreamFrame carries the cumulative content of an in-flight assistant reply.
func StreamFrame(messageID, conversationID, content string, isComplete bool, ts time.Time) ServerFrame {
	return ServerFrame{
		Type:           FrameStream,
		MessageID:      messageID,
		ConversationID: conversationID,
		Content:        content,
		IsComplete:     &isComplete,
		Timestamp:      &ts,
	}
}

func TypingStartFrame(userID, conversationID string) ServerFrame {
	return ServerFrame{Type: FrameTypingStart, UserID: userID, ConversationID: conversationID}
}

func TypingStopFrame(userID, conversationID string) ServerFrame {
	return ServerFrame{Type: FrameTypingStop, UserID: userID, ConversationID: conversationID}
}

func PongFrame() ServerFrame {
	return ServerFrame{Type: FramePong}
}
