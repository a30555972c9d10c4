package domain

import (
	"time"
)

// MessageType identifies the author class of a chat message.
type MessageType string

const (
	MessageUser   MessageType = "user"
	MessageAgent  MessageType = "agent"
	MessageSystem MessageType = "system"
)

// ChatMessage is an immutable entry of a session's append-only chat log.
type ChatMessage struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	Type      MessageType       `json:"type"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	AgentName string            `json:"agentName,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
