// internal/models/chat.go
package models

import "time"

// Message roles on the provider wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat message as sent to a language model backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationTurn is a stored transcript entry for one session.
type ConversationTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ToMessage strips storage-only fields for provider calls.
func (t ConversationTurn) ToMessage() Message {
	return Message{Role: t.Role, Content: t.Content}
}

// ChatRequest is one inbound chat turn. SessionID, Model, and Provider are
// optional; a missing SessionID starts a new session.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
	Model     string `json:"model,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

// ChatResponse carries the assistant reply and the session the turn was
// recorded under.
type ChatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"sessionId"`
}
