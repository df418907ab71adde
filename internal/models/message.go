package models

import "time"

// Message represents an individual entry within a conversation. It contains the participant's role,
// the text content, and the time the message entered the conversation. While an assistant answer is
// being revealed, Content holds a prefix of the final text.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the language model.
	RoleAssistant Role = "assistant"
	// RoleSystem is only sent to providers as the configured system prompt. It never enters a
	// Conversation.
	RoleSystem Role = "system"
)

// Label returns the display name of the role.
func (r Role) Label() string {
	switch r {
	case RoleUser:
		return "User"
	case RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}
