package models

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChangeKind describes which mutation a Conversation went through.
type ChangeKind string

const (
	// ChangeAppend reports a message added at the end of the conversation.
	ChangeAppend ChangeKind = "append"
	// ChangeReplace reports the content of the last message being overwritten.
	ChangeReplace ChangeKind = "replace"
	// ChangeReset reports the conversation being cleared.
	ChangeReset ChangeKind = "reset"
)

// Change is emitted to the Conversation observer once per mutation. Index and Message are empty for
// ChangeReset.
type Change struct {
	Kind    ChangeKind
	Index   int
	Message Message
}

// Observer receives every Change of a Conversation. It runs while the conversation is locked, so it
// must not call back into the Conversation.
type Observer func(Change)

// Conversation is the ordered, in-memory list of messages of a single chat. Insertion order is the
// chronological and display order. All methods are safe for concurrent use.
type Conversation struct {
	mu       sync.RWMutex
	messages []Message
	observer Observer
}

// NewConversation creates an empty conversation. The observer may be nil.
func NewConversation(observer Observer) *Conversation {
	return &Conversation{observer: observer}
}

// Append adds the message at the end of the conversation. A missing ID or Timestamp is filled in.
func (c *Conversation) Append(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.appendLocked(msg)
}

// ReplaceLast overwrites the content of the last message if it has the given role. Otherwise it
// appends a new message with that role and content, so the first frame of a reveal creates the
// assistant message and later frames mutate it.
func (c *Conversation) ReplaceLast(role Role, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	last := len(c.messages) - 1
	if last < 0 || c.messages[last].Role != role {
		c.appendLocked(Message{Role: role, Content: content})
		return
	}

	c.messages[last].Content = content
	c.emit(Change{Kind: ChangeReplace, Index: last, Message: c.messages[last]})
}

// Reset removes every message.
func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages = nil
	c.emit(Change{Kind: ChangeReset})
}

// Messages returns a copy of the ordered messages.
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	msgs := make([]Message, len(c.messages))
	copy(msgs, c.messages)
	return msgs
}

// Last returns the last message, and false if the conversation is empty.
func (c *Conversation) Last() (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.messages) == 0 {
		return Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.messages)
}

func (c *Conversation) appendLocked(msg Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	c.messages = append(c.messages, msg)
	c.emit(Change{Kind: ChangeAppend, Index: len(c.messages) - 1, Message: msg})
}

func (c *Conversation) emit(change Change) {
	if c.observer != nil {
		c.observer(change)
	}
}
