// Package model defines data structures for the agent session controller.
package model

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ParseRole validates a wire role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Part is one segment of a multi-part message.
type Part struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

// RawMessage is an inbound message as sent by the client. It carries
// either flat content, a parts list, or both.
type RawMessage struct {
	ID      string `json:"id,omitempty"`
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`
	Parts   []Part `json:"parts,omitempty"`
}

// ChatMessage is a normalized message with a defined content string.
type ChatMessage struct {
	ID        string    `json:"id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Normalize resolves raw to a role/content pair. Text comes from the first
// text part when it is non-empty, then the flat content field, then "".
func Normalize(raw RawMessage) ChatMessage {
	msg := ChatMessage{ID: raw.ID, Role: raw.Role}
	if text, ok := firstText(raw.Parts); ok {
		msg.Content = text
		return msg
	}
	msg.Content = raw.Content
	return msg
}

// NormalizeAll normalizes each message, preserving order.
func NormalizeAll(raw []RawMessage) []ChatMessage {
	out := make([]ChatMessage, len(raw))
	for i, m := range raw {
		out[i] = Normalize(m)
	}
	return out
}

func firstText(parts []Part) (string, bool) {
	for _, p := range parts {
		if p.Type != "" && p.Type != "text" {
			continue
		}
		return p.Text, p.Text != ""
	}
	return "", false
}

// ErrDuplicateMessage is returned when a message id is appended twice.
var ErrDuplicateMessage = errors.New("message already in transcript")

// Transcript is an append-only, ordered list of messages.
type Transcript struct {
	mu       sync.RWMutex
	messages []ChatMessage
	ids      map[string]struct{}
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{ids: make(map[string]struct{})}
}

// Append adds msg at the end. Messages with an id already present are
// rejected with ErrDuplicateMessage.
func (t *Transcript) Append(msg ChatMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if msg.ID != "" {
		if _, seen := t.ids[msg.ID]; seen {
			return fmt.Errorf("append %s: %w", msg.ID, ErrDuplicateMessage)
		}
		t.ids[msg.ID] = struct{}{}
	}
	t.messages = append(t.messages, msg)
	return nil
}

// Messages returns a copy of the transcript in insertion order.
func (t *Transcript) Messages() []ChatMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ChatMessage, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages []RawMessage `json:"messages"`
}

// TranscriptResponse is the response for GET /api/chat/transcript.
type TranscriptResponse struct {
	SessionID string        `json:"session_id"`
	Status    StreamStatus  `json:"status"`
	Messages  []ChatMessage `json:"messages"`
}
