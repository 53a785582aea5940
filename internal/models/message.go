package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role classifies a message in the conversation log.
type Role string

const (
	RoleUser     Role = "user"
	RoleModel    Role = "model"
	RoleFunction Role = "function"
	RoleSystem   Role = "system"
)

// Blob is an inline media payload attached to a message part.
// Data marshals as base64 in JSON.
type Blob struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Part is one ordered content fragment of a message: text, inline media, or both.
type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inline_data,omitempty"`
}

// Message is the atomic persisted unit of the history. Messages are immutable
// once committed; only the in-progress placeholder of a streaming response
// mutates, and that never reaches the store before its terminal event.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage builds an uncommitted message with a fresh id. CreatedAt is
// assigned by the store at persistence time.
func NewMessage(role Role, parts ...Part) *Message {
	return &Message{
		ID:    uuid.NewString(),
		Role:  role,
		Parts: parts,
	}
}

// TextMessage is shorthand for a message holding a single text part.
func TextMessage(role Role, text string) *Message {
	return NewMessage(role, Part{Text: text})
}

// Text concatenates the text of all parts.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range m.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// HasMedia reports whether any part carries an inline blob.
func (m *Message) HasMedia() bool {
	for _, p := range m.Parts {
		if p.InlineData != nil {
			return true
		}
	}
	return false
}

// Clone returns a deep copy, so cached views never alias store-owned parts.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Parts = make([]Part, len(m.Parts))
	copy(cp.Parts, m.Parts)
	for i, p := range m.Parts {
		if p.InlineData != nil {
			blob := *p.InlineData
			blob.Data = append([]byte(nil), p.InlineData.Data...)
			cp.Parts[i].InlineData = &blob
		}
	}
	return &cp
}
