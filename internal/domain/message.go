// Package domain contains core domain types for the consultation client.
package domain

import (
	"time"
)

// Sender identifies who produced a message.
type Sender string

const (
	// SenderUser is a message typed by the user.
	SenderUser Sender = "user"
	// SenderAssistant is the consultant's turn.
	SenderAssistant Sender = "assistant"
	// SenderSystem is an out-of-band notice such as a profile update.
	SenderSystem Sender = "system"
)

// Attachment references an uploaded artifact. The client never interprets it.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// Message is one turn in a conversation.
type Message struct {
	ID         string      `json:"id"`
	Sender     Sender      `json:"sender"`
	Content    string      `json:"content"`
	Timestamp  time.Time   `json:"timestamp"`
	SessionID  string      `json:"sessionId,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Formula    *Formula    `json:"formula,omitempty"`
}

// HasFormula reports whether a recommendation is attached.
func (m *Message) HasFormula() bool {
	return m.Formula != nil
}

// ChatRequest is the payload of a single send.
type ChatRequest struct {
	Message     string       `json:"message"`
	SessionID   string       `json:"sessionId,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}
