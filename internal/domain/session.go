package domain

import (
	"sort"
	"time"
)

// SessionStatus is the lifecycle state of a conversation thread.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionArchived  SessionStatus = "archived"
)

// Session is one conversation thread.
type Session struct {
	ID                 string        `json:"id"`
	Title              string        `json:"title"`
	LastMessagePreview string        `json:"lastMessagePreview"`
	MessageCount       int           `json:"messageCount"`
	HasFormula         bool          `json:"hasFormula"`
	Status             SessionStatus `json:"status"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

// History is the bulk preload returned by the backend.
type History struct {
	Sessions []Session            `json:"sessions"`
	Messages map[string][]Message `json:"messages"`
}

// SortSessions orders sessions most recently updated first.
func SortSessions(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
}

// Summarize derives session metadata from a transcript.
// Title comes from the first user message, the preview from the last message.
func Summarize(id string, messages []Message) Session {
	s := Session{
		ID:           id,
		MessageCount: len(messages),
		Status:       SessionActive,
	}
	for i := range messages {
		m := &messages[i]
		if s.Title == "" && m.Sender == SenderUser {
			s.Title = Truncate(m.Content, 60)
		}
		if m.HasFormula() {
			s.HasFormula = true
		}
		if m.Timestamp.After(s.UpdatedAt) {
			s.UpdatedAt = m.Timestamp
		}
	}
	if n := len(messages); n > 0 {
		s.LastMessagePreview = Truncate(messages[n-1].Content, 120)
	}
	if s.HasFormula {
		s.Status = SessionCompleted
	}
	return s
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
