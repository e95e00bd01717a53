package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ashureev/formula-consult/internal/consult"
	"github.com/ashureev/formula-consult/internal/conversation"
	"github.com/ashureev/formula-consult/internal/domain"
)

func TestStreamPrinterPrintsOnlyNewContent(t *testing.T) {
	var buf bytes.Buffer
	p := newStreamPrinter(&buf)

	prior := []domain.Message{
		{ID: "u0", Sender: domain.SenderUser, Content: "earlier"},
		{ID: "a0", Sender: domain.SenderAssistant, Content: "earlier reply"},
	}
	user := domain.Message{ID: "u1", Sender: domain.SenderUser, Content: "hi"}
	p.begin(len(prior) + 1)

	view := func(streaming bool, status string, extra ...domain.Message) consult.View {
		msgs := append(append([]domain.Message{}, prior...), user)
		return consult.View{Streaming: streaming, Status: status, Messages: append(msgs, extra...)}
	}

	p.update(view(true, "Thinking"))
	p.update(view(true, "", domain.Message{ID: "a1", Sender: domain.SenderAssistant, Content: "Hel"}))
	p.update(view(true, "",
		domain.Message{ID: "a1", Sender: domain.SenderAssistant, Content: "Hello"},
		domain.Message{ID: "s1", Sender: domain.SenderSystem, Content: "Sleep profile updated"},
	))
	p.update(view(false, "",
		domain.Message{ID: "a1", Sender: domain.SenderAssistant, Content: "Hello there"},
		domain.Message{ID: "s1", Sender: domain.SenderSystem, Content: "Sleep profile updated"},
	))

	out := buf.String()
	assert.NotContains(t, out, "earlier")
	assert.Contains(t, out, "Thinking")
	assert.Equal(t, 1, strings.Count(out, "Sleep profile updated"))
	assert.Contains(t, out, "Hello\n", "a system line closes the open reply line")
	assert.Contains(t, out, " there\n")
	assert.Equal(t, 1, strings.Count(out, "Hel"), "content is never reprinted")

	// Snapshots after the turn ended are ignored.
	buf.Reset()
	p.update(view(false, "", domain.Message{ID: "a1", Sender: domain.SenderAssistant, Content: "Hello there, again"}))
	assert.Empty(t, buf.String())
}

func TestStreamPrinterStopsWhenConversationReplaced(t *testing.T) {
	var buf bytes.Buffer
	p := newStreamPrinter(&buf)
	p.begin(3)

	p.update(consult.View{Streaming: true, Messages: []domain.Message{{ID: "x", Sender: domain.SenderAssistant, Content: "other"}}})
	p.update(consult.View{Messages: make([]domain.Message, 10)})
	assert.Empty(t, buf.String())
}

func TestPrintFormula(t *testing.T) {
	var buf bytes.Buffer
	printFormula(&buf, &domain.Formula{
		Bases:       []domain.Ingredient{{Name: "Magnesium glycinate", Dose: "200mg", Purpose: "sleep quality"}},
		Additions:   []domain.Ingredient{{Name: "L-Theanine", Dose: "100mg"}},
		TotalMg:     300,
		Warnings:    []string{"Check interactions."},
		Rationale:   "Because.",
		Disclaimers: []string{"Not medical advice."},
	})

	out := buf.String()
	assert.Contains(t, out, "Recommended formula")
	assert.Contains(t, out, "- Magnesium glycinate 200mg (sleep quality)")
	assert.Contains(t, out, "- L-Theanine 100mg\n")
	assert.Contains(t, out, "Total: 300mg")
	assert.Contains(t, out, "Check interactions.")
	assert.Contains(t, out, "Not medical advice.")
}

func TestPrintNotice(t *testing.T) {
	tests := []struct {
		kind conversation.NoticeKind
		want string
	}{
		{conversation.NoticeError, "error: boom"},
		{conversation.NoticeFormulaError, "formula error: boom"},
		{conversation.NoticeTimeout, "timed out: boom"},
		{conversation.NoticeTransport, "connection problem: boom"},
		{conversation.NoticeCancelled, "stopped: boom"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		printNotice(&buf, &conversation.Notice{Kind: tt.kind, Text: "boom"})
		assert.Contains(t, buf.String(), tt.want)
	}
}

func TestPrintSessions(t *testing.T) {
	var buf bytes.Buffer
	printSessions(&buf, nil, "")
	assert.Contains(t, buf.String(), "no consultations yet")

	buf.Reset()
	printSessions(&buf, []domain.Session{
		{ID: "s1", Title: "Sleep", MessageCount: 2, HasFormula: true, UpdatedAt: time.Now()},
		{ID: "s2", MessageCount: 1, Status: domain.SessionArchived, UpdatedAt: time.Now()},
	}, "s1")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "* "))
	assert.Contains(t, lines[0], "[formula]")
	assert.Contains(t, lines[1], "(untitled)")
	assert.Contains(t, lines[1], "[archived]")
}
