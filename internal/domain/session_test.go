package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSummarize(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	long := strings.Repeat("ж", 70)
	msgs := []Message{
		{ID: "1", Sender: SenderSystem, Content: "Profile updated", Timestamp: t0},
		{ID: "2", Sender: SenderUser, Content: long, Timestamp: t0.Add(time.Minute)},
		{ID: "3", Sender: SenderUser, Content: "second question", Timestamp: t0.Add(2 * time.Minute)},
		{ID: "4", Sender: SenderAssistant, Content: "answer", Timestamp: t0.Add(3 * time.Minute)},
	}

	s := Summarize("s1", msgs)
	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, 4, s.MessageCount)
	assert.Equal(t, 60, len([]rune(s.Title)), "title is cut to 60 runes")
	assert.True(t, strings.HasSuffix(s.Title, "…"))
	assert.Equal(t, "answer", s.LastMessagePreview)
	assert.False(t, s.HasFormula)
	assert.Equal(t, SessionActive, s.Status)
	assert.True(t, s.UpdatedAt.Equal(t0.Add(3*time.Minute)))

	msgs[3].Formula = &Formula{Bases: []Ingredient{{Name: "Zinc", Dose: "10mg"}}}
	s = Summarize("s1", msgs)
	assert.True(t, s.HasFormula)
	assert.Equal(t, SessionCompleted, s.Status)

	empty := Summarize("s2", nil)
	assert.Empty(t, empty.Title)
	assert.Empty(t, empty.LastMessagePreview)
	assert.Zero(t, empty.MessageCount)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "exact", Truncate("exact", 5))
	assert.Equal(t, "abcd…", Truncate("abcdefgh", 5))
	assert.Equal(t, "ééé…", Truncate("éééééé", 4))
}

func TestSortSessions(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sessions := []Session{
		{ID: "old", UpdatedAt: t0},
		{ID: "new", UpdatedAt: t0.Add(time.Hour)},
		{ID: "tie-a", UpdatedAt: t0.Add(time.Minute)},
		{ID: "tie-b", UpdatedAt: t0.Add(time.Minute)},
	}
	SortSessions(sessions)

	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	assert.Equal(t, []string{"new", "tie-a", "tie-b", "old"}, ids)
}

func TestFormulaIngredients(t *testing.T) {
	f := &Formula{
		Bases:     []Ingredient{{Name: "A"}},
		Additions: []Ingredient{{Name: "B"}, {Name: "C"}},
	}
	names := []string{}
	for _, ing := range f.Ingredients() {
		names = append(names, ing.Name)
	}
	assert.Equal(t, []string{"A", "B", "C"}, names)
}
