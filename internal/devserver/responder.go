package devserver

import (
	"context"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/formula-consult/internal/domain"
	"github.com/ashureev/formula-consult/internal/stream"
)

// Frame is one unit of responder output. Raw, when non-empty, is written verbatim
// after the data prefix and bypasses encoding.
type Frame struct {
	Event stream.Event
	Raw   string
}

// Turn is the input of one consultation turn.
type Turn struct {
	UserID      string
	SessionID   string
	Message     string
	Attachments []domain.Attachment
	History     []domain.Message
}

// Responder produces the frames of one turn. The sequence ends after a terminal
// event or an error.
type Responder interface {
	Respond(ctx context.Context, turn Turn) iter.Seq2[Frame, error]
}

// ScriptedResponder is a deterministic stand-in for the inference backend. It reacts
// to keywords in the message and to a few slash commands that force failure paths.
type ScriptedResponder struct {
	// Delay is the pause between frames.
	Delay time.Duration
}

type topic struct {
	keywords []string
	profile  string
	advice   string
	base     domain.Ingredient
	addition *domain.Ingredient
	warning  string
}

var topics = []topic{
	{
		keywords: []string{"sleep", "insomnia"},
		profile:  "Sleep profile updated",
		advice:   "For sleep, magnesium glycinate in the evening is a gentle first step. ",
		base:     domain.Ingredient{Name: "Magnesium glycinate", Dose: "200mg", Purpose: "sleep quality"},
		addition: &domain.Ingredient{Name: "L-Theanine", Dose: "100mg", Purpose: "relaxation before bed"},
	},
	{
		keywords: []string{"stress", "anxious", "anxiety"},
		profile:  "Stress indicators updated",
		advice:   "Ashwagandha has reasonable evidence for everyday stress. ",
		base:     domain.Ingredient{Name: "Ashwagandha extract", Dose: "300mg", Purpose: "stress response"},
		warning:  "Ashwagandha is not recommended during pregnancy.",
	},
	{
		keywords: []string{"allergy", "allergies", "allergic"},
		profile:  "Allergies updated",
		advice:   "I have noted your allergies and will exclude related ingredients. ",
		base:     domain.Ingredient{Name: "Vitamin C", Dose: "250mg", Purpose: "immune support"},
	},
	{
		keywords: []string{"medication", "medications", "prescription"},
		profile:  "Medications updated",
		advice:   "Because you take medication, please confirm any change with your pharmacist. ",
		base:     domain.Ingredient{Name: "Vitamin D3", Dose: "25mcg", Purpose: "general support"},
		warning:  "Check interactions with your current medication.",
	},
}

// Respond implements Responder.
func (s *ScriptedResponder) Respond(ctx context.Context, turn Turn) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		emit := func(f Frame) bool {
			if s.Delay > 0 {
				select {
				case <-ctx.Done():
					yield(Frame{}, ctx.Err())
					return false
				case <-time.After(s.Delay):
				}
			} else if err := ctx.Err(); err != nil {
				yield(Frame{}, err)
				return false
			}
			return yield(f, nil)
		}
		event := func(ev stream.Event) bool { return emit(Frame{Event: ev}) }

		text := strings.ToLower(strings.TrimSpace(turn.Message))

		switch {
		case strings.HasPrefix(text, "/error"):
			if event(stream.Event{Kind: stream.KindThinking, Message: "Reviewing your health profile"}) &&
				event(stream.Event{Kind: stream.KindChunk, Content: "Let me look into "}) {
				event(stream.Event{Kind: stream.KindError, Error: "the consultation engine is unavailable"})
			}
			return
		case strings.HasPrefix(text, "/formula-error"):
			if event(stream.Event{Kind: stream.KindChunk, Content: "Drafting your formula. "}) {
				event(stream.Event{Kind: stream.KindFormulaError, Error: "could not validate the formula doses"})
			}
			return
		case strings.HasPrefix(text, "/garbage"):
			if !emit(Frame{Raw: `{"type":"chunk","content":`}) ||
				!event(stream.Event{Kind: stream.Kind("tool_call"), Message: "lookup"}) {
				return
			}
		}

		if !event(stream.Event{Kind: stream.KindThinking, Message: "Reviewing your health profile"}) {
			return
		}

		matched := matchTopics(text)
		for _, t := range matched {
			if !event(stream.Event{Kind: stream.KindHealthDataUpdated, Message: t.profile}) {
				return
			}
		}

		for _, word := range strings.SplitAfter(reply(turn, matched), " ") {
			if word == "" {
				continue
			}
			if !event(stream.Event{Kind: stream.KindChunk, Content: word}) {
				return
			}
		}

		done := stream.Event{Kind: stream.KindComplete}
		if wantsFormula(text) {
			done.Formula = buildFormula(matched)
		}
		event(done)
	}
}

func matchTopics(text string) []topic {
	var matched []topic
	for _, t := range topics {
		for _, kw := range t.keywords {
			if strings.Contains(text, kw) {
				matched = append(matched, t)
				break
			}
		}
	}
	return matched
}

func wantsFormula(text string) bool {
	return strings.Contains(text, "formula") || strings.Contains(text, "recommend")
}

func reply(turn Turn, matched []topic) string {
	var b strings.Builder
	if len(turn.History) == 0 {
		b.WriteString("Thanks for sharing. ")
	}
	for _, t := range matched {
		b.WriteString(t.advice)
	}
	if len(turn.Attachments) > 0 {
		b.WriteString("I have received " + turn.Attachments[0].Name + ". ")
	}
	if len(matched) == 0 {
		b.WriteString("Tell me about your sleep, stress, allergies or medication so I can tailor a formula.")
	} else if wantsFormula(strings.ToLower(turn.Message)) {
		b.WriteString("Here is a formula based on what you told me.")
	} else {
		b.WriteString("Ask me to recommend a formula whenever you are ready.")
	}
	return b.String()
}

func buildFormula(matched []topic) *domain.Formula {
	f := &domain.Formula{
		Rationale:   "Selected for the concerns you described.",
		Disclaimers: []string{"This is not medical advice. Consult a healthcare professional."},
	}
	if len(matched) == 0 {
		matched = topics[:1]
	}
	for _, t := range matched {
		f.Bases = append(f.Bases, t.base)
		if t.addition != nil {
			f.Additions = append(f.Additions, *t.addition)
		}
		if t.warning != "" {
			f.Warnings = append(f.Warnings, t.warning)
		}
	}
	for _, ing := range f.Ingredients() {
		f.TotalMg += milligrams(ing.Dose)
	}
	return f
}

// milligrams parses doses such as "200mg" or "25mcg".
func milligrams(dose string) float64 {
	i := strings.IndexFunc(dose, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	if i < 0 {
		i = len(dose)
	}
	n, err := strconv.ParseFloat(dose[:i], 64)
	if err != nil {
		return 0
	}
	switch strings.TrimSpace(dose[i:]) {
	case "mcg", "µg":
		return n / 1000
	case "g":
		return n * 1000
	default:
		return n
	}
}
