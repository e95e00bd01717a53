// Package stream turns a consultation response body into classified events.
//
// The wire format is line oriented: every actionable line is "data: <JSON object>"
// and the object's "type" field selects the event kind. Anything else on the wire
// (blank lines, retry hints, comments) is ignored.
package stream

import (
	"github.com/ashureev/formula-consult/internal/domain"
)

// Kind is the discriminant of an event payload.
type Kind string

const (
	KindConnected         Kind = "connected"
	KindThinking          Kind = "thinking"
	KindChunk             Kind = "chunk"
	KindHealthDataUpdated Kind = "health_data_updated"
	KindComplete          Kind = "complete"
	KindFormulaError      Kind = "formula_error"
	KindError             Kind = "error"
)

// Known reports whether k is one of the recognized kinds.
func (k Kind) Known() bool {
	switch k {
	case KindConnected, KindThinking, KindChunk, KindHealthDataUpdated,
		KindComplete, KindFormulaError, KindError:
		return true
	}
	return false
}

// Terminal reports whether k ends a turn.
func (k Kind) Terminal() bool {
	return k == KindComplete || k == KindFormulaError || k == KindError
}

// Cause records where a terminal error came from. Events decoded from the wire
// always carry CauseServer; the transport synthesizes the others.
type Cause int

const (
	CauseServer Cause = iota
	CauseTimeout
	CauseTransport
	CauseCancelled
)

func (c Cause) String() string {
	switch c {
	case CauseTimeout:
		return "timeout"
	case CauseTransport:
		return "transport"
	case CauseCancelled:
		return "cancelled"
	default:
		return "server"
	}
}

// Event is one classified frame.
type Event struct {
	Kind      Kind            `json:"type"`
	Message   string          `json:"message,omitempty"`
	Content   string          `json:"content,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Formula   *domain.Formula `json:"formula,omitempty"`
	Error     string          `json:"error,omitempty"`

	Cause Cause `json:"-"`
}

// Synthetic builds a terminal error event that did not come from the server.
func Synthetic(cause Cause, text string) Event {
	return Event{Kind: KindError, Error: text, Cause: cause}
}
