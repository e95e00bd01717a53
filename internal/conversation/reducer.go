// Package conversation applies classified stream events to an ordered transcript.
//
// The Reducer is a state machine over a single in-flight assistant turn:
//
//	Idle -> AwaitingFirstToken -> Streaming -> Finalized -> Idle
//
// Thinking status and failure notices are side channels and never become message
// content. The Reducer is not safe for concurrent use; its owner serializes access.
package conversation

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/formula-consult/internal/domain"
	"github.com/ashureev/formula-consult/internal/stream"
)

// ErrTurnInProgress is returned when a turn is started before the previous one ended.
var ErrTurnInProgress = errors.New("a turn is already in progress")

// State is the phase of the current turn.
type State int

const (
	StateIdle State = iota
	StateAwaitingFirstToken
	StateStreaming
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateAwaitingFirstToken:
		return "awaiting_first_token"
	case StateStreaming:
		return "streaming"
	case StateFinalized:
		return "finalized"
	default:
		return "idle"
	}
}

// InFlight reports whether a turn is between its user message and its terminal event.
func (s State) InFlight() bool {
	return s == StateAwaitingFirstToken || s == StateStreaming
}

// NoticeKind classifies a user-visible failure notice.
type NoticeKind string

const (
	NoticeError        NoticeKind = "error"
	NoticeFormulaError NoticeKind = "formula_error"
	NoticeTimeout      NoticeKind = "timeout"
	NoticeTransport    NoticeKind = "transport"
	NoticeCancelled    NoticeKind = "cancelled"
)

// Notice is a failed-turn message shown outside the transcript.
type Notice struct {
	Kind NoticeKind `json:"kind"`
	Text string     `json:"text"`
}

// TransitionFunc observes state changes.
type TransitionFunc func(from, to State)

// Option configures a Reducer.
type Option func(*Reducer)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reducer) { r.now = now }
}

// WithIDGenerator overrides the client-side message id source.
func WithIDGenerator(newID func() string) Option {
	return func(r *Reducer) { r.newID = newID }
}

// WithLogger sets the logger for ignored events.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reducer) { r.logger = logger }
}

// OnTransition registers an observer called on every state change.
func OnTransition(fn TransitionFunc) Option {
	return func(r *Reducer) { r.observers = append(r.observers, fn) }
}

// Reducer owns the message list and the state of the current turn.
type Reducer struct {
	messages  []domain.Message
	sessionID string

	state  State
	status string
	notice *Notice
	active int // index of the in-flight assistant message, -1 when none

	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
	observers []TransitionFunc
}

// New creates an idle reducer with an empty, unpersisted conversation.
func New(opts ...Option) *Reducer {
	r := &Reducer{
		active: -1,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Begin appends the user's message and opens a new turn.
func (r *Reducer) Begin(text string, attachment *domain.Attachment) (domain.Message, error) {
	if r.state != StateIdle {
		return domain.Message{}, ErrTurnInProgress
	}
	msg := domain.Message{
		ID:         r.newID(),
		Sender:     domain.SenderUser,
		Content:    text,
		Timestamp:  r.now(),
		SessionID:  r.sessionID,
		Attachment: attachment,
	}
	r.messages = append(r.messages, msg)
	r.status = ""
	r.notice = nil
	r.transition(StateAwaitingFirstToken)
	return msg, nil
}

// Apply folds one event into the transcript. It reports whether anything changed.
// Events arriving while idle belong to no turn and are ignored.
func (r *Reducer) Apply(ev stream.Event) bool {
	if !r.state.InFlight() {
		r.logger.Debug("Ignoring event outside a turn", "type", string(ev.Kind), "state", r.state.String())
		return false
	}

	switch ev.Kind {
	case stream.KindConnected:
		return false

	case stream.KindThinking:
		r.status = ev.Message
		return true

	case stream.KindChunk:
		r.adoptSession(ev.SessionID)
		if r.active < 0 {
			r.appendAssistant("")
			r.transition(StateStreaming)
		}
		r.messages[r.active].Content += ev.Content
		r.status = ""
		return true

	case stream.KindHealthDataUpdated:
		r.messages = append(r.messages, domain.Message{
			ID:        r.newID(),
			Sender:    domain.SenderSystem,
			Content:   ev.Message,
			Timestamp: r.now(),
			SessionID: r.sessionID,
		})
		return true

	case stream.KindComplete:
		if ev.Formula != nil {
			if r.active < 0 {
				r.appendAssistant("")
			}
			r.messages[r.active].Formula = ev.Formula
		}
		r.finalize(nil)
		return true

	case stream.KindFormulaError, stream.KindError:
		r.finalize(NoticeFor(ev))
		return true
	}
	return false
}

// Reset discards the transcript and session id and returns to idle.
func (r *Reducer) Reset() {
	r.Load("", nil)
}

// Load replaces the transcript wholesale with a persisted one.
func (r *Reducer) Load(sessionID string, messages []domain.Message) {
	r.messages = append([]domain.Message(nil), messages...)
	r.sessionID = sessionID
	r.active = -1
	r.status = ""
	r.notice = nil
	if r.state != StateIdle {
		r.transition(StateIdle)
	}
}

// Messages returns a copy of the transcript.
func (r *Reducer) Messages() []domain.Message {
	return append([]domain.Message(nil), r.messages...)
}

// SessionID returns the server-confirmed session id, or "" for a new conversation.
func (r *Reducer) SessionID() string { return r.sessionID }

// State returns the current turn state.
func (r *Reducer) State() State { return r.state }

// Status returns the thinking status, if any.
func (r *Reducer) Status() string { return r.status }

// Notice returns the failure notice of the last turn, if any.
func (r *Reducer) Notice() *Notice {
	if r.notice == nil {
		return nil
	}
	n := *r.notice
	return &n
}

func (r *Reducer) appendAssistant(content string) {
	r.messages = append(r.messages, domain.Message{
		ID:        r.newID(),
		Sender:    domain.SenderAssistant,
		Content:   content,
		Timestamp: r.now(),
		SessionID: r.sessionID,
	})
	r.active = len(r.messages) - 1
}

// adoptSession takes the first server-assigned id and stamps earlier messages of
// this conversation that were created before it was known.
func (r *Reducer) adoptSession(id string) {
	if id == "" || r.sessionID != "" {
		return
	}
	r.sessionID = id
	for i := range r.messages {
		if r.messages[i].SessionID == "" {
			r.messages[i].SessionID = id
		}
	}
}

func (r *Reducer) finalize(notice *Notice) {
	r.notice = notice
	r.status = ""
	r.active = -1
	r.transition(StateFinalized)
	r.transition(StateIdle)
}

func (r *Reducer) transition(to State) {
	from := r.state
	r.state = to
	for _, fn := range r.observers {
		fn(from, to)
	}
}

// NoticeFor returns the notice a terminal event produces, or nil for complete and
// non-terminal events.
func NoticeFor(ev stream.Event) *Notice {
	if ev.Kind == stream.KindFormulaError {
		return &Notice{Kind: NoticeFormulaError, Text: ev.Error}
	}
	if ev.Kind != stream.KindError {
		return nil
	}

	kind := NoticeError
	switch ev.Cause {
	case stream.CauseTimeout:
		kind = NoticeTimeout
	case stream.CauseTransport:
		kind = NoticeTransport
	case stream.CauseCancelled:
		kind = NoticeCancelled
	}
	return &Notice{Kind: kind, Text: ev.Error}
}
