// Package consult is the consultation session controller. It owns the live
// conversation, runs turns through the transport and keeps the session list.
package consult

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ashureev/formula-consult/internal/conversation"
	"github.com/ashureev/formula-consult/internal/domain"
	"github.com/ashureev/formula-consult/internal/stream"
	"github.com/ashureev/formula-consult/internal/transport"
)

var (
	// ErrTurnInProgress is returned by Send and SelectSession while a turn is streaming.
	ErrTurnInProgress = conversation.ErrTurnInProgress
	// ErrUnknownSession is returned when selecting a session that was never fetched.
	ErrUnknownSession = errors.New("unknown session")
	// ErrEmptyMessage is returned when sending neither text nor attachments.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrTurnDetached is returned by Send when the conversation was replaced mid-turn.
	ErrTurnDetached = errors.New("turn detached from the conversation")
)

// TurnError describes a turn that ended without a complete event.
type TurnError struct {
	Kind conversation.NoticeKind
	Text string
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed (%s): %s", e.Kind, e.Text)
}

// Backend is the consultation service as seen by the controller.
type Backend interface {
	transport.Sender
	FetchHistory(ctx context.Context) (domain.History, error)
	DeleteSession(ctx context.Context, id string) error
}

// Listener receives a snapshot after every change. Listeners run with the controller
// locked and must not call back into it.
type Listener func(View)

type turn struct {
	gen    uint64
	cancel context.CancelFunc
}

// Controller serializes every mutation of the conversation behind one mutex.
type Controller struct {
	backend   Backend
	transport *transport.Transport
	logger    *slog.Logger

	mu          sync.Mutex
	reducer     *conversation.Reducer
	sessions    []domain.Session
	transcripts map[string][]domain.Message
	active      *turn
	gen         uint64

	listeners    map[int]Listener
	nextListener int
}

// Option configures a Controller.
type Option func(*Controller)

// WithReducer replaces the default reducer, mainly to inject ids and clocks in tests.
func WithReducer(r *conversation.Reducer) Option {
	return func(c *Controller) { c.reducer = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a controller with a fresh, empty conversation.
func New(backend Backend, tr *transport.Transport, opts ...Option) *Controller {
	c := &Controller{
		backend:     backend,
		transport:   tr,
		logger:      slog.Default(),
		transcripts: make(map[string][]domain.Message),
		listeners:   make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.reducer == nil {
		c.reducer = conversation.New(conversation.WithLogger(c.logger))
	}
	return c
}

// Send appends the user's message and streams the reply. It blocks until the turn
// ends and returns nil on complete, a *TurnError on any failed terminal event, and
// ErrTurnDetached when the conversation was replaced before the turn ended.
// A second Send while a turn is streaming fails with ErrTurnInProgress.
func (c *Controller) Send(ctx context.Context, text string, attachments ...domain.Attachment) error {
	text = strings.TrimSpace(text)
	if text == "" && len(attachments) == 0 {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	var first *domain.Attachment
	if len(attachments) > 0 {
		a := attachments[0]
		first = &a
	}
	if _, err := c.reducer.Begin(text, first); err != nil {
		c.mu.Unlock()
		return err
	}
	c.gen++
	gen := c.gen
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.active = &turn{gen: gen, cancel: cancel}
	req := domain.ChatRequest{
		Message:     text,
		SessionID:   c.reducer.SessionID(),
		Attachments: attachments,
	}
	c.notifyLocked()
	c.mu.Unlock()

	logger := c.logger.With("turn", gen)
	logger.Info("Turn started", "session_id", req.SessionID, "attachments", len(attachments))

	applied := false
	term := c.transport.Stream(turnCtx, req, func(ev stream.Event) {
		if c.apply(gen, ev) && ev.Kind.Terminal() {
			applied = true
		}
	})

	if !applied {
		logger.Info("Detached turn finished", "type", string(term.Kind))
		return ErrTurnDetached
	}
	logger.Info("Turn finished", "type", string(term.Kind), "cause", term.Cause.String())

	if notice := conversation.NoticeFor(term); notice != nil {
		return &TurnError{Kind: notice.Kind, Text: notice.Text}
	}
	return nil
}

// apply folds ev into the conversation when gen is still the active turn.
func (c *Controller) apply(gen uint64, ev stream.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil || c.active.gen != gen {
		c.logger.Debug("Dropping event from detached turn", "turn", gen, "type", string(ev.Kind))
		return false
	}
	changed := c.reducer.Apply(ev)
	if ev.Kind.Terminal() {
		c.active = nil
		c.indexCurrentLocked(ev.Formula != nil)
	}
	if changed {
		c.notifyLocked()
	}
	return true
}

// Cancel aborts the in-flight turn. Partial content is kept and the turn ends with a
// cancelled notice. It reports whether a turn was running; repeated calls are no-ops.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return false
	}
	c.active.cancel()
	return true
}

// LoadHistory fetches every session. On a fresh conversation it also resumes the most
// recent session; a conversation already in progress is left untouched.
func (c *Controller) LoadHistory(ctx context.Context) error {
	history, err := c.backend.FetchHistory(ctx)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessions = append([]domain.Session(nil), history.Sessions...)
	domain.SortSessions(c.sessions)
	c.transcripts = make(map[string][]domain.Message, len(history.Messages))
	for id, msgs := range history.Messages {
		c.transcripts[id] = msgs
	}

	fresh := c.reducer.State() == conversation.StateIdle &&
		c.reducer.SessionID() == "" &&
		len(c.reducer.Messages()) == 0
	if fresh && len(c.sessions) > 0 {
		latest := c.sessions[0].ID
		c.reducer.Load(latest, c.transcripts[latest])
		c.logger.Info("Resumed latest session", "session_id", latest, "messages", len(c.transcripts[latest]))
	} else if id := c.reducer.SessionID(); id != "" {
		// Keep the live transcript authoritative for the current session.
		c.transcripts[id] = c.reducer.Messages()
	}

	c.notifyLocked()
	return nil
}

// SelectSession replaces the conversation with a fetched transcript.
func (c *Controller) SelectSession(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reducer.State().InFlight() {
		return ErrTurnInProgress
	}
	msgs, ok := c.transcripts[id]
	if !ok && !c.hasSessionLocked(id) {
		return fmt.Errorf("select session %s: %w", id, ErrUnknownSession)
	}
	c.reducer.Load(id, msgs)
	c.notifyLocked()
	return nil
}

// StartNew discards the current conversation. An in-flight turn is detached, not
// cancelled: it runs to its own end and its events are dropped.
func (c *Controller) StartNew() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startNewLocked()
	c.notifyLocked()
}

// DeleteSession deletes a session on the backend. Deleting the current session
// starts a new conversation; deleting another leaves the conversation untouched.
func (c *Controller) DeleteSession(ctx context.Context, id string) error {
	if err := c.backend.DeleteSession(ctx, id); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.transcripts, id)
	for i, s := range c.sessions {
		if s.ID == id {
			c.sessions = append(c.sessions[:i], c.sessions[i+1:]...)
			break
		}
	}
	if c.reducer.SessionID() == id {
		c.startNewLocked()
	}
	c.logger.Info("Session deleted", "session_id", id)
	c.notifyLocked()
	return nil
}

// View returns a snapshot of the conversation.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// Subscribe registers fn for change notifications and returns a function that
// removes it.
func (c *Controller) Subscribe(fn Listener) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Controller) startNewLocked() {
	if c.active != nil {
		c.logger.Info("Detaching in-flight turn", "turn", c.active.gen, "session_id", c.reducer.SessionID())
		c.active = nil
	}
	c.reducer.Reset()
}

// indexCurrentLocked records the current session in the local index after a turn.
// An archived session stays archived unless the turn delivered a formula, as on
// the server.
func (c *Controller) indexCurrentLocked(formula bool) {
	id := c.reducer.SessionID()
	if id == "" {
		return
	}
	msgs := c.reducer.Messages()
	c.transcripts[id] = msgs
	summary := domain.Summarize(id, msgs)

	for i := range c.sessions {
		if c.sessions[i].ID != id {
			continue
		}
		if c.sessions[i].Title != "" {
			summary.Title = c.sessions[i].Title
		}
		if c.sessions[i].Status == domain.SessionArchived && !formula {
			summary.Status = domain.SessionArchived
		}
		c.sessions[i] = summary
		domain.SortSessions(c.sessions)
		return
	}
	c.sessions = append(c.sessions, summary)
	domain.SortSessions(c.sessions)
}

func (c *Controller) hasSessionLocked(id string) bool {
	for _, s := range c.sessions {
		if s.ID == id {
			return true
		}
	}
	return false
}

func (c *Controller) notifyLocked() {
	if len(c.listeners) == 0 {
		return
	}
	v := c.viewLocked()
	for _, fn := range c.listeners {
		fn(v)
	}
}
