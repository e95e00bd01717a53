package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ashureev/formula-consult/internal/domain"
	"github.com/ashureev/formula-consult/internal/identity"
	"github.com/ashureev/formula-consult/internal/store"
	"github.com/ashureev/formula-consult/internal/stream"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// retryHintMs is the reconnect delay advertised to clients.
const retryHintMs = 3000

// defaultKeepaliveInterval spaces comment frames while the responder is quiet.
const defaultKeepaliveInterval = 15 * time.Second

// Handler serves the consultation API.
type Handler struct {
	repo        store.Repository
	responder   Responder
	rateLimiter *RateLimiter
	maxBodySize int64
	keepalive   time.Duration
	logger      *slog.Logger
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	RateLimiter *RateLimiter
	MaxBodySize int64
	// KeepaliveInterval is the gap between comment frames on an open stream.
	KeepaliveInterval time.Duration
	Logger            *slog.Logger
}

// NewHandler creates a consultation API handler.
func NewHandler(repo store.Repository, responder Responder, opts HandlerOptions) *Handler {
	h := &Handler{
		repo:        repo,
		responder:   responder,
		rateLimiter: opts.RateLimiter,
		maxBodySize: opts.MaxBodySize,
		keepalive:   opts.KeepaliveInterval,
		logger:      opts.Logger,
	}
	if h.rateLimiter == nil {
		h.rateLimiter = NewRateLimiter(10)
	}
	if h.maxBodySize <= 0 {
		h.maxBodySize = defaultMaxRequestBodySize
	}
	if h.keepalive <= 0 {
		h.keepalive = defaultKeepaliveInterval
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// RegisterRoutes registers the consultation routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/consultation", func(r chi.Router) {
		r.Post("/chat", h.HandleChat)
		r.Get("/history", h.HandleHistory)
		r.Delete("/sessions/{id}", h.HandleDeleteSession)
	})
}

// HandleChat handles POST /api/consultation/chat and streams the reply as data frames.
//
//nolint:gocyclo // Validation and streaming branches are kept inline to preserve request flow.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.rateLimiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" && len(req.Attachments) == 0 {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	session, history, err := h.openSession(r, userID, req)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to open session", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to open session")
		return
	}

	userMsg := &domain.Message{
		ID:        uuid.NewString(),
		Sender:    domain.SenderUser,
		Content:   req.Message,
		Timestamp: time.Now(),
		SessionID: session.ID,
	}
	if len(req.Attachments) > 0 {
		att := req.Attachments[0]
		userMsg.Attachment = &att
	}
	if err := h.repo.AppendMessage(ctx, userID, userMsg); err != nil {
		h.logger.Error("Failed to store user message", "error", err, "session_id", session.ID)
		Error(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	logger := h.logger.With(
		"user_id", userID,
		"session_id", session.ID,
		"request_id", chiMiddleware.GetReqID(ctx),
	)
	logger.Info("Consultation chat request",
		"message_length", len(req.Message),
		"attachments", len(req.Attachments),
		"remote_ip", identity.IPFromRequest(r),
	)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := stream.WriteRetry(w, retryHintMs); err != nil {
		logger.Warn("Failed to write retry hint", "error", err)
		return
	}
	if err := h.write(w, flusher, Frame{Event: stream.Event{Kind: stream.KindConnected}}); err != nil {
		logger.Warn("Failed to write connected event", "error", err)
		return
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	frames := h.pump(turnCtx, Turn{
		UserID:      userID,
		SessionID:   session.ID,
		Message:     req.Message,
		Attachments: req.Attachments,
		History:     history,
	})

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	var content strings.Builder
	for {
		var next responderFrame
		select {
		case <-ctx.Done():
			logger.Info("Client went away mid-stream", "bytes", content.Len())
			h.storeAssistant(ctx, logger, userID, session.ID, content.String(), nil)
			return
		case <-keepalive.C:
			if err := stream.WriteComment(w, "keepalive"); err != nil {
				logger.Warn("Failed to write keepalive", "error", err)
				return
			}
			flusher.Flush()
			continue
		case f, ok := <-frames:
			if !ok {
				logger.Error("Responder ended without a terminal event")
				f = responderFrame{err: errors.New("reply ended unexpectedly")}
			}
			next = f
		}

		frame, err := next.frame, next.err
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("Client went away mid-stream", "bytes", content.Len())
				h.storeAssistant(ctx, logger, userID, session.ID, content.String(), nil)
				return
			}
			logger.Error("Responder failed", "error", err)
			frame = Frame{Event: stream.Event{Kind: stream.KindError, Error: err.Error()}}
		}

		ev := &frame.Event
		switch ev.Kind {
		case stream.KindChunk:
			ev.SessionID = session.ID
			content.WriteString(ev.Content)
		case stream.KindComplete:
			h.storeAssistant(ctx, logger, userID, session.ID, content.String(), ev.Formula)
		case stream.KindFormulaError, stream.KindError:
			h.storeAssistant(ctx, logger, userID, session.ID, content.String(), nil)
		}

		if err := h.write(w, flusher, frame); err != nil {
			logger.Warn("Failed to write frame", "error", err, "type", string(ev.Kind))
			return
		}
		if ev.Kind.Terminal() {
			logger.Info("Consultation chat finished", "type", string(ev.Kind), "formula", ev.Formula != nil)
			return
		}
	}
}

type responderFrame struct {
	frame Frame
	err   error
}

// pump runs the responder on its own goroutine so the stream can interleave
// keepalives. The channel closes when the responder returns or ctx ends.
func (h *Handler) pump(ctx context.Context, turn Turn) <-chan responderFrame {
	frames := make(chan responderFrame)
	go func() {
		defer close(frames)
		for f, err := range h.responder.Respond(ctx, turn) {
			select {
			case frames <- responderFrame{frame: f, err: err}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return frames
}

// openSession loads the requested session, or creates one when the request has none.
func (h *Handler) openSession(r *http.Request, userID string, req domain.ChatRequest) (*domain.Session, []domain.Message, error) {
	ctx := r.Context()
	if req.SessionID == "" {
		session := &domain.Session{
			ID:        uuid.NewString(),
			Status:    domain.SessionActive,
			UpdatedAt: time.Now(),
		}
		if err := h.repo.CreateSession(ctx, userID, session); err != nil {
			return nil, nil, err
		}
		h.logger.Info("Session created", "user_id", userID, "session_id", session.ID)
		return session, nil, nil
	}

	session, err := h.repo.GetSession(ctx, userID, req.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if session == nil {
		return nil, nil, fmt.Errorf("session %s: %w", req.SessionID, store.ErrNotFound)
	}
	history, err := h.repo.ListMessages(ctx, userID, session.ID)
	if err != nil {
		return nil, nil, err
	}
	return session, history, nil
}

// storeAssistant persists the reply so far. It outlives the request context so a
// partial reply survives a disconnect.
func (h *Handler) storeAssistant(ctx context.Context, logger *slog.Logger, userID, sessionID, content string, formula *domain.Formula) {
	if content == "" && formula == nil {
		return
	}
	msg := &domain.Message{
		ID:        uuid.NewString(),
		Sender:    domain.SenderAssistant,
		Content:   content,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Formula:   formula,
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.repo.AppendMessage(ctx, userID, msg); err != nil {
		logger.Error("Failed to store assistant message", "error", err)
	}
}

func (h *Handler) write(w http.ResponseWriter, flusher http.Flusher, f Frame) error {
	var err error
	if f.Raw != "" {
		_, err = fmt.Fprintf(w, "%s %s\n\n", stream.DataPrefix, f.Raw)
	} else {
		err = stream.WriteEvent(w, f.Event)
	}
	if err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// HandleHistory handles GET /api/consultation/history.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	history, err := h.repo.History(r.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to load history", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	JSON(w, http.StatusOK, history)
}

// HandleDeleteSession handles DELETE /api/consultation/sessions/{id}.
func (h *Handler) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	err := h.repo.DeleteSession(r.Context(), userID, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, "session not found")
	case err != nil:
		h.logger.Error("Failed to delete session", "error", err, "session_id", id)
		Error(w, http.StatusInternalServerError, "failed to delete session")
	default:
		h.logger.Info("Session deleted", "user_id", userID, "session_id", id)
		w.WriteHeader(http.StatusNoContent)
	}
}
