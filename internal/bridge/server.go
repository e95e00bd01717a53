package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ashureev/formula-consult/internal/consult"
	"github.com/ashureev/formula-consult/internal/domain"
	"github.com/ashureev/formula-consult/internal/middleware"
	"github.com/ashureev/formula-consult/web"
)

const writeTimeout = 10 * time.Second

// Command types accepted from clients.
const (
	cmdSend    = "send"
	cmdCancel  = "cancel"
	cmdNew     = "new"
	cmdSelect  = "select"
	cmdDelete  = "delete"
	cmdHistory = "history"
)

// command is a client request.
type command struct {
	Type        string              `json:"type"`
	Content     string              `json:"content,omitempty"`
	SessionID   string              `json:"sessionId,omitempty"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
}

// reply is a server message. Type is "view" or "error".
type reply struct {
	Type    string        `json:"type"`
	View    *consult.View `json:"view,omitempty"`
	Command string        `json:"command,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Options configures a Server.
type Options struct {
	// AllowedOrigins are host patterns accepted for WebSocket upgrades, such as
	// "localhost:*".
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server serves the bridge endpoints.
type Server struct {
	ctrl    *consult.Controller
	hub     *Hub
	origins []string
	logger  *slog.Logger

	// base bounds commands that outlive a single connection, such as a turn.
	base context.Context
}

// NewServer creates a bridge for ctrl. Commands run under ctx, so cancelling it
// aborts in-flight turns.
func NewServer(ctx context.Context, ctrl *consult.Controller, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ctrl:    ctrl,
		hub:     NewHub(ctrl, logger),
		origins: opts.AllowedOrigins,
		logger:  logger,
		base:    ctx,
	}
}

// Hub returns the client registry.
func (s *Server) Hub() *Hub { return s.hub }

// Close disconnects every client.
func (s *Server) Close() { s.hub.Close() }

// Routes returns the bridge HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(s.origins))

	r.Get("/api/view", s.handleView)
	r.Get("/ws/consult", s.ServeHTTP)

	// Browser client (SPA catch-all).
	r.Handle("/*", web.SPAHandler())
	return r
}

func (s *Server) handleView(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	v := s.ctrl.View()
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write view", "error", err)
	}
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		s.logger.Warn("Failed to accept WebSocket", "error", err, "origin", r.Header.Get("Origin"))
		return
	}

	c := newClient(uuid.NewString(), ws)
	logger := s.logger.With("client_id", c.id)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "bridge closed"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	s.hub.Register(c)
	defer s.hub.Unregister(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c.offer(s.ctrl.View())

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		s.writeLoop(ctx, c, logger)
	}()

	s.readLoop(ctx, c, logger)
	cancel()
	<-done
}

func (s *Server) writeLoop(ctx context.Context, c *client, logger *slog.Logger) {
	for {
		var msg reply
		select {
		case <-ctx.Done():
			return
		case v := <-c.views:
			msg = reply{Type: "view", View: &v}
		case msg = <-c.replies:
		}

		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := wsjson.Write(wctx, c.conn, msg)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug("WebSocket write error", "error", err)
			}
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, c *client, logger *slog.Logger) {
	for {
		var cmd command
		if err := wsjson.Read(ctx, c.conn, &cmd); err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				logger.Debug("WebSocket closed by client")
			} else {
				logger.Warn("WebSocket read error", "error", err)
			}
			return
		}
		s.dispatch(c, cmd, logger)
	}
}

// dispatch runs cmd. Failures are reported to the issuing client only; state
// changes reach every client through the hub.
func (s *Server) dispatch(c *client, cmd command, logger *slog.Logger) {
	logger.Debug("Bridge command", "type", cmd.Type)

	var err error
	switch cmd.Type {
	case cmdSend:
		// Send blocks for the whole turn; the outcome is visible in the view.
		go func() {
			err := s.ctrl.Send(s.base, cmd.Content, cmd.Attachments...)
			var turnErr *consult.TurnError
			if err != nil && !errors.As(err, &turnErr) && !errors.Is(err, consult.ErrTurnDetached) {
				s.fail(c, cmd, err)
			}
		}()
	case cmdCancel:
		s.ctrl.Cancel()
	case cmdNew:
		s.ctrl.StartNew()
	case cmdSelect:
		err = s.ctrl.SelectSession(cmd.SessionID)
	case cmdDelete:
		err = s.ctrl.DeleteSession(s.base, cmd.SessionID)
	case cmdHistory:
		err = s.ctrl.LoadHistory(s.base)
	default:
		err = errors.New("unknown command")
	}
	if err != nil {
		s.fail(c, cmd, err)
	}
}

func (s *Server) fail(c *client, cmd command, err error) {
	s.logger.Info("Bridge command failed", "client_id", c.id, "type", cmd.Type, "error", err)
	select {
	case c.replies <- reply{Type: "error", Command: cmd.Type, Error: err.Error()}:
	default:
		s.logger.Warn("Dropping bridge error reply", "client_id", c.id)
	}
}
