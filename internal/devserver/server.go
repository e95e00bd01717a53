// Package devserver is a local consultation backend. It serves the chat stream,
// history and delete endpoints over SQLite with a scripted responder, so the
// client can be exercised without the hosted service.
package devserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/formula-consult/internal/identity"
	"github.com/ashureev/formula-consult/internal/middleware"
	"github.com/ashureev/formula-consult/internal/store"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Handler        HandlerOptions
	AllowedOrigins []string
	// RequireToken rejects requests without a bearer token.
	RequireToken bool
	// AccessLog enables the chi request logger.
	AccessLog bool
}

// NewRouter assembles the development server routes.
func NewRouter(repo store.Repository, responder Responder, opts RouterOptions) http.Handler {
	if opts.Handler.Logger == nil {
		opts.Handler.Logger = slog.Default()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	if opts.AccessLog {
		r.Use(chiMiddleware.Logger)
	}
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(origins))

	NewHealthHandler(repo).RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(opts.RequireToken))
		NewHandler(repo, responder, opts.Handler).RegisterRoutes(r)
	})

	return r
}
