package devserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/formula-consult/internal/store"
)

// JSON writes v with the given status code. Encoding happens before the header is
// written so a failure can still become a 500.
func JSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to encode response", "error", err)
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// HealthHandler reports the health of the server and its database.
type HealthHandler struct {
	repo    store.Repository
	timeout time.Duration
}

// healthReport is the body of GET /api/health.
type healthReport struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Time     string `json:"time"`
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository) *HealthHandler {
	return &HealthHandler{repo: repo, timeout: 5 * time.Second}
}

// Health pings the database and reports "healthy" or "degraded".
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	report := healthReport{Status: "healthy", Database: "ok", Time: time.Now().UTC().Format(time.RFC3339)}
	code := http.StatusOK
	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		report.Status = "degraded"
		report.Database = "unreachable"
		code = http.StatusServiceUnavailable
	}
	JSON(w, code, report)
}

// RegisterHealth registers the dependency health route. Liveness is served by the
// Heartbeat middleware on /health.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
