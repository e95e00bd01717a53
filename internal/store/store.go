// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/formula-consult/internal/domain"
)

// ErrNotFound is returned when a session does not exist for the caller.
var ErrNotFound = errors.New("not found")

// Repository persists consultation sessions and their transcripts, scoped by user.
type Repository interface {
	// CreateSession inserts a new, empty session.
	CreateSession(ctx context.Context, userID string, session *domain.Session) error

	// GetSession retrieves a session. It returns nil, nil when absent.
	GetSession(ctx context.Context, userID, sessionID string) (*domain.Session, error)

	// ListSessions returns the user's sessions, most recently updated first.
	ListSessions(ctx context.Context, userID string) ([]domain.Session, error)

	// AppendMessage stores a message and refreshes its session's metadata.
	AppendMessage(ctx context.Context, userID string, msg *domain.Message) error

	// ListMessages returns a session's transcript in insertion order.
	ListMessages(ctx context.Context, userID, sessionID string) ([]domain.Message, error)

	// History returns every session of the user with its transcript.
	History(ctx context.Context, userID string) (domain.History, error)

	// DeleteSession removes a session and its messages. It returns ErrNotFound when absent.
	DeleteSession(ctx context.Context, userID, sessionID string) error

	// ArchiveIdleSessions marks sessions not updated within idle as archived.
	ArchiveIdleSessions(ctx context.Context, idle time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
