package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/formula-consult/internal/domain"
	_ "modernc.org/sqlite"
)

const (
	titleRunes   = 60
	previewRunes = 120
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		last_message_preview TEXT NOT NULL DEFAULT '',
		message_count INTEGER NOT NULL DEFAULT 0,
		has_formula INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_updated ON sessions(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		attachment_json TEXT,
		formula_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession inserts a new, empty session.
func (s *SQLiteStore) CreateSession(ctx context.Context, userID string, session *domain.Session) error {
	if session.Status == "" {
		session.Status = domain.SessionActive
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = time.Now()
	}

	query := `
	INSERT INTO sessions (session_id, user_id, title, last_message_preview, message_count,
		has_formula, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return withRetry(ctx, "create session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.ID, userID, session.Title, session.LastMessagePreview, session.MessageCount,
			session.HasFormula, string(session.Status),
			session.UpdatedAt.UnixMilli(), session.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by id for the given user.
func (s *SQLiteStore) GetSession(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, title, last_message_preview, message_count,
		       has_formula, status, updated_at
		FROM sessions WHERE user_id = ? AND session_id = ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, userID, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return &session, nil
}

// ListSessions returns the user's sessions, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]domain.Session, error) {
	query := `
		SELECT session_id, title, last_message_preview, message_count,
		       has_formula, status, updated_at
		FROM sessions WHERE user_id = ?
		ORDER BY updated_at DESC, created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	sessions := []domain.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// AppendMessage stores a message and refreshes its session's metadata in one
// transaction. The session must exist and belong to userID.
func (s *SQLiteStore) AppendMessage(ctx context.Context, userID string, msg *domain.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	var attachment, formula any
	if msg.Attachment != nil {
		raw, err := json.Marshal(msg.Attachment)
		if err != nil {
			return fmt.Errorf("marshal attachment: %w", err)
		}
		attachment = string(raw)
	}
	if msg.Formula != nil {
		raw, err := json.Marshal(msg.Formula)
		if err != nil {
			return fmt.Errorf("marshal formula: %w", err)
		}
		formula = string(raw)
	}

	title := ""
	if msg.Sender == domain.SenderUser {
		title = domain.Truncate(msg.Content, titleRunes)
	}

	return withRetry(ctx, "append message", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET
				title = CASE WHEN title = '' THEN ? ELSE title END,
				last_message_preview = ?,
				message_count = message_count + 1,
				has_formula = has_formula OR ?,
				status = CASE WHEN ? THEN ? ELSE status END,
				updated_at = ?
			WHERE session_id = ? AND user_id = ?`,
			title,
			domain.Truncate(msg.Content, previewRunes),
			msg.Formula != nil,
			msg.Formula != nil, string(domain.SessionCompleted),
			msg.Timestamp.UnixMilli(),
			msg.SessionID, userID,
		)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		} else if n == 0 {
			return fmt.Errorf("session %s: %w", msg.SessionID, ErrNotFound)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (message_id, session_id, sender, content, attachment_json, formula_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.SessionID, string(msg.Sender), msg.Content, attachment, formula, msg.Timestamp.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

// ListMessages returns a session's transcript in insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, userID, sessionID string) ([]domain.Message, error) {
	query := `
		SELECT m.message_id, m.session_id, m.sender, m.content, m.attachment_json, m.formula_json, m.created_at
		FROM messages m JOIN sessions s ON s.session_id = m.session_id
		WHERE s.user_id = ? AND m.session_id = ?
		ORDER BY m.seq`
	return s.queryMessages(ctx, query, userID, sessionID)
}

// History returns every session of the user with its transcript.
func (s *SQLiteStore) History(ctx context.Context, userID string) (domain.History, error) {
	sessions, err := s.ListSessions(ctx, userID)
	if err != nil {
		return domain.History{}, err
	}

	query := `
		SELECT m.message_id, m.session_id, m.sender, m.content, m.attachment_json, m.formula_json, m.created_at
		FROM messages m JOIN sessions s ON s.session_id = m.session_id
		WHERE s.user_id = ?
		ORDER BY m.seq`
	msgs, err := s.queryMessages(ctx, query, userID)
	if err != nil {
		return domain.History{}, err
	}

	history := domain.History{
		Sessions: sessions,
		Messages: make(map[string][]domain.Message, len(sessions)),
	}
	for _, m := range msgs {
		history.Messages[m.SessionID] = append(history.Messages[m.SessionID], m)
	}
	return history, nil
}

// DeleteSession removes a session and, by cascade, its messages.
func (s *SQLiteStore) DeleteSession(ctx context.Context, userID, sessionID string) error {
	return withRetry(ctx, "delete session", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ? AND user_id = ?`, sessionID, userID)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ArchiveIdleSessions marks sessions not updated within idle as archived.
func (s *SQLiteStore) ArchiveIdleSessions(ctx context.Context, idle time.Duration) (int64, error) {
	threshold := time.Now().Add(-idle).UnixMilli()
	var archived int64
	err := withRetry(ctx, "archive sessions", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ? WHERE status != ? AND updated_at < ?`,
			string(domain.SessionArchived), string(domain.SessionArchived), threshold,
		)
		if err != nil {
			return fmt.Errorf("archive idle sessions: %w", err)
		}
		archived, err = res.RowsAffected()
		return err
	})
	return archived, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var session domain.Session
	var status string
	var updatedAt int64
	err := row.Scan(
		&session.ID, &session.Title, &session.LastMessagePreview, &session.MessageCount,
		&session.HasFormula, &status, &updatedAt,
	)
	if err != nil {
		return domain.Session{}, err
	}
	session.Status = domain.SessionStatus(status)
	session.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return session, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	msgs := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		var sender string
		var attachment, formula sql.NullString
		var createdAt int64

		if err := rows.Scan(&m.ID, &m.SessionID, &sender, &m.Content, &attachment, &formula, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Sender = domain.Sender(sender)
		m.Timestamp = time.UnixMilli(createdAt).UTC()

		if attachment.Valid {
			m.Attachment = &domain.Attachment{}
			if err := json.Unmarshal([]byte(attachment.String), m.Attachment); err != nil {
				return nil, fmt.Errorf("decode attachment of %s: %w", m.ID, err)
			}
		}
		if formula.Valid {
			m.Formula = &domain.Formula{}
			if err := json.Unmarshal([]byte(formula.String), m.Formula); err != nil {
				return nil, fmt.Errorf("decode formula of %s: %w", m.ID, err)
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}
