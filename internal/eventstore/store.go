package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session has no timeline.
var ErrNotFound = errors.New("session not found")

// Session is the summary row of one client connection. Only metadata is
// kept; audio and request text never reach the store.
type Session struct {
	ID          string
	Remote      string
	Privacy     string
	OpenedAt    time.Time
	ClosedAt    time.Time
	CloseReason string
}

// Event is one timeline entry of a session.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Sequence  int
	Chunks    int
	Detail    string
	Privacy   string
	CreatedAt time.Time
}

// Store is a SQLite-backed session timeline. In ephemeral mode it keeps
// nothing and every call is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	log.Info("event store opened", slog.String("path", cfg.Path), slog.String("retention", cfg.RetentionMode))
	return s, nil
}

// Timestamps are stored as unix milliseconds so retention cutoffs compare
// numerically.
func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    remote TEXT,
    privacy_scope TEXT,
    opened_at INTEGER NOT NULL,
    closed_at INTEGER,
    close_reason TEXT
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    sequence INTEGER,
    chunks INTEGER,
    detail TEXT,
    privacy_scope TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Enabled reports whether anything is persisted.
func (s *Store) Enabled() bool { return s != nil && s.db != nil }

// Close releases underlying resources.
func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	return s.db.Close()
}

// OpenSession creates the session row. Reopening an existing id keeps its
// timeline and clears the close marker.
func (s *Store) OpenSession(ctx context.Context, sessionID, remote string) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, remote, privacy_scope, opened_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET remote=excluded.remote, closed_at=NULL, close_reason=NULL`,
		sessionID, remote, s.cfg.PrivacyScope, s.clock().UnixMilli())
	return err
}

// CloseSession stamps the close time and reason on the session row.
func (s *Store) CloseSession(ctx context.Context, sessionID, reason string) error {
	if !s.Enabled() {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET closed_at = ?, close_reason = ? WHERE session_id = ?`,
		s.clock().UnixMilli(), reason, sessionID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendEvent writes an event into the store. The session must be open.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.Enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	if evt.Privacy == "" {
		evt.Privacy = s.cfg.PrivacyScope
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, sequence, chunks, detail, privacy_scope, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Sequence, evt.Chunks, evt.Detail, evt.Privacy, evt.CreatedAt.UnixMilli())
	return err
}

// GetSession returns the summary row of a session.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if !s.Enabled() {
		return Session{}, ErrNotFound
	}
	var (
		sess    Session
		opened  int64
		closed  sql.NullInt64
		reason  sql.NullString
		remote  sql.NullString
		privacy sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, remote, privacy_scope, opened_at, closed_at, close_reason
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&sess.ID, &remote, &privacy, &opened, &closed, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	sess.Remote = remote.String
	sess.Privacy = privacy.String
	sess.OpenedAt = time.UnixMilli(opened).UTC()
	if closed.Valid {
		sess.ClosedAt = time.UnixMilli(closed.Int64).UTC()
	}
	sess.CloseReason = reason.String
	return sess, nil
}

// ListSessionEvents retrieves up to limit events for a session in the
// order they were written.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, sequence, chunks, detail, privacy_scope, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			created int64
			detail  sql.NullString
			privacy sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Sequence, &e.Chunks, &detail, &privacy, &created); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		e.Privacy = privacy.String
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and from the
// runtime's retention ticker).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE opened_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY opened_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	return tx.Commit()
}
