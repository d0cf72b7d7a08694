package eventstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.Enabled() {
		t.Fatal("ephemeral store must not open a database")
	}
	if err := es.OpenSession(ctx, "s", "remote"); err != nil {
		t.Fatalf("ephemeral writes must be no-ops: %v", err)
	}
	if _, err := es.GetSession(ctx, "s"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionTimeline(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session", PrivacyScope: "local"})

	if err := es.OpenSession(ctx, "session-123", "127.0.0.1:4000"); err != nil {
		t.Fatalf("open session: %v", err)
	}
	for i, typ := range []string{"request.accepted", "request.completed"} {
		if err := es.AppendEvent(ctx, Event{SessionID: "session-123", Type: typ, Sequence: 1, Chunks: i * 3}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	if err := es.CloseSession(ctx, "session-123", "client"); err != nil {
		t.Fatalf("close session: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Type != "request.accepted" || events[1].Chunks != 3 {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[0].Privacy != "local" {
		t.Fatalf("expected default privacy scope, got %q", events[0].Privacy)
	}

	sess, err := es.GetSession(ctx, "session-123")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Remote != "127.0.0.1:4000" || sess.CloseReason != "client" || sess.ClosedAt.IsZero() {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestCloseUnknownSession(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	if err := es.CloseSession(context.Background(), "missing", "client"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.OpenSession(ctx, "old-session", "remote"); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: "request.accepted"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.OpenSession(ctx, "new-session", "remote"); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	if _, err := es.GetSession(ctx, "new-session"); err != nil {
		t.Fatalf("expected new session kept: %v", err)
	}
}
