package eventstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// Recorder writes session lifecycle events to the Store and, when a bus is
// connected, publishes them on protocol.SubjectSessionEvent. Failures are
// logged and never reach the session.
type Recorder struct {
	store *Store
	bus   *bus.Client
	log   *slog.Logger
}

// NewRecorder builds a Recorder. Either store or busClient may be nil.
func NewRecorder(store *Store, busClient *bus.Client, log *slog.Logger) *Recorder {
	return &Recorder{store: store, bus: busClient, log: log.With(slog.String("component", "session-recorder"))}
}

func (r *Recorder) Record(ctx context.Context, evt protocol.SessionEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	// The session context may already be cancelled at close time; the
	// record should still land.
	ctx = context.WithoutCancel(ctx)

	if r.store.Enabled() {
		if err := r.persist(ctx, evt); err != nil {
			r.log.Warn("failed to record session event",
				slog.String("session_id", evt.SessionID),
				slog.String("type", evt.Type),
				slog.String("error", err.Error()))
		}
	}
	if r.bus.Healthy() {
		r.publish(evt)
	}
}

func (r *Recorder) persist(ctx context.Context, evt protocol.SessionEvent) error {
	if evt.Type == protocol.EventSessionOpened {
		if err := r.store.OpenSession(ctx, evt.SessionID, evt.Remote); err != nil {
			return err
		}
	}
	if err := r.store.AppendEvent(ctx, Event{
		SessionID: evt.SessionID,
		Type:      evt.Type,
		Sequence:  evt.Sequence,
		Chunks:    evt.Chunks,
		Detail:    evt.Reason,
		CreatedAt: evt.Timestamp,
	}); err != nil {
		return err
	}
	if evt.Type == protocol.EventSessionClosed {
		return r.store.CloseSession(ctx, evt.SessionID, evt.Reason)
	}
	return nil
}

func (r *Recorder) publish(evt protocol.SessionEvent) {
	if err := r.bus.PublishJSON(protocol.SubjectSessionEvent, evt); err != nil {
		r.log.Warn("failed to publish session event", slog.String("error", err.Error()))
	}
}
