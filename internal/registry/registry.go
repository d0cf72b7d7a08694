// Package registry tracks live client connections for lifecycle accounting
// and shutdown drains.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel/metric"
)

var ErrDraining = errors.New("registry is draining")

type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one registered client. Its session loop owns it; the
// registry only observes it and can ask it to stop through Cancel.
type Connection struct {
	ID     string
	Remote string
	Opened time.Time

	cancel context.CancelFunc
	state  atomic.Int32
	once   sync.Once
}

func (c *Connection) State() State { return State(c.state.Load()) }

// Cancel asks the owning session to stop. It does not unregister.
func (c *Connection) Cancel() {
	if c.cancel != nil {
		c.cancel()
	}
}

type Registry struct {
	mu       sync.Mutex
	conns    map[string]*Connection
	draining bool
	wg       sync.WaitGroup
	log      *slog.Logger
}

func New(log *slog.Logger) *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		log:   log.With(slog.String("component", "registry")),
	}
}

// Register adds a new Open connection with a fresh identity. cancel is
// invoked by CancelAll and may be nil.
func (r *Registry) Register(remote string, cancel context.CancelFunc) (*Connection, error) {
	c := &Connection{
		ID:     xid.New().String(),
		Remote: remote,
		Opened: time.Now().UTC(),
		cancel: cancel,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return nil, ErrDraining
	}
	r.conns[c.ID] = c
	r.wg.Add(1)
	r.log.Debug("connection registered", slog.String("connection_id", c.ID), slog.String("remote", remote))
	return c, nil
}

// MarkClosing records that c has started tearing down. It never moves a
// Closed connection backwards.
func (r *Registry) MarkClosing(c *Connection) {
	if c == nil {
		return
	}
	c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
}

// Unregister moves c to Closed and drops it from the active set. Calls
// after the first are no-ops.
func (r *Registry) Unregister(c *Connection) {
	if c == nil {
		return
	}
	c.once.Do(func() {
		c.state.Store(int32(StateClosed))
		r.mu.Lock()
		if r.conns[c.ID] == c {
			delete(r.conns, c.ID)
		}
		r.mu.Unlock()
		r.wg.Done()
		r.log.Debug("connection unregistered", slog.String("connection_id", c.ID))
	})
}

func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CancelAll asks every registered connection to stop and returns how many
// were asked.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.Cancel()
	}
	return len(conns)
}

// Wait blocks until every registered connection has unregistered or ctx
// is done, and reports whether the registry emptied.
func (r *Registry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Drain refuses new registrations, cancels the live ones and waits for
// them to unregister.
func (r *Registry) Drain(ctx context.Context) bool {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	if n := r.CancelAll(); n > 0 {
		r.log.Info("draining connections", slog.Int("count", n))
	}
	return r.Wait(ctx)
}

// RegisterMetrics exposes the number of active connections as an
// observable gauge.
func (r *Registry) RegisterMetrics(meter metric.Meter) error {
	gauge, err := meter.Int64ObservableGauge("loqa.voice.connections.active",
		metric.WithDescription("Number of open client connections"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(r.Count()))
		return nil
	}, gauge)
	return err
}
