// Package session serves the /synthesize websocket endpoint: one session
// loop per connection, reading JSON requests and streaming binary audio
// frames back in order.
package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/observe"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/registry"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

// Recorder receives session lifecycle events. Implementations must not
// block for long and must not fail the session.
type Recorder interface {
	Record(ctx context.Context, evt protocol.SessionEvent)
}

// Config holds the transport limits of a session.
type Config struct {
	MaxMessageBytes int64
	// IdleTimeout closes a session that sends no request for this long.
	// Zero disables it.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	// PingInterval also bounds how long a silent peer is considered alive:
	// two missed pongs end the session. Zero disables pings.
	PingInterval   time.Duration
	AllowedOrigins []string
}

func ConfigFrom(cfg config.GatewayConfig) Config {
	return Config{
		MaxMessageBytes: cfg.MaxMessageBytes,
		IdleTimeout:     time.Duration(cfg.IdleTimeout) * time.Millisecond,
		WriteTimeout:    time.Duration(cfg.WriteTimeout) * time.Millisecond,
		PingInterval:    time.Duration(cfg.PingInterval) * time.Millisecond,
		AllowedOrigins:  cfg.AllowedOrigins,
	}
}

// Handler upgrades requests to websocket sessions. Validator, Pipeline and
// Registry are required; the rest may be nil.
type Handler struct {
	Config    Config
	Validator *protocol.Validator
	Pipeline  *pipeline.Pipeline
	Voices    *voice.Store
	Registry  *registry.Registry
	Recorder  Recorder
	Metrics   *observe.Metrics
	Logger    *slog.Logger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.originAllowed(r) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c, err := h.Registry.Register(r.RemoteAddr, cancel)
	if err != nil {
		if errors.Is(err, registry.ErrDraining) {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer h.Registry.Unregister(c)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		return
	}
	defer conn.Close()
	if h.Config.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxMessageBytes)
	}

	s := newSession(h, conn, c)
	s.run(ctx)
}

// originAllowed accepts requests without an Origin header (non-browser
// clients) and, when AllowedOrigins is set, only the listed origins.
func (h *Handler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(h.Config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.Config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handler) metrics() *observe.Metrics {
	if h.Metrics == nil {
		return observe.Discard()
	}
	return h.Metrics
}

func (h *Handler) record(ctx context.Context, evt protocol.SessionEvent) {
	if h.Recorder != nil {
		h.Recorder.Record(ctx, evt)
	}
}
