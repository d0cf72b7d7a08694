package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/observe"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/registry"
	"github.com/loqalabs/loqa-voice/internal/segment"
	"github.com/loqalabs/loqa-voice/internal/session"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/loqalabs/loqa-voice/internal/voice"
	"go.opentelemetry.io/otel"
)

const (
	meterName       = "github.com/loqalabs/loqa-voice/runtime"
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

type Runtime struct {
	cfg         config.Config
	baseDir     string
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	embeddedBus *natsserver.EmbeddedServer
	bus         *bus.Client
	eventStore  *eventstore.Store
	engines     *engines
	service     *tts.Service
	registry    *registry.Registry
	ready       atomic.Bool
	listening   chan struct{}
	addr        atomic.Value
	wg          sync.WaitGroup
}

// New prepares a runtime. Relative voice embedding paths are resolved
// against baseDir, normally the directory of the config file.
func New(cfg config.Config, baseDir string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:       cfg,
		baseDir:   baseDir,
		logger:    logger,
		listening: make(chan struct{}),
	}
}

// Listening is closed once the HTTP listener is bound.
func (r *Runtime) Listening() <-chan struct{} { return r.listening }

// Addr is the bound HTTP address, valid after Listening is closed.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

// Start builds every service, serves until ctx is cancelled and then drains
// live sessions before tearing everything down.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer r.close()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	if err := r.startBus(ctx); err != nil {
		return err
	}

	r.eventStore, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}

	voices, err := voice.Load(r.cfg.Voices, r.baseDir, r.logger.With(slog.String("component", "voices")))
	if err != nil {
		return fmt.Errorf("failed to load voice profiles: %w", err)
	}

	r.engines, err = buildEngines(r.cfg, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build engines: %w", err)
	}

	if r.cfg.EngineService.Enabled {
		r.service = tts.NewService(ctx, r.cfg.EngineService, r.cfg.Synthesis.Subject, r.cfg.Conversion.Subject,
			time.Duration(r.cfg.Synthesis.Timeout)*time.Millisecond, time.Duration(r.cfg.Conversion.Timeout)*time.Millisecond,
			r.bus, r.engines.synth, r.engines.conv, r.logger)
		if err := r.service.Start(); err != nil {
			return fmt.Errorf("failed to start engine service: %w", err)
		}
	}

	r.registry = registry.New(r.logger)
	if err := r.registry.RegisterMetrics(otel.Meter(meterName)); err != nil {
		r.logger.Warn("failed to initialize connection metrics", slog.String("error", err.Error()))
	}

	handler := &session.Handler{
		Config: session.ConfigFrom(r.cfg.Gateway),
		Validator: protocol.NewValidator(r.cfg.Gateway.DefaultSpeaker, r.cfg.Gateway.DefaultLanguage,
			r.cfg.Synthesis.Speakers, voices.Has),
		Pipeline: pipeline.New(r.engines.synth, r.engines.conv, r.cfg.Conversion.Tau,
			pipeline.WithMetrics(metrics),
			pipeline.WithSegmenter(segment.New())),
		Voices:   voices,
		Registry: r.registry,
		Recorder: eventstore.NewRecorder(r.eventStore, r.bus, r.logger),
		Metrics:  metrics,
		Logger:   r.logger.With(slog.String("component", "session")),
	}

	mux := http.NewServeMux()
	mux.Handle(r.cfg.Gateway.Path, handler)
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	r.addr.Store(listener.Addr().String())
	close(r.listening)

	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			serveErr <- err
		}
	}()

	if r.eventStore.Enabled() {
		r.wg.Add(1)
		go r.runRetention(ctx)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", listener.Addr().String()),
		slog.String("path", r.cfg.Gateway.Path))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	// Hijacked websocket connections are not tracked by http.Server, so
	// sessions are drained through the registry first.
	if !r.registry.Drain(shutdownCtx) {
		r.logger.Warn("sessions still open after drain timeout", slog.Int("count", r.registry.Count()))
	}
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	cancel()
	r.wg.Wait()

	return runErr
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		es, err := natsserver.Start(r.cfg.RuntimeName+"-bus", busCfg, r.logger.With(slog.String("component", "nats")))
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.embeddedBus = es
		busCfg.Servers = []string{es.ClientURL()}
	}
	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client
	return nil
}

func (r *Runtime) runRetention(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.eventStore.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// close releases everything Start acquired, in reverse order.
func (r *Runtime) close() {
	if r.service != nil {
		r.service.Close()
	}
	if r.engines != nil {
		r.engines.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embeddedBus.Shutdown()
	if r.eventStore != nil {
		if err := r.eventStore.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) healthy() bool {
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		return false
	}
	if r.service != nil && !r.service.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
