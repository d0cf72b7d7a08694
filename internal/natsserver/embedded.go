// Package natsserver runs an in-process NATS server so a single gateway
// node can use the bus without external infrastructure.
package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const (
	// Engine replies carry base64 audio chunks.
	maxPayload   = 16 << 20
	readyTimeout = 5 * time.Second
)

// EmbeddedServer is a loopback-only NATS server owned by the runtime.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start returns nil, nil when cfg does not ask for an embedded server. A
// port of -1 picks a random free port.
func Start(name string, cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}

	opts := &server.Options{
		ServerName: name,
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		StoreDir:   cfg.StoreDir,
		MaxPayload: maxPayload,
		NoSigs:     true,
		NoLog:      true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after %s", readyTimeout)
	}

	log.Info("embedded NATS server started",
		slog.String("name", name),
		slog.String("url", ns.ClientURL()),
		slog.Int("max_payload", maxPayload))

	return &EmbeddedServer{
		ns:  ns,
		log: log,
	}, nil
}

// ClientURL is the address clients should dial.
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Clients is the number of connected clients.
func (e *EmbeddedServer) Clients() int {
	if e == nil || e.ns == nil {
		return 0
	}
	return e.ns.NumClients()
}

// Shutdown stops the server and waits for it; it is safe on a nil server.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server", slog.Int("clients", e.Clients()))
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
