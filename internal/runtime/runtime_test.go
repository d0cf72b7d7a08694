package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Bus.StoreDir = t.TempDir()
	cfg.EventStore.Path = t.TempDir() + "/events.db"
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) (*Runtime, func()) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := New(cfg, t.TempDir(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	select {
	case <-rt.Listening():
	case err := <-done:
		cancel()
		t.Fatalf("runtime exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("runtime did not start listening")
	}

	stop := func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("runtime returned error: %v", err)
			}
		case <-time.After(15 * time.Second):
			t.Fatal("runtime did not stop")
		}
	}
	return rt, stop
}

func waitReady(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/readyz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("runtime never became ready")
}

func synthesizeOnce(t *testing.T, addr, text string) []byte {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/synthesize", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(map[string]any{"text": text}); err != nil {
		t.Fatalf("write: %v", err)
	}
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("expected binary frame, got %d: %s", kind, data)
	}

	if err := conn.WriteJSON(map[string]any{"text": ""}); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure, got %v", err)
	}
	return data
}

func TestRuntimeServesSynthesis(t *testing.T) {
	rt, stop := startRuntime(t, testConfig(t))
	defer stop()
	waitReady(t, rt.Addr())

	if pcm := synthesizeOnce(t, rt.Addr(), "Hello world."); len(pcm) == 0 {
		t.Fatal("expected audio bytes")
	}

	resp, err := http.Get("http://" + rt.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	resp, err = http.Get("http://" + rt.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{"go_goroutines", "loqa_voice_connections"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}

func TestRuntimeWithEmbeddedBusAndEngineService(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.EngineService.Enabled = true
	cfg.EventStore.RetentionMode = "session"

	rt, stop := startRuntime(t, cfg)
	defer stop()
	waitReady(t, rt.Addr())

	if pcm := synthesizeOnce(t, rt.Addr(), "Hi there."); len(pcm) == 0 {
		t.Fatal("expected audio bytes")
	}
}

func TestRuntimeRejectsRemoteEnginesWithoutBus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Synthesis.Mode = "nats"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := New(cfg, t.TempDir(), logger)
	if err := rt.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail")
	}
}
