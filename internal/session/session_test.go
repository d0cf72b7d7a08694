package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/registry"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

type memRecorder struct {
	mu     sync.Mutex
	events []protocol.SessionEvent
}

func (r *memRecorder) Record(_ context.Context, evt protocol.SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *memRecorder) closeReasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var reasons []string
	for _, evt := range r.events {
		if evt.Type == protocol.EventSessionClosed {
			reasons = append(reasons, evt.Reason)
		}
	}
	return reasons
}

type harness struct {
	url      string
	registry *registry.Registry
	recorder *memRecorder
}

type options struct {
	synth  tts.Synthesizer
	conv   tts.Converter
	config Config
}

// echoEngine returns the piece text as the audio payload.
var echoEngine = tts.SynthesizerFunc(func(ctx context.Context, req tts.SynthRequest) (tts.AudioChunk, error) {
	return tts.AudioChunk{Sequence: req.Sequence, PCM: []byte(req.Text)}, nil
})

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	if opts.synth == nil {
		opts.synth = echoEngine
	}
	if opts.conv == nil {
		opts.conv = tts.NewMockEngine(16000)
	}
	voices, err := voice.NewStore("default", voice.Profile{Name: "default", Source: voice.Embedding{0.1}, Target: voice.Embedding{0.2}})
	if err != nil {
		t.Fatalf("voice store: %v", err)
	}
	reg := registry.New(log)
	rec := &memRecorder{}
	h := &Handler{
		Config:    opts.config,
		Validator: protocol.NewValidator("default", "English", nil, voices.Has),
		Pipeline:  pipeline.New(opts.synth, opts.conv, 0.3),
		Voices:    voices,
		Registry:  reg,
		Recorder:  rec,
		Logger:    log,
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &harness{
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		registry: reg,
		recorder: rec,
	}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *harness) waitEmpty(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.registry.Count() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("registry still holds %d connections", h.registry.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func send(t *testing.T, conn *websocket.Conn, text, language string) {
	t.Helper()
	msg := map[string]any{"text": text, "speaker": "default", "language": language, "speed": 1.0}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func read(t *testing.T, conn *websocket.Conn) (int, []byte, error) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn.ReadMessage()
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	kind, data, err := read(t, conn)
	if err == nil {
		t.Fatalf("expected close %d, got frame type %d: %q", code, kind, data)
	}
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != code {
		t.Fatalf("expected close code %d, got %d (%s)", code, closeErr.Code, closeErr.Text)
	}
}

func expectError(t *testing.T, conn *websocket.Conn, code string) protocol.ServerError {
	t.Helper()
	kind, data, err := read(t, conn)
	if err != nil {
		t.Fatalf("expected error frame, got %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("expected text frame, got %d", kind)
	}
	var msg protocol.ServerError
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if msg.Type != "error" || msg.Code != code {
		t.Fatalf("expected error %q, got %+v", code, msg)
	}
	return msg
}

func paragraph(prefix string, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString(prefix + " sentence number " + strconv.Itoa(i) + " is long enough to stand on its own here. ")
	}
	return b.String()
}

func TestSingleSentenceYieldsOneFrame(t *testing.T) {
	h := newHarness(t, options{})
	conn := h.dial(t)

	for i := 0; i < 2; i++ {
		send(t, conn, "Hello world.", "English")
		kind, data, err := read(t, conn)
		if err != nil {
			t.Fatalf("request %d: read: %v", i, err)
		}
		if kind != websocket.BinaryMessage || string(data) != "Hello world." {
			t.Fatalf("request %d: unexpected frame %d %q", i, kind, data)
		}
	}

	send(t, conn, "", "English")
	expectClose(t, conn, websocket.CloseNormalClosure)
	h.waitEmpty(t)
	if reasons := h.recorder.closeReasons(); len(reasons) != 1 || reasons[0] != ReasonSentinel {
		t.Fatalf("unexpected close reasons: %v", reasons)
	}
}

func TestSentinelEndsSessionWithoutFrames(t *testing.T) {
	var calls atomic.Int32
	synth := tts.SynthesizerFunc(func(ctx context.Context, req tts.SynthRequest) (tts.AudioChunk, error) {
		calls.Add(1)
		return tts.AudioChunk{}, nil
	})
	h := newHarness(t, options{synth: synth})
	conn := h.dial(t)

	send(t, conn, "", "English")
	expectClose(t, conn, websocket.CloseNormalClosure)
	h.waitEmpty(t)
	if calls.Load() != 0 {
		t.Fatalf("sentinel must not reach the engine, %d calls", calls.Load())
	}
}

func TestFramesFollowSegmentOrder(t *testing.T) {
	h := newHarness(t, options{})
	conn := h.dial(t)

	send(t, conn, paragraph("Ordered", 6), "English")
	for i := 0; i < 6; i++ {
		_, data, err := read(t, conn)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		want := "sentence number " + strconv.Itoa(i) + " "
		if !strings.Contains(string(data), want) {
			t.Fatalf("frame %d out of order: %q", i, data)
		}
	}
	send(t, conn, "", "English")
	expectClose(t, conn, websocket.CloseNormalClosure)
}

func TestUnsupportedLanguageClosesCleanly(t *testing.T) {
	h := newHarness(t, options{})
	conn := h.dial(t)

	send(t, conn, "Bonjour", "French")
	msg := expectError(t, conn, protocol.CodeUnsupportedLanguage)
	if msg.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", msg.Sequence)
	}
	expectClose(t, conn, websocket.ClosePolicyViolation)
	h.waitEmpty(t)

	// The process keeps serving new sessions.
	next := h.dial(t)
	send(t, next, "Hello world.", "English")
	if kind, _, err := read(t, next); err != nil || kind != websocket.BinaryMessage {
		t.Fatalf("new session failed: kind=%d err=%v", kind, err)
	}
}

func TestMalformedRequestIsProtocolError(t *testing.T) {
	h := newHarness(t, options{})
	conn := h.dial(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"text": 42`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectError(t, conn, protocol.CodeBadRequest)
	expectClose(t, conn, websocket.CloseInvalidFramePayloadData)
}

func TestBinaryRequestRejected(t *testing.T) {
	h := newHarness(t, options{})
	conn := h.dial(t)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectError(t, conn, protocol.CodeBadRequest)
	expectClose(t, conn, websocket.CloseUnsupportedData)
}

func TestNonPositiveSpeedRejected(t *testing.T) {
	h := newHarness(t, options{})
	conn := h.dial(t)

	if err := conn.WriteJSON(map[string]any{"text": "Hello.", "language": "English", "speed": 0}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	expectError(t, conn, protocol.CodeInvalidSpeed)
	expectClose(t, conn, websocket.ClosePolicyViolation)
}

func TestPipelineFailureEndsSession(t *testing.T) {
	conv := tts.ConverterFunc(func(ctx context.Context, req tts.ConvertRequest) (tts.AudioChunk, error) {
		if req.Chunk.Sequence == 1 {
			return tts.AudioChunk{}, errors.New("cuda error")
		}
		return req.Chunk, nil
	})
	h := newHarness(t, options{conv: conv})
	conn := h.dial(t)

	send(t, conn, paragraph("Failing", 4), "English")
	if kind, _, err := read(t, conn); err != nil || kind != websocket.BinaryMessage {
		t.Fatalf("expected the chunk before the failure, kind=%d err=%v", kind, err)
	}
	msg := expectError(t, conn, protocol.CodeSynthesisFailed)
	if !strings.Contains(msg.Message, "conversion") {
		t.Fatalf("expected failing stage in message, got %q", msg.Message)
	}
	expectClose(t, conn, websocket.CloseInternalServerErr)
	h.waitEmpty(t)
}

func TestDisconnectMidStreamStopsProduction(t *testing.T) {
	var calls atomic.Int32
	synth := tts.SynthesizerFunc(func(ctx context.Context, req tts.SynthRequest) (tts.AudioChunk, error) {
		calls.Add(1)
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return tts.AudioChunk{}, ctx.Err()
		}
		return tts.AudioChunk{Sequence: req.Sequence, PCM: []byte(req.Text)}, nil
	})
	h := newHarness(t, options{synth: synth})
	conn := h.dial(t)

	send(t, conn, paragraph("Long", 40), "English")
	if _, _, err := read(t, conn); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	_ = conn.UnderlyingConn().Close()

	h.waitEmpty(t)
	stopped := calls.Load()
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != stopped {
		t.Fatalf("synthesis continued after the session ended: %d -> %d", stopped, calls.Load())
	}
	if stopped >= 40 {
		t.Fatalf("expected production to stop early, %d pieces synthesized", stopped)
	}
	if reasons := h.recorder.closeReasons(); len(reasons) != 1 || reasons[0] != ReasonClient {
		t.Fatalf("expected a benign client close, got %v", reasons)
	}
}

func TestConcurrentSessionsAreIsolated(t *testing.T) {
	h := newHarness(t, options{})

	var wg sync.WaitGroup
	for _, name := range []string{"Alpha", "Bravo"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer conn.Close()

			if err := conn.WriteJSON(map[string]any{"text": paragraph(name, 5), "language": "English"}); err != nil {
				t.Errorf("write: %v", err)
				return
			}
			for i := 0; i < 5; i++ {
				_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
				_, data, err := conn.ReadMessage()
				if err != nil {
					t.Errorf("%s frame %d: %v", name, i, err)
					return
				}
				if !strings.HasPrefix(string(data), name+" ") || !strings.Contains(string(data), "number "+strconv.Itoa(i)+" ") {
					t.Errorf("%s received foreign or misordered frame %d: %q", name, i, data)
				}
			}
		}(name)
	}
	wg.Wait()
}

func TestIdleSessionIsClosed(t *testing.T) {
	h := newHarness(t, options{config: Config{IdleTimeout: 50 * time.Millisecond}})
	conn := h.dial(t)

	expectError(t, conn, protocol.CodeIdleTimeout)
	expectClose(t, conn, websocket.CloseNormalClosure)
	h.waitEmpty(t)
}

func TestDrainClosesSessions(t *testing.T) {
	h := newHarness(t, options{})
	conn := h.dial(t)

	// Make sure the session is registered before draining.
	send(t, conn, "Hello world.", "English")
	if _, _, err := read(t, conn); err != nil {
		t.Fatalf("read: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !h.registry.Drain(ctx) {
		t.Fatal("drain did not finish")
	}
	expectError(t, conn, protocol.CodeShuttingDown)
	expectClose(t, conn, websocket.CloseGoingAway)

	if _, resp, err := websocket.DefaultDialer.Dial(h.url, nil); err == nil {
		t.Fatal("expected new sessions to be refused while draining")
	} else if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", resp)
	}
}

func TestOriginCheck(t *testing.T) {
	h := newHarness(t, options{config: Config{AllowedOrigins: []string{"https://app.example"}}})

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(h.url, header)
	if err == nil {
		t.Fatal("expected handshake to fail for a foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}

	header.Set("Origin", "https://app.example")
	conn, _, err := websocket.DefaultDialer.Dial(h.url, header)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	_ = conn.Close()
}

func TestDisconnectKeepsSharedWorkerAlive(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	script := filepath.Join(t.TempDir(), "worker.sh")
	body := "#!/bin/sh\nwhile IFS= read -r line; do\n  sleep 0.1\n  echo '{\"pcm\":\"AAECAw==\"}'\ndone\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write worker: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	engine, err := tts.NewExecEngine("/bin/sh "+script, tts.SynthOptions{SampleRate: 16000}, log)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	h := newHarness(t, options{synth: engine, conv: engine})

	first := h.dial(t)
	send(t, first, paragraph("A", 20), "English")
	if kind, _, err := read(t, first); err != nil || kind != websocket.BinaryMessage {
		t.Fatalf("expected first frame, got %d %v", kind, err)
	}
	_ = first.Close()
	h.waitEmpty(t)

	second := h.dial(t)
	send(t, second, "Hello world.", "English")
	kind, data, err := read(t, second)
	if err != nil || kind != websocket.BinaryMessage || len(data) != 4 {
		t.Fatalf("expected one audio frame, got %d %q %v", kind, data, err)
	}
	if n := engine.Starts(); n != 1 {
		t.Fatalf("expected one worker process for both sessions, got %d", n)
	}
}
