package tts

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func TestMockSynthesizeScalesWithSpeed(t *testing.T) {
	engine := NewMockEngine(16000)
	slow, err := engine.Synthesize(context.Background(), SynthRequest{Sequence: 3, Text: "Hello world.", Language: protocol.LanguageEnglish, Speed: 1})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	fast, err := engine.Synthesize(context.Background(), SynthRequest{Text: "Hello world.", Language: protocol.LanguageEnglish, Speed: 2})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(slow.PCM) == 0 || len(slow.PCM)%4 != 0 {
		t.Fatalf("expected float32 samples, got %d bytes", len(slow.PCM))
	}
	if len(fast.PCM) >= len(slow.PCM) {
		t.Fatalf("expected faster speech to be shorter: %d >= %d", len(fast.PCM), len(slow.PCM))
	}
	if slow.Sequence != 3 || slow.SampleRate != 16000 {
		t.Fatalf("unexpected chunk metadata: %+v", slow)
	}
}

func TestMockConvertCopies(t *testing.T) {
	engine := NewMockEngine(16000)
	in := AudioChunk{Sequence: 1, SampleRate: 16000, PCM: []byte{1, 2, 3, 4}}
	out, err := engine.Convert(context.Background(), ConvertRequest{Chunk: in, Tau: 0.3})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	out.PCM[0] = 9
	if in.PCM[0] != 1 {
		t.Fatal("convert must not alias the input buffer")
	}
}

func TestMockHonoursCancellation(t *testing.T) {
	engine := &MockEngine{SampleRate: 16000, Delay: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := engine.Synthesize(ctx, SynthRequest{Text: "hi", Speed: 1}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLimitBoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	inner := SynthesizerFunc(func(ctx context.Context, req SynthRequest) (AudioChunk, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return AudioChunk{Sequence: req.Sequence}, nil
	})
	limited := Limit(inner, 2, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := limited.Synthesize(context.Background(), SynthRequest{Sequence: i}); err != nil {
				t.Errorf("synthesize: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent calls, saw %d", peak.Load())
	}
}

func TestLimitAppliesTimeout(t *testing.T) {
	inner := ConverterFunc(func(ctx context.Context, req ConvertRequest) (AudioChunk, error) {
		<-ctx.Done()
		return AudioChunk{}, ctx.Err()
	})
	limited := LimitConverter(inner, 1, 20*time.Millisecond)
	if _, err := limited.Convert(context.Background(), ConvertRequest{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestLimitWaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	inner := SynthesizerFunc(func(ctx context.Context, req SynthRequest) (AudioChunk, error) {
		<-release
		return AudioChunk{}, nil
	})
	limited := Limit(inner, 1, 0)
	go func() { _, _ = limited.Synthesize(context.Background(), SynthRequest{}) }()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := limited.Synthesize(ctx, SynthRequest{})
	close(release)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected waiting caller to give up, got %v", err)
	}
}
