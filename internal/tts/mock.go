package tts

import (
	"context"
	"encoding/binary"
	"math"
	"time"
	"unicode/utf8"
)

// MockEngine produces a short tone per piece and converts by copying. It
// is used in development and tests when no model worker is available.
type MockEngine struct {
	SampleRate int
	// Delay simulates inference time for each call.
	Delay time.Duration
}

func NewMockEngine(sampleRate int) *MockEngine {
	return &MockEngine{SampleRate: sampleRate}
}

func (m *MockEngine) Synthesize(ctx context.Context, req SynthRequest) (AudioChunk, error) {
	if err := m.wait(ctx); err != nil {
		return AudioChunk{}, err
	}
	speed := req.Speed
	if speed <= 0 {
		speed = 1
	}
	seconds := float64(utf8.RuneCountInString(req.Text)) * 0.06 / speed
	n := int(seconds * float64(m.SampleRate))
	pcm := make([]byte, 4*n)
	for i := 0; i < n; i++ {
		sample := float32(0.1 * math.Sin(2*math.Pi*220*float64(i)/float64(m.SampleRate)))
		binary.LittleEndian.PutUint32(pcm[i*4:], math.Float32bits(sample))
	}
	return AudioChunk{
		SessionID:  req.SessionID,
		Sequence:   req.Sequence,
		SampleRate: m.SampleRate,
		PCM:        pcm,
	}, nil
}

func (m *MockEngine) Convert(ctx context.Context, req ConvertRequest) (AudioChunk, error) {
	if err := m.wait(ctx); err != nil {
		return AudioChunk{}, err
	}
	out := req.Chunk
	out.PCM = append([]byte(nil), req.Chunk.PCM...)
	return out, nil
}

func (m *MockEngine) wait(ctx context.Context) error {
	if m.Delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.Delay):
		return nil
	}
}
