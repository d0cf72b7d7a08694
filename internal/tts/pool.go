package tts

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// Limit bounds how many Synthesize calls may run at once across all
// sessions and applies a per-call timeout. Waiting for a slot honours ctx.
func Limit(s Synthesizer, workers int, timeout time.Duration) Synthesizer {
	return &limitedSynth{next: s, slots: newSlots(workers, timeout)}
}

// LimitConverter is Limit for conversion engines.
func LimitConverter(c Converter, workers int, timeout time.Duration) Converter {
	return &limitedConverter{next: c, slots: newSlots(workers, timeout)}
}

type slots struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

func newSlots(workers int, timeout time.Duration) slots {
	if workers <= 0 {
		workers = 1
	}
	return slots{sem: semaphore.NewWeighted(int64(workers)), timeout: timeout}
}

func (s slots) acquire(ctx context.Context) (context.Context, func(), error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	cancel := func() {}
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {
		cancel()
		s.sem.Release(1)
	}, nil
}

type limitedSynth struct {
	next  Synthesizer
	slots slots
}

func (l *limitedSynth) Synthesize(ctx context.Context, req SynthRequest) (AudioChunk, error) {
	ctx, release, err := l.slots.acquire(ctx)
	if err != nil {
		return AudioChunk{}, err
	}
	defer release()
	return l.next.Synthesize(ctx, req)
}

type limitedConverter struct {
	next  Converter
	slots slots
}

func (l *limitedConverter) Convert(ctx context.Context, req ConvertRequest) (AudioChunk, error) {
	ctx, release, err := l.slots.acquire(ctx)
	if err != nil {
		return AudioChunk{}, err
	}
	defer release()
	return l.next.Convert(ctx, req)
}
