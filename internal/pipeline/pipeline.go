// Package pipeline chains the segmenter, the synthesis engine and the
// conversion engine into one ordered stream of audio chunks per request.
//
// A single producer takes one piece at a time through synthesis and then
// conversion, and blocks until the consumer takes the converted chunk.
// While the consumer writes chunk n the producer works on piece n+1 and
// nothing further.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-voice/internal/observe"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/segment"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/loqalabs/loqa-voice/internal/voice"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StageError is the terminal error of a request whose synthesis or
// conversion call failed. Chunks before Sequence were already produced.
type StageError struct {
	Stage    string
	Sequence int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed at piece %d: %v", e.Stage, e.Sequence, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Request is everything one pipeline run needs.
type Request struct {
	SessionID string
	Text      string
	Speaker   string
	Language  protocol.Language
	Speed     float64
	Profile   *voice.Profile
}

// Pipeline is shared by all sessions; each Run is independent.
type Pipeline struct {
	synth     tts.Synthesizer
	conv      tts.Converter
	segmenter *segment.Segmenter
	tau       float64
	metrics   *observe.Metrics
	tracer    trace.Tracer
}

type Option func(*Pipeline)

func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithSegmenter(s *segment.Segmenter) Option {
	return func(p *Pipeline) { p.segmenter = s }
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

func New(synth tts.Synthesizer, conv tts.Converter, tau float64, opts ...Option) *Pipeline {
	p := &Pipeline{
		synth:     synth,
		conv:      conv,
		segmenter: segment.New(),
		tau:       tau,
		metrics:   observe.Discard(),
		tracer:    otel.Tracer("github.com/loqalabs/loqa-voice/pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stream is the output of one Run. Receive from C until it is closed, then
// call Err. Close abandons the stream early and may be called at any time,
// more than once.
type Stream struct {
	C <-chan tts.AudioChunk

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Err reports why the stream ended. It is nil when every piece was
// delivered and ctx.Err() when the run was cancelled. It must only be
// called after C is closed.
func (s *Stream) Err() error { return s.err }

// Close cancels any in-flight engine call and waits for both stages to
// return.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

// Run returns immediately; pieces are segmented, synthesized and converted
// in the background as the consumer takes chunks from the stream.
func (p *Pipeline) Run(ctx context.Context, req Request) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan tts.AudioChunk)
	s := &Stream{C: out, cancel: cancel, done: make(chan struct{})}

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("language", string(req.Language)),
		attribute.Int("text.length", len(req.Text)),
	))

	go func() {
		err := p.produce(ctx, req, out)
		if ctxErr := ctx.Err(); ctxErr != nil && !isStageError(err) {
			err = ctxErr
		}
		s.err = err
		if err != nil && !errors.Is(err, context.Canceled) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		cancel()
		close(out)
		close(s.done)
	}()
	return s
}

func (p *Pipeline) produce(ctx context.Context, req Request, out chan<- tts.AudioChunk) error {
	var source, target voice.Embedding
	if req.Profile != nil {
		source, target = req.Profile.Source, req.Profile.Target
	}
	seq := 0
	for piece := range p.segmenter.Pieces(req.Text, req.Language) {
		raw, err := p.synthesize(ctx, req, seq, piece)
		if err != nil {
			return err
		}
		converted, err := p.convert(ctx, raw, source, target)
		if err != nil {
			return err
		}
		select {
		case out <- converted:
		case <-ctx.Done():
			return ctx.Err()
		}
		seq++
	}
	return nil
}

func (p *Pipeline) synthesize(ctx context.Context, req Request, seq int, piece string) (tts.AudioChunk, error) {
	start := time.Now()
	chunk, err := p.synth.Synthesize(ctx, tts.SynthRequest{
		SessionID: req.SessionID,
		Sequence:  seq,
		Text:      piece,
		Speaker:   req.Speaker,
		Language:  req.Language,
		Speed:     req.Speed,
	})
	if err != nil {
		return tts.AudioChunk{}, stageFailure(ctx, observe.StageSynthesis, seq, err)
	}
	p.metrics.RecordStage(ctx, observe.StageSynthesis, time.Since(start))
	chunk.Sequence = seq
	return chunk, nil
}

func (p *Pipeline) convert(ctx context.Context, raw tts.AudioChunk, source, target voice.Embedding) (tts.AudioChunk, error) {
	start := time.Now()
	converted, err := p.conv.Convert(ctx, tts.ConvertRequest{
		Chunk:  raw,
		Source: source,
		Target: target,
		Tau:    p.tau,
	})
	if err != nil {
		return tts.AudioChunk{}, stageFailure(ctx, observe.StageConversion, raw.Sequence, err)
	}
	p.metrics.RecordStage(ctx, observe.StageConversion, time.Since(start))
	converted.Sequence = raw.Sequence
	return converted, nil
}

// stageFailure reports an engine error as a StageError unless the run
// itself was being torn down.
func stageFailure(ctx context.Context, stage string, seq int, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &StageError{Stage: stage, Sequence: seq, Err: err}
}

func isStageError(err error) bool {
	var stageErr *StageError
	return errors.As(err, &stageErr)
}
