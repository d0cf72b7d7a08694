// Package observe holds the OpenTelemetry instruments recorded by the
// synthesis pipeline and the session loop. Instruments are created from an
// explicit metric.MeterProvider so tests can read them back with a manual
// reader; the runtime passes the provider backing /metrics.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/loqalabs/loqa-voice"

// Stage names used as the "stage" attribute.
const (
	StageSynthesis  = "synthesis"
	StageConversion = "conversion"
)

// Request outcomes used as the "status" attribute.
const (
	StatusOK        = "ok"
	StatusEmpty     = "empty"
	StatusInvalid   = "invalid"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Metrics is safe for concurrent use.
type Metrics struct {
	// StageDuration tracks each engine call, by attribute "stage".
	StageDuration metric.Float64Histogram

	// FirstChunk tracks time from request acceptance to the first chunk
	// handed to the client.
	FirstChunk metric.Float64Histogram

	// Chunks counts audio frames written to clients.
	Chunks metric.Int64Counter

	// Requests counts requests by attribute "status".
	Requests metric.Int64Counter

	// Sessions counts finished sessions by attribute "reason".
	Sessions metric.Int64Counter
}

var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("loqa.voice.stage.duration",
		metric.WithDescription("Latency of one synthesis or conversion engine call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstChunk, err = m.Float64Histogram("loqa.voice.first_chunk.duration",
		metric.WithDescription("Time from an accepted request to its first audio frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Chunks, err = m.Int64Counter("loqa.voice.chunks",
		metric.WithDescription("Audio frames delivered to clients."),
	); err != nil {
		return nil, err
	}
	if met.Requests, err = m.Int64Counter("loqa.voice.requests",
		metric.WithDescription("Synthesis requests by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Sessions, err = m.Int64Counter("loqa.voice.sessions",
		metric.WithDescription("Finished sessions by close reason."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Discard returns instruments that record nothing.
func Discard() *Metrics {
	met, _ := NewMetrics(noop.NewMeterProvider())
	return met
}

func (m *Metrics) RecordStage(ctx context.Context, stage string, elapsed time.Duration) {
	m.StageDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *Metrics) RecordRequest(ctx context.Context, status string) {
	m.Requests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) RecordSession(ctx context.Context, reason string) {
	m.Sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
