package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func findMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) *metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestRecordStage(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordStage(ctx, StageSynthesis, 120*time.Millisecond)
	m.RecordStage(ctx, StageConversion, 40*time.Millisecond)
	m.RecordStage(ctx, StageConversion, 60*time.Millisecond)

	got := findMetric(t, reader, "loqa.voice.stage.duration")
	if got == nil {
		t.Fatal("stage histogram not found")
	}
	hist, ok := got.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("unexpected data type %T", got.Data)
	}
	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		stage, _ := dp.Attributes.Value(attribute.Key("stage"))
		counts[stage.AsString()] = dp.Count
	}
	if counts[StageSynthesis] != 1 || counts[StageConversion] != 2 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestRecordRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordRequest(ctx, StatusOK)
	m.RecordRequest(ctx, StatusOK)
	m.RecordRequest(ctx, StatusInvalid)

	got := findMetric(t, reader, "loqa.voice.requests")
	if got == nil {
		t.Fatal("requests counter not found")
	}
	sum, ok := got.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", got.Data)
	}
	counts := map[string]int64{}
	for _, dp := range sum.DataPoints {
		status, _ := dp.Attributes.Value(attribute.Key("status"))
		counts[status.AsString()] = dp.Value
	}
	if counts[StatusOK] != 2 || counts[StatusInvalid] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestDiscardRecordsNothing(t *testing.T) {
	m := Discard()
	m.RecordStage(context.Background(), StageSynthesis, time.Second)
	m.RecordSession(context.Background(), "client")
	m.Chunks.Add(context.Background(), 1)
}
