package siphon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/unkn0wn-root/siphon"

// streamMetrics carries the streamer's OpenTelemetry instruments. The global
// meter provider is used; without one installed every instrument is a noop.
type streamMetrics struct {
	entries  metric.Int64Counter
	batches  metric.Int64Counter
	remaps   metric.Int64Counter
	flushDur metric.Float64Histogram
	attrs    []attribute.KeyValue
}

func newStreamMetrics(cache string) (*streamMetrics, error) {
	meter := otel.Meter(meterName)

	entries, err := meter.Int64Counter("siphon.entries",
		metric.WithDescription("entries accepted by Add/Remove"))
	if err != nil {
		return nil, err
	}

	batches, err := meter.Int64Counter("siphon.batches",
		metric.WithDescription("batches submitted to destination nodes"))
	if err != nil {
		return nil, err
	}

	remaps, err := meter.Int64Counter("siphon.remaps",
		metric.WithDescription("batch re-routes after topology changes"))
	if err != nil {
		return nil, err
	}

	flushDur, err := meter.Float64Histogram("siphon.flush.duration.ms",
		metric.WithDescription("full flush latency"))
	if err != nil {
		return nil, err
	}

	return &streamMetrics{
		entries:  entries,
		batches:  batches,
		remaps:   remaps,
		flushDur: flushDur,
		attrs:    []attribute.KeyValue{attribute.String("cache", cache)},
	}, nil
}

func (m *streamMetrics) entriesAdded(n int) {
	m.entries.Add(context.Background(), int64(n), metric.WithAttributes(m.attrs...))
}

func (m *streamMetrics) batchSent(node string) {
	attrs := append([]attribute.KeyValue{attribute.String("node", node)}, m.attrs...)
	m.batches.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (m *streamMetrics) remapped() {
	m.remaps.Add(context.Background(), 1, metric.WithAttributes(m.attrs...))
}

func (m *streamMetrics) flushDone(start time.Time) {
	ms := float64(time.Since(start).Microseconds()) / 1000.0
	m.flushDur.Record(context.Background(), ms, metric.WithAttributes(m.attrs...))
}
