// internal/syncengine/metrics.go
package syncengine

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"mkutano/internal/buffer"
)

const (
	outcomeSynced   = "synced"
	outcomeFailed   = "failed"
	outcomeDeferred = "deferred"
)

type metrics struct {
	operations metric.Int64Counter
	drains     metric.Float64Histogram
}

func newMetrics(log *slog.Logger) *metrics {
	meter := otel.Meter("mkutano/syncengine")
	fallback := noop.NewMeterProvider().Meter("mkutano/syncengine")

	ops, err := meter.Int64Counter("mkutano.sync.operations",
		metric.WithDescription("Buffered operations processed by the sync engine, by kind and outcome"),
	)
	if err != nil {
		log.Warn("sync: operations counter unavailable", "error", err)
		ops, _ = fallback.Int64Counter("mkutano.sync.operations")
	}
	drains, err := meter.Float64Histogram("mkutano.sync.drain.duration",
		metric.WithDescription("Duration of one SyncAll drain"),
		metric.WithUnit("s"),
	)
	if err != nil {
		log.Warn("sync: drain histogram unavailable", "error", err)
		drains, _ = fallback.Float64Histogram("mkutano.sync.drain.duration")
	}
	return &metrics{operations: ops, drains: drains}
}

func (m *metrics) record(ctx context.Context, kind buffer.Kind, outcome string) {
	m.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	))
}

func (m *metrics) observeDrain(ctx context.Context, d time.Duration) {
	m.drains.Record(ctx, d.Seconds())
}
