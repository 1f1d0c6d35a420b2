package work

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type workMetrics struct {
	events   metric.Int64Counter
	active   metric.Int64UpDownCounter
	duration metric.Int64Histogram
}

func newWorkMetrics(logger pslog.Logger) *workMetrics {
	meter := otel.Meter("pkt.systems/endpointd/work")
	m := &workMetrics{}
	var err error

	m.events, err = meter.Int64Counter(
		"endpointd.work.events",
		metric.WithDescription("Work lifecycle events"),
	)
	logMetricInitError(logger, "endpointd.work.events", err)

	m.active, err = meter.Int64UpDownCounter(
		"endpointd.work.in_flight",
		metric.WithDescription("Works currently running"),
	)
	logMetricInitError(logger, "endpointd.work.in_flight", err)

	m.duration, err = meter.Int64Histogram(
		"endpointd.work.duration_ms",
		metric.WithDescription("Time spent running a work"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "endpointd.work.duration_ms", err)

	return m
}

func (m *workMetrics) recordEvent(ctx context.Context, ev EventType) {
	if m == nil || m.events == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("endpointd.work.event", ev.String())))
}

func (m *workMetrics) inFlight(ctx context.Context, delta int64) {
	if m == nil || m.active == nil {
		return
	}
	m.active.Add(ctx, delta)
}

func (m *workMetrics) recordDuration(ctx context.Context, d time.Duration, err error) {
	if m == nil || m.duration == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.duration.Record(ctx, d.Milliseconds(), metric.WithAttributes(attribute.String("endpointd.work.result", result)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
