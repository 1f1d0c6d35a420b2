package delivery

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type deliveryMetrics struct {
	deliveries metric.Int64Counter
	refused    metric.Int64Counter
	messages   metric.Int64Counter
	duration   metric.Int64Histogram
}

func newDeliveryMetrics(logger pslog.Logger) *deliveryMetrics {
	meter := otel.Meter("pkt.systems/endpointd/delivery")
	m := &deliveryMetrics{}
	var err error

	m.deliveries, err = meter.Int64Counter(
		"endpointd.delivery.count",
		metric.WithDescription("Deliveries run, by result"),
	)
	logMetricInitError(logger, "endpointd.delivery.count", err)

	m.refused, err = meter.Int64Counter(
		"endpointd.delivery.refused",
		metric.WithDescription("Deliveries refused by the endpoint gate"),
	)
	logMetricInitError(logger, "endpointd.delivery.refused", err)

	m.messages, err = meter.Int64Counter(
		"endpointd.delivery.messages",
		metric.WithDescription("Listener invocations"),
	)
	logMetricInitError(logger, "endpointd.delivery.messages", err)

	m.duration, err = meter.Int64Histogram(
		"endpointd.delivery.duration_ms",
		metric.WithDescription("Time spent running a delivery script"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "endpointd.delivery.duration_ms", err)

	return m
}

func (m *deliveryMetrics) recordDelivery(ctx context.Context, endpoint, result string, messages int, d time.Duration) {
	if m == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := metric.WithAttributes(
		attribute.String("endpointd.endpoint", endpoint),
		attribute.String("endpointd.delivery.result", result),
	)
	if m.deliveries != nil {
		m.deliveries.Add(ctx, 1, attrs)
	}
	if m.messages != nil && messages > 0 {
		m.messages.Add(ctx, int64(messages), metric.WithAttributes(attribute.String("endpointd.endpoint", endpoint)))
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Milliseconds(), attrs)
	}
}

func (m *deliveryMetrics) recordRefused(ctx context.Context) {
	if m == nil || m.refused == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.refused.Add(ctx, 1)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
