package txncoord

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/endpointd/internal/core"
	"pkt.systems/pslog"
)

type txncoordMetrics struct {
	begun          metric.Int64Counter
	outcomes       metric.Int64Counter
	enlistments    metric.Int64Counter
	completeLength metric.Int64Histogram
}

func newTxncoordMetrics(logger pslog.Logger) *txncoordMetrics {
	meter := otel.Meter("pkt.systems/endpointd/txncoord")
	m := &txncoordMetrics{}
	var err error

	m.begun, err = meter.Int64Counter(
		"endpointd.txn.begun",
		metric.WithDescription("Global transactions begun or imported"),
	)
	logMetricInitError(logger, "endpointd.txn.begun", err)

	m.outcomes, err = meter.Int64Counter(
		"endpointd.txn.outcomes",
		metric.WithDescription("Completed global transactions by outcome"),
	)
	logMetricInitError(logger, "endpointd.txn.outcomes", err)

	m.enlistments, err = meter.Int64Counter(
		"endpointd.txn.enlistments",
		metric.WithDescription("Resource enlistment attempts"),
	)
	logMetricInitError(logger, "endpointd.txn.enlistments", err)

	m.completeLength, err = meter.Int64Histogram(
		"endpointd.txn.complete.duration_ms",
		metric.WithDescription("Time spent driving transaction completion"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "endpointd.txn.complete.duration_ms", err)

	return m
}

func (m *txncoordMetrics) recordBegin(ctx context.Context, kind core.TxKind) {
	if m == nil || m.begun == nil {
		return
	}
	ctx = metricContext(ctx)
	m.begun.Add(ctx, 1, metric.WithAttributes(attribute.String("endpointd.txn.kind", string(kind))))
}

func (m *txncoordMetrics) recordEnlist(ctx context.Context, kind core.TxKind, ok bool) {
	if m == nil || m.enlistments == nil {
		return
	}
	ctx = metricContext(ctx)
	result := "ok"
	if !ok {
		result = "failed"
	}
	attrs := []attribute.KeyValue{
		attribute.String("endpointd.txn.kind", string(kind)),
		attribute.String("endpointd.txn.result", result),
	}
	m.enlistments.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *txncoordMetrics) recordOutcome(ctx context.Context, kind core.TxKind, outcome core.Outcome, participants int, duration time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := []attribute.KeyValue{
		attribute.String("endpointd.txn.kind", string(kind)),
		attribute.String("endpointd.txn.outcome", outcomeLabel(outcome)),
		attribute.Int("endpointd.txn.participants", participants),
	}
	if m.outcomes != nil {
		m.outcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.completeLength != nil {
		m.completeLength.Record(ctx, duration.Milliseconds(), metric.WithAttributes(attrs[:2]...))
	}
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func outcomeLabel(outcome core.Outcome) string {
	if outcome == "" {
		return "unknown"
	}
	return string(outcome)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
