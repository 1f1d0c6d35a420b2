package registry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type registryMetrics struct {
	toggles    metric.Int64Counter
	admissions metric.Int64Counter
}

func newRegistryMetrics(logger pslog.Logger) *registryMetrics {
	meter := otel.Meter("pkt.systems/endpointd/registry")
	m := &registryMetrics{}
	var err error

	m.toggles, err = meter.Int64Counter(
		"endpointd.registry.toggles",
		metric.WithDescription("Endpoint pause/resume transitions"),
	)
	logMetricInitError(logger, "endpointd.registry.toggles", err)

	m.admissions, err = meter.Int64Counter(
		"endpointd.registry.admissions",
		metric.WithDescription("Delivery gate decisions"),
	)
	logMetricInitError(logger, "endpointd.registry.admissions", err)

	return m
}

func (m *registryMetrics) recordToggle(ctx context.Context, paused bool) {
	if m == nil || m.toggles == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	action := "resume"
	if paused {
		action = "pause"
	}
	m.toggles.Add(ctx, 1, metric.WithAttributes(attribute.String("endpointd.registry.action", action)))
}

func (m *registryMetrics) recordAdmit(ctx context.Context, admitted bool) {
	if m == nil || m.admissions == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	result := "admitted"
	if !admitted {
		result = "refused"
	}
	m.admissions.Add(ctx, 1, metric.WithAttributes(attribute.String("endpointd.registry.result", result)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
