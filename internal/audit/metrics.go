package audit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsSink counts events per action on an OpenTelemetry counter named
// idempotency.decisions.
type MetricsSink struct {
	decisions metric.Int64Counter
}

func NewMetricsSink(meter metric.Meter) (*MetricsSink, error) {
	c, err := meter.Int64Counter("idempotency.decisions",
		metric.WithDescription("Idempotency engine decisions by action"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: create counter: %w", err)
	}
	return &MetricsSink{decisions: c}, nil
}

func (s *MetricsSink) Emit(ctx context.Context, ev Event) error {
	s.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(ev.Action))))
	return nil
}
