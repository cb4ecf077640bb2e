package kafka

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DispatchMetrics defines metrics operations needed to monitor run dispatch.
type DispatchMetrics interface {
	IncRunDispatched(ctx context.Context, topic string)
	IncDispatchError(ctx context.Context, topic string)
	IncRunReceived(ctx context.Context, topic string)
	IncDeliveryError(ctx context.Context, topic string)
}

type dispatchMetrics struct {
	dispatched     metric.Int64Counter
	dispatchErrors metric.Int64Counter
	received       metric.Int64Counter
	deliveryErrors metric.Int64Counter
}

var _ DispatchMetrics = (*dispatchMetrics)(nil)

const dispatchNamespace = "dispatch"

// NewDispatchMetrics creates OTel instruments for the Kafka dispatch layer.
func NewDispatchMetrics(mp metric.MeterProvider) (*dispatchMetrics, error) {
	meter := mp.Meter(dispatchNamespace)

	m := new(dispatchMetrics)
	var err error

	if m.dispatched, err = meter.Int64Counter(
		fmt.Sprintf("%s_runs_dispatched_total", dispatchNamespace),
		metric.WithDescription("Total number of runs dispatched to a lane topic"),
	); err != nil {
		return nil, err
	}

	if m.dispatchErrors, err = meter.Int64Counter(
		fmt.Sprintf("%s_errors_total", dispatchNamespace),
		metric.WithDescription("Total number of dispatch failures"),
	); err != nil {
		return nil, err
	}

	if m.received, err = meter.Int64Counter(
		fmt.Sprintf("%s_runs_received_total", dispatchNamespace),
		metric.WithDescription("Total number of run deliveries consumed"),
	); err != nil {
		return nil, err
	}

	if m.deliveryErrors, err = meter.Int64Counter(
		fmt.Sprintf("%s_delivery_errors_total", dispatchNamespace),
		metric.WithDescription("Total number of deliveries whose handling failed"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *dispatchMetrics) IncRunDispatched(ctx context.Context, topic string) {
	m.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *dispatchMetrics) IncDispatchError(ctx context.Context, topic string) {
	m.dispatchErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *dispatchMetrics) IncRunReceived(ctx context.Context, topic string) {
	m.received.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *dispatchMetrics) IncDeliveryError(ctx context.Context, topic string) {
	m.deliveryErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
