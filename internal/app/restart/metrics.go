package restart

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/failure"
)

type restartMetrics struct {
	sweeps          metric.Int64Counter
	runsRestarted   metric.Int64Counter
	restartsSkipped metric.Int64Counter
	restartErrors   metric.Int64Counter
}

const namespace = "restart_coordinator"

// NewRestartMetrics creates the coordinator's metric instruments.
func NewRestartMetrics(mp metric.MeterProvider) (*restartMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(restartMetrics)
	var err error

	if m.sweeps, err = meter.Int64Counter(
		"sweeps_total",
		metric.WithDescription("Total number of restart sweeps executed"),
	); err != nil {
		return nil, err
	}

	if m.runsRestarted, err = meter.Int64Counter(
		"runs_restarted_total",
		metric.WithDescription("Total number of failed runs relaunched"),
	); err != nil {
		return nil, err
	}

	if m.restartsSkipped, err = meter.Int64Counter(
		"restarts_skipped_total",
		metric.WithDescription("Total number of candidates skipped because their precondition still fails"),
	); err != nil {
		return nil, err
	}

	if m.restartErrors, err = meter.Int64Counter(
		"restart_errors_total",
		metric.WithDescription("Total number of failed restart attempts"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *restartMetrics) IncSweep(ctx context.Context) { m.sweeps.Add(ctx, 1) }

func (m *restartMetrics) IncRunRestarted(ctx context.Context, class failure.Classification) {
	m.runsRestarted.Add(ctx, 1, metric.WithAttributes(attribute.String("classification", class.String())))
}

func (m *restartMetrics) IncRestartSkipped(ctx context.Context, reason string) {
	m.restartsSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *restartMetrics) IncRestartErrors(ctx context.Context) { m.restartErrors.Add(ctx, 1) }
