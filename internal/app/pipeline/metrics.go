package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/failure"
	domain "github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/pipeline"
)

type pipelineMetrics struct {
	runsStarted       metric.Int64Counter
	runsCompleted     metric.Int64Counter
	runsFailed        metric.Int64Counter
	admissionDeferred metric.Int64Counter
	stepDuration      metric.Float64Histogram
}

const namespace = "pipeline"

// NewPipelineMetrics creates the controller's metric instruments.
func NewPipelineMetrics(mp metric.MeterProvider) (*pipelineMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(pipelineMetrics)
	var err error

	if m.runsStarted, err = meter.Int64Counter(
		"runs_started_total",
		metric.WithDescription("Total number of runs admitted and started"),
	); err != nil {
		return nil, err
	}

	if m.runsCompleted, err = meter.Int64Counter(
		"runs_completed_total",
		metric.WithDescription("Total number of runs that reached Completed"),
	); err != nil {
		return nil, err
	}

	if m.runsFailed, err = meter.Int64Counter(
		"runs_failed_total",
		metric.WithDescription("Total number of runs that reached Failed"),
	); err != nil {
		return nil, err
	}

	if m.admissionDeferred, err = meter.Int64Counter(
		"admission_deferred_total",
		metric.WithDescription("Total number of runs deferred at least once for workspace space"),
	); err != nil {
		return nil, err
	}

	if m.stepDuration, err = meter.Float64Histogram(
		"step_duration_seconds",
		metric.WithDescription("Time spent in each pipeline step"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *pipelineMetrics) IncRunStarted(ctx context.Context, lane domain.Lane) {
	m.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("lane", lane.String())))
}

func (m *pipelineMetrics) IncRunCompleted(ctx context.Context, success bool) {
	m.runsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

func (m *pipelineMetrics) IncRunFailed(ctx context.Context, class failure.Classification) {
	m.runsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("classification", class.String())))
}

func (m *pipelineMetrics) IncAdmissionDeferred(ctx context.Context) {
	m.admissionDeferred.Add(ctx, 1)
}

func (m *pipelineMetrics) ObserveStepDuration(ctx context.Context, status domain.RunStatus, d time.Duration) {
	m.stepDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("step", status.String())))
}
