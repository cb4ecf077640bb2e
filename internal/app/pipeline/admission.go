package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/failure"
	domain "github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/pipeline"
	"github.com/mehab/SecurityScansWithTemporal-sub000/pkg/common/logger"
)

// Space retry policy. The remedy for a full workspace root is another run
// finishing and freeing space, which is slow and outside our control, so the
// window is far longer than an ordinary step retry: attempts stretch out to
// ten minutes apart and the gate holds a run for roughly two hours before
// giving up.
const (
	spaceRetryInitialInterval = 1 * time.Minute
	spaceRetryMultiplier      = 1.5
	spaceRetryMaxInterval     = 10 * time.Minute
	spaceRetryMaxAttempts     = 10
)

// AdmissionConfig tunes the space estimation heuristic.
type AdmissionConfig struct {
	// MaxWorkspaceBytes is the configured ceiling for a single workspace.
	// Admission also requires a quarter of this to be free regardless of the
	// estimate, as headroom for concurrent runs.
	MaxWorkspaceBytes int64

	// DefaultSourceBytes is assumed when the request carries no size hint.
	DefaultSourceBytes int64

	// ToolFootprintBytes, OutputBudgetBytes and TempBudgetBytes are fixed
	// allowances added on top of the estimated source size.
	ToolFootprintBytes int64
	OutputBudgetBytes  int64
	TempBudgetBytes    int64
}

// AdmissionController gates run starts on available workspace space. The
// estimate is a heuristic keyed off the declared clone strategy, not measured
// truth: it only decides whether to start now, it does not bound what the run
// actually uses.
type AdmissionController struct {
	cfg  AdmissionConfig
	disk domain.DiskUsage

	logger *logger.Logger
	tracer trace.Tracer
}

// NewAdmissionController creates an admission controller reading free space
// through the given DiskUsage.
func NewAdmissionController(cfg AdmissionConfig, disk domain.DiskUsage, logger *logger.Logger, tracer trace.Tracer) *AdmissionController {
	return &AdmissionController{
		cfg:    cfg,
		disk:   disk,
		logger: logger.With("component", "admission_controller"),
		tracer: tracer,
	}
}

// EstimateRequired computes the space estimate for a request:
// estimated source size adjusted for clone strategy, plus the fixed tool,
// output and temp allowances. Full clones carry the whole history, so the
// source estimate is inflated by half; shallow clones drop most of it; sparse
// checkouts drop most of the tree as well.
func (a *AdmissionController) EstimateRequired(req domain.ScanRequest) int64 {
	source := req.EstimatedSourceBytes
	if source <= 0 {
		source = a.cfg.DefaultSourceBytes
	}

	switch req.CloneStrategy {
	case domain.CloneStrategyShallow:
		source = source * 6 / 10
	case domain.CloneStrategySparse:
		source = source * 4 / 10
	default:
		// Full clone: add the fixed history overhead.
		source = source * 3 / 2
	}

	return source + a.cfg.ToolFootprintBytes + a.cfg.OutputBudgetBytes + a.cfg.TempBudgetBytes
}

// Admit performs a single admission check against the workspace root.
// Insufficient space returns a retryable *failure.InsufficientSpaceError; a
// disk probe failure is surfaced as-is for classification.
func (a *AdmissionController) Admit(ctx context.Context, req domain.ScanRequest, workspaceRoot string) error {
	required := a.EstimateRequired(req)

	// Never admit below a quarter of the configured workspace ceiling even
	// when the estimate is small: concurrent runs share the same root.
	floor := a.cfg.MaxWorkspaceBytes / 4
	if required < floor {
		required = floor
	}

	available, err := a.disk.AvailableBytes(workspaceRoot)
	if err != nil {
		return fmt.Errorf("probing available space at %s: %w", workspaceRoot, err)
	}

	if available < required {
		return &failure.InsufficientSpaceError{
			RequiredBytes:  required,
			AvailableBytes: available,
			Path:           workspaceRoot,
		}
	}

	return nil
}

// WaitForAdmission runs the admission check under the extended space backoff,
// returning the number of attempts made. Once the attempt budget is exhausted
// the last insufficient-space error is returned and the caller fails the run.
func (a *AdmissionController) WaitForAdmission(ctx context.Context, req domain.ScanRequest, workspaceRoot string) (int, error) {
	ctx, span := a.tracer.Start(ctx, "admission_controller.wait_for_admission",
		trace.WithAttributes(
			attribute.String("run_id", req.RunID()),
			attribute.String("workspace_root", workspaceRoot),
		))
	defer span.End()

	bo := newSpaceBackOff()

	var lastErr error
	for attempt := 1; attempt <= spaceRetryMaxAttempts; attempt++ {
		lastErr = a.Admit(ctx, req, workspaceRoot)
		if lastErr == nil {
			span.AddEvent("admitted", trace.WithAttributes(attribute.Int("attempts", attempt)))
			return attempt, nil
		}
		if !failure.IsInsufficientSpace(lastErr) {
			span.RecordError(lastErr)
			return attempt, lastErr
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop || attempt == spaceRetryMaxAttempts {
			break
		}

		a.logger.Warn(ctx, "Insufficient space, deferring run",
			"run_id", req.RunID(), "attempt", attempt, "retry_in", delay.String(), "error", lastErr)
		span.AddEvent("admission_deferred", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("retry_in", delay.String()),
		))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}

	span.RecordError(lastErr)
	return spaceRetryMaxAttempts, lastErr
}

// newSpaceBackOff builds the deterministic space retry schedule:
// min(10min, 1min * 1.5^(n-1)) between attempts, no jitter.
func newSpaceBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = spaceRetryInitialInterval
	bo.Multiplier = spaceRetryMultiplier
	bo.MaxInterval = spaceRetryMaxInterval
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 2 * time.Hour
	bo.Reset()
	return bo
}
