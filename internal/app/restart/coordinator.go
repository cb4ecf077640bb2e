// Package restart implements the out-of-band restart coordinator. It sweeps
// the run history for failed runs flagged restart-eligible, re-validates the
// failed precondition, and relaunches each one with the byte-exact original
// input: by default as a brand-new run under a restart identity, or with
// Config.ReuseIdentity under the original identity after resetting the
// terminal record in place.
package restart

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/failure"
	domain "github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/pipeline"
	"github.com/mehab/SecurityScansWithTemporal-sub000/pkg/common"
	"github.com/mehab/SecurityScansWithTemporal-sub000/pkg/common/logger"
)

// metrics defines the metric operations the coordinator records.
type metrics interface {
	IncSweep(ctx context.Context)
	IncRunRestarted(ctx context.Context, class failure.Classification)
	IncRestartSkipped(ctx context.Context, reason string)
	IncRestartErrors(ctx context.Context)
}

// laneRouter re-derives the lane for a relaunched run. Satisfied by the
// pipeline package's LaneRouter; restarts must go through the same rules a
// fresh submission would.
type laneRouter interface {
	Route(ctx context.Context, req domain.ScanRequest) domain.Lane
}

// Config tunes the sweep cadence and relaunch throughput.
type Config struct {
	// SweepInterval is how often the coordinator scans for candidates.
	SweepInterval time.Duration

	// BatchLimit caps how many candidates one sweep considers.
	BatchLimit int

	// RestartsPerSecond and RestartBurst bound the relaunch rate so a mass
	// failure recovering at once cannot flood the dispatch queues.
	RestartsPerSecond float64
	RestartBurst      int

	// ReuseIdentity relaunches failed runs under their original identity by
	// resetting the terminal record in place instead of stamping a restart
	// identity. Identity-keyed consumers keep a single run per tuple, at the
	// cost of the failed attempt's terminal record surviving only as run
	// metadata.
	ReuseIdentity bool

	// WorkspaceRoot is probed when re-validating a Storage failure.
	WorkspaceRoot string
}

// Coordinator periodically relaunches restart-eligible failed runs. It runs
// out-of-band from the pipeline itself, typically on whichever orchestrator
// instance currently holds leadership.
type Coordinator struct {
	cfg Config

	runs    domain.RunRepository
	history domain.RunHistory
	starter domain.RunStarter
	prober  domain.StorageProber
	router  laneRouter
	limiter *common.RateLimiter

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics metrics
}

// NewCoordinator creates a restart coordinator.
func NewCoordinator(
	cfg Config,
	runs domain.RunRepository,
	history domain.RunHistory,
	starter domain.RunStarter,
	prober domain.StorageProber,
	router laneRouter,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics metrics,
) *Coordinator {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	if cfg.RestartsPerSecond <= 0 {
		cfg.RestartsPerSecond = 1
	}
	if cfg.RestartBurst <= 0 {
		cfg.RestartBurst = 5
	}

	return &Coordinator{
		cfg:     cfg,
		runs:    runs,
		history: history,
		starter: starter,
		prober:  prober,
		router:  router,
		limiter: common.NewRateLimiter(cfg.RestartsPerSecond, cfg.RestartBurst),
		logger:  logger.With("component", "restart_coordinator"),
		tracer:  tracer,
		metrics: metrics,
	}
}

// Run executes sweeps on the configured interval until the context is
// cancelled. The first sweep happens immediately so a freshly elected leader
// does not sit idle for a full interval.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info(ctx, "Restart coordinator started",
		"sweep_interval", c.cfg.SweepInterval.String(), "batch_limit", c.cfg.BatchLimit)

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		if restarted, err := c.Sweep(ctx); err != nil {
			c.logger.Error(ctx, "Restart sweep failed", "error", err)
		} else if restarted > 0 {
			c.logger.Info(ctx, "Restart sweep relaunched runs", "count", restarted)
		}

		select {
		case <-ctx.Done():
			c.logger.Info(ctx, "Restart coordinator stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep performs one pass over restart-eligible failed runs and returns how
// many were relaunched. Candidates whose failure precondition still holds are
// left flagged for the next sweep.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	ctx, span := c.tracer.Start(ctx, "restart_coordinator.sweep")
	defer span.End()

	c.metrics.IncSweep(ctx)

	restartRequired := true
	candidates, err := c.runs.ListRuns(ctx, domain.RunFilter{
		Status:          domain.RunStatusFailed,
		RestartRequired: &restartRequired,
		Limit:           c.cfg.BatchLimit,
	})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("listing restart candidates: %w", err)
	}

	if c.cfg.ReuseIdentity {
		// A crash between reset and dispatch leaves a run Pending but still
		// flagged. Pick those up alongside the failed candidates so the
		// relaunch is at-least-once in this mode too.
		leftovers, err := c.runs.ListRuns(ctx, domain.RunFilter{
			Status:          domain.RunStatusPending,
			RestartRequired: &restartRequired,
			Limit:           c.cfg.BatchLimit,
		})
		if err != nil {
			span.RecordError(err)
			return 0, fmt.Errorf("listing undispatched reset runs: %w", err)
		}
		candidates = append(candidates, leftovers...)
	}
	span.SetAttributes(attribute.Int("candidates", len(candidates)))

	restarted := 0
	for _, run := range candidates {
		if err := ctx.Err(); err != nil {
			return restarted, err
		}

		if err := c.restartRun(ctx, run); err != nil {
			c.metrics.IncRestartErrors(ctx)
			c.logger.Error(ctx, "Failed to restart run", "run_id", run.ID(), "error", err)
			continue
		}
		restarted++
	}

	return restarted, nil
}

// restartRun relaunches one failed run. Relaunch-then-mark ordering makes the
// operation at-least-once: a crash between the two leaves the flag set and a
// later sweep launches a second restart identity, which is preferred over
// silently losing the run.
func (c *Coordinator) restartRun(ctx context.Context, run *domain.Run) error {
	ctx, span := c.tracer.Start(ctx, "restart_coordinator.restart_run",
		trace.WithAttributes(
			attribute.String("run_id", run.ID()),
			attribute.String("classification", run.Classification().String()),
		))
	defer span.End()

	if ok, reason := c.preconditionCleared(ctx, run); !ok {
		c.metrics.IncRestartSkipped(ctx, reason)
		span.AddEvent("restart_skipped", trace.WithAttributes(attribute.String("reason", reason)))
		c.logger.Info(ctx, "Skipping restart, precondition still failing",
			"run_id", run.ID(), "reason", reason)
		return nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	input, err := c.history.RunInput(ctx, run.ID())
	if err != nil {
		return fmt.Errorf("fetching original input for %s: %w", run.ID(), err)
	}

	req, err := domain.UnmarshalScanRequest(input)
	if err != nil {
		return fmt.Errorf("decoding original input for %s: %w", run.ID(), err)
	}
	lane := c.router.Route(ctx, req)

	if c.cfg.ReuseIdentity {
		return c.relaunchInPlace(ctx, span, run, lane, input)
	}

	// Never chain restart suffixes: a restart of a restart still derives its
	// identity from the original tuple.
	newID := domain.RestartRunID(req.RunID(), time.Now())

	if err := c.starter.StartRun(ctx, newID, lane, input); err != nil {
		return fmt.Errorf("dispatching restart %s of %s: %w", newID, run.ID(), err)
	}

	if err := run.MarkRestarted(newID); err != nil {
		return err
	}
	if err := c.runs.UpdateRun(ctx, run); err != nil {
		// The restart is already in flight; an unpersisted flag only costs a
		// duplicate relaunch on the next sweep.
		c.logger.Error(ctx, "Failed to clear restart flag", "run_id", run.ID(), "error", err)
	}

	c.metrics.IncRunRestarted(ctx, run.Classification())
	span.AddEvent("run_restarted", trace.WithAttributes(
		attribute.String("new_run_id", newID),
		attribute.String("lane", lane.String()),
	))
	c.logger.Info(ctx, "Relaunched failed run",
		"run_id", run.ID(), "new_run_id", newID, "lane", lane.String(),
		"classification", run.Classification().String())
	return nil
}

// relaunchInPlace re-enters a failed run under its original identity. The
// terminal record must be reset and persisted before the dispatch lands,
// otherwise the delivery observes a terminal run and no-ops. Ordering is
// reset-then-relaunch: a crash between the two leaves the run Pending and
// still flagged, and the next sweep dispatches it.
func (c *Coordinator) relaunchInPlace(ctx context.Context, span trace.Span, run *domain.Run, lane domain.Lane, input []byte) error {
	class := run.Classification()
	if class == "" {
		// A leftover from an interrupted earlier relaunch; the verdict moved
		// into metadata when the run was reset.
		class, _ = failure.ParseClassification(run.Metadata()[domain.MetaPriorFailure])
	}

	if run.Status() == domain.RunStatusFailed {
		if err := run.ResetForRestart(); err != nil {
			return err
		}
		if err := c.runs.UpdateRun(ctx, run); err != nil {
			return fmt.Errorf("persisting reset of %s: %w", run.ID(), err)
		}
	}

	if err := c.starter.StartRun(ctx, run.ID(), lane, input); err != nil {
		return fmt.Errorf("dispatching reset run %s: %w", run.ID(), err)
	}

	run.MarkRedispatched()
	if err := c.runs.UpdateRun(ctx, run); err != nil {
		// The relaunch is in flight; an unpersisted flag only costs a
		// duplicate dispatch next sweep, which the controller resumes
		// idempotently.
		c.logger.Error(ctx, "Failed to clear restart flag", "run_id", run.ID(), "error", err)
	}

	c.metrics.IncRunRestarted(ctx, class)
	span.AddEvent("run_redispatched", trace.WithAttributes(attribute.String("lane", lane.String())))
	c.logger.Info(ctx, "Relaunched failed run under its original identity",
		"run_id", run.ID(), "lane", lane.String(), "classification", class.String())
	return nil
}

// preconditionCleared re-validates whatever condition failed the run. A
// restart launched while the precondition still fails would deterministically
// fail the same way and burn an attempt for nothing.
func (c *Coordinator) preconditionCleared(ctx context.Context, run *domain.Run) (bool, string) {
	switch run.Classification() {
	case failure.ClassStorage:
		// Prefer the recorded failing path; it may be a different mount than
		// the workspace root.
		path := run.Metadata()[domain.MetaFailingPath]
		if path == "" {
			path = c.cfg.WorkspaceRoot
		}
		if err := c.prober.ProbeStorage(ctx, path); err != nil {
			return false, "storage_probe_failed"
		}
		return true, ""

	case failure.ClassResource:
		// Space and memory pressure are re-checked by the admission gate on
		// the relaunched run itself; a stale probe here would add nothing.
		return true, ""

	default:
		return true, ""
	}
}
