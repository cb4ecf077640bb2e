// Package pipeline contains the application services that drive scan runs:
// the pipeline controller state machine, the admission gate and the lane
// router. The controller is written to be re-entrant: every step boundary is
// a suspension point where the process may die and a different worker picks
// the run up, so every decision is reconstructed from persisted run state and
// never from memory.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/failure"
	domain "github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/pipeline"
	"github.com/mehab/SecurityScansWithTemporal-sub000/pkg/common/logger"
)

// metrics defines the metric operations the controller records.
type metrics interface {
	IncRunStarted(ctx context.Context, lane domain.Lane)
	IncRunCompleted(ctx context.Context, success bool)
	IncRunFailed(ctx context.Context, class failure.Classification)
	IncAdmissionDeferred(ctx context.Context)
	ObserveStepDuration(ctx context.Context, status domain.RunStatus, d time.Duration)
}

// ControllerConfig tunes controller behavior.
type ControllerConfig struct {
	// WorkspaceRoot is the shared filesystem location workspaces live under.
	WorkspaceRoot string

	// MaxStepAttempts bounds substrate-level redeliveries of one step before
	// a transient (Network/Resource) failure degrades to restart-eligible.
	MaxStepAttempts int

	// CancelGracePeriod is how long an in-flight step may keep running after
	// cancellation is requested before its context is cut.
	CancelGracePeriod time.Duration
}

// Controller sequences the pipeline steps for a run and applies the per-class
// recovery policy when a step raises an error. One controller serves many
// runs; all per-run state lives in the repository.
type Controller struct {
	cfg ControllerConfig

	runs        domain.RunRepository
	provisioner domain.Provisioner
	tools       map[domain.ToolKind]domain.ScanTool
	results     domain.ResultStore
	reclaimer   domain.Reclaimer
	heartbeat   domain.Heartbeater
	admission   *AdmissionController
	router      *LaneRouter

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics metrics
}

// NewController wires a controller from its collaborators. Tools are indexed
// by kind; a run requesting a tool with no registered adapter fails with a
// Deployment classification at the scanning step boundary, never mid-tool.
func NewController(
	cfg ControllerConfig,
	runs domain.RunRepository,
	provisioner domain.Provisioner,
	tools []domain.ScanTool,
	results domain.ResultStore,
	reclaimer domain.Reclaimer,
	heartbeat domain.Heartbeater,
	admission *AdmissionController,
	router *LaneRouter,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics metrics,
) *Controller {
	if cfg.MaxStepAttempts <= 0 {
		cfg.MaxStepAttempts = 3
	}
	if cfg.CancelGracePeriod <= 0 {
		cfg.CancelGracePeriod = 30 * time.Second
	}

	toolMap := make(map[domain.ToolKind]domain.ScanTool, len(tools))
	for _, t := range tools {
		toolMap[t.Kind()] = t
	}

	return &Controller{
		cfg:         cfg,
		runs:        runs,
		provisioner: provisioner,
		tools:       toolMap,
		results:     results,
		reclaimer:   reclaimer,
		heartbeat:   heartbeat,
		admission:   admission,
		router:      router,
		logger:      logger.With("component", "pipeline_controller"),
		tracer:      tracer,
		metrics:     metrics,
	}
}

// Router exposes the lane router so submission paths and the restart
// coordinator derive lanes through the same rules.
func (c *Controller) Router() *LaneRouter { return c.router }

// Execute drives a run to a terminal status. It is safe to call any number of
// times with the same identity: a fresh identity passes the admission gate
// and creates the run; a known identity resumes from the persisted status.
// Transient errors are returned to the caller (the dispatch substrate) for
// redelivery; terminal outcomes return nil.
func (c *Controller) Execute(ctx context.Context, runID string, input []byte) error {
	ctx, span := c.tracer.Start(ctx, "pipeline_controller.execute",
		trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	log := c.logger.With("run_id", runID)

	run, err := c.runs.GetRun(ctx, runID)
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
		run, err = c.admitAndCreate(ctx, runID, input)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if run == nil {
			// Admission exhausted its window; the run was created terminal.
			return nil
		}
	case err != nil:
		span.RecordError(err)
		return fmt.Errorf("loading run %s: %w", runID, err)
	}

	if run.IsTerminal() {
		// Redelivered after completion; nothing to do.
		span.AddEvent("run_already_terminal")
		return nil
	}

	log.Info(ctx, "Executing run", "status", run.Status().String(), "lane", run.Lane().String())

	for !run.IsTerminal() {
		if err := ctx.Err(); err != nil {
			// Cancellation is checked at every step boundary. The run stays
			// where it is; a later delivery resumes it.
			_ = run.Annotate(domain.MetaCancelled, time.Now().UTC().Format(time.RFC3339))
			if perr := c.runs.UpdateRun(context.WithoutCancel(ctx), run); perr != nil {
				log.Error(ctx, "Failed to persist run on cancellation", "error", perr)
			}
			span.AddEvent("run_cancelled")
			return err
		}

		if herr := c.heartbeat.Heartbeat(ctx, runID, run.Status().String()); herr != nil {
			log.Warn(ctx, "Heartbeat failed", "error", herr)
		}

		status := run.Status()
		started := time.Now()
		stepErr := c.step(ctx, run)
		c.metrics.ObserveStepDuration(ctx, status, time.Since(started))

		if stepErr != nil {
			done, err := c.handleStepError(ctx, run, status, stepErr)
			if done {
				span.SetStatus(codes.Error, stepErr.Error())
				return err
			}
			continue
		}

		// Persist at the step boundary so any worker can take over from here.
		if err := c.runs.UpdateRun(ctx, run); err != nil {
			span.RecordError(err)
			return fmt.Errorf("persisting run %s at %s: %w", runID, run.Status(), err)
		}
	}

	if run.Status() == domain.RunStatusCompleted {
		c.metrics.IncRunCompleted(ctx, run.Succeeded())
		log.Info(ctx, "Run completed", "success", run.Succeeded())
	}
	return nil
}

// admitAndCreate passes the admission gate and records the new run. A nil run
// with nil error means admission exhausted its retry window and the run was
// created already-failed.
func (c *Controller) admitAndCreate(ctx context.Context, runID string, input []byte) (*domain.Run, error) {
	req, err := domain.UnmarshalScanRequest(input)
	if err != nil {
		return nil, fmt.Errorf("decoding input for run %s: %w", runID, err)
	}

	// The dispatched identity must be the one the input derives, or a restart
	// identity stamped from it by the restart coordinator.
	derived := req.RunID()
	isRestart := runID != derived
	if isRestart && !strings.HasPrefix(runID, derived+"-restart-") {
		return nil, fmt.Errorf("run identity mismatch: dispatched as %s, input derives %s", runID, derived)
	}

	lane := c.router.Route(ctx, req)

	attempts, admitErr := c.admission.WaitForAdmission(ctx, req, c.cfg.WorkspaceRoot)
	if attempts > 1 {
		c.metrics.IncAdmissionDeferred(ctx)
	}

	var opts []domain.RunOption
	if isRestart {
		opts = append(opts, domain.WithRestartIdentity(runID))
	}
	run, err := domain.NewRun(req, lane, c.cfg.WorkspaceRoot, opts...)
	if err != nil {
		return nil, err
	}
	_ = run.Annotate(domain.MetaAdmissionAttempts, strconv.Itoa(attempts))

	if admitErr != nil {
		if errors.Is(admitErr, context.Canceled) || errors.Is(admitErr, context.DeadlineExceeded) {
			return nil, admitErr
		}

		// Space never freed up inside the window. Resource exhaustion with
		// exhausted retries degrades to restart-eligible, same as Storage.
		class := failure.ClassResource
		if !failure.IsInsufficientSpace(admitErr) {
			class = failure.Classify(admitErr)
		}
		if err := run.Fail(class, true, map[string]string{
			domain.MetaFailureReason: admitErr.Error(),
		}); err != nil {
			return nil, err
		}
		c.metrics.IncRunFailed(ctx, class)
		if err := c.runs.CreateRun(ctx, run); err != nil && !errors.Is(err, domain.ErrRunExists) {
			return nil, err
		}
		c.logger.Warn(ctx, "Run failed admission", "run_id", runID, "attempts", attempts, "error", admitErr)
		return nil, nil
	}

	if err := c.runs.CreateRun(ctx, run); err != nil {
		if errors.Is(err, domain.ErrRunExists) {
			// A concurrent submission with the same tuple already created
			// the run. Resume it instead.
			return c.runs.GetRun(ctx, runID)
		}
		return nil, err
	}

	c.metrics.IncRunStarted(ctx, lane)
	return run, nil
}

// step executes the single step the run's persisted status calls for and
// advances the status on success. Exactly one state transition per call keeps
// every boundary a valid resume point.
func (c *Controller) step(ctx context.Context, run *domain.Run) error {
	switch run.Status() {
	case domain.RunStatusPending:
		return run.Advance(domain.RunStatusProvisioning)

	case domain.RunStatusProvisioning:
		stepCtx, cancel := c.graceContext(ctx)
		defer cancel()

		reused, err := c.provisioner.Provision(stepCtx, run)
		if err != nil {
			return err
		}
		_ = run.Annotate(domain.MetaWorkspaceReused, strconv.FormatBool(reused))
		return run.Advance(domain.RunStatusScanning)

	case domain.RunStatusScanning:
		tool, ok := c.tools[run.Request().Tool]
		if !ok {
			return failure.NewClassifiedError(failure.ClassDeployment,
				fmt.Errorf("no adapter registered for tool %q", run.Request().Tool))
		}

		stepCtx, cancel := c.graceContext(ctx)
		defer cancel()
		if timeout := run.Request().ScanTimeout; timeout > 0 {
			var tcancel context.CancelFunc
			stepCtx, tcancel = context.WithTimeout(stepCtx, timeout)
			defer tcancel()
		}

		result, err := tool.Scan(stepCtx, run)
		if err != nil {
			return err
		}
		if err := run.RecordResult(result); err != nil {
			return err
		}
		return run.Advance(domain.RunStatusPersisting)

	case domain.RunStatusPersisting:
		return c.persistStep(ctx, run)

	case domain.RunStatusReclaiming:
		if err := c.reclaimer.Reclaim(ctx, run.WorkspacePath()); err != nil {
			// The scan already succeeded; a failed delete is recorded, not
			// escalated.
			c.logger.Error(ctx, "Workspace reclaim failed", "run_id", run.ID(), "path", run.WorkspacePath(), "error", err)
			_ = run.Annotate(domain.MetaWorkspaceRetained, err.Error())
		}
		return run.Complete(true)

	default:
		return fmt.Errorf("run %s in unexpected status %s", run.ID(), run.Status())
	}
}

// persistStep records the result externally and decides the tail of the
// pipeline: successful scans go on to reclaim their workspace, failed scans
// complete immediately and keep it for inspection.
func (c *Controller) persistStep(ctx context.Context, run *domain.Run) error {
	result := run.Result()
	if result == nil {
		// Should not happen: the result is recorded before Persisting is
		// reachable. Treat as an application failure rather than crash.
		return failure.NewClassifiedError(failure.ClassApplication,
			fmt.Errorf("run %s reached persisting with no recorded result", run.ID()))
	}

	if err := c.results.StoreResult(ctx, *result); err != nil {
		// Non-fatal: the run's outcome stands, but the miss must leave a
		// trace rather than vanish.
		c.logger.Error(ctx, "Result store failed", "run_id", run.ID(), "error", err)
		_ = run.Annotate(domain.MetaResultStoreError, err.Error())
	}

	if result.Success {
		return run.Advance(domain.RunStatusReclaiming)
	}

	_ = run.Annotate(domain.MetaWorkspaceRetained, "scan unsuccessful, workspace kept for inspection")
	return run.Complete(false)
}

// handleStepError applies the per-class recovery policy. The returned done
// flag tells the caller to stop the loop; the returned error is what
// propagates to the dispatch substrate (nil when the run reached a terminal
// state that needs no redelivery).
func (c *Controller) handleStepError(ctx context.Context, run *domain.Run, status domain.RunStatus, stepErr error) (bool, error) {
	log := c.logger.With("run_id", run.ID(), "step", status.String())

	// Cancellation surfaced mid-step: leave the run untouched for a later
	// delivery, same as a boundary check.
	if errors.Is(stepErr, context.Canceled) {
		_ = run.Annotate(domain.MetaCancelled, time.Now().UTC().Format(time.RFC3339))
		if err := c.runs.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
			log.Error(ctx, "Failed to persist cancelled run", "error", err)
		}
		return true, stepErr
	}

	class := failure.Classify(stepErr)
	log.Warn(ctx, "Step failed", "classification", class.String(), "error", stepErr)

	switch class {
	case failure.ClassStorage:
		// No in-process retry: the mount is gone or sick, and retrying from
		// this or any worker hits the same storage. Fail now, leave the
		// workspace alone, let the restart coordinator relaunch once the
		// storage is healthy again.
		annotations := map[string]string{domain.MetaFailureReason: stepErr.Error()}
		if p := failure.FailingPath(stepErr); p != "" {
			annotations[domain.MetaFailingPath] = p
		}
		return c.failRun(ctx, run, class, class.Restartable(), annotations)

	case failure.ClassNetwork, failure.ClassResource:
		// Expected to resolve via substrate-level redelivery on another
		// worker. Count attempts in persisted state; once exhausted this
		// degrades to the same restart-eligible handling as Storage.
		attempts := c.bumpStepAttempts(run, status)
		_ = run.Annotate(domain.MetaFailureReason, stepErr.Error())

		if attempts >= c.cfg.MaxStepAttempts {
			return c.failRun(ctx, run, class, true, map[string]string{
				domain.MetaFailureReason: fmt.Sprintf("%s (retries exhausted after %d attempts)", stepErr, attempts),
			})
		}

		if err := c.runs.UpdateRun(ctx, run); err != nil {
			log.Error(ctx, "Failed to persist run before redelivery", "error", err)
		}
		return true, stepErr

	case failure.ClassDeployment:
		// A deployment fault mid-run means the worker preflight gate missed
		// something. Not restartable: restarting lands on the same broken
		// deployment.
		return c.failRun(ctx, run, class, class.Restartable(), map[string]string{
			domain.MetaFailureReason: stepErr.Error(),
		})

	default: // failure.ClassApplication
		if status == domain.RunStatusScanning {
			// The tool itself broke in an unclassifiable way. That is a
			// failed scan result, not a pipeline failure: record it and let
			// the pipeline complete with success=false.
			res := domain.Result{
				RunID:       run.ID(),
				Tool:        run.Request().Tool,
				Success:     false,
				ExitCode:    -1,
				CompletedAt: time.Now().UTC(),
			}
			if err := run.RecordResult(res); err != nil {
				return c.failRun(ctx, run, class, class.Restartable(), map[string]string{domain.MetaFailureReason: stepErr.Error()})
			}
			_ = run.Annotate(domain.MetaFailureReason, stepErr.Error())
			if err := run.Advance(domain.RunStatusPersisting); err != nil {
				return c.failRun(ctx, run, class, class.Restartable(), map[string]string{domain.MetaFailureReason: stepErr.Error()})
			}
			if err := c.runs.UpdateRun(ctx, run); err != nil {
				return true, err
			}
			return false, nil
		}

		return c.failRun(ctx, run, class, class.Restartable(), map[string]string{
			domain.MetaFailureReason: stepErr.Error(),
		})
	}
}

// failRun moves the run to terminal Failed and persists it. Reclaim is
// deliberately not attempted: the workspace may be the evidence needed for
// diagnosis, or required intact for restart.
func (c *Controller) failRun(ctx context.Context, run *domain.Run, class failure.Classification, restartRequired bool, annotations map[string]string) (bool, error) {
	if err := run.Fail(class, restartRequired, annotations); err != nil {
		return true, err
	}
	c.metrics.IncRunFailed(ctx, class)

	if err := c.runs.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		return true, fmt.Errorf("persisting failed run %s: %w", run.ID(), err)
	}
	return true, nil
}

// bumpStepAttempts increments the persisted attempt counter for a step.
func (c *Controller) bumpStepAttempts(run *domain.Run, status domain.RunStatus) int {
	key := "attempts_" + string(status)
	attempts := 1
	if v, ok := run.Metadata()[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			attempts = n + 1
		}
	}
	_ = run.Annotate(key, strconv.Itoa(attempts))
	return attempts
}

// graceContext returns a context that outlives parent cancellation by the
// configured grace period, giving an in-flight step a bounded window to exit
// on its own before it is forcibly abandoned.
func (c *Controller) graceContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))

	stop := context.AfterFunc(parent, func() {
		timer := time.NewTimer(c.cfg.CancelGracePeriod)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			cancel()
		}
	})

	return ctx, func() {
		stop()
		cancel()
	}
}
