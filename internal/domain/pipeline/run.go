package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/failure"
)

// Metadata keys attached to runs. Every terminal run carries enough of these
// to explain its classification and retry eligibility; silently swallowed
// errors (result-store failures in particular) must leave a trace here.
const (
	MetaClassification    = "classification"
	MetaFailingPath       = "failing_path"
	MetaFailureReason     = "failure_reason"
	MetaRestartRequired   = "restart_required"
	MetaRestartedFrom     = "restarted_from"
	MetaRestartedAs       = "restarted_as"
	MetaPriorFailure      = "prior_failure"
	MetaSparseFallback    = "sparse_fallback"
	MetaResultStoreError  = "result_store_error"
	MetaWorkspaceRetained = "workspace_retained"
	MetaAdmissionAttempts = "admission_attempts"
	MetaWorkspaceReused   = "workspace_reused"
	MetaCancelled         = "cancelled"
)

// Run tracks one execution of the scan pipeline for an
// (application, component, build, tool) tuple. It is created when a request
// is admitted, mutated only by the pipeline controller as steps advance, and
// becomes immutable once terminal. All decisions a resuming worker makes are
// reconstructed from this aggregate's persisted state, never from worker
// memory.
type Run struct {
	id            string
	attemptID     uuid.UUID
	lane          Lane
	workspacePath string

	// capturedInput is the byte-exact request the run was created with.
	// The restart coordinator re-submits these bytes verbatim.
	capturedInput []byte
	request       ScanRequest

	status          RunStatus
	succeeded       bool
	classification  failure.Classification
	restartRequired bool

	// result is recorded before the run advances past Scanning so a worker
	// resuming in Persisting still has it.
	result *Result

	metadata map[string]string
	timeline *Timeline
}

// RunOption defines functional options for configuring a new Run.
type RunOption func(*Run)

// WithClock sets a custom clock for the run's timeline.
func WithClock(clock Clock) RunOption {
	return func(r *Run) { r.timeline = NewTimeline(clock) }
}

// WithRestartIdentity reassigns the run to a restart identity. The run gets
// its own workspace subtree under that identity and records which run it was
// restarted from.
func WithRestartIdentity(id string) RunOption {
	return func(r *Run) {
		original := r.request.RunID()
		r.workspacePath = strings.TrimSuffix(r.workspacePath, r.id) + id
		r.id = id
		r.metadata[MetaRestartedFrom] = original
	}
}

// NewRun creates a Run for an admitted request. The request is captured
// immediately and never re-derived.
func NewRun(req ScanRequest, lane Lane, workspaceRoot string, opts ...RunOption) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	captured, err := req.Marshal()
	if err != nil {
		return nil, err
	}

	run := &Run{
		id:            req.RunID(),
		attemptID:     uuid.New(),
		lane:          lane,
		workspacePath: req.WorkspacePath(workspaceRoot),
		capturedInput: captured,
		request:       req,
		status:        RunStatusPending,
		metadata:      make(map[string]string),
		timeline:      NewTimeline(wallClock{}),
	}

	for _, opt := range opts {
		opt(run)
	}

	return run, nil
}

// ReconstructRun creates a Run from persisted data without enforcing
// creation-time invariants. This should only be used by repositories when
// reconstructing from storage.
func ReconstructRun(
	id string,
	attemptID uuid.UUID,
	lane Lane,
	workspacePath string,
	capturedInput []byte,
	status RunStatus,
	succeeded bool,
	classification failure.Classification,
	restartRequired bool,
	result *Result,
	metadata map[string]string,
	startTime time.Time,
	endTime time.Time,
) (*Run, error) {
	req, err := UnmarshalScanRequest(capturedInput)
	if err != nil {
		return nil, fmt.Errorf("reconstructing run %s: %w", id, err)
	}

	if metadata == nil {
		metadata = make(map[string]string)
	}

	return &Run{
		id:              id,
		attemptID:       attemptID,
		lane:            lane,
		workspacePath:   workspacePath,
		capturedInput:   capturedInput,
		request:         req,
		status:          status,
		succeeded:       succeeded,
		classification:  classification,
		restartRequired: restartRequired,
		result:          result,
		metadata:        metadata,
		timeline:        ReconstructTimeline(startTime, endTime, time.Time{}),
	}, nil
}

// ID returns the deterministic run identity.
func (r *Run) ID() string { return r.id }

// AttemptID returns the unique identifier of this execution attempt. Unlike
// the run identity it is never reused across restarts.
func (r *Run) AttemptID() uuid.UUID { return r.attemptID }

// Lane returns the lane this run was pinned to at creation.
func (r *Run) Lane() Lane { return r.lane }

// WorkspacePath returns the filesystem subtree exclusively owned by this run.
func (r *Run) WorkspacePath() string { return r.workspacePath }

// CapturedInput returns the byte-exact original request.
func (r *Run) CapturedInput() []byte { return r.capturedInput }

// Request returns the parsed original request.
func (r *Run) Request() ScanRequest { return r.request }

// Status returns the run's current position in the pipeline.
func (r *Run) Status() RunStatus { return r.status }

// Succeeded reports whether a completed run's scan produced a successful
// result. Only meaningful once the run is terminal.
func (r *Run) Succeeded() bool { return r.succeeded }

// Classification returns the failure classification of a failed run.
func (r *Run) Classification() failure.Classification { return r.classification }

// RestartRequired reports whether the run is waiting for the restart
// coordinator to relaunch it.
func (r *Run) RestartRequired() bool { return r.restartRequired }

// Result returns the recorded scan result, or nil if the scan has not
// produced one yet.
func (r *Run) Result() *Result { return r.result }

// RecordResult stores the scan outcome on the run. Must happen while the run
// is still in Scanning so the result survives a worker crash before the
// Persisting step executes.
func (r *Run) RecordResult(res Result) error {
	if r.status != RunStatusScanning {
		return RunInvalidStateError{runID: r.id, status: r.status, reason: "result can only be recorded while scanning"}
	}
	r.result = &res
	r.timeline.MarkBoundary()
	return nil
}

// IsTerminal reports whether the run reached a terminal status.
func (r *Run) IsTerminal() bool { return r.status.IsTerminal() }

// StartTime returns the time the run was created.
func (r *Run) StartTime() time.Time { return r.timeline.StartedAt() }

// EndTime returns the time the run reached a terminal status.
func (r *Run) EndTime() time.Time { return r.timeline.CompletedAt() }

// Metadata returns a copy of the run's annotations.
func (r *Run) Metadata() map[string]string {
	out := make(map[string]string, len(r.metadata))
	for k, v := range r.metadata {
		out[k] = v
	}
	return out
}

// RunInvalidStateError indicates an operation was attempted against a run in
// a state that does not permit it.
type RunInvalidStateError struct {
	runID  string
	status RunStatus
	reason string
}

// Error returns a string representation of the error.
func (e RunInvalidStateError) Error() string {
	return fmt.Sprintf("run %s is in invalid state %s: %s", e.runID, e.status, e.reason)
}

// Annotate attaches a key-value explanation to the run. Terminal runs are
// immutable; annotations must be supplied at the terminal transition.
func (r *Run) Annotate(key, value string) error {
	if r.IsTerminal() {
		return RunInvalidStateError{runID: r.id, status: r.status, reason: "terminal runs are immutable"}
	}
	r.metadata[key] = value
	return nil
}

// Advance moves the run to the next pipeline status after validating the
// transition. Each successful call marks a step boundary: callers persist the
// run immediately afterwards so a different worker can resume from it.
func (r *Run) Advance(target RunStatus) error {
	if err := r.status.validateTransition(target); err != nil {
		return err
	}

	r.status = target
	r.timeline.MarkBoundary()
	return nil
}

// Complete marks the pipeline as having run to the end. succeeded records
// whether the scan itself produced a positive result; an application-level
// tool failure still completes the run, it does not fail it.
func (r *Run) Complete(succeeded bool) error {
	if r.status == RunStatusCompleted {
		return nil // Already completed, idempotent
	}

	if err := r.status.validateTransition(RunStatusCompleted); err != nil {
		return err
	}

	r.status = RunStatusCompleted
	r.succeeded = succeeded
	r.timeline.MarkCompleted()
	return nil
}

// MarkRestarted records that the restart coordinator relaunched this failed
// run under a new identity. It is the one mutation permitted on a terminal
// run, and it clears the restart flag so the next sweep skips it.
func (r *Run) MarkRestarted(newRunID string) error {
	if r.status != RunStatusFailed {
		return RunInvalidStateError{runID: r.id, status: r.status, reason: "only failed runs can be marked restarted"}
	}

	r.restartRequired = false
	r.metadata[MetaRestartRequired] = "false"
	r.metadata[MetaRestartedAs] = newRunID
	return nil
}

// ResetForRestart returns a failed run to Pending so the restart coordinator
// can relaunch it under its original identity. The failed attempt's verdict
// moves into metadata as the prior failure trace and a fresh attempt id is
// issued. The restart flag stays set until the relaunch is dispatched, so a
// crash between reset and dispatch leaves the run discoverable by a later
// sweep.
func (r *Run) ResetForRestart() error {
	if r.status != RunStatusFailed {
		return RunInvalidStateError{runID: r.id, status: r.status, reason: "only failed runs can be reset for restart"}
	}

	r.metadata[MetaPriorFailure] = r.classification.String()
	delete(r.metadata, MetaClassification)

	r.status = RunStatusPending
	r.succeeded = false
	r.classification = ""
	r.result = nil
	r.attemptID = uuid.New()
	r.timeline.MarkResumed()
	return nil
}

// MarkRedispatched clears the restart flag once an in-place relaunch is in
// flight. The counterpart of MarkRestarted for runs that were reset instead
// of relaunched under a new identity, and so are no longer terminal.
func (r *Run) MarkRedispatched() {
	r.restartRequired = false
	r.metadata[MetaRestartRequired] = "false"
}

// Fail moves the run to the terminal failed status with a classification.
// restartRequired marks the run for the restart coordinator; annotations
// explain the failure and are merged into the metadata map before the run
// becomes immutable.
func (r *Run) Fail(class failure.Classification, restartRequired bool, annotations map[string]string) error {
	if err := r.status.validateTransition(RunStatusFailed); err != nil {
		return err
	}

	r.status = RunStatusFailed
	r.classification = class
	r.restartRequired = restartRequired
	r.metadata[MetaClassification] = class.String()
	r.metadata[MetaRestartRequired] = fmt.Sprintf("%t", restartRequired)
	for k, v := range annotations {
		r.metadata[k] = v
	}
	r.timeline.MarkCompleted()
	return nil
}
