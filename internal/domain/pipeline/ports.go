package pipeline

import (
	"context"
)

// RunRepository persists run state. The controller saves the run at every
// step boundary; a worker resuming a run loads it here and continues from the
// persisted status.
type RunRepository interface {
	// CreateRun persists a newly admitted run. It returns ErrRunExists when a
	// run with the same identity is already recorded, which callers treat as
	// idempotent re-entry rather than an error.
	CreateRun(ctx context.Context, run *Run) error

	// UpdateRun persists the run's current state.
	UpdateRun(ctx context.Context, run *Run) error

	// GetRun loads a run by identity. Returns ErrRunNotFound when absent.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs matching the filter.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Status          RunStatus
	Lane            Lane
	RestartRequired *bool
	Limit           int
}

// RunStarter submits a run for execution on its lane's dispatch queue. It is
// the entry point the lane router feeds and the restart coordinator re-submits
// through.
type RunStarter interface {
	// StartRun registers the run under its identity and dispatches it. The
	// input bytes are the captured original request, stored verbatim.
	StartRun(ctx context.Context, id string, lane Lane, input []byte) error
}

// RunHistory exposes the substrate's recorded facts about past runs. The
// restart coordinator depends on nothing else.
type RunHistory interface {
	// ListRuns returns recorded runs matching the filter.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// RunInput retrieves the captured original request for a run identity.
	// Returns ErrRunNotFound when the history no longer holds it.
	RunInput(ctx context.Context, id string) ([]byte, error)
}

// Provisioner produces a working tree ready for scanning. Implementations
// must be idempotent: re-entering after a crash either reuses the existing
// tree or rebuilds it cleanly, never interleaves two clones into one path.
type Provisioner interface {
	// Provision prepares the run's workspace. The returned reused flag
	// records whether an existing tree was verified and kept.
	Provision(ctx context.Context, run *Run) (reused bool, err error)
}

// Reclaimer deletes a run's workspace. Invoked only on a successful terminal
// outcome; failed runs deliberately retain their workspace for inspection.
type Reclaimer interface {
	Reclaim(ctx context.Context, workspacePath string) error
}

// ScanTool invokes a single scanning tool against a prepared working tree.
// The controller treats it as opaque beyond classifying any returned error;
// an unsuccessful scan is reported through the Result, not the error.
type ScanTool interface {
	// Kind identifies which tool requests this adapter serves.
	Kind() ToolKind

	// Scan runs the tool. A non-nil error means the invocation itself broke
	// (and will be classified); a tool that ran and found problems returns a
	// Result with Success=false and a nil error.
	Scan(ctx context.Context, run *Run) (Result, error)
}

// ResultStore durably records a run's outcome with an external system.
// Failures here are non-fatal to the run and are recorded as run metadata.
type ResultStore interface {
	StoreResult(ctx context.Context, result Result) error
}

// StorageProber verifies shared storage health at a path by performing a
// small write-then-delete. Used before provisioning and by the restart
// coordinator when re-validating a Storage failure's precondition.
type StorageProber interface {
	ProbeStorage(ctx context.Context, path string) error
}

// Heartbeater emits liveness signals during long-running steps. The substrate
// uses their absence to consider a step dead and reschedule it elsewhere; the
// core's only obligation is to call this at a bounded interval.
type Heartbeater interface {
	Heartbeat(ctx context.Context, runID string, detail string) error
}

// DiskUsage reports available bytes at a filesystem path. Abstracted so the
// admission controller can be tested without a real filesystem.
type DiskUsage interface {
	AvailableBytes(path string) (int64, error)
}
