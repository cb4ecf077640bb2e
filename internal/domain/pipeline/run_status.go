package pipeline

import (
	"fmt"
)

// RunStatus represents where a run is in the pipeline state machine. The
// non-terminal statuses double as the run's current step; a worker resuming a
// run reads the persisted status and continues from there.
type RunStatus string

const (
	// RunStatusPending indicates a run has been admitted but no step has begun.
	RunStatusPending RunStatus = "PENDING"

	// RunStatusProvisioning indicates the working tree is being prepared.
	RunStatusProvisioning RunStatus = "PROVISIONING"

	// RunStatusScanning indicates the tool is executing against the tree.
	RunStatusScanning RunStatus = "SCANNING"

	// RunStatusPersisting indicates the result is being recorded externally.
	RunStatusPersisting RunStatus = "PERSISTING"

	// RunStatusReclaiming indicates the workspace is being deleted.
	RunStatusReclaiming RunStatus = "RECLAIMING"

	// RunStatusCompleted indicates the pipeline ran to the end. A completed
	// run may still carry an unsuccessful result (tool found problems or
	// exited non-zero); see Run.Succeeded.
	RunStatusCompleted RunStatus = "COMPLETED"

	// RunStatusFailed indicates the pipeline aborted with a classified
	// failure. Failed runs may be restart-eligible.
	RunStatusFailed RunStatus = "FAILED"

	// RunStatusUnspecified is used when a status is unknown.
	RunStatusUnspecified RunStatus = "UNSPECIFIED"
)

// String returns the string representation of the RunStatus.
func (s RunStatus) String() string { return string(s) }

// IsTerminal reports whether no further transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// ParseRunStatus converts a string to a RunStatus.
func ParseRunStatus(s string) RunStatus {
	switch s {
	case "PENDING":
		return RunStatusPending
	case "PROVISIONING":
		return RunStatusProvisioning
	case "SCANNING":
		return RunStatusScanning
	case "PERSISTING":
		return RunStatusPersisting
	case "RECLAIMING":
		return RunStatusReclaiming
	case "COMPLETED":
		return RunStatusCompleted
	case "FAILED":
		return RunStatusFailed
	default:
		return RunStatusUnspecified
	}
}

// validateTransition checks if a status transition is valid and returns an error if not.
func (s RunStatus) validateTransition(target RunStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid run status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition enforces the pipeline lifecycle. Failure is reachable
// from any non-terminal status; forward progress is strictly sequential,
// with two sanctioned skips: a completed scan whose persistence is non-fatal
// still reclaims, and a failed scan completes without reclaiming.
func (s RunStatus) isValidTransition(target RunStatus) bool {
	switch s {
	case RunStatusPending:
		return target == RunStatusProvisioning || target == RunStatusFailed
	case RunStatusProvisioning:
		return target == RunStatusScanning || target == RunStatusFailed
	case RunStatusScanning:
		return target == RunStatusPersisting || target == RunStatusFailed
	case RunStatusPersisting:
		// Reclaim only happens after a successful scan; otherwise the run
		// completes with the workspace deliberately retained.
		return target == RunStatusReclaiming || target == RunStatusCompleted || target == RunStatusFailed
	case RunStatusReclaiming:
		return target == RunStatusCompleted || target == RunStatusFailed
	case RunStatusCompleted, RunStatusFailed:
		// Terminal states - no further transitions allowed.
		return false
	default:
		return false
	}
}
