// Package failure defines the failure taxonomy for pipeline runs and the
// deterministic classifier that assigns a raised error to exactly one class.
// Classification is derived from the error alone, with no I/O or external
// state lookups, so classifying the same error twice always yields the same
// answer regardless of which worker does it.
package failure

// Classification tags an error with its recovery contract. Exactly one
// classification applies per raised error.
type Classification string

const (
	// ClassStorage covers shared-storage faults: I/O errors, read-only or
	// disconnected mounts, stale handles. The run fails immediately without
	// in-process retry and becomes restart-eligible; the remedy is exogenous.
	ClassStorage Classification = "STORAGE"

	// ClassNetwork covers control-plane connectivity loss. The execution
	// substrate reconnects and resumes on its own; the controller records the
	// condition but does not retry it.
	ClassNetwork Classification = "NETWORK"

	// ClassResource covers CPU/memory exhaustion and kills by the host. The
	// substrate's worker-level retry re-attempts on a different worker.
	ClassResource Classification = "RESOURCE"

	// ClassDeployment covers missing tool binaries, unmounted storage and
	// permission problems detectable at worker startup. Workers refuse to
	// serve rather than let these surface mid-run.
	ClassDeployment Classification = "DEPLOYMENT"

	// ClassApplication covers the tool exiting non-zero for reasons unrelated
	// to the infrastructure. Recorded as a failed result; the run completes
	// normally with success=false.
	ClassApplication Classification = "APPLICATION"
)

// String returns the string representation of the Classification.
func (c Classification) String() string { return string(c) }

// Restartable reports whether the class leaves a failed run eligible for the
// restart coordinator. Storage always is; Network and Resource degrade to
// restart-eligible only once substrate-level retries are exhausted, which
// callers signal explicitly when failing the run.
func (c Classification) Restartable() bool { return c == ClassStorage }

// ParseClassification converts a string to a Classification.
func ParseClassification(s string) (Classification, bool) {
	switch Classification(s) {
	case ClassStorage, ClassNetwork, ClassResource, ClassDeployment, ClassApplication:
		return Classification(s), true
	default:
		return "", false
	}
}
