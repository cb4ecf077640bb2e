package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML in either Go
// duration syntax ("45s", "15m") or raw nanoseconds.
type Duration time.Duration

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

// Config represents the top-level configuration shared by the orchestrator
// and the workers. Connection details for Postgres, Kafka and the object
// store come from the environment; this file carries the pipeline's own
// policy knobs.
type Config struct {
	Pipeline  PipelineSpec  `yaml:"pipeline"`
	Admission AdmissionSpec `yaml:"admission"`
	Routing   RoutingSpec   `yaml:"routing"`
	Restart   RestartSpec   `yaml:"restart"`
	Tools     []ToolSpec    `yaml:"tools"`
}

// PipelineSpec configures run execution on a worker.
type PipelineSpec struct {
	// WorkspaceRoot is the filesystem root all run workspaces live under.
	WorkspaceRoot string `yaml:"workspace_root"`

	// MaxStepAttempts bounds how many deliveries may retry one pipeline step
	// before the run is failed as restartable.
	MaxStepAttempts int `yaml:"max_step_attempts,omitempty"`

	// CancelGracePeriod is how long an in-flight step may keep running after
	// the delivery context is cancelled.
	CancelGracePeriod Duration `yaml:"cancel_grace_period,omitempty"`
}

// AdmissionSpec configures space-aware admission control.
type AdmissionSpec struct {
	// MaxWorkspaceBytes caps the estimate-derived space requirement. Zero
	// keeps the built-in default.
	MaxWorkspaceBytes int64 `yaml:"max_workspace_bytes,omitempty"`

	// DefaultSourceBytes is the size assumed for requests that carry no
	// estimate.
	DefaultSourceBytes int64 `yaml:"default_source_bytes,omitempty"`
}

// RoutingSpec configures the lane router.
type RoutingSpec struct {
	// ExtraLanes names additional lanes that may be selected via a request's
	// lane override. The built-in lanes are always registered.
	ExtraLanes []string `yaml:"extra_lanes,omitempty"`

	// WorkerLanes lists the lanes this worker consumes. Empty means the
	// default lane only.
	WorkerLanes []string `yaml:"worker_lanes,omitempty"`
}

// RestartSpec configures the out-of-band restart sweep.
type RestartSpec struct {
	SweepInterval Duration `yaml:"sweep_interval,omitempty"`
	BatchLimit    int      `yaml:"batch_limit,omitempty"`

	// RestartsPerSecond and RestartBurst bound the relaunch rate so a
	// recovered dependency is not flooded.
	RestartsPerSecond float64 `yaml:"restarts_per_second,omitempty"`
	RestartBurst      int     `yaml:"restart_burst,omitempty"`

	// ReuseIdentity relaunches failed runs under their original identity
	// instead of stamping a restart identity.
	ReuseIdentity bool `yaml:"reuse_identity,omitempty"`
}

// ToolSpec declares an external scanning tool a worker can run. The built-in
// secret detector needs no declaration. Arguments and report naming travel
// per-run in the request's tool config blob; the declaration only binds a
// tool kind to a binary the preflight gate can verify.
type ToolSpec struct {
	Kind   string `yaml:"kind"`
	Binary string `yaml:"binary"`
}
