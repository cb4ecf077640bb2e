package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ToolKind identifies the scanning tool a run invokes. A run executes exactly
// one tool; callers wanting several tools against one build submit one run
// per tool.
type ToolKind string

const (
	// ToolKindSecrets runs the secret detector against the working tree history.
	ToolKindSecrets ToolKind = "secrets"

	// ToolKindDependency runs the dependency analyzer against the working tree.
	ToolKindDependency ToolKind = "dependency"
)

// Priority influences lane selection for a run.
type Priority string

const (
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
)

// CloneStrategy describes how the provisioning step materializes the working
// tree. It also keys the admission controller's size heuristic.
type CloneStrategy string

const (
	// CloneStrategyFull clones the complete history.
	CloneStrategyFull CloneStrategy = "full"

	// CloneStrategyShallow clones a single-commit history.
	CloneStrategyShallow CloneStrategy = "shallow"

	// CloneStrategySparse clones shallow and narrows the checkout to the
	// requested sparse paths after provisioning.
	CloneStrategySparse CloneStrategy = "sparse"
)

// ScanRequest is the immutable input that creates a run. It is captured as-is
// at submission time and persisted alongside the run so the restart
// coordinator can relaunch the run without re-deriving any of it.
type ScanRequest struct {
	// AppID, Component, BuildID and Tool form the identity tuple. Callers must
	// not reuse the tuple for logically different scans.
	AppID     string   `json:"app_id"`
	Component string   `json:"component"`
	BuildID   string   `json:"build_id"`
	Tool      ToolKind `json:"tool"`

	// OriginURL is the repository to provision. Ref, when set, is checked out
	// after the clone (and re-applied when an existing tree is reused).
	OriginURL string `json:"origin_url"`
	Ref       string `json:"ref,omitempty"`

	CloneStrategy CloneStrategy `json:"clone_strategy,omitempty"`
	SparsePaths   []string      `json:"sparse_paths,omitempty"`

	// EstimatedSourceBytes is the caller's size hint for the bare source,
	// before the clone-strategy adjustment is applied. Zero means unknown and
	// falls back to the configured default.
	EstimatedSourceBytes int64 `json:"estimated_source_bytes,omitempty"`

	Priority     Priority      `json:"priority,omitempty"`
	LaneOverride string        `json:"lane_override,omitempty"`
	ScanTimeout  time.Duration `json:"scan_timeout,omitempty"`
	RunTimeout   time.Duration `json:"run_timeout,omitempty"`

	// ToolConfig is an opaque configuration blob handed to the tool adapter.
	ToolConfig json.RawMessage `json:"tool_config,omitempty"`
}

// Validate checks the request carries everything needed to derive a run
// identity and provision a workspace.
func (r ScanRequest) Validate() error {
	switch {
	case r.AppID == "":
		return fmt.Errorf("scan request missing app id")
	case r.Component == "":
		return fmt.Errorf("scan request missing component")
	case r.BuildID == "":
		return fmt.Errorf("scan request missing build id")
	case r.Tool == "":
		return fmt.Errorf("scan request missing tool kind")
	case r.OriginURL == "":
		return fmt.Errorf("scan request missing origin url")
	}
	return nil
}

// RunID derives the deterministic run identity for this request:
// {appId}-{component}-{buildId}-{toolKind}. Submitting the same tuple twice
// yields the same identity, which is what makes duplicate submissions collide
// into idempotent re-entry instead of parallel runs.
func (r ScanRequest) RunID() string {
	return fmt.Sprintf("%s-%s-%s-%s", r.AppID, r.Component, r.BuildID, r.Tool)
}

// RestartRunID derives the identity a restarted attempt runs under. Keeping
// the original identity is supported but must be requested explicitly, since
// it collides with the terminal record of the failed attempt.
func RestartRunID(original string, at time.Time) string {
	return fmt.Sprintf("%s-restart-%d", original, at.Unix())
}

// WorkspacePath returns the workspace subtree owned by this request's run
// under the given root. Ownership is exclusive by path convention: identities
// are unique, so no two live runs share a path.
func (r ScanRequest) WorkspacePath(root string) string {
	return strings.TrimRight(root, "/") + "/" + r.RunID()
}

// Marshal serializes the request for capture. The captured bytes are what the
// restart coordinator re-submits, so this is the canonical wire form.
func (r ScanRequest) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshaling scan request: %w", err)
	}
	return data, nil
}

// UnmarshalScanRequest deserializes a captured request.
func UnmarshalScanRequest(data []byte) (ScanRequest, error) {
	var r ScanRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return ScanRequest{}, fmt.Errorf("unmarshaling scan request: %w", err)
	}
	return r, nil
}
