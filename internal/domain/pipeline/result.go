package pipeline

import (
	"encoding/json"
	"time"
)

// Result is the structured outcome of one tool invocation. A failed scan
// still produces a Result worth recording; Success=false with a terminal
// Completed run is the normal shape of an application-level failure.
type Result struct {
	RunID    string   `json:"run_id"`
	Tool     ToolKind `json:"tool"`
	Success  bool     `json:"success"`
	ExitCode int      `json:"exit_code"`

	// Findings is the number of findings the tool reported, when the adapter
	// can parse them. Zero with Success=true means a clean scan.
	Findings int `json:"findings"`

	// ReportPath points at the tool's output artifact on the workspace
	// filesystem, if it produced one.
	ReportPath string `json:"report_path,omitempty"`

	// Details carries tool-specific output the adapter chose to preserve.
	Details json.RawMessage `json:"details,omitempty"`

	CompletedAt time.Time `json:"completed_at"`
}
