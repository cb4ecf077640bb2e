package main

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/infra/provision"
	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/infra/scanner"
)

// preflight verifies the worker's environment before it accepts any run.
// Missing binaries and unusable mounts are deployment faults: they must stop
// the worker at startup so they can never surface mid-run as a spurious run
// failure.
func preflight(ctx context.Context, workspaceRoot string, prober *provision.StorageProber, execTools []*scanner.ExecTool) error {
	if err := provision.VerifyGitAvailable(); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}

	if err := prober.ProbeStorage(ctx, workspaceRoot); err != nil {
		return fmt.Errorf("preflight: workspace root %s unusable: %w", workspaceRoot, err)
	}

	for _, tool := range execTools {
		if _, err := exec.LookPath(tool.Binary()); err != nil {
			return fmt.Errorf("preflight: tool %s binary %q not on PATH: %w", tool.Kind(), tool.Binary(), err)
		}
	}

	return nil
}
