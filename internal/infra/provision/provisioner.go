// Package provision materializes git working trees on the shared scan
// filesystem. Provisioning is idempotent against partial state: a crashed
// clone, a foreign checkout squatting on the path or a clean reusable tree
// all converge to a workspace holding the requested repository at the
// requested ref.
package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/pipeline"
	"github.com/mehab/SecurityScansWithTemporal-sub000/pkg/common/logger"
)

// GitProvisioner implements domain.Provisioner by shelling out to the git
// binary, the same way CI runners do. Git error text is preserved verbatim in
// returned errors because the failure classifier keys off the kernel strings
// git passes through.
type GitProvisioner struct {
	prober domain.StorageProber

	logger *logger.Logger
	tracer trace.Tracer
}

// NewGitProvisioner creates a provisioner that verifies storage health with
// the given prober before touching the workspace.
func NewGitProvisioner(prober domain.StorageProber, logger *logger.Logger, tracer trace.Tracer) *GitProvisioner {
	return &GitProvisioner{
		prober: prober,
		logger: logger.With("component", "git_provisioner"),
		tracer: tracer,
	}
}

// Provision prepares the run's workspace. An existing tree is reused only
// when it is a valid git checkout of the same origin; anything else on the
// path is destroyed and cloned fresh.
func (p *GitProvisioner) Provision(ctx context.Context, run *domain.Run) (bool, error) {
	path := run.WorkspacePath()
	req := run.Request()

	ctx, span := p.tracer.Start(ctx, "git_provisioner.provision",
		trace.WithAttributes(
			attribute.String("run_id", run.ID()),
			attribute.String("workspace_path", path),
			attribute.String("clone_strategy", string(req.CloneStrategy)),
		))
	defer span.End()

	// Probe the parent before writing anything: a sick mount fails here with
	// a storage classification instead of surfacing as a confusing git error.
	if err := p.prober.ProbeStorage(ctx, filepath.Dir(path)); err != nil {
		span.RecordError(err)
		return false, err
	}

	if reusable, err := p.tryReuse(ctx, path, req); err != nil {
		span.RecordError(err)
		return false, err
	} else if reusable {
		span.AddEvent("workspace_reused")
		p.logger.Info(ctx, "Reusing existing workspace", "run_id", run.ID(), "path", path)
		return true, nil
	}

	if err := p.cloneFresh(ctx, run); err != nil {
		span.RecordError(err)
		return false, err
	}

	// Best-effort: compact the fresh clone so the workspace stays under the
	// admission estimate. Scanning works the same either way.
	if _, err := p.git(ctx, path, "gc", "--aggressive", "--prune=now"); err != nil {
		p.logger.Warn(ctx, "Post-clone gc failed", "path", path, "error", err)
	}

	span.AddEvent("workspace_cloned")
	p.logger.Info(ctx, "Provisioned fresh workspace", "run_id", run.ID(), "path", path)
	return false, nil
}

// tryReuse decides whether the existing contents of path are a checkout of
// the requested origin and, if so, resets them to the requested ref. It
// returns false after clearing the path when the contents are anything else.
func (p *GitProvisioner) tryReuse(ctx context.Context, path string, req domain.ScanRequest) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspecting workspace %s: %w", path, err)
	}

	origin, err := p.git(ctx, path, "config", "--get", "remote.origin.url")
	if err != nil || NormalizeOrigin(origin) != NormalizeOrigin(req.OriginURL) {
		// Partial clone, unrelated directory or a different repository.
		// Destroy and start over.
		p.logger.Warn(ctx, "Workspace holds unusable content, rebuilding",
			"path", path, "found_origin", strings.TrimSpace(origin))
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return false, fmt.Errorf("clearing workspace %s: %w", path, rmErr)
		}
		return false, nil
	}

	if err := p.checkout(ctx, path, req); err != nil {
		// The tree matched but cannot reach the requested ref. Rebuilding is
		// cheaper than diagnosing a stale local clone.
		p.logger.Warn(ctx, "Reusable workspace failed checkout, rebuilding", "path", path, "error", err)
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return false, fmt.Errorf("clearing workspace %s: %w", path, rmErr)
		}
		return false, nil
	}

	return true, nil
}

// cloneFresh clones the run's repository into its workspace according to the
// request's clone strategy.
func (p *GitProvisioner) cloneFresh(ctx context.Context, run *domain.Run) error {
	path := run.WorkspacePath()
	req := run.Request()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating workspace parent: %w", err)
	}

	args := []string{"clone"}
	switch req.CloneStrategy {
	case domain.CloneStrategyShallow:
		args = append(args, "--depth=1")
	case domain.CloneStrategySparse:
		args = append(args, "--depth=1", "--filter=blob:none", "--no-checkout")
	}
	args = append(args, req.OriginURL, path)

	if _, err := p.git(ctx, "", args...); err != nil {
		return fmt.Errorf("cloning %s: %w", req.OriginURL, err)
	}

	if req.CloneStrategy == domain.CloneStrategySparse {
		// Narrowing is a footprint optimization, not a correctness
		// requirement: a full checkout scans the same. Fall back instead of
		// failing the run, leaving a trace in the run metadata.
		if err := p.narrow(ctx, path, req); err != nil {
			p.logger.Warn(ctx, "Sparse narrowing failed, falling back to full checkout",
				"run_id", run.ID(), "path", path, "error", err)
			_ = run.Annotate(domain.MetaSparseFallback, err.Error())
			if _, derr := p.git(ctx, path, "sparse-checkout", "disable"); derr != nil {
				p.logger.Debug(ctx, "Sparse disable failed", "path", path, "error", derr)
			}
		}
	}

	return p.checkout(ctx, path, req)
}

// narrow restricts the checkout of a no-checkout sparse clone to the
// requested paths.
func (p *GitProvisioner) narrow(ctx context.Context, path string, req domain.ScanRequest) error {
	if _, err := p.git(ctx, path, "sparse-checkout", "init", "--cone"); err != nil {
		return fmt.Errorf("initializing sparse checkout: %w", err)
	}
	if len(req.SparsePaths) > 0 {
		sparseArgs := append([]string{"sparse-checkout", "set"}, req.SparsePaths...)
		if _, err := p.git(ctx, path, sparseArgs...); err != nil {
			return fmt.Errorf("setting sparse paths: %w", err)
		}
	}
	return nil
}

// checkout moves the working tree to the requested ref. An empty ref keeps
// whatever the clone produced. Shallow clones fetch the ref first since it is
// usually absent from a depth-1 history.
func (p *GitProvisioner) checkout(ctx context.Context, path string, req domain.ScanRequest) error {
	if req.Ref == "" {
		if req.CloneStrategy == domain.CloneStrategySparse {
			if _, err := p.git(ctx, path, "checkout"); err != nil {
				return fmt.Errorf("checking out sparse tree: %w", err)
			}
		}
		return nil
	}

	if _, err := p.git(ctx, path, "checkout", req.Ref); err == nil {
		return nil
	}

	if _, err := p.git(ctx, path, "fetch", "--depth=1", "origin", req.Ref); err != nil {
		return fmt.Errorf("fetching ref %s: %w", req.Ref, err)
	}
	if _, err := p.git(ctx, path, "checkout", "FETCH_HEAD"); err != nil {
		return fmt.Errorf("checking out ref %s: %w", req.Ref, err)
	}
	return nil
}

// git runs a git subcommand, in dir when non-empty, returning trimmed stdout.
// Stderr is folded into the returned error verbatim.
func (p *GitProvisioner) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// VerifyGitAvailable reports whether the git binary is on PATH. Workers call
// this at startup so a broken deployment refuses to serve instead of failing
// runs one by one.
func VerifyGitAvailable() error {
	if _, err := exec.LookPath("git"); err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return fmt.Errorf("git binary: %w", err)
		}
		return err
	}
	return nil
}
