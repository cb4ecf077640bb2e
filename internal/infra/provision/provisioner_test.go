package provision

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	domain "github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/pipeline"
	"github.com/mehab/SecurityScansWithTemporal-sub000/pkg/common/logger"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

// newOriginRepo creates a local repository with one committed file and
// returns its path.
func newOriginRepo(t *testing.T, fileName, content string) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "ci@example.com")
	runGit(t, dir, "config", "user.name", "ci")
	require.NoError(t, os.WriteFile(filepath.Join(dir, fileName), []byte(content), 0o600))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func newProvisionerTestRun(t *testing.T, root, origin string) *domain.Run {
	t.Helper()
	run, err := domain.NewRun(domain.ScanRequest{
		AppID:     "billing",
		Component: "api",
		BuildID:   "42",
		Tool:      domain.ToolKindSecrets,
		OriginURL: origin,
	}, domain.LaneDefault, root)
	require.NoError(t, err)
	return run
}

func newSparseTestRun(t *testing.T, root, origin string, sparsePaths ...string) *domain.Run {
	t.Helper()
	run, err := domain.NewRun(domain.ScanRequest{
		AppID:         "billing",
		Component:     "api",
		BuildID:       "42",
		Tool:          domain.ToolKindSecrets,
		OriginURL:     origin,
		CloneStrategy: domain.CloneStrategySparse,
		SparsePaths:   sparsePaths,
	}, domain.LaneDefault, root)
	require.NoError(t, err)
	return run
}

// newTwoDirOrigin creates a local repository with files under svc/ and docs/.
func newTwoDirOrigin(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "ci@example.com")
	runGit(t, dir, "config", "user.name", "ci")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "svc"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "docs"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "svc", "main.go"), []byte("package main\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "readme.md"), []byte("docs\n"), 0o600))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func newTestProvisioner() *GitProvisioner {
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	return NewGitProvisioner(NewStorageProber(), log, noop.NewTracerProvider().Tracer("test"))
}

func TestGitProvisioner_Provision(t *testing.T) {
	t.Parallel()
	requireGit(t)

	ctx := context.Background()

	t.Run("fresh clone then reuse", func(t *testing.T) {
		t.Parallel()
		origin := newOriginRepo(t, "app.go", "package app\n")
		root := t.TempDir()
		p := newTestProvisioner()
		run := newProvisionerTestRun(t, root, origin)

		reused, err := p.Provision(ctx, run)
		require.NoError(t, err)
		assert.False(t, reused)
		assert.FileExists(t, filepath.Join(run.WorkspacePath(), "app.go"))

		// Second entry with the same tree must reuse, not reclone.
		reused, err = p.Provision(ctx, run)
		require.NoError(t, err)
		assert.True(t, reused)
	})

	t.Run("origin mismatch destroys and reclones", func(t *testing.T) {
		t.Parallel()
		originA := newOriginRepo(t, "a.txt", "a\n")
		originB := newOriginRepo(t, "b.txt", "b\n")
		root := t.TempDir()
		p := newTestProvisioner()

		runA := newProvisionerTestRun(t, root, originA)
		_, err := p.Provision(ctx, runA)
		require.NoError(t, err)

		// Same identity tuple, different origin: the squatting tree must go.
		runB := newProvisionerTestRun(t, root, originB)
		reused, err := p.Provision(ctx, runB)
		require.NoError(t, err)
		assert.False(t, reused)
		assert.FileExists(t, filepath.Join(runB.WorkspacePath(), "b.txt"))
		assert.NoFileExists(t, filepath.Join(runB.WorkspacePath(), "a.txt"))
	})

	t.Run("sparse clone narrows to the requested paths", func(t *testing.T) {
		t.Parallel()
		origin := newTwoDirOrigin(t)
		root := t.TempDir()
		p := newTestProvisioner()
		run := newSparseTestRun(t, root, origin, "svc")

		reused, err := p.Provision(ctx, run)
		require.NoError(t, err)
		assert.False(t, reused)
		assert.FileExists(t, filepath.Join(run.WorkspacePath(), "svc", "main.go"))
		assert.NoFileExists(t, filepath.Join(run.WorkspacePath(), "docs", "readme.md"))
	})

	t.Run("non-repo content on the path is rebuilt", func(t *testing.T) {
		t.Parallel()
		origin := newOriginRepo(t, "app.go", "package app\n")
		root := t.TempDir()
		p := newTestProvisioner()
		run := newProvisionerTestRun(t, root, origin)

		require.NoError(t, os.MkdirAll(run.WorkspacePath(), 0o750))
		require.NoError(t, os.WriteFile(filepath.Join(run.WorkspacePath(), "junk"), []byte("x"), 0o600))

		reused, err := p.Provision(ctx, run)
		require.NoError(t, err)
		assert.False(t, reused)
		assert.FileExists(t, filepath.Join(run.WorkspacePath(), "app.go"))
		assert.NoFileExists(t, filepath.Join(run.WorkspacePath(), "junk"))
	})
}

// A git build without sparse-checkout support must not fail the run: the
// provisioner falls back to a full checkout and annotates the run. The
// failing subcommand is simulated with a git shim on PATH that rejects
// sparse-checkout and delegates everything else.
func TestGitProvisioner_SparseNarrowingFallsBack(t *testing.T) {
	requireGit(t)

	realGit, err := exec.LookPath("git")
	require.NoError(t, err)

	shim := "#!/bin/sh\n" +
		"if [ \"$1\" = \"sparse-checkout\" ]; then\n" +
		"  echo \"sparse-checkout: not supported\" >&2\n" +
		"  exit 1\n" +
		"fi\n" +
		"exec \"" + realGit + "\" \"$@\"\n"
	shimDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(shimDir, "git"), []byte(shim), 0o755))

	origin := newTwoDirOrigin(t)
	root := t.TempDir()
	run := newSparseTestRun(t, root, origin, "svc")

	t.Setenv("PATH", shimDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	p := newTestProvisioner()
	reused, err := p.Provision(context.Background(), run)
	require.NoError(t, err)
	assert.False(t, reused)

	// Full checkout instead of the narrowed one.
	assert.FileExists(t, filepath.Join(run.WorkspacePath(), "svc", "main.go"))
	assert.FileExists(t, filepath.Join(run.WorkspacePath(), "docs", "readme.md"))
	assert.NotEmpty(t, run.Metadata()[domain.MetaSparseFallback])
}
