package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/failure"
	domain "github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/pipeline"
)

// StorageProber verifies shared storage health with a small write-then-delete
// at the target path. Listing a directory can succeed from cache while writes
// fail, so only an actual write proves the mount is usable.
type StorageProber struct{}

var _ domain.StorageProber = (*StorageProber)(nil)

// NewStorageProber creates a storage prober.
func NewStorageProber() *StorageProber { return &StorageProber{} }

// ProbeStorage writes and removes a marker file under path. Any failure is
// returned with an explicit storage classification carrying the probed path.
func (StorageProber) ProbeStorage(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(path, 0o750); err != nil {
		return failure.NewStorageError(path, fmt.Errorf("creating probe directory: %w", err))
	}

	marker := filepath.Join(path, ".storage-probe-"+uuid.NewString())
	if err := os.WriteFile(marker, []byte("ok"), 0o600); err != nil {
		return failure.NewStorageError(path, fmt.Errorf("probe write failed: %w", err))
	}
	if err := os.Remove(marker); err != nil {
		return failure.NewStorageError(path, fmt.Errorf("probe cleanup failed: %w", err))
	}
	return nil
}
