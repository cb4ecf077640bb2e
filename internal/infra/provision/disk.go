package provision

import (
	"fmt"
	"syscall"

	domain "github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/pipeline"
)

// StatfsDiskUsage reads free space straight from the filesystem. Workers run
// on Linux hosts with the scan volume mounted, so statfs is the ground truth
// the admission controller needs.
type StatfsDiskUsage struct{}

var _ domain.DiskUsage = (*StatfsDiskUsage)(nil)

// NewStatfsDiskUsage creates a DiskUsage backed by statfs(2).
func NewStatfsDiskUsage() *StatfsDiskUsage { return &StatfsDiskUsage{} }

// AvailableBytes returns the bytes available to unprivileged writers at path.
func (StatfsDiskUsage) AvailableBytes(path string) (int64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return int64(st.Bavail) * st.Bsize, nil
}
