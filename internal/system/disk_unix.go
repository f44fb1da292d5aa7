//go:build linux || darwin

package system

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type DiskUsage struct {
	TotalBytes uint64
	UsedBytes  uint64
}

// ReadDiskUsage reports capacity of the filesystem mounted at path. Used counts
// blocks reserved for root, matching what df shows as used+avail.
func ReadDiskUsage(path string) (DiskUsage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return DiskUsage{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	total := uint64(st.Blocks) * bsize
	free := uint64(st.Bfree) * bsize
	if free > total {
		free = total
	}
	return DiskUsage{TotalBytes: total, UsedBytes: total - free}, nil
}
