//go:build !linux && !darwin

package system

import (
	"errors"
	"fmt"
)

type DiskUsage struct {
	TotalBytes uint64
	UsedBytes  uint64
}

func ReadDiskUsage(path string) (DiskUsage, error) {
	return DiskUsage{}, fmt.Errorf("statfs %s: %w", path, errors.ErrUnsupported)
}
