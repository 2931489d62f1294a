// Package fsutil answers questions about the directory a cache is written to.
package fsutil

import (
	"fmt"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
	"golang.org/x/sys/unix"
)

// Dir returns the directory holding path.
func Dir(path string) string {
	return filepath.Dir(path)
}

// Writable reports whether the calling process may create files in dir.
func Writable(dir string) bool {
	return unix.Access(dir, unix.W_OK) == nil
}

// FreeBytes returns the space available to unprivileged users on the
// filesystem holding path.
func FreeBytes(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("failed to get disk usage of %s: %w", path, err)
	}
	return usage.Free, nil
}
