//go:build linux

package trace

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// isTracingDir accepts a tracefs mount, or a debugfs "tracing" directory on
// kernels that predate tracefs.
func isTracingDir(path string) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false, err
	}
	switch uint32(st.Type) {
	case unix.TRACEFS_MAGIC:
		return true, nil
	case unix.DEBUGFS_MAGIC:
		_, err := os.Stat(filepath.Join(path, "events"))
		return err == nil, nil
	}
	return false, nil
}
