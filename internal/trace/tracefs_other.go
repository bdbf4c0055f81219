//go:build !linux

package trace

// isTracingDir always fails: ftrace only exists on Linux.
func isTracingDir(string) (bool, error) {
	return false, nil
}
