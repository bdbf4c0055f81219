package consumer

import (
	"fmt"
	"strings"

	"github.com/prometheus/procfs"
)

// ProcInfo answers questions about live tasks. Lookups fail for tasks that
// have exited since they were traced.
type ProcInfo interface {
	// TGID returns the thread group (process) id of a task.
	TGID(pid int) (int, bool)
	// Cmdline returns the space-joined command line, empty for kernel threads.
	Cmdline(pid int) (string, bool)
}

// procFSInfo is the ProcInfo backed by procfs.
type procFSInfo struct {
	fs procfs.FS
}

var _ ProcInfo = (*procFSInfo)(nil)

// NewProcFSInfo returns a ProcInfo reading the procfs mounted at root.
func NewProcFSInfo(root string) (ProcInfo, error) {
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", root, err)
	}
	return &procFSInfo{fs: fs}, nil
}

func (p *procFSInfo) TGID(pid int) (int, bool) {
	proc, err := p.fs.Proc(pid)
	if err != nil {
		return 0, false
	}
	st, err := proc.NewStatus()
	if err != nil {
		return 0, false
	}
	return st.TGID, true
}

func (p *procFSInfo) Cmdline(pid int) (string, bool) {
	proc, err := p.fs.Proc(pid)
	if err != nil {
		return "", false
	}
	args, err := proc.CmdLine()
	if err != nil {
		return "", false
	}
	return strings.Join(args, " "), true
}
