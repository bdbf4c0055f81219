package attribution

import (
	"wakeup_exporter/internal/trace"
)

// hardDiskGap is the quiet period after which a dirtied inode is expected to
// spin the disk up again.
const hardDiskGap = 1_000_000_000

// handleGPUSubmit credits a GPU submission to the submitting context. A
// submission by the graphics server is credited to the client that last
// woke it.
func handleGPUSubmit(w *WindowState, rec trace.Record) error {
	irq, ok := inIRQ(rec)
	if !ok {
		return missing(trace.FieldCommonFlags)
	}
	if irq {
		return ErrIgnored
	}
	target := w.Top(rec.CPU())
	if target == nil {
		return ErrIgnored
	}
	if p, ok := target.AsProcess(); ok && w.policy.IsGraphicsServer(p.Comm) && p.LastWaker != nil {
		target = p.LastWaker
	}
	target.GPUOps++
	return nil
}

// handleWritebackDirty counts inode dirtying by a process. A dirty event
// more than a second after the previous counted one is also a hard hit.
func handleWritebackDirty(w *WindowState, rec trace.Record) error {
	dev, ok := rec.Int("dev")
	if !ok {
		return missing("dev")
	}
	top := w.Top(rec.CPU())
	if top == nil || dev <= 0 {
		return ErrIgnored
	}
	if _, ok := top.AsProcess(); !ok {
		return ErrIgnored
	}

	ts := rec.Timestamp()
	top.DiskHits++
	if w.dirtySeen && ts > w.lastDirty && ts-w.lastDirty > hardDiskGap {
		top.HardDiskHits++
	}
	w.lastDirty, w.dirtySeen = ts, true
	return nil
}
