package attribution

import (
	"wakeup_exporter/internal/consumer"
	"wakeup_exporter/internal/trace"
)

// inIRQ reports whether a record was emitted from hard or soft interrupt
// context. ok is false when the record lacks common_flags.
func inIRQ(rec trace.Record) (irq bool, ok bool) {
	flags, ok := rec.Int(trace.FieldCommonFlags)
	if !ok {
		return false, false
	}
	return flags&(trace.FlagHardIRQ|trace.FlagSoftIRQ) != 0, true
}

// handleSchedSwitch retires the outgoing process, installs the incoming one
// as the base context of the CPU and resolves the blame of the switch.
func handleSchedSwitch(w *WindowState, rec trace.Record) error {
	nextComm, ok := rec.Str("next_comm")
	if !ok {
		return missing("next_comm")
	}
	nextPID, ok := rec.Int("next_pid")
	if !ok {
		return missing("next_pid")
	}
	if _, ok := rec.Int("prev_pid"); !ok {
		return missing("prev_pid")
	}

	cpu, ts := rec.CPU(), rec.Timestamp()
	next := w.Registry.FindOrCreateProcess(nextComm, int(nextPID))

	// Anything nested above the process was left unbalanced; drop it.
	for w.Depth(cpu) > 1 {
		w.Pop(cpu)
	}
	if prev := w.Top(cpu); prev != nil {
		if p, ok := prev.AsProcess(); ok {
			prev.Deschedule(ts)
			p.Waker = nil
		}
	}
	w.Pop(cpu)

	w.Push(cpu, next)
	next.Schedule(ts)

	np, _ := next.AsProcess()
	if !w.policy.IsHelperThread(nextComm) {
		if nextPID != 0 {
			if np.Waker != nil {
				w.RaiseBlame(cpu, np.Waker, LevelProcess)
			} else {
				w.RaiseBlame(cpu, next, LevelProcess)
			}
		}
		w.Consume(cpu)
	}
	np.Waker = nil
	return nil
}

// handleSchedWakeup records who woke a process so that the wake-up can be
// blamed on the waker when the process is switched in.
func handleSchedWakeup(w *WindowState, rec trace.Record) error {
	irq, ok := inIRQ(rec)
	if !ok {
		return missing(trace.FieldCommonFlags)
	}
	comm, ok := rec.Str("comm")
	if !ok {
		return missing("comm")
	}
	pid, ok := rec.Int("pid")
	if !ok {
		return missing("pid")
	}

	cpu := rec.CPU()
	var from *consumer.Entity
	if top := w.Top(cpu); top != nil {
		switch p := top.Payload.(type) {
		case *consumer.Timer:
			// From interrupt context only an expiring timer can be the cause.
			if irq && !w.policy.IgnoredWakeTimer(p.Handler) {
				from = top
			}
		case *consumer.Process:
			if !irq {
				from = top
			}
		}
	}

	dest := w.Registry.FindOrCreateProcess(comm, int(pid))
	dp, _ := dest.AsProcess()
	if from == nil {
		return nil
	}

	blameable := true
	if fp, ok := from.AsProcess(); ok && w.policy.DontBlame(fp.Comm) {
		blameable = false
	}
	if !dp.Running && dp.Waker == nil && pid != 0 && blameable {
		dp.Waker = from
	}
	dp.LastWaker = from

	if w.policy.IsGraphicsServer(dp.Comm) {
		from.XWakes++
	}
	return nil
}
