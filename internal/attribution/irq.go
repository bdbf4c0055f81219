package attribution

import (
	"strings"

	"wakeup_exporter/internal/trace"
)

// softirqNames maps softirq vectors to the names reported for them.
var softirqNames = [...]string{
	"HI_SOFTIRQ",
	"timer(softirq)",
	"net tx",
	"net_rx",
	"block",
	"block_iopoll",
	"tasklet",
	"sched(softirq)",
	"hrtimer",
	"RCU(softirq)",
}

func handleIRQEntry(w *WindowState, rec trace.Record) error {
	name, ok := rec.Str("name")
	if !ok {
		return missing("name")
	}
	nr, ok := rec.Int("irq")
	if !ok {
		return missing("irq")
	}

	cpu := rec.CPU()
	irq := w.Registry.FindOrCreateInterrupt(name, int(nr), cpu, false)
	w.Push(cpu, irq)
	irq.StartInterrupt(rec.Timestamp())

	// The local timer interrupt wakes the CPU for whatever timer it runs.
	if !strings.Contains(irq.Handler(), "timer") {
		w.RaiseBlame(cpu, irq, LevelHardIRQ)
	}
	return nil
}

func handleSoftIRQEntry(w *WindowState, rec trace.Record) error {
	vec, ok := rec.Int("vec")
	if !ok {
		return missing("vec")
	}
	if vec < 0 || int(vec) >= len(softirqNames) {
		return ErrIgnored
	}

	cpu := rec.CPU()
	irq := w.Registry.FindOrCreateInterrupt(softirqNames[vec], int(vec), cpu, true)
	w.Push(cpu, irq)
	irq.StartInterrupt(rec.Timestamp())
	w.RaiseBlame(cpu, irq, LevelSoftIRQ)
	return nil
}

// handleInterruptExit closes the innermost hard or soft interrupt.
func handleInterruptExit(w *WindowState, rec trace.Record) error {
	cpu := rec.CPU()
	top := w.Top(cpu)
	if top == nil {
		return ErrContextMismatch
	}
	if _, ok := top.AsInterrupt(); !ok {
		return ErrContextMismatch
	}
	w.Pop(cpu)
	w.PropagateChildTime(cpu, top.EndInterrupt(rec.Timestamp()))
	return nil
}
