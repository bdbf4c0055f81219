// Package attribution reconstructs per-CPU execution context from a trace
// record stream and credits wake-ups and resource use to the responsible
// entity.
//
// All state of one measurement window lives in a WindowState: the per-CPU
// context stacks, the per-CPU blame state and the observed timestamp span.
// A WindowState is owned by a single goroutine for the duration of a pass.
package attribution

import (
	"wakeup_exporter/internal/consumer"
)

// Level is the priority of a blame assignment. A higher level overrides a
// lower one within one blame cycle.
type Level uint8

const (
	LevelNone Level = iota
	LevelHardIRQ
	LevelSoftIRQ
	LevelTimer
	LevelWakeup
	LevelProcess
	LevelWork
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelHardIRQ:
		return "hardirq"
	case LevelSoftIRQ:
		return "softirq"
	case LevelTimer:
		return "timer"
	case LevelWakeup:
		return "wakeup"
	case LevelProcess:
		return "process"
	case LevelWork:
		return "work"
	default:
		return "unknown"
	}
}

// spanEpsilon keeps the window length positive before any event is seen.
const spanEpsilon = 0.0001

// cpuState is the context stack and blame state of one CPU.
type cpuState struct {
	stack   []*consumer.Entity
	level   Level
	blamed  *consumer.Entity
	pending bool
}

// WindowState holds everything one measurement window accumulates.
type WindowState struct {
	Registry *consumer.Registry
	policy   *Policy

	cpus []cpuState

	firstStamp uint64
	lastStamp  uint64
	seen       bool

	// Writeback dirty clock, for telling hard disk hits apart.
	lastDirty uint64
	dirtySeen bool
}

// NewWindowState returns an empty window bound to a registry and policy.
func NewWindowState(reg *consumer.Registry, policy *Policy) *WindowState {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &WindowState{Registry: reg, policy: policy}
}

// Policy returns the blame policy in use.
func (w *WindowState) Policy() *Policy { return w.policy }

// Reset clears the registry, every per-CPU stack and blame state, the
// timestamp span and the dirty clock, and presizes the per-CPU state for
// ncpu CPUs.
func (w *WindowState) Reset(ncpu int) {
	if w.Registry != nil {
		w.Registry.Clear()
	}
	if ncpu < 0 {
		ncpu = 0
	}
	w.cpus = make([]cpuState, ncpu)
	w.firstStamp, w.lastStamp, w.seen = 0, 0, false
	w.lastDirty, w.dirtySeen = 0, false
}

// CPUs returns the number of CPUs with state.
func (w *WindowState) CPUs() int { return len(w.cpus) }

// cpu returns the state of a CPU, growing the per-CPU slice on demand.
// Negative indexes return nil.
func (w *WindowState) cpu(cpu int) *cpuState {
	if cpu < 0 {
		return nil
	}
	if cpu >= len(w.cpus) {
		grown := make([]cpuState, cpu+1)
		copy(grown, w.cpus)
		w.cpus = grown
	}
	return &w.cpus[cpu]
}

// Observe widens the window span to include ts.
func (w *WindowState) Observe(ts uint64) {
	if !w.seen {
		w.firstStamp, w.lastStamp, w.seen = ts, ts, true
		return
	}
	if ts < w.firstStamp {
		w.firstStamp = ts
	}
	if ts > w.lastStamp {
		w.lastStamp = ts
	}
}

// FirstStamp returns the earliest timestamp seen, or 0 before any event.
func (w *WindowState) FirstStamp() uint64 { return w.firstStamp }

// LastStamp returns the latest timestamp seen, or 0 before any event.
func (w *WindowState) LastStamp() uint64 { return w.lastStamp }

// ElapsedNanos returns the window span in nanoseconds, never zero.
func (w *WindowState) ElapsedNanos() float64 {
	return spanEpsilon + float64(w.lastStamp-w.firstStamp)
}

// Seconds returns the window span in seconds, never zero.
func (w *WindowState) Seconds() float64 {
	return w.ElapsedNanos() / 1e9
}

// --- Context stack ---

// Push makes e the innermost context of cpu.
func (w *WindowState) Push(cpu int, e *consumer.Entity) {
	if c := w.cpu(cpu); c != nil {
		c.stack = append(c.stack, e)
	}
}

// Pop removes the innermost context of cpu. Popping an empty stack is a no-op.
func (w *WindowState) Pop(cpu int) {
	c := w.cpu(cpu)
	if c == nil || len(c.stack) == 0 {
		return
	}
	c.stack[len(c.stack)-1] = nil
	c.stack = c.stack[:len(c.stack)-1]
}

// Depth returns the nesting depth of cpu.
func (w *WindowState) Depth(cpu int) int {
	if cpu < 0 || cpu >= len(w.cpus) {
		return 0
	}
	return len(w.cpus[cpu].stack)
}

// Top returns the innermost context of cpu, or nil.
func (w *WindowState) Top(cpu int) *consumer.Entity {
	if cpu < 0 || cpu >= len(w.cpus) {
		return nil
	}
	s := w.cpus[cpu].stack
	if len(s) == 0 {
		return nil
	}
	return s[len(s)-1]
}

// PropagateChildTime charges d as child time to every context still on the
// stack of cpu.
func (w *WindowState) PropagateChildTime(cpu int, d uint64) {
	if cpu < 0 || cpu >= len(w.cpus) {
		return
	}
	for _, e := range w.cpus[cpu].stack {
		e.ChildRuntime += d
	}
}

// --- Blame state ---

// RaiseBlame blames e at level unless the current blame of cpu is at an
// equal or higher level.
func (w *WindowState) RaiseBlame(cpu int, e *consumer.Entity, level Level) {
	c := w.cpu(cpu)
	if c == nil || level <= c.level {
		return
	}
	c.level = level
	c.blamed = e
}

// Blame returns the currently blamed entity and its level.
func (w *WindowState) Blame(cpu int) (*consumer.Entity, Level) {
	if cpu < 0 || cpu >= len(w.cpus) {
		return nil, LevelNone
	}
	return w.cpus[cpu].blamed, w.cpus[cpu].level
}

// MarkWakeupPending records that cpu owes a wake-up credit.
func (w *WindowState) MarkWakeupPending(cpu int) {
	if c := w.cpu(cpu); c != nil {
		c.pending = true
	}
}

// ClearWakeupPending drops the owed credit of cpu without crediting anyone.
func (w *WindowState) ClearWakeupPending(cpu int) {
	if c := w.cpu(cpu); c != nil {
		c.pending = false
	}
}

// WakeupPending reports whether cpu owes a wake-up credit.
func (w *WindowState) WakeupPending(cpu int) bool {
	if cpu < 0 || cpu >= len(w.cpus) {
		return false
	}
	return w.cpus[cpu].pending
}

// Consume credits a pending wake-up on cpu to the blamed entity and starts a
// new blame cycle. Without a pending wake-up the blame is kept; with one but
// nobody blamed, the wake-up is dropped.
func (w *WindowState) Consume(cpu int) {
	c := w.cpu(cpu)
	if c == nil || !c.pending {
		return
	}
	if c.blamed != nil {
		c.blamed.WakeUps++
	}
	c.blamed = nil
	c.level = LevelNone
	c.pending = false
}
