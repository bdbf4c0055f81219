// This file defines the Entity, the unit of blame: one power consumer observed
// during a measurement window. An Entity is a tagged variant: the counters every
// consumer shares live in Counters, and the kind-specific state lives in exactly
// one Payload (Process, Interrupt, Timer, Work or Device).
//
// Lifecycle (find-or-create, clear, merge) lives in registry.go.
package consumer

import (
	"fmt"
	"strconv"
)

// Kind tags the variant held by an Entity.
type Kind uint8

const (
	KindProcess Kind = iota + 1
	KindInterrupt
	KindTimer
	KindWork
	KindDevice
)

// String returns the category label shown in reports.
func (k Kind) String() string {
	switch k {
	case KindProcess:
		return "Process"
	case KindInterrupt:
		return "Interrupt"
	case KindTimer:
		return "Timer"
	case KindWork:
		return "kWork"
	case KindDevice:
		return "Device"
	default:
		return "Unknown"
	}
}

// Counters are the per-window accumulators shared by all kinds.
// Runtimes are in trace clock units (nanoseconds).
type Counters struct {
	AccumulatedRuntime uint64
	ChildRuntime       uint64
	WakeUps            uint64
	GPUOps             uint64
	DiskHits           uint64
	HardDiskHits       uint64
	XWakes             uint64
}

// ExclusiveRuntime returns AccumulatedRuntime minus ChildRuntime. A child
// runtime larger than the accumulated one is reset to zero first, so the
// result is never negative.
func (c *Counters) ExclusiveRuntime() uint64 {
	if c.ChildRuntime > c.AccumulatedRuntime {
		c.ChildRuntime = 0
	}
	return c.AccumulatedRuntime - c.ChildRuntime
}

// add folds o into c.
func (c *Counters) add(o *Counters) {
	c.AccumulatedRuntime += o.AccumulatedRuntime
	c.ChildRuntime += o.ChildRuntime
	c.WakeUps += o.WakeUps
	c.GPUOps += o.GPUOps
	c.DiskHits += o.DiskHits
	c.HardDiskHits += o.HardDiskHits
	c.XWakes += o.XWakes
}

// Payload is the kind-specific part of an Entity. The set of implementations
// is closed; callers switch on the concrete type or use the As* accessors.
type Payload interface {
	kind() Kind
}

// Process is a task observed through the scheduler events.
type Process struct {
	PID  int
	TGID int
	Comm string
	// Desc overrides the default "[PID n] comm" description, e.g. with the
	// command line.
	Desc string

	// Waker is the entity blamed for the most recent wake-up of this process.
	// It is cleared once the blame has been resolved on switch-in.
	Waker *Entity
	// LastWaker is the most recent waker whether or not it was blamed.
	LastWaker *Entity

	Running      bool
	runningSince uint64

	// mergedInto is set when this thread record was folded into its leader.
	mergedInto *Entity
}

func (*Process) kind() Kind { return KindProcess }

// Idle reports whether this is the per-CPU idle task.
func (p *Process) Idle() bool { return p.PID == 0 }

// Interrupt is a hard interrupt handler or a softirq vector.
type Interrupt struct {
	Number  int
	Handler string
	Soft    bool

	Running      bool
	runningSince uint64
}

func (*Interrupt) kind() Kind { return KindInterrupt }

// Callback is the state shared by timers and work items: a kernel function
// that may have several instances (timer or work structs) in flight.
type Callback struct {
	Address  uint64
	Handler  string
	Deferred bool

	// inflight maps an instance pointer to its fire timestamp.
	inflight map[uint64]uint64
}

// Timer is a timer or hrtimer callback.
type Timer struct{ Callback }

func (*Timer) kind() Kind { return KindTimer }

// Work is a workqueue callback.
type Work struct{ Callback }

func (*Work) kind() Kind { return KindWork }

// Device is a hardware device whose activity is sampled outside the trace.
type Device struct {
	Name  string
	Class string
	// Utilization is the busy share of the window, in percent.
	Utilization float64
}

func (*Device) kind() Kind { return KindDevice }

// Entity is one power consumer. Handles are owned by the Registry and stay
// valid until the Registry is cleared.
type Entity struct {
	Counters
	Payload Payload

	seq uint64
}

// Kind returns the variant tag.
func (e *Entity) Kind() Kind { return e.Payload.kind() }

func (e *Entity) AsProcess() (*Process, bool) {
	p, ok := e.Payload.(*Process)
	return p, ok
}

func (e *Entity) AsInterrupt() (*Interrupt, bool) {
	i, ok := e.Payload.(*Interrupt)
	return i, ok
}

func (e *Entity) AsTimer() (*Timer, bool) {
	t, ok := e.Payload.(*Timer)
	return t, ok
}

func (e *Entity) AsWork() (*Work, bool) {
	w, ok := e.Payload.(*Work)
	return w, ok
}

func (e *Entity) AsDevice() (*Device, bool) {
	d, ok := e.Payload.(*Device)
	return d, ok
}

// Handler returns the callback or interrupt handler name, or "" for
// processes and devices.
func (e *Entity) Handler() string {
	switch p := e.Payload.(type) {
	case *Interrupt:
		return p.Handler
	case *Timer:
		return p.Handler
	case *Work:
		return p.Handler
	}
	return ""
}

// Schedule marks a process as running from time t. Other kinds are ignored.
func (e *Entity) Schedule(t uint64) {
	if p, ok := e.AsProcess(); ok {
		p.Running = true
		p.runningSince = t
	}
}

// Deschedule stops runtime accounting of a running process at time t.
func (e *Entity) Deschedule(t uint64) {
	p, ok := e.AsProcess()
	if !ok || !p.Running {
		return
	}
	p.Running = false
	e.AccumulatedRuntime += since(p.runningSince, t)
}

// StartInterrupt begins timing an interrupt at time t.
func (e *Entity) StartInterrupt(t uint64) {
	if irq, ok := e.AsInterrupt(); ok {
		irq.Running = true
		irq.runningSince = t
	}
}

// EndInterrupt stops timing an interrupt and returns the elapsed time.
func (e *Entity) EndInterrupt(t uint64) uint64 {
	irq, ok := e.AsInterrupt()
	if !ok || !irq.Running {
		return 0
	}
	irq.Running = false
	d := since(irq.runningSince, t)
	e.AccumulatedRuntime += d
	return d
}

func (e *Entity) callback() *Callback {
	switch p := e.Payload.(type) {
	case *Timer:
		return &p.Callback
	case *Work:
		return &p.Callback
	}
	return nil
}

// Fire records that the instance identified by ptr started at time t.
func (e *Entity) Fire(t, ptr uint64) {
	cb := e.callback()
	if cb == nil {
		return
	}
	if cb.inflight == nil {
		cb.inflight = make(map[uint64]uint64)
	}
	cb.inflight[ptr] = t
}

// Done completes the instance identified by ptr at time t and returns the
// elapsed time. ok is false when no matching Fire was recorded.
func (e *Entity) Done(t, ptr uint64) (elapsed uint64, ok bool) {
	cb := e.callback()
	if cb == nil {
		return 0, false
	}
	start, found := cb.inflight[ptr]
	if !found {
		return 0, false
	}
	delete(cb.inflight, ptr)
	d := since(start, t)
	e.AccumulatedRuntime += d
	return d, true
}

// Usage returns the usage figure and its unit over a window of seconds:
// milliseconds of exclusive CPU time per second, or percent for devices.
func (e *Entity) Usage(seconds float64) (float64, string) {
	if d, ok := e.AsDevice(); ok {
		return d.Utilization, "%"
	}
	if seconds <= 0 {
		return 0, "ms/s"
	}
	return float64(e.ExclusiveRuntime()) / 1e6 / seconds, "ms/s"
}

// Events returns wake-ups plus GPU operations per second.
func (e *Entity) Events(seconds float64) float64 {
	if seconds <= 0 {
		return 0
	}
	return float64(e.WakeUps+e.GPUOps) / seconds
}

// Description returns the free-text label used in reports.
func (e *Entity) Description() string {
	switch p := e.Payload.(type) {
	case *Process:
		if p.Desc != "" {
			return "[PID " + strconv.Itoa(p.PID) + "] " + p.Desc
		}
		return "[PID " + strconv.Itoa(p.PID) + "] " + p.Comm
	case *Interrupt:
		return fmt.Sprintf("[%d] %s", p.Number, p.Handler)
	case *Timer:
		return p.Handler
	case *Work:
		return p.Handler
	case *Device:
		return p.Name
	}
	return ""
}

// Ranked reports whether the entity belongs in the report: idle tasks and
// thread records merged into their leader are excluded.
func (e *Entity) Ranked() bool {
	if p, ok := e.AsProcess(); ok {
		return !p.Idle() && p.mergedInto == nil
	}
	return true
}

func since(start, now uint64) uint64 {
	if now < start {
		return 0
	}
	return now - start
}
