package attribution

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"wakeup_exporter/internal/logger"
	"wakeup_exporter/internal/trace"
)

// Handler outcomes that leave the window untouched. They are counted and
// sampled into the log, never propagated to the caller.
var (
	// ErrMissingField means a required field was absent or of the wrong kind.
	ErrMissingField = errors.New("missing or malformed field")
	// ErrContextMismatch means the innermost context is not the kind an exit
	// event implies.
	ErrContextMismatch = errors.New("context stack mismatch")
	// ErrIgnored means the event was valid but contributes nothing.
	ErrIgnored = errors.New("event ignored")
)

func missing(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}

// HandlerFunc applies one trace record to the window.
type HandlerFunc func(w *WindowState, rec trace.Record) error

// DispatchStats is a snapshot of the dispatcher counters.
type DispatchStats struct {
	Events          map[string]uint64
	Unknown         uint64
	MissingField    uint64
	ContextMismatch uint64
	Ignored         uint64
	SuppressedLogs  uint64
}

// Dispatcher routes records to handlers by event name. Registration must
// finish before the first Dispatch; the counters may be read concurrently.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	counts   map[string]*atomic.Uint64

	unknown  atomic.Uint64
	missing  atomic.Uint64
	mismatch atomic.Uint64
	ignored  atomic.Uint64

	log *logger.SampledLogger
}

// NewDispatcher returns a dispatcher with every built-in handler registered.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		counts:   make(map[string]*atomic.Uint64),
		log:      logger.NewSampledLoggerCtx("dispatcher"),
	}

	d.Register("sched_switch", handleSchedSwitch)
	d.Register("sched_wakeup", handleSchedWakeup)

	d.Register("irq_handler_entry", handleIRQEntry)
	d.Register("irq_handler_exit", handleInterruptExit)
	d.Register("softirq_entry", handleSoftIRQEntry)
	d.Register("softirq_exit", handleInterruptExit)

	d.Register("timer_expire_entry", timerEntry("timer"))
	d.Register("timer_expire_exit", timerExit("timer"))
	d.Register("hrtimer_expire_entry", timerEntry("hrtimer"))
	d.Register("hrtimer_expire_exit", timerExit("hrtimer"))
	d.Register("workqueue_execute_start", handleWorkStart)
	d.Register("workqueue_execute_end", handleWorkEnd)

	d.Register("cpu_idle", handleCPUIdle)
	d.Register("power_start", handlePowerStart)
	d.Register("power_end", handlePowerEnd)

	d.Register("i915_gem_ring_dispatch", handleGPUSubmit)
	d.Register("i915_gem_request_submit", handleGPUSubmit)
	d.Register("writeback_inode_dirty", handleWritebackDirty)
	d.Register("writeback_dirty_inode", handleWritebackDirty)

	return d
}

// Register binds a handler to an event name, replacing any previous one.
func (d *Dispatcher) Register(event string, h HandlerFunc) {
	d.handlers[event] = h
	if _, ok := d.counts[event]; !ok {
		d.counts[event] = new(atomic.Uint64)
	}
}

// Handles reports whether event has a handler.
func (d *Dispatcher) Handles(event string) bool {
	_, ok := d.handlers[event]
	return ok
}

// Events returns the handled event names, sorted.
func (d *Dispatcher) Events() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Dispatch applies one record to w. Records of unhandled events are counted
// and dropped without touching the window.
func (d *Dispatcher) Dispatch(w *WindowState, rec trace.Record) {
	event := rec.Event()
	h, ok := d.handlers[event]
	if !ok {
		d.unknown.Add(1)
		return
	}
	d.counts[event].Add(1)

	w.Observe(rec.Timestamp())
	if w.Registry != nil {
		if tgid, ok := rec.Int(trace.FieldCommonTGID); ok {
			if pid, ok := rec.Int(trace.FieldCommonPID); ok {
				w.Registry.NoteTGID(int(pid), int(tgid))
			}
		}
	}

	err := h(w, rec)
	switch {
	case err == nil:
	case errors.Is(err, ErrIgnored):
		d.ignored.Add(1)
	case errors.Is(err, ErrContextMismatch):
		d.mismatch.Add(1)
		if l := d.log.SampledDebug("mismatch_" + event); l != nil {
			l.Err(err).Str("event", event).Int("cpu", rec.CPU()).Uint64("ts", rec.Timestamp()).Msg("Exit event does not match the current context")
		}
	default:
		d.missing.Add(1)
		if l := d.log.SampledWarn("decode_" + event); l != nil {
			l.Err(err).Str("event", event).Int("cpu", rec.CPU()).Uint64("ts", rec.Timestamp()).Msg("Dropping undecodable trace record")
		}
	}
}

// Replay dispatches every record of src into w and returns how many records
// were read.
func (d *Dispatcher) Replay(w *WindowState, src trace.Source) (int, error) {
	n := 0
	for {
		rec, ok := src.Next()
		if !ok {
			break
		}
		d.Dispatch(w, rec)
		n++
	}
	if err := src.Err(); err != nil {
		return n, fmt.Errorf("trace source failed after %d records: %w", n, err)
	}
	return n, nil
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() DispatchStats {
	s := DispatchStats{
		Events:          make(map[string]uint64, len(d.counts)),
		Unknown:         d.unknown.Load(),
		MissingField:    d.missing.Load(),
		ContextMismatch: d.mismatch.Load(),
		Ignored:         d.ignored.Load(),
		SuppressedLogs:  d.log.Suppressed(),
	}
	for name, c := range d.counts {
		s.Events[name] = c.Load()
	}
	return s
}

// LogHandlerCounts logs how many records each handler saw.
func (d *Dispatcher) LogHandlerCounts() {
	s := d.Stats()
	entry := d.log.Debug()
	for _, name := range d.Events() {
		if n := s.Events[name]; n > 0 {
			entry = entry.Uint64(name, n)
		}
	}
	entry.Uint64("unknown", s.Unknown).
		Uint64("missing_field", s.MissingField).
		Uint64("context_mismatch", s.ContextMismatch).
		Uint64("ignored", s.Ignored).
		Msg("Trace event dispatch counts")
}
