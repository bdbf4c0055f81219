package attribution

import (
	"wakeup_exporter/internal/consumer"
	"wakeup_exporter/internal/trace"
)

// callbackField reads a function field that is either a raw address or,
// in symbolized traces, a function name.
func callbackField(rec trace.Record, field string) (addr uint64, name string, ok bool) {
	if v, ok := rec.Uint(field); ok {
		return v, "", true
	}
	if s, ok := rec.Str(field); ok && s != "" {
		return 0, s, true
	}
	return 0, "", false
}

// timerEntry returns the handler for timer_expire_entry or
// hrtimer_expire_entry; ptrField names the instance pointer field.
func timerEntry(ptrField string) HandlerFunc {
	return func(w *WindowState, rec trace.Record) error {
		addr, name, ok := callbackField(rec, "function")
		if !ok {
			return missing("function")
		}
		timer := w.Registry.FindOrCreateTimer(addr, name)
		if t, _ := timer.AsTimer(); t.Deferred {
			return ErrIgnored
		}
		ptr, ok := rec.Uint(ptrField)
		if !ok {
			return missing(ptrField)
		}

		cpu := rec.CPU()
		w.Push(cpu, timer)
		timer.Fire(rec.Timestamp(), ptr)
		if !w.policy.UnblamedTimer(timer.Handler()) {
			w.RaiseBlame(cpu, timer, LevelTimer)
		}
		return nil
	}
}

// timerExit returns the handler for timer_expire_exit or hrtimer_expire_exit.
func timerExit(ptrField string) HandlerFunc {
	return func(w *WindowState, rec trace.Record) error {
		ptr, ok := rec.Uint(ptrField)
		if !ok {
			return missing(ptrField)
		}
		return finishCallback(w, rec, ptr, consumer.KindTimer)
	}
}

func handleWorkStart(w *WindowState, rec trace.Record) error {
	addr, name, ok := callbackField(rec, "function")
	if !ok {
		return missing("function")
	}
	ptr, ok := rec.Uint("work")
	if !ok {
		return missing("work")
	}

	cpu := rec.CPU()
	work := w.Registry.FindOrCreateWork(addr, name)
	w.Push(cpu, work)
	work.Fire(rec.Timestamp(), ptr)
	if !w.policy.Housekeeping(work.Handler()) {
		w.RaiseBlame(cpu, work, LevelWork)
	}
	return nil
}

func handleWorkEnd(w *WindowState, rec trace.Record) error {
	ptr, ok := rec.Uint("work")
	if !ok {
		return missing("work")
	}
	return finishCallback(w, rec, ptr, consumer.KindWork)
}

// finishCallback pops the innermost timer or work item and charges its run
// time as child time to the contexts below it. An instance whose start was
// not traced is assumed to have started with the window.
func finishCallback(w *WindowState, rec trace.Record, ptr uint64, kind consumer.Kind) error {
	cpu := rec.CPU()
	top := w.Top(cpu)
	if top == nil || top.Kind() != kind {
		return ErrContextMismatch
	}
	w.Pop(cpu)

	ts := rec.Timestamp()
	d, ok := top.Done(ts, ptr)
	if !ok {
		top.Fire(w.FirstStamp(), ptr)
		d, _ = top.Done(ts, ptr)
	}
	w.PropagateChildTime(cpu, d)
	return nil
}
