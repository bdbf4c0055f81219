package attribution

import (
	"math"

	"wakeup_exporter/internal/trace"
)

// handleCPUIdle settles blame on idle transitions. The kernel reports the
// end of an idle period as state (u32)-1; any other state starts one.
func handleCPUIdle(w *WindowState, rec trace.Record) error {
	state, ok := rec.Int("state")
	if !ok {
		return missing("state")
	}
	if uint32(state) == math.MaxUint32 {
		w.Consume(rec.CPU())
	} else {
		w.MarkWakeupPending(rec.CPU())
	}
	return nil
}

// Legacy idle API of kernels without cpu_idle.

func handlePowerStart(w *WindowState, rec trace.Record) error {
	w.MarkWakeupPending(rec.CPU())
	return nil
}

func handlePowerEnd(w *WindowState, rec trace.Record) error {
	w.Consume(rec.CPU())
	return nil
}
