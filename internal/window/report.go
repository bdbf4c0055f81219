package window

import (
	"github.com/phuslu/log"

	"wakeup_exporter/internal/aggregate"
	"wakeup_exporter/internal/logger"
)

// LogReporter writes the totals and the top consumers of every window to
// the log. The full software list goes to the debug level.
type LogReporter struct {
	TopN    int
	MaxRows int
	log     log.Logger
}

// NewLogReporter returns a reporter logging up to topN consumers at info
// level and up to maxRows software rows at debug level.
func NewLogReporter(topN, maxRows int) *LogReporter {
	return &LogReporter{TopN: topN, MaxRows: maxRows, log: logger.NewLoggerWithContext("report")}
}

func (r *LogReporter) Report(res *aggregate.Result) {
	if res == nil {
		return
	}
	t := res.Totals
	r.log.Info().
		Float64("seconds", res.Seconds).
		Float64(aggregate.KeyCPUWakeups, t.WakeupsPerSec).
		Float64(aggregate.KeyCPUConsumption, t.CPUFraction).
		Float64(aggregate.KeyGPUOperations, t.GPUOpsPerSec).
		Float64(aggregate.KeyDiskOperations, t.DiskOpsPerSec).
		Float64(aggregate.KeyDiskOperationsHard, t.HardDiskOpsPerSec).
		Float64(aggregate.KeyXWakes, t.XWakesPerSec).
		Msg("Window totals")

	for i, s := range res.Summaries(r.TopN) {
		e := r.log.Info().
			Int("rank", i+1).
			Str("kind", s.Kind).
			Float64("usage", s.Usage).
			Str("unit", s.UsageUnit).
			Float64("events_per_sec", s.Events)
		if res.PowerValid {
			e = e.Float64("watts", s.Watts)
		}
		e.Str("description", s.Description).Msg("Top consumer")
	}

	if r.log.Level > log.DebugLevel {
		return
	}
	for _, s := range res.SoftwareRows(r.MaxRows) {
		r.log.Debug().
			Str("kind", s.Kind).
			Float64("usage", s.Usage).
			Str("unit", s.UsageUnit).
			Float64("events_per_sec", s.Events).
			Str("description", s.Description).
			Msg("Software consumer")
	}
}
