// Package aggregate turns the per-entity counters of one window into the
// ranked report and its derived totals.
package aggregate

import (
	"cmp"
	"math"
	"slices"

	"wakeup_exporter/internal/consumer"
	"wakeup_exporter/internal/power"
)

// wattsEpsilon is the difference below which two power estimates tie.
const wattsEpsilon = 0.0001

// Utilization keys.
const (
	KeyCPUConsumption     = "cpu-consumption"
	KeyCPUWakeups         = "cpu-wakeups"
	KeyGPUOperations      = "gpu-operations"
	KeyDiskOperations     = "disk-operations"
	KeyDiskOperationsHard = "disk-operations-hard"
	KeyXWakes             = "xwakes"
)

// Window is what the aggregator needs to know about the measured window.
type Window struct {
	Seconds float64
	CPUs    int
}

// Totals are the six per-second rates of a window.
type Totals struct {
	WakeupsPerSec     float64
	GPUOpsPerSec      float64
	DiskOpsPerSec     float64
	HardDiskOpsPerSec float64
	XWakesPerSec      float64
	CPUFraction       float64
}

// Utilization returns the totals keyed the way reports name them.
func (t Totals) Utilization() map[string]float64 {
	return map[string]float64{
		KeyCPUConsumption:     t.CPUFraction,
		KeyCPUWakeups:         t.WakeupsPerSec,
		KeyGPUOperations:      t.GPUOpsPerSec,
		KeyDiskOperations:     t.DiskOpsPerSec,
		KeyDiskOperationsHard: t.HardDiskOpsPerSec,
		KeyXWakes:             t.XWakesPerSec,
	}
}

// Consumer is one ranked entity with its derived figures.
type Consumer struct {
	Entity *consumer.Entity
	Watts  float64
}

// Summary is one report row.
type Summary struct {
	Kind        string
	Usage       float64
	UsageUnit   string
	Events      float64
	Watts       float64
	Description string
}

// Result is the aggregated window.
type Result struct {
	Seconds    float64
	PowerValid bool
	Ranked     []Consumer
	Totals     Totals
}

// Collect gathers the rankable entities in report order: processes,
// interrupts, timers, work items, then devices.
func Collect(reg *consumer.Registry) []*consumer.Entity {
	order := []consumer.Kind{
		consumer.KindProcess,
		consumer.KindInterrupt,
		consumer.KindTimer,
		consumer.KindWork,
		consumer.KindDevice,
	}
	var out []*consumer.Entity
	for _, k := range order {
		for _, e := range reg.ByKind(k) {
			if e.Ranked() {
				out = append(out, e)
			}
		}
	}
	return out
}

// ComputeTotals sums the counters of entities into per-second rates.
func ComputeTotals(entities []*consumer.Entity, seconds float64) Totals {
	if seconds <= 0 {
		return Totals{}
	}
	var wakeups, gpu, disk, hard, xwakes, runtime uint64
	for _, e := range entities {
		wakeups += e.WakeUps
		gpu += e.GPUOps
		disk += e.DiskHits
		hard += e.HardDiskHits
		xwakes += e.XWakes
		runtime += e.ExclusiveRuntime()
	}
	return Totals{
		WakeupsPerSec:     float64(wakeups) / seconds,
		GPUOpsPerSec:      float64(gpu) / seconds,
		DiskOpsPerSec:     float64(disk) / seconds,
		HardDiskOpsPerSec: float64(hard) / seconds,
		XWakesPerSec:      float64(xwakes) / seconds,
		CPUFraction:       float64(runtime) / (seconds * 1e9),
	}
}

// Compare orders consumers by watts, then exclusive runtime, then raw
// wake-ups, all descending.
func Compare(a, b Consumer) int {
	if math.Abs(a.Watts-b.Watts) > wattsEpsilon {
		return cmp.Compare(b.Watts, a.Watts)
	}
	if c := cmp.Compare(b.Entity.ExclusiveRuntime(), a.Entity.ExclusiveRuntime()); c != 0 {
		return c
	}
	return cmp.Compare(b.Entity.WakeUps, a.Entity.WakeUps)
}

// Rank estimates every entity and sorts them. Equal entries keep their
// input order.
func Rank(entities []*consumer.Entity, win Window, est power.Estimator) Result {
	totals := ComputeTotals(entities, win.Seconds)
	sample := power.Sample{Seconds: win.Seconds, CPUs: win.CPUs, Utilization: totals.CPUFraction}

	ranked := make([]Consumer, len(entities))
	for i, e := range entities {
		ranked[i] = Consumer{Entity: e, Watts: est.Watts(e, sample)}
	}
	slices.SortStableFunc(ranked, Compare)

	return Result{
		Seconds:    win.Seconds,
		PowerValid: est.Valid(),
		Ranked:     ranked,
		Totals:     totals,
	}
}

func (r *Result) row(c Consumer) Summary {
	usage, unit := c.Entity.Usage(r.Seconds)
	return Summary{
		Kind:        c.Entity.Kind().String(),
		Usage:       usage,
		UsageUnit:   unit,
		Events:      c.Entity.Events(r.Seconds),
		Watts:       c.Watts,
		Description: c.Entity.Description(),
	}
}

// Summaries returns at most n rows, stopping at the first consumer that
// has no events, no usage and no estimated power.
func (r *Result) Summaries(n int) []Summary {
	if n <= 0 {
		return nil
	}
	out := make([]Summary, 0, min(n, len(r.Ranked)))
	for _, c := range r.Ranked {
		if len(out) >= n {
			break
		}
		s := r.row(c)
		if s.Events == 0 && s.Usage == 0 && s.Watts == 0 {
			break
		}
		out = append(out, s)
	}
	return out
}

// SoftwareRows returns up to limit rows for every ranked consumer that is
// not a device.
func (r *Result) SoftwareRows(limit int) []Summary {
	var out []Summary
	for _, c := range r.Ranked {
		if len(out) >= limit {
			break
		}
		if c.Entity.Kind() == consumer.KindDevice {
			continue
		}
		out = append(out, r.row(c))
	}
	return out
}
