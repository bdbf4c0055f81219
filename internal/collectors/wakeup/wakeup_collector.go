package wakeup

import (
	"strconv"
	"sync"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"

	"wakeup_exporter/internal/aggregate"
	"wakeup_exporter/internal/logger"
)

// WakeupCollector exports the result of the last ended measurement window:
// the per-second totals and the top consumers. It is a window reporter; the
// values only change when a window ends.
type WakeupCollector struct {
	topN int

	mu       sync.RWMutex
	snapshot *snapshot
	windows  uint64

	log log.Logger

	// Metric Descriptors
	windowSecondsDesc  *prometheus.Desc
	windowsDesc        *prometheus.Desc
	wakeupsDesc        *prometheus.Desc
	cpuConsumptionDesc *prometheus.Desc
	gpuOperationsDesc  *prometheus.Desc
	diskOperationsDesc *prometheus.Desc
	diskHardDesc       *prometheus.Desc
	xwakesDesc         *prometheus.Desc
	consumerUsageDesc  *prometheus.Desc
	consumerEventsDesc *prometheus.Desc
	consumerWattsDesc  *prometheus.Desc
}

// snapshot is a copy of a window result detached from the registry, which
// is cleared once the window ends.
type snapshot struct {
	seconds    float64
	powerValid bool
	totals     aggregate.Totals
	top        []aggregate.Summary
}

// NewWakeupCollector returns a collector exporting up to topN consumers.
func NewWakeupCollector(topN int) *WakeupCollector {
	consumerLabels := []string{"rank", "kind", "description"}
	return &WakeupCollector{
		topN: topN,
		log:  logger.NewLoggerWithContext("wakeup_collector"),

		windowSecondsDesc: prometheus.NewDesc(
			"wakeup_window_seconds",
			"Length of the last measurement window, from its first to its last trace record.",
			nil, nil,
		),
		windowsDesc: prometheus.NewDesc(
			"wakeup_windows_reported_total",
			"Total number of measurement windows reported.",
			nil, nil,
		),
		wakeupsDesc: prometheus.NewDesc(
			"wakeup_cpu_wakeups_per_second",
			"CPU wake-ups per second attributed during the last window.",
			nil, nil,
		),
		cpuConsumptionDesc: prometheus.NewDesc(
			"wakeup_cpu_consumption_ratio",
			"Exclusive CPU time of all consumers divided by the window length.",
			nil, nil,
		),
		gpuOperationsDesc: prometheus.NewDesc(
			"wakeup_gpu_operations_per_second",
			"GPU command submissions per second during the last window.",
			nil, nil,
		),
		diskOperationsDesc: prometheus.NewDesc(
			"wakeup_disk_operations_per_second",
			"Inode dirtying and block device operations per second during the last window.",
			nil, nil,
		),
		diskHardDesc: prometheus.NewDesc(
			"wakeup_disk_operations_hard_per_second",
			"Disk operations per second that followed more than a second of disk quiet.",
			nil, nil,
		),
		xwakesDesc: prometheus.NewDesc(
			"wakeup_xwakes_per_second",
			"Wake-ups of the graphics server per second during the last window.",
			nil, nil,
		),
		consumerUsageDesc: prometheus.NewDesc(
			"wakeup_consumer_usage",
			"Usage of a top consumer, in ms/s of CPU time or percent busy for devices.",
			append(consumerLabels, "unit"), nil,
		),
		consumerEventsDesc: prometheus.NewDesc(
			"wakeup_consumer_events_per_second",
			"Wake-ups plus GPU operations per second of a top consumer.",
			consumerLabels, nil,
		),
		consumerWattsDesc: prometheus.NewDesc(
			"wakeup_consumer_watts",
			"Estimated power draw of a top consumer.",
			consumerLabels, nil,
		),
	}
}

// Report implements window.Reporter.
func (c *WakeupCollector) Report(res *aggregate.Result) {
	if res == nil {
		return
	}
	s := &snapshot{
		seconds:    res.Seconds,
		powerValid: res.PowerValid,
		totals:     res.Totals,
		top:        res.Summaries(c.topN),
	}

	c.mu.Lock()
	c.snapshot = s
	c.windows++
	c.mu.Unlock()

	c.log.Debug().Int("consumers", len(s.top)).Float64("seconds", s.seconds).Msg("Window snapshot updated")
}

// Describe implements prometheus.Collector.
func (c *WakeupCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.windowSecondsDesc
	ch <- c.windowsDesc
	ch <- c.wakeupsDesc
	ch <- c.cpuConsumptionDesc
	ch <- c.gpuOperationsDesc
	ch <- c.diskOperationsDesc
	ch <- c.diskHardDesc
	ch <- c.xwakesDesc
	ch <- c.consumerUsageDesc
	ch <- c.consumerEventsDesc
	ch <- c.consumerWattsDesc
}

// Collect implements prometheus.Collector.
func (c *WakeupCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	s, windows := c.snapshot, c.windows
	c.mu.RUnlock()

	ch <- prometheus.MustNewConstMetric(c.windowsDesc, prometheus.CounterValue, float64(windows))
	if s == nil {
		return
	}

	ch <- prometheus.MustNewConstMetric(c.windowSecondsDesc, prometheus.GaugeValue, s.seconds)
	c.collectTotals(ch, s.totals)

	for i, row := range s.top {
		rank := strconv.Itoa(i + 1)
		ch <- prometheus.MustNewConstMetric(
			c.consumerUsageDesc,
			prometheus.GaugeValue,
			row.Usage,
			rank, row.Kind, row.Description, row.UsageUnit,
		)
		ch <- prometheus.MustNewConstMetric(
			c.consumerEventsDesc,
			prometheus.GaugeValue,
			row.Events,
			rank, row.Kind, row.Description,
		)
		if s.powerValid {
			ch <- prometheus.MustNewConstMetric(
				c.consumerWattsDesc,
				prometheus.GaugeValue,
				row.Watts,
				rank, row.Kind, row.Description,
			)
		}
	}
}

func (c *WakeupCollector) collectTotals(ch chan<- prometheus.Metric, t aggregate.Totals) {
	for _, m := range []struct {
		desc  *prometheus.Desc
		value float64
	}{
		{c.wakeupsDesc, t.WakeupsPerSec},
		{c.cpuConsumptionDesc, t.CPUFraction},
		{c.gpuOperationsDesc, t.GPUOpsPerSec},
		{c.diskOperationsDesc, t.DiskOpsPerSec},
		{c.diskHardDesc, t.HardDiskOpsPerSec},
		{c.xwakesDesc, t.XWakesPerSec},
	} {
		ch <- prometheus.MustNewConstMetric(m.desc, prometheus.GaugeValue, m.value)
	}
}
