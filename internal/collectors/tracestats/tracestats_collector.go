package tracestats

import (
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"

	"wakeup_exporter/internal/attribution"
	"wakeup_exporter/internal/logger"
	"wakeup_exporter/internal/trace"
)

// Source is what the collector reads. window.Manager implements it.
type Source interface {
	Dispatcher() *attribution.Dispatcher
	DecoderStats() trace.TextStats
	Subscription() *trace.Subscription
	Windows() uint64
}

// TraceStatsCollector implements prometheus.Collector for the health of the
// trace pipeline: decoder line counts, per-event dispatch counts, records
// the handlers rejected and the state of the event subscription.
type TraceStatsCollector struct {
	src Source
	log log.Logger

	// Metric Descriptors
	windowsProcessedDesc *prometheus.Desc

	decoderLinesDesc   *prometheus.Desc
	decoderRecordsDesc *prometheus.Desc
	decoderSkippedDesc *prometheus.Desc
	kernelLostDesc     *prometheus.Desc

	dispatchEventsDesc   *prometheus.Desc
	dispatchUnknownDesc  *prometheus.Desc
	dispatchRejectedDesc *prometheus.Desc
	suppressedLogsDesc   *prometheus.Desc

	subscribedEventsDesc *prometheus.Desc
	groupStatusDesc      *prometheus.Desc
}

// NewTraceStatsCollector creates a new trace statistics collector.
func NewTraceStatsCollector(src Source) *TraceStatsCollector {
	return &TraceStatsCollector{
		src: src,
		log: logger.NewLoggerWithContext("tracestats_collector"),

		windowsProcessedDesc: prometheus.NewDesc(
			"wakeup_trace_windows_processed_total",
			"Total number of measurement windows replayed through the handlers.",
			nil, nil,
		),

		decoderLinesDesc: prometheus.NewDesc(
			"wakeup_trace_decoder_lines_total",
			"Total number of trace text lines read.",
			nil, nil,
		),
		decoderRecordsDesc: prometheus.NewDesc(
			"wakeup_trace_decoder_records_total",
			"Total number of trace text lines decoded into records.",
			nil, nil,
		),
		decoderSkippedDesc: prometheus.NewDesc(
			"wakeup_trace_decoder_skipped_lines_total",
			"Total number of trace text lines that could not be decoded.",
			nil, nil,
		),
		kernelLostDesc: prometheus.NewDesc(
			"wakeup_trace_kernel_lost_events_total",
			"Total number of events the kernel reported as lost from the ring buffer.",
			nil, nil,
		),

		dispatchEventsDesc: prometheus.NewDesc(
			"wakeup_trace_events_dispatched_total",
			"Total number of records dispatched to a handler, by event.",
			[]string{"event"}, nil,
		),
		dispatchUnknownDesc: prometheus.NewDesc(
			"wakeup_trace_events_unknown_total",
			"Total number of records with no handler.",
			nil, nil,
		),
		dispatchRejectedDesc: prometheus.NewDesc(
			"wakeup_trace_events_rejected_total",
			"Total number of records a handler left without effect, by reason.",
			[]string{"reason"}, nil,
		),
		suppressedLogsDesc: prometheus.NewDesc(
			"wakeup_trace_suppressed_log_entries_total",
			"Total number of per-record log entries dropped by sampling.",
			nil, nil,
		),

		subscribedEventsDesc: prometheus.NewDesc(
			"wakeup_trace_subscribed_events",
			"Number of tracepoints currently enabled.",
			nil, nil,
		),
		groupStatusDesc: prometheus.NewDesc(
			"wakeup_trace_group_degraded",
			"Event groups running on their legacy fallback or missing entirely.",
			[]string{"group", "status"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *TraceStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.windowsProcessedDesc
	ch <- c.decoderLinesDesc
	ch <- c.decoderRecordsDesc
	ch <- c.decoderSkippedDesc
	ch <- c.kernelLostDesc
	ch <- c.dispatchEventsDesc
	ch <- c.dispatchUnknownDesc
	ch <- c.dispatchRejectedDesc
	ch <- c.suppressedLogsDesc
	ch <- c.subscribedEventsDesc
	ch <- c.groupStatusDesc
}

// Collect implements prometheus.Collector.
// It is called by Prometheus on each scrape.
func (c *TraceStatsCollector) Collect(ch chan<- prometheus.Metric) {
	c.log.Trace().Msg("Collecting trace pipeline statistics")
	ch <- prometheus.MustNewConstMetric(c.windowsProcessedDesc, prometheus.CounterValue, float64(c.src.Windows()))

	c.collectDecoderStats(ch, c.src.DecoderStats())
	c.collectDispatchStats(ch, c.src.Dispatcher().Stats())
	c.collectSubscription(ch, c.src.Subscription())
}

// collectDecoderStats gathers the text decoder counters.
func (c *TraceStatsCollector) collectDecoderStats(ch chan<- prometheus.Metric, s trace.TextStats) {
	ch <- prometheus.MustNewConstMetric(c.decoderLinesDesc, prometheus.CounterValue, float64(s.Lines))
	ch <- prometheus.MustNewConstMetric(c.decoderRecordsDesc, prometheus.CounterValue, float64(s.Records))
	ch <- prometheus.MustNewConstMetric(c.decoderSkippedDesc, prometheus.CounterValue, float64(s.Skipped))
	ch <- prometheus.MustNewConstMetric(c.kernelLostDesc, prometheus.CounterValue, float64(s.Lost))
}

// collectDispatchStats gathers the dispatcher counters.
func (c *TraceStatsCollector) collectDispatchStats(ch chan<- prometheus.Metric, s attribution.DispatchStats) {
	for event, n := range s.Events {
		ch <- prometheus.MustNewConstMetric(
			c.dispatchEventsDesc,
			prometheus.CounterValue,
			float64(n),
			event,
		)
	}
	ch <- prometheus.MustNewConstMetric(c.dispatchUnknownDesc, prometheus.CounterValue, float64(s.Unknown))

	for reason, n := range map[string]uint64{
		"missing_field":    s.MissingField,
		"context_mismatch": s.ContextMismatch,
		"ignored":          s.Ignored,
	} {
		ch <- prometheus.MustNewConstMetric(
			c.dispatchRejectedDesc,
			prometheus.CounterValue,
			float64(n),
			reason,
		)
	}
	ch <- prometheus.MustNewConstMetric(c.suppressedLogsDesc, prometheus.CounterValue, float64(s.SuppressedLogs))
}

// collectSubscription reports the resolved event set. Nothing is reported
// before the first window starts.
func (c *TraceStatsCollector) collectSubscription(ch chan<- prometheus.Metric, sub *trace.Subscription) {
	if sub == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.subscribedEventsDesc, prometheus.GaugeValue, float64(len(sub.Events)))
	for _, g := range sub.FellBack {
		ch <- prometheus.MustNewConstMetric(c.groupStatusDesc, prometheus.GaugeValue, 1, g, "fallback")
	}
	for _, g := range sub.Missing {
		ch <- prometheus.MustNewConstMetric(c.groupStatusDesc, prometheus.GaugeValue, 1, g, "missing")
	}
}
