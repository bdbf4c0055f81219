package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // For pprof server
	"os"
	"os/signal"
	"syscall"
	"time"

	plog "github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wakeup_exporter/internal/attribution"
	"wakeup_exporter/internal/collectors/tracestats"
	"wakeup_exporter/internal/collectors/wakeup"
	"wakeup_exporter/internal/config"
	"wakeup_exporter/internal/consumer"
	"wakeup_exporter/internal/devices"
	"wakeup_exporter/internal/power"
	"wakeup_exporter/internal/trace"
	"wakeup_exporter/internal/window"
)

var buildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "wakeup_exporter_build_info",
	Help: "Exporter version and trace source; always 1.",
}, []string{"version", "source"})

// WakeupExporter encapsulates the core components of the application.
type WakeupExporter struct {
	config     *config.AppConfig
	session    window.Session
	manager    *window.Manager
	collector  *wakeup.WakeupCollector
	httpServer *http.Server
	log        plog.Logger
}

// NewWakeupExporter creates the trace session, the window manager and the
// collectors. In replay mode the session reads the configured trace file
// and no host state (procfs, kallsyms, diskstats) is consulted.
func NewWakeupExporter(cfg *config.AppConfig) (*WakeupExporter, error) {
	e := &WakeupExporter{
		config: cfg,
		log:    plog.DefaultLogger, // main app uses default logger
	}
	e.log.Info().
		Str("version", version).
		Bool("replay", e.replaying()).
		Str("listen_address", cfg.Server.ListenAddress).
		Str("metrics_path", cfg.Server.MetricsPath).
		Dur("window", cfg.Trace.Window.Duration).
		Msg("Starting wake-up exporter")

	if err := e.setupSession(); err != nil {
		return nil, err
	}
	source := "tracefs"
	if e.replaying() {
		source = "file"
	}
	buildInfo.WithLabelValues(version, source).Set(1)
	if err := e.setupManager(); err != nil {
		return nil, err
	}
	if !e.replaying() {
		e.setupHTTPServer()
	}
	return e, nil
}

func (e *WakeupExporter) replaying() bool { return e.config.Trace.ReplayFile != "" }

// setupSession opens the trace file or the tracefs mount.
func (e *WakeupExporter) setupSession() error {
	if e.replaying() {
		e.session = trace.NewFileSession(e.config.Trace.ReplayFile)
		e.log.Info().Str("file", e.config.Trace.ReplayFile).Msg("Replaying saved trace")
		return nil
	}
	sess, err := trace.OpenTracefs(e.config.Trace.TracefsPaths, e.config.Trace.BufferSizeKB)
	if err != nil {
		return fmt.Errorf("failed to open trace session: %w", err)
	}
	e.session = sess
	e.log.Info().Str("tracefs", sess.Root()).Int("cpus", sess.CPUCount()).Msg("Using tracefs")
	return nil
}

// registryOptions resolves the host lookups the registry may use.
func (e *WakeupExporter) registryOptions() consumer.Options {
	rc := e.config.Registry
	opts := consumer.Options{
		MapBackend:     rc.MapBackend,
		UseCmdline:     rc.UseCmdline,
		DeferredTimers: e.config.Blame.DeferredTimers,
	}
	if e.replaying() {
		// A saved trace may come from another boot.
		opts.UseCmdline = false
		return opts
	}

	if rc.KallsymsPath != "" {
		syms, err := consumer.LoadKallsyms(rc.KallsymsPath)
		if err != nil {
			e.log.Warn().Err(err).Msg("Kernel symbols unavailable, raw callback addresses stay unnamed")
		} else {
			opts.Symbols = syms
			e.log.Debug().Int("symbols", syms.Len()).Msg("Kernel symbols loaded")
		}
	}
	if rc.ResolveTGID || rc.UseCmdline {
		procs, err := consumer.NewProcFSInfo(rc.ProcRoot)
		if err != nil {
			e.log.Warn().Err(err).Msg("procfs unavailable, threads are not merged")
		} else {
			opts.Procs = procs
		}
	}
	return opts
}

// setupManager wires the registry, policy, estimator, device sources and
// reporters into the window manager and registers the collectors.
func (e *WakeupExporter) setupManager() error {
	reg, err := consumer.NewRegistry(e.registryOptions())
	if err != nil {
		return err
	}

	var devs []window.DeviceSource
	if e.config.Devices.DiskActivity && !e.replaying() {
		disk, err := devices.NewDiskActivity(e.config.Registry.ProcRoot, e.config.Devices.SysRoot)
		if err != nil {
			e.log.Warn().Err(err).Msg("Disk activity source disabled")
		} else {
			devs = append(devs, disk)
		}
	}

	e.collector = wakeup.NewWakeupCollector(e.config.Report.TopN)
	reporters := []window.Reporter{e.collector}
	if e.config.Report.LogSummary || e.replaying() {
		reporters = append(reporters, window.NewLogReporter(e.config.Report.TopN, e.config.Report.MaxRows))
	}

	e.manager = window.NewManager(window.Options{
		Session:   e.session,
		Groups:    trace.GetEnabledGroups(&e.config.Trace),
		Registry:  reg,
		Policy:    attribution.NewPolicy(e.config.Blame),
		Estimator: power.New(e.config.Power),
		Devices:   devs,
		Reporters: reporters,
	})

	prometheus.MustRegister(e.collector)
	prometheus.MustRegister(tracestats.NewTraceStatsCollector(e.manager))
	e.log.Debug().Int("device_sources", len(devs)).Int("reporters", len(reporters)).Msg("Window manager created")
	return nil
}

// setupHTTPServer configures the HTTP server for metrics.
func (e *WakeupExporter) setupHTTPServer() {
	e.log.Debug().Str("metrics_path", e.config.Server.MetricsPath).Msg("Setting up HTTP handlers")
	mux := http.NewServeMux()
	mux.Handle(e.config.Server.MetricsPath, promhttp.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>
            <head><title>Wake-up Exporter</title></head>
            <body>
            <h1>Wake-up Exporter v` + version + ` </h1>
            <p><a href="` + e.config.Server.MetricsPath + `">Metrics</a></p>
            </body>
            </html>`))
	})

	e.httpServer = &http.Server{
		Addr:    e.config.Server.ListenAddress,
		Handler: mux,
	}
}

// Replay processes the trace file as one window and reports it.
func (e *WakeupExporter) Replay() error {
	if err := e.manager.Start(); err != nil {
		return fmt.Errorf("failed to start window: %w", err)
	}
	res, err := e.manager.Process()
	if err != nil {
		return fmt.Errorf("failed to process trace file: %w", err)
	}
	if res == nil {
		return errors.New("trace file produced no window")
	}
	e.manager.End()

	stats := e.manager.DecoderStats()
	e.log.Info().
		Uint64("lines", stats.Lines).
		Uint64("records", stats.Records).
		Uint64("skipped", stats.Skipped).
		Uint64("lost", stats.Lost).
		Msg("Trace file replayed")
	return e.manager.Clear()
}

// Run starts all services and waits for a shutdown signal.
func (e *WakeupExporter) Run() error {
	if e.replaying() {
		return e.Replay()
	}

	// Create a context that we can stop to trigger a graceful shutdown.
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Listen for OS signals in a separate goroutine.
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		e.log.Info().Msg("! Received OS shutdown signal, shutting down gracefully...")
		stop()
	}()

	if e.config.Server.PprofEnabled {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Interface("panic", r).Msg("Panic recovered in pprof server, initiating shutdown")
					stop()
				}
			}()
			e.log.Info().Msg("Starting pprof HTTP server on localhost:6060")
			// pprof registers its handlers on http.DefaultServeMux
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				e.log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	windowDone := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error().Interface("panic", r).Msg("Panic recovered in window loop, initiating shutdown")
				windowDone <- fmt.Errorf("window loop panicked: %v", r)
				stop()
			}
		}()
		err := e.manager.Run(ctx, e.config.Trace.Window.Duration)
		if err != nil {
			e.log.Error().Err(err).Msg("Measurement loop failed")
			stop()
		}
		windowDone <- err
	}()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error().Interface("panic", r).Msg("Panic recovered in HTTP server, initiating shutdown")
				stop()
			}
		}()
		e.log.Info().Str("address", e.config.Server.ListenAddress).Msg("Starting HTTP server")
		if err := e.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.log.Error().Err(err).Msg("Failed to start HTTP server")
			stop() // Trigger shutdown on server error
		}
	}()

	e.log.Info().Msg("Wake-up exporter is ready and measuring...")

	// Block until a shutdown is triggered (from OS signal, panic, or other error).
	<-ctx.Done()
	e.log.Info().Msg("! Shutdown initiated...")

	// --- Graceful shutdown sequence ---

	httpCtx, cancelhttp := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelhttp()

	if err := e.httpServer.Shutdown(httpCtx); err != nil {
		e.log.Error().Err(err).Msg("Error shutting down HTTP server")
	} else {
		e.log.Debug().Msg("HTTP server shut down cleanly")
	}

	// The window loop disables the trace events on its way out.
	runErr := <-windowDone
	e.log.Info().Uint64("windows", e.manager.Windows()).Msg("Wake-up exporter stopped gracefully")
	return runErr
}
