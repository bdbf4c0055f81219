// Package window drives the measurement window lifecycle: subscribe and
// start tracing, replay the captured records through the attribution
// handlers, aggregate, report, and release the window state.
//
//	Idle --Start--> Measuring --Process--> Processed --End/Clear--> Idle
package window

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"

	"wakeup_exporter/internal/aggregate"
	"wakeup_exporter/internal/attribution"
	"wakeup_exporter/internal/consumer"
	"wakeup_exporter/internal/logger"
	"wakeup_exporter/internal/power"
	"wakeup_exporter/internal/trace"
)

// State is a lifecycle state.
type State int

const (
	Idle State = iota
	Measuring
	Processed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Measuring:
		return "measuring"
	case Processed:
		return "processed"
	default:
		return "unknown"
	}
}

// ErrWindowBusy is returned by Start while a processed window has not been
// ended.
var ErrWindowBusy = errors.New("previous window has not been ended")

// Session is the trace facility a window records from.
type Session interface {
	trace.Prober
	Enable(ids []trace.EventID) error
	Disable() error
	Start() error
	Stop() error
	Records() (trace.Source, io.Closer, error)
	CPUCount() int
}

// DeviceSource adds Device entities to a processed window.
type DeviceSource interface {
	Begin() error
	Contribute(reg *consumer.Registry, seconds float64) (int, error)
}

// Reporter receives the result of every ended window.
type Reporter interface {
	Report(res *aggregate.Result)
}

// Options wires a Manager.
type Options struct {
	Session   Session
	Groups    []*trace.EventGroup
	Registry  *consumer.Registry
	Policy    *attribution.Policy
	Estimator power.Estimator
	Devices   []DeviceSource
	Reporters []Reporter
}

// Manager owns one measurement window at a time. Its methods are safe for
// concurrent use but the window itself is processed on the calling
// goroutine.
type Manager struct {
	mu    sync.Mutex
	state State

	sess   Session
	groups []*trace.EventGroup
	sub    *trace.Subscription

	ws        *attribution.WindowState
	disp      *attribution.Dispatcher
	estimator power.Estimator
	devices   []DeviceSource
	reporters []Reporter
	result    *aggregate.Result

	windows atomic.Uint64
	decoded decoderTotals

	log log.Logger
}

// decoderTotals accumulates the text decoder counters across windows.
type decoderTotals struct {
	mu    sync.Mutex
	stats trace.TextStats
}

func (d *decoderTotals) add(s trace.TextStats) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Lines += s.Lines
	d.stats.Records += s.Records
	d.stats.Skipped += s.Skipped
	d.stats.Lost += s.Lost
}

func (d *decoderTotals) snapshot() trace.TextStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// NewManager returns an idle manager.
func NewManager(opts Options) *Manager {
	est := opts.Estimator
	if est == nil {
		est = power.Disabled{}
	}
	return &Manager{
		sess:      opts.Session,
		groups:    opts.Groups,
		ws:        attribution.NewWindowState(opts.Registry, opts.Policy),
		disp:      attribution.NewDispatcher(),
		estimator: est,
		devices:   opts.Devices,
		reporters: opts.Reporters,
		log:       logger.NewLoggerWithContext("window"),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Dispatcher returns the dispatcher, whose counters outlive windows.
func (m *Manager) Dispatcher() *attribution.Dispatcher { return m.disp }

// Windows returns how many windows were processed.
func (m *Manager) Windows() uint64 { return m.windows.Load() }

// DecoderStats returns the text decoder counters summed over all windows.
func (m *Manager) DecoderStats() trace.TextStats { return m.decoded.snapshot() }

// Subscription returns the resolved event set, or nil before the first
// Start.
func (m *Manager) Subscription() *trace.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sub
}

// Result returns the result of the processed window, or nil.
func (m *Manager) Result() *aggregate.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result
}

// Start begins a window. The event subscription is resolved and enabled
// only once; later windows reuse it. Starting a window that is already
// measuring does nothing.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Measuring:
		return nil
	case Processed:
		return ErrWindowBusy
	}

	if m.sub == nil {
		sub, err := trace.Resolve(m.sess, m.groups)
		if err != nil {
			return fmt.Errorf("failed to resolve trace events: %w", err)
		}
		if err := m.sess.Enable(sub.Events); err != nil {
			return fmt.Errorf("failed to enable trace events: %w", err)
		}
		m.sub = sub
		m.log.Info().Int("events", len(sub.Events)).
			Strs("fell_back", sub.FellBack).
			Strs("missing", sub.Missing).
			Msg("Trace events subscribed")
	}

	m.ws.Reset(m.sess.CPUCount())
	for _, d := range m.devices {
		if err := d.Begin(); err != nil {
			m.log.Warn().Err(err).Msg("Device source failed to start")
		}
	}
	if err := m.sess.Start(); err != nil {
		return fmt.Errorf("failed to start tracing: %w", err)
	}
	m.state = Measuring
	m.log.Debug().Msg("Measurement window started")
	return nil
}

// Process stops recording and replays the captured records. It does nothing
// unless a window is measuring.
func (m *Manager) Process() (*aggregate.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sub == nil || m.state != Measuring {
		return nil, nil
	}
	if err := m.sess.Stop(); err != nil {
		m.log.Warn().Err(err).Msg("Failed to stop tracing")
	}

	// 1. Fresh per-CPU state sized to the machine.
	m.ws.Reset(m.sess.CPUCount())

	// 2. Replay.
	src, closer, err := m.sess.Records()
	if err != nil {
		return nil, fmt.Errorf("failed to open trace records: %w", err)
	}
	n, err := m.disp.Replay(m.ws, src)
	closer.Close()
	if ts, ok := src.(interface{ Stats() trace.TextStats }); ok {
		m.decoded.add(ts.Stats())
	}
	if err != nil {
		// Whatever was replayed before the failure still counts.
		m.log.Warn().Err(err).Int("records", n).Msg("Trace replay stopped early")
	}

	// 3. Fold threads into their leaders and add devices.
	reg := m.ws.Registry
	merged := reg.MergeThreads()
	seconds := m.ws.Seconds()
	for _, d := range m.devices {
		if _, err := d.Contribute(reg, seconds); err != nil {
			m.log.Warn().Err(err).Msg("Device source failed")
		}
	}

	// 4. Rank.
	res := aggregate.Rank(aggregate.Collect(reg), aggregate.Window{
		Seconds: seconds,
		CPUs:    max(m.ws.CPUs(), 1),
	}, m.estimator)
	m.result = &res
	m.state = Processed
	m.windows.Add(1)

	m.disp.LogHandlerCounts()
	m.log.Debug().Int("records", n).
		Int("entities", reg.Len()).
		Int("merged", merged).
		Float64("seconds", seconds).
		Msg("Measurement window processed")
	return m.result, nil
}

// End hands the processed window to the reporters and releases it.
func (m *Manager) End() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Processed {
		return
	}
	for _, r := range m.reporters {
		r.Report(m.result)
	}
	m.release()
}

// Clear abandons any window and tears the subscription down. The next
// Start resolves events again.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.state == Measuring {
		errs = append(errs, m.sess.Stop())
	}
	if m.sub != nil {
		errs = append(errs, m.sess.Disable())
		m.sub = nil
	}
	m.release()
	return errors.Join(errs...)
}

func (m *Manager) release() {
	m.ws.Reset(0)
	m.result = nil
	m.state = Idle
}

// Run measures back to back windows of length every until ctx is done, then
// tears the subscription down.
func (m *Manager) Run(ctx context.Context, every time.Duration) error {
	defer func() {
		if err := m.Clear(); err != nil {
			m.log.Warn().Err(err).Msg("Failed to tear down trace session")
		}
	}()

	timer := time.NewTimer(every)
	defer timer.Stop()
	for {
		if err := m.Start(); err != nil {
			return err
		}
		timer.Reset(every)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		if _, err := m.Process(); err != nil {
			m.log.Error().Err(err).Msg("Failed to process measurement window")
			if err := m.Clear(); err != nil {
				m.log.Warn().Err(err).Msg("Failed to reset trace session")
			}
			continue
		}
		m.End()
	}
}
