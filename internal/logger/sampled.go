package logger

import (
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"
)

// SampledLogger wraps a component logger for hot paths. Unkeyed methods log
// unconditionally; the Sampled* variants let through at most one entry per
// key and interval and count the rest.
type SampledLogger struct {
	log        log.Logger
	interval   time.Duration
	limiters   *xsync.Map[string, *rate.Limiter]
	suppressed atomic.Uint64
}

func newSampledLogger(l log.Logger, interval time.Duration) *SampledLogger {
	return &SampledLogger{
		log:      l,
		interval: interval,
		limiters: xsync.NewMap[string, *rate.Limiter](),
	}
}

func (l *SampledLogger) allow(key string) bool {
	lim, _ := l.limiters.LoadOrCompute(key, func() (*rate.Limiter, bool) {
		return rate.NewLimiter(rate.Every(l.interval), 1), false
	})
	if lim.Allow() {
		return true
	}
	l.suppressed.Add(1)
	return false
}

// SampledDebug returns a debug entry, or nil when key was logged too recently.
func (l *SampledLogger) SampledDebug(key string) *log.Entry {
	if !l.allow(key) {
		return nil
	}
	return l.log.Debug().Str("sample_key", key)
}

// SampledWarn returns a warn entry, or nil when key was logged too recently.
func (l *SampledLogger) SampledWarn(key string) *log.Entry {
	if !l.allow(key) {
		return nil
	}
	return l.log.Warn().Str("sample_key", key)
}

// Suppressed reports how many sampled entries were dropped so far.
func (l *SampledLogger) Suppressed() uint64 { return l.suppressed.Load() }

func (l *SampledLogger) Trace() *log.Entry { return l.log.Trace() }
func (l *SampledLogger) Debug() *log.Entry { return l.log.Debug() }
func (l *SampledLogger) Info() *log.Entry  { return l.log.Info() }
func (l *SampledLogger) Warn() *log.Entry  { return l.log.Warn() }
func (l *SampledLogger) Error() *log.Entry { return l.log.Error() }
