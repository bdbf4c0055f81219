package attribution

import (
	"strings"

	"wakeup_exporter/internal/config"
)

type nameSet map[string]struct{}

func newNameSet(names []string) nameSet {
	s := make(nameSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s nameSet) has(name string) bool {
	_, ok := s[name]
	return ok
}

// Policy holds the name-based exceptions the handlers consult.
type Policy struct {
	dontBlame         nameSet
	graphicsServers   nameSet
	helperPrefixes    []string
	ignoredWakeTimers nameSet
	unblamedTimers    nameSet
	housekeepingWork  nameSet
}

// NewPolicy builds a Policy from the [blame] configuration section.
func NewPolicy(cfg config.BlameConfig) *Policy {
	return &Policy{
		dontBlame:         newNameSet(cfg.DontBlame),
		graphicsServers:   newNameSet(cfg.GraphicsServers),
		helperPrefixes:    append([]string(nil), cfg.HelperPrefixes...),
		ignoredWakeTimers: newNameSet(cfg.IgnoredWakeTimers),
		unblamedTimers:    newNameSet(cfg.UnblamedTimers),
		housekeepingWork:  newNameSet(cfg.HousekeepingWork),
	}
}

// DefaultPolicy returns the policy of the default configuration.
func DefaultPolicy() *Policy {
	return NewPolicy(config.DefaultConfig().Blame)
}

// DontBlame reports whether a process never becomes the recorded waker.
func (p *Policy) DontBlame(comm string) bool { return p.dontBlame.has(comm) }

// IsGraphicsServer reports whether comm is the display server.
func (p *Policy) IsGraphicsServer(comm string) bool { return p.graphicsServers.has(comm) }

// IsHelperThread reports whether comm is a kernel helper thread that never
// takes blame when switched in.
func (p *Policy) IsHelperThread(comm string) bool {
	for _, prefix := range p.helperPrefixes {
		if strings.HasPrefix(comm, prefix) {
			return true
		}
	}
	return false
}

// IgnoredWakeTimer reports whether a timer handler is not credited for the
// wake-ups it performs from interrupt context.
func (p *Policy) IgnoredWakeTimer(handler string) bool { return p.ignoredWakeTimers.has(handler) }

// UnblamedTimer reports whether a timer handler never raises timer blame.
func (p *Policy) UnblamedTimer(handler string) bool { return p.unblamedTimers.has(handler) }

// Housekeeping reports whether a work function never raises work blame.
func (p *Policy) Housekeeping(handler string) bool { return p.housekeepingWork.has(handler) }
