package trace

import (
	"errors"
	"fmt"
	"strings"

	"wakeup_exporter/internal/config"
)

// EventID names a tracepoint as <system>/<event>.
type EventID struct {
	System string
	Name   string
}

func (id EventID) String() string { return id.System + "/" + id.Name }

// ParseEventID parses "system/event".
func ParseEventID(s string) (EventID, error) {
	sys, name, ok := strings.Cut(s, "/")
	if !ok || sys == "" || name == "" {
		return EventID{}, fmt.Errorf("invalid event id %q, want system/event", s)
	}
	return EventID{System: sys, Name: name}, nil
}

// Prober reports whether the running kernel exposes a tracepoint.
type Prober interface {
	Available(id EventID) bool
}

// EventGroup is a set of tracepoints enabled together.
type EventGroup struct {
	Name string
	// Events are subscribed when all of them are available.
	Events []EventID
	// Fallback replaces Events when any of them is missing.
	Fallback []EventID
	// Partial groups subscribe whatever subset exists and may end up empty.
	Partial bool
	// Required groups fail resolution when neither set is available.
	Required bool
	// IsEnabled decides from config whether the group is wanted at all.
	IsEnabled func(cfg *config.TraceConfig) bool
}

func always(*config.TraceConfig) bool { return true }

// AllEventGroups lists every tracepoint the attribution handlers consume.
var AllEventGroups = []*EventGroup{
	{
		Name:      "sched",
		Events:    []EventID{{"sched", "sched_switch"}, {"sched", "sched_wakeup"}},
		Required:  true,
		IsEnabled: always,
	},
	{
		Name: "irq",
		Events: []EventID{
			{"irq", "irq_handler_entry"}, {"irq", "irq_handler_exit"},
			{"irq", "softirq_entry"}, {"irq", "softirq_exit"},
		},
		Partial:   true,
		IsEnabled: always,
	},
	{
		Name: "timer",
		Events: []EventID{
			{"timer", "timer_expire_entry"}, {"timer", "timer_expire_exit"},
			{"timer", "hrtimer_expire_entry"}, {"timer", "hrtimer_expire_exit"},
		},
		Partial:   true,
		IsEnabled: always,
	},
	{
		// Kernels without cpu_idle still carry the legacy power_start/power_end pair.
		Name:      "idle",
		Events:    []EventID{{"power", "cpu_idle"}},
		Fallback:  []EventID{{"power", "power_start"}, {"power", "power_end"}},
		Required:  true,
		IsEnabled: always,
	},
	{
		Name:      "workqueue",
		Events:    []EventID{{"workqueue", "workqueue_execute_start"}, {"workqueue", "workqueue_execute_end"}},
		Partial:   true,
		IsEnabled: always,
	},
	{
		// A kernel has only one of these two.
		Name:    "gpu",
		Events:  []EventID{{"i915", "i915_gem_ring_dispatch"}, {"i915", "i915_gem_request_submit"}},
		Partial: true,
		IsEnabled: func(cfg *config.TraceConfig) bool {
			return cfg.EnableGPU
		},
	},
	{
		Name:     "writeback",
		Events:   []EventID{{"writeback", "writeback_inode_dirty"}},
		Fallback: []EventID{{"writeback", "writeback_dirty_inode"}},
		IsEnabled: func(cfg *config.TraceConfig) bool {
			return cfg.EnableWriteback
		},
	},
}

// ErrRequiredEvents is returned when a required group cannot be subscribed.
var ErrRequiredEvents = errors.New("required trace events unavailable")

// Subscription is the outcome of resolving the event groups.
type Subscription struct {
	Events []EventID
	// FellBack lists the groups that use their fallback set.
	FellBack []string
	// Missing lists the groups that contributed nothing.
	Missing []string
}

// GetEnabledGroups returns the groups wanted by cfg.
func GetEnabledGroups(cfg *config.TraceConfig) []*EventGroup {
	var enabled []*EventGroup
	for _, g := range AllEventGroups {
		if g.IsEnabled(cfg) {
			enabled = append(enabled, g)
		}
	}
	return enabled
}

// Resolve picks, for each group, the event set the kernel can deliver.
func Resolve(p Prober, groups []*EventGroup) (*Subscription, error) {
	sub := &Subscription{}
	for _, g := range groups {
		var available []EventID
		for _, id := range g.Events {
			if p.Available(id) {
				available = append(available, id)
			}
		}

		switch {
		case len(available) == len(g.Events):
			sub.Events = append(sub.Events, g.Events...)
			continue
		case len(g.Fallback) > 0 && allAvailable(p, g.Fallback):
			sub.Events = append(sub.Events, g.Fallback...)
			sub.FellBack = append(sub.FellBack, g.Name)
			continue
		case g.Partial && len(available) > 0:
			sub.Events = append(sub.Events, available...)
			continue
		}

		if g.Required {
			return nil, fmt.Errorf("%w: group %q", ErrRequiredEvents, g.Name)
		}
		sub.Missing = append(sub.Missing, g.Name)
	}
	return sub, nil
}

func allAvailable(p Prober, ids []EventID) bool {
	for _, id := range ids {
		if !p.Available(id) {
			return false
		}
	}
	return true
}
