package trace

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"wakeup_exporter/internal/config"
)

// fakeProber exposes a fixed set of tracepoints.
type fakeProber map[EventID]bool

func (f fakeProber) Available(id EventID) bool { return f[id] }

func proberWith(ids ...EventID) fakeProber {
	p := fakeProber{}
	for _, id := range ids {
		p[id] = true
	}
	return p
}

func allEvents(groups []*EventGroup) []EventID {
	var ids []EventID
	for _, g := range groups {
		ids = append(ids, g.Events...)
	}
	return ids
}

func TestGetEnabledGroups(t *testing.T) {
	cfg := &config.TraceConfig{EnableGPU: false, EnableWriteback: true}
	var names []string
	for _, g := range GetEnabledGroups(cfg) {
		names = append(names, g.Name)
	}
	if slices.Contains(names, "gpu") {
		t.Error("gpu group should be disabled")
	}
	if !slices.Contains(names, "writeback") || !slices.Contains(names, "sched") {
		t.Errorf("unexpected groups %v", names)
	}
}

func TestResolve(t *testing.T) {
	cfg := &config.TraceConfig{EnableGPU: true, EnableWriteback: true}
	groups := GetEnabledGroups(cfg)
	cpuIdle := EventID{"power", "cpu_idle"}
	powerStart := EventID{"power", "power_start"}
	powerEnd := EventID{"power", "power_end"}

	t.Run("modern kernel", func(t *testing.T) {
		p := proberWith(allEvents(groups)...)
		delete(p, EventID{"i915", "i915_gem_ring_dispatch"})
		sub, err := Resolve(p, groups)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if !slices.Contains(sub.Events, cpuIdle) {
			t.Error("cpu_idle should be subscribed")
		}
		if !slices.Contains(sub.Events, EventID{"i915", "i915_gem_request_submit"}) {
			t.Error("partial gpu group should keep the available event")
		}
		if len(sub.FellBack) != 0 || len(sub.Missing) != 0 {
			t.Errorf("unexpected fallbacks %v / missing %v", sub.FellBack, sub.Missing)
		}
	})

	t.Run("legacy idle api", func(t *testing.T) {
		p := proberWith(allEvents(groups)...)
		delete(p, cpuIdle)
		p[powerStart] = true
		p[powerEnd] = true
		delete(p, EventID{"writeback", "writeback_inode_dirty"})
		p[EventID{"writeback", "writeback_dirty_inode"}] = true

		sub, err := Resolve(p, groups)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if slices.Contains(sub.Events, cpuIdle) {
			t.Error("cpu_idle must not be subscribed when unavailable")
		}
		if !slices.Contains(sub.Events, powerStart) || !slices.Contains(sub.Events, powerEnd) {
			t.Error("legacy power pair should be subscribed")
		}
		if !slices.Equal(sub.FellBack, []string{"idle", "writeback"}) {
			t.Errorf("FellBack = %v", sub.FellBack)
		}
	})

	t.Run("no gpu or writeback", func(t *testing.T) {
		p := proberWith(allEvents(groups)...)
		delete(p, EventID{"i915", "i915_gem_ring_dispatch"})
		delete(p, EventID{"i915", "i915_gem_request_submit"})
		delete(p, EventID{"writeback", "writeback_inode_dirty"})
		sub, err := Resolve(p, groups)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if !slices.Equal(sub.Missing, []string{"gpu", "writeback"}) {
			t.Errorf("Missing = %v", sub.Missing)
		}
	})

	t.Run("no idle events at all", func(t *testing.T) {
		p := proberWith(allEvents(groups)...)
		delete(p, cpuIdle)
		_, err := Resolve(p, groups)
		if !errors.Is(err, ErrRequiredEvents) {
			t.Fatalf("expected ErrRequiredEvents, got %v", err)
		}
	})
}

func TestParseEventID(t *testing.T) {
	id, err := ParseEventID("sched/sched_switch")
	if err != nil || id != (EventID{"sched", "sched_switch"}) {
		t.Errorf("ParseEventID = %v, %v", id, err)
	}
	for _, bad := range []string{"", "sched", "/x", "x/"} {
		if _, err := ParseEventID(bad); err == nil {
			t.Errorf("ParseEventID(%q) should fail", bad)
		}
	}
}

// fakeTracefs lays out the files a TracefsSession touches.
func fakeTracefs(t *testing.T, ids ...EventID) string {
	t.Helper()
	root := t.TempDir()
	for _, id := range ids {
		dir := filepath.Join(root, "events", id.System, id.Name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		os.WriteFile(filepath.Join(dir, "enable"), []byte("0"), 0644)
	}
	os.MkdirAll(filepath.Join(root, "per_cpu", "cpu0"), 0755)
	os.MkdirAll(filepath.Join(root, "per_cpu", "cpu1"), 0755)
	os.WriteFile(filepath.Join(root, "trace"), []byte("stale\n"), 0644)
	os.WriteFile(filepath.Join(root, "tracing_on"), []byte("0"), 0644)
	return root
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestTracefsSession(t *testing.T) {
	sw := EventID{"sched", "sched_switch"}
	idle := EventID{"power", "cpu_idle"}
	root := fakeTracefs(t, sw, idle)
	s := NewTracefsSession(root, 1024)

	if !s.Available(sw) || s.Available(EventID{"power", "power_start"}) {
		t.Fatal("Available does not reflect the events directory")
	}
	if n := s.CPUCount(); n != 2 {
		t.Errorf("CPUCount = %d, want 2", n)
	}

	if err := s.Enable([]EventID{sw, idle}); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if got := readFile(t, filepath.Join(root, "events", "sched", "sched_switch", "enable")); got != "1" {
		t.Errorf("enable file = %q", got)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := readFile(t, filepath.Join(root, "trace")); got != "" {
		t.Errorf("trace buffer not cleared: %q", got)
	}
	if got := readFile(t, filepath.Join(root, "buffer_size_kb")); got != "1024" {
		t.Errorf("buffer_size_kb = %q", got)
	}
	if got := readFile(t, filepath.Join(root, "tracing_on")); got != "1" {
		t.Errorf("tracing_on = %q", got)
	}

	os.WriteFile(filepath.Join(root, "trace"),
		[]byte("<idle>-0 [000] d..1. 1.0: cpu_idle: state=1 cpu_id=0\n"), 0644)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	src, closer, err := s.Records()
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	defer closer.Close()
	if rec, ok := src.Next(); !ok || rec.Event() != "cpu_idle" {
		t.Errorf("expected one cpu_idle record")
	}

	if err := s.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if got := readFile(t, filepath.Join(root, "events", "power", "cpu_idle", "enable")); got != "0" {
		t.Errorf("cpu_idle not disabled: %q", got)
	}
}

func TestOpenTracefsRejectsPlainDirectory(t *testing.T) {
	_, err := OpenTracefs([]string{t.TempDir()}, 0)
	if !errors.Is(err, ErrNoTracefs) {
		t.Fatalf("expected ErrNoTracefs, got %v", err)
	}
}
