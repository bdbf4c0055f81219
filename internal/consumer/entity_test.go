package consumer

import (
	"math"
	"strings"
	"testing"
)

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	r, err := NewRegistry(opts)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindProcess, "Process"},
		{KindInterrupt, "Interrupt"},
		{KindTimer, "Timer"},
		{KindWork, "kWork"},
		{KindDevice, "Device"},
		{Kind(0), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestExclusiveRuntimeNeverNegative(t *testing.T) {
	tests := []struct {
		name        string
		accumulated uint64
		child       uint64
		want        uint64
		wantChild   uint64
	}{
		{"no children", 100, 0, 100, 0},
		{"nested work", 100, 40, 60, 40},
		{"equal", 100, 100, 0, 100},
		{"inflated child is reset", 100, 150, 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Counters{AccumulatedRuntime: tt.accumulated, ChildRuntime: tt.child}
			if got := c.ExclusiveRuntime(); got != tt.want {
				t.Errorf("ExclusiveRuntime() = %d, want %d", got, tt.want)
			}
			if c.ChildRuntime != tt.wantChild {
				t.Errorf("ChildRuntime after reconcile = %d, want %d", c.ChildRuntime, tt.wantChild)
			}
		})
	}
}

func TestProcessScheduling(t *testing.T) {
	r := newTestRegistry(t, Options{})
	e := r.FindOrCreateProcess("bash", 42)

	e.Deschedule(500)
	if e.AccumulatedRuntime != 0 {
		t.Fatalf("Deschedule of a process that never ran accumulated %d", e.AccumulatedRuntime)
	}

	e.Schedule(1000)
	p, _ := e.AsProcess()
	if !p.Running {
		t.Fatal("Schedule did not mark the process running")
	}
	e.Deschedule(1750)
	if p.Running || e.AccumulatedRuntime != 750 {
		t.Errorf("after Deschedule running=%v runtime=%d, want false/750", p.Running, e.AccumulatedRuntime)
	}
}

func TestInterruptTiming(t *testing.T) {
	r := newTestRegistry(t, Options{})
	e := r.FindOrCreateInterrupt("eth0", 27, 0, false)
	e.StartInterrupt(100)
	if d := e.EndInterrupt(130); d != 30 {
		t.Errorf("EndInterrupt = %d, want 30", d)
	}
	if d := e.EndInterrupt(200); d != 0 {
		t.Errorf("second EndInterrupt = %d, want 0", d)
	}
	if e.AccumulatedRuntime != 30 {
		t.Errorf("AccumulatedRuntime = %d, want 30", e.AccumulatedRuntime)
	}
}

func TestCallbackFireDone(t *testing.T) {
	r := newTestRegistry(t, Options{})
	e := r.FindOrCreateTimer(0, "tick_sched_timer")

	e.Fire(10, 0xa)
	e.Fire(15, 0xb)
	if d, ok := e.Done(25, 0xa); !ok || d != 15 {
		t.Errorf("Done(0xa) = %d, %v", d, ok)
	}
	if _, ok := e.Done(30, 0xa); ok {
		t.Error("Done on an instance already completed must report a missing fire")
	}
	if d, ok := e.Done(40, 0xb); !ok || d != 25 {
		t.Errorf("Done(0xb) = %d, %v", d, ok)
	}
	if e.AccumulatedRuntime != 40 {
		t.Errorf("AccumulatedRuntime = %d, want 40", e.AccumulatedRuntime)
	}

	// Fire and Done are meaningless for other kinds.
	p := r.FindOrCreateProcess("bash", 1)
	p.Fire(1, 1)
	if _, ok := p.Done(2, 1); ok {
		t.Error("Done on a process must fail")
	}
}

func TestUsageAndEvents(t *testing.T) {
	r := newTestRegistry(t, Options{})
	e := r.FindOrCreateProcess("bash", 42)
	e.AccumulatedRuntime = 30_000_000
	e.ChildRuntime = 10_000_000
	e.WakeUps = 15
	e.GPUOps = 5

	usage, unit := e.Usage(10)
	if unit != "ms/s" || math.Abs(usage-2) > 1e-9 {
		t.Errorf("Usage = %v %s, want 2 ms/s", usage, unit)
	}
	if ev := e.Events(10); math.Abs(ev-2) > 1e-9 {
		t.Errorf("Events = %v, want 2", ev)
	}
	if ev := e.Events(0); ev != 0 {
		t.Errorf("Events over an empty window = %v", ev)
	}

	d := r.FindOrCreateDevice("disk", "sda")
	dev, _ := d.AsDevice()
	dev.Utilization = 12.5
	if usage, unit := d.Usage(10); unit != "%" || usage != 12.5 {
		t.Errorf("device Usage = %v %s", usage, unit)
	}
}

func TestDescription(t *testing.T) {
	r := newTestRegistry(t, Options{})
	tests := []struct {
		entity *Entity
		want   string
	}{
		{r.FindOrCreateProcess("bash", 42), "[PID 42] bash"},
		{r.FindOrCreateInterrupt("eth0", 27, 0, false), "[27] eth0"},
		{r.FindOrCreateInterrupt("net_rx", 3, 0, true), "[3] net_rx"},
		{r.FindOrCreateTimer(0, "tick_sched_timer"), "tick_sched_timer"},
		{r.FindOrCreateWork(0, "vmstat_update"), "vmstat_update"},
		{r.FindOrCreateDevice("disk", "nvme0n1"), "nvme0n1"},
	}
	for _, tt := range tests {
		if got := tt.entity.Description(); got != tt.want {
			t.Errorf("%s Description() = %q, want %q", tt.entity.Kind(), got, tt.want)
		}
	}
}

func TestKallsyms(t *testing.T) {
	table := `0000000000000000 A fixed_percpu_data
ffffffff81000000 T _stext
ffffffff810a1000 t process_timeout
ffffffff810a1200 T delayed_work_timer_fn
ffffffff810a1300 D some_data
ffffffffc0200000 t e1000_intr	[e1000e]
`
	k, err := ParseKallsyms(strings.NewReader(table))
	if err != nil {
		t.Fatalf("ParseKallsyms: %v", err)
	}
	if k.Len() != 4 {
		t.Errorf("Len = %d, want 4", k.Len())
	}
	tests := []struct {
		addr   uint64
		want   string
		wantOK bool
	}{
		{0xffffffff810a1000, "process_timeout", true},
		{0xffffffff810a1010, "process_timeout", true},
		{0xffffffff810a1200, "delayed_work_timer_fn", true},
		{0xffffffff810a1300, "delayed_work_timer_fn", true},
		{0xffffffffc0200040, "e1000_intr", true},
		{0x1000, "", false},
	}
	for _, tt := range tests {
		got, ok := k.Lookup(tt.addr)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Lookup(%#x) = %q, %v; want %q, %v", tt.addr, got, ok, tt.want, tt.wantOK)
		}
	}
}
