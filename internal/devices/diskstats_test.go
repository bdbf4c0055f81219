package devices

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"wakeup_exporter/internal/consumer"
)

// diskstats line layout: major minor name reads merged sectors ms writes
// merged sectors ms inflight io_ms weighted_ms.
const (
	statsBefore = `   8       0 sda 100 0 800 50 200 0 1600 70 0 1000 120
   8       1 sda1 90 0 700 40 190 0 1500 60 0 900 100
   8      16 sdb 10 0 80 5 20 0 160 7 0 100 12
   7       0 loop0 5 0 10 1 0 0 0 0 0 1 1
`
	statsAfter = `   8       0 sda 130 0 1040 65 220 0 1760 77 0 1500 150
   8       1 sda1 120 0 940 55 210 0 1660 67 0 1400 130
   8      16 sdb 10 0 80 5 20 0 160 7 0 100 12
   7       0 loop0 500 0 1000 10 0 0 0 0 0 100 10
`
)

type fakeRoots struct {
	proc, sys string
}

func newFakeRoots(t *testing.T) fakeRoots {
	t.Helper()
	dir := t.TempDir()
	r := fakeRoots{proc: filepath.Join(dir, "proc"), sys: filepath.Join(dir, "sys")}
	for _, d := range []string{r.proc, filepath.Join(r.sys, "block", "sda"), filepath.Join(r.sys, "block", "sdb"), filepath.Join(r.sys, "block", "loop0")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func (r fakeRoots) writeStats(t *testing.T, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(r.proc, "diskstats"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDiskActivity(t *testing.T) {
	roots := newFakeRoots(t)
	roots.writeStats(t, statsBefore)

	d, err := NewDiskActivity(roots.proc, roots.sys)
	if err != nil {
		t.Fatalf("NewDiskActivity: %v", err)
	}
	reg, err := consumer.NewRegistry(consumer.Options{})
	if err != nil {
		t.Fatal(err)
	}

	if n, err := d.Contribute(reg, 1); err != nil || n != 0 {
		t.Fatalf("Contribute before Begin = %d, %v", n, err)
	}
	if err := d.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	roots.writeStats(t, statsAfter)

	n, err := d.Contribute(reg, 2)
	if err != nil {
		t.Fatalf("Contribute: %v", err)
	}
	if n != 1 {
		t.Fatalf("Contribute = %d devices, want 1 (sda only)", n)
	}

	devs := reg.ByKind(consumer.KindDevice)
	if len(devs) != 1 {
		t.Fatalf("registry holds %d devices", len(devs))
	}
	e := devs[0]
	dev, _ := e.AsDevice()
	if dev.Name != "sda" || dev.Class != DiskClass {
		t.Errorf("device = %s/%s", dev.Class, dev.Name)
	}
	if e.DiskHits != 50 {
		t.Errorf("DiskHits = %d, want 50", e.DiskHits)
	}
	// 500 ms busy over 2 s.
	if math.Abs(dev.Utilization-25) > 1e-9 {
		t.Errorf("Utilization = %g, want 25", dev.Utilization)
	}
	if usage, unit := e.Usage(2); usage != dev.Utilization || unit != "%" {
		t.Errorf("Usage = %g %s", usage, unit)
	}
}

func TestNewDiskActivityMissingRoot(t *testing.T) {
	if _, err := NewDiskActivity(filepath.Join(t.TempDir(), "nope"), "/sys"); err == nil {
		t.Error("expected an error for a missing proc root")
	}
}

func TestDelta(t *testing.T) {
	if delta(5, 10) != 0 || delta(10, 5) != 5 {
		t.Error("delta must clamp counter resets to zero")
	}
}
