// Package devices feeds hardware activity into the registry as Device
// entities.
package devices

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/phuslu/log"
	"github.com/prometheus/procfs/blockdevice"

	"wakeup_exporter/internal/consumer"
	"wakeup_exporter/internal/logger"
)

// DiskClass is the Device class of block devices.
const DiskClass = "disk"

// virtualPrefixes name block devices that never spin anything up.
var virtualPrefixes = []string{"loop", "ram", "zram", "nbd", "sr"}

// DiskActivity reports per-disk I/O between Begin and Contribute.
type DiskActivity struct {
	fs      blockdevice.FS
	sysRoot string
	prev    map[string]blockdevice.IOStats
	log     log.Logger
}

// NewDiskActivity reads diskstats below procRoot. Whole disks are told apart
// from partitions through sysRoot/block.
func NewDiskActivity(procRoot, sysRoot string) (*DiskActivity, error) {
	fs, err := blockdevice.NewFS(procRoot, sysRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open block device stats: %w", err)
	}
	return &DiskActivity{
		fs:      fs,
		sysRoot: sysRoot,
		log:     logger.NewLoggerWithContext("devices"),
	}, nil
}

func (d *DiskActivity) wholeDisk(name string) bool {
	for _, p := range virtualPrefixes {
		if strings.HasPrefix(name, p) {
			return false
		}
	}
	_, err := os.Stat(filepath.Join(d.sysRoot, "block", name))
	return err == nil
}

func (d *DiskActivity) snapshot() (map[string]blockdevice.IOStats, error) {
	stats, err := d.fs.ProcDiskstats()
	if err != nil {
		return nil, fmt.Errorf("failed to read diskstats: %w", err)
	}
	out := make(map[string]blockdevice.IOStats, len(stats))
	for _, s := range stats {
		if d.wholeDisk(s.DeviceName) {
			out[s.DeviceName] = s.IOStats
		}
	}
	return out, nil
}

// Begin records the counters at window start.
func (d *DiskActivity) Begin() error {
	snap, err := d.snapshot()
	if err != nil {
		return err
	}
	d.prev = snap
	return nil
}

// Contribute creates a Device entity for every disk that did I/O since
// Begin. Utilization is the percentage of seconds the disk was busy and
// DiskHits the number of completed requests. It returns the number of
// devices contributed.
func (d *DiskActivity) Contribute(reg *consumer.Registry, seconds float64) (int, error) {
	if d.prev == nil {
		return 0, nil
	}
	cur, err := d.snapshot()
	if err != nil {
		return 0, err
	}
	n := 0
	for name, now := range cur {
		before, ok := d.prev[name]
		if !ok {
			continue
		}
		ios := delta(now.ReadIOs, before.ReadIOs) + delta(now.WriteIOs, before.WriteIOs)
		busyMs := delta(now.IOsTotalTicks, before.IOsTotalTicks)
		if ios == 0 && busyMs == 0 {
			continue
		}

		e := reg.FindOrCreateDevice(DiskClass, name)
		dev, _ := e.AsDevice()
		if seconds > 0 {
			dev.Utilization = min(100, float64(busyMs)/(seconds*1000)*100)
		}
		e.DiskHits += ios
		n++
	}
	d.prev = cur
	d.log.Debug().Int("devices", n).Msg("Disk activity contributed")
	return n, nil
}

// delta tolerates counter resets.
func delta(now, before uint64) uint64 {
	if now < before {
		return 0
	}
	return now - before
}
