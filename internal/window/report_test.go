package window

import (
	"bytes"
	"strings"
	"testing"

	"github.com/phuslu/log"

	"wakeup_exporter/internal/aggregate"
	"wakeup_exporter/internal/consumer"
	"wakeup_exporter/internal/power"
)

func TestLogReporter(t *testing.T) {
	reg, err := consumer.NewRegistry(consumer.Options{})
	if err != nil {
		t.Fatal(err)
	}
	reg.FindOrCreateProcess("sshd", 900).WakeUps = 7
	reg.FindOrCreateDevice("disk", "sda").DiskHits = 3
	res := aggregate.Rank(aggregate.Collect(reg), aggregate.Window{Seconds: 1, CPUs: 1}, power.Disabled{})

	var buf bytes.Buffer
	r := NewLogReporter(5, 100)
	r.log = log.Logger{Level: log.DebugLevel, Writer: &log.IOWriter{Writer: &buf}}
	r.Report(&res)
	r.Report(nil)

	out := buf.String()
	for _, want := range []string{`"Window totals"`, `"cpu-wakeups":7`, `"[PID 900] sshd"`, `"Software consumer"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output lacks %s:\n%s", want, out)
		}
	}
	if strings.Contains(out, `"watts"`) {
		t.Error("watts logged without a valid estimator")
	}
	if n := strings.Count(out, `"Software consumer"`); n != 1 {
		t.Errorf("%d software rows logged, want 1 (devices excluded)", n)
	}

	buf.Reset()
	r.log.Level = log.InfoLevel
	r.Report(&res)
	if strings.Contains(buf.String(), "Software consumer") {
		t.Error("software rows logged above debug level")
	}
}
