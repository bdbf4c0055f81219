// Package power estimates the power draw attributable to one consumer.
//
// The model is a linear utilization model:
//
//	P_dyn  = (P_max - P_idle) * U_sys^gamma
//	P_cpu  = (U_entity / U_sys) * P_dyn
//	P_evts = (wakeups*E_wake + gpu_ops*E_gpu + disk_ops*E_disk) / seconds
//
// U_sys is the busy fraction of the whole machine during the window and
// U_entity the busy fraction due to the consumer, both over all CPUs.
package power

import (
	"math"

	"wakeup_exporter/internal/config"
	"wakeup_exporter/internal/consumer"
)

// Sample describes the window an estimate is made for.
type Sample struct {
	// Seconds is the window length.
	Seconds float64
	// CPUs is the number of CPUs traced. Values below 1 count as 1.
	CPUs int
	// Utilization is the busy fraction of one CPU summed over all
	// consumers, i.e. total exclusive runtime divided by the window span.
	Utilization float64
}

// Estimator turns entity counters into watts.
type Estimator interface {
	// Valid reports whether estimates are meaningful. Reports hide the
	// watts column when they are not.
	Valid() bool
	Watts(e *consumer.Entity, s Sample) float64
}

// New returns the estimator configured by cfg.
func New(cfg config.PowerConfig) Estimator {
	if !cfg.Enabled {
		return Disabled{}
	}
	return &LinearModel{
		PIdle:        cfg.CPUIdleWatts,
		PMax:         cfg.CPUMaxWatts,
		Gamma:        cfg.Gamma,
		WakeupJoules: cfg.WakeupJoules,
		GPUOpJoules:  cfg.GPUOpJoules,
		DiskOpJoules: cfg.DiskOpJoules,
	}
}

// Disabled estimates zero for everything.
type Disabled struct{}

func (Disabled) Valid() bool                              { return false }
func (Disabled) Watts(*consumer.Entity, Sample) float64 { return 0 }

// LinearModel is the utilization based estimator.
type LinearModel struct {
	PIdle        float64
	PMax         float64
	Gamma        float64
	WakeupJoules float64
	GPUOpJoules  float64
	DiskOpJoules float64
}

func (m *LinearModel) Valid() bool { return m.PMax >= m.PIdle && m.Gamma > 0 }

func (m *LinearModel) Watts(e *consumer.Entity, s Sample) float64 {
	if s.Seconds <= 0 {
		return 0
	}
	cpus := float64(max(s.CPUs, 1))
	elapsed := s.Seconds * 1e9

	var pcpu float64
	if _, isDevice := e.AsDevice(); !isDevice {
		usys := clamp01(s.Utilization / cpus)
		uent := clamp01(float64(e.ExclusiveRuntime()) / elapsed / cpus)
		if usys > 1e-12 {
			pdyn := (m.PMax - m.PIdle) * math.Pow(usys, m.Gamma)
			pcpu = math.Min(uent/usys, 1) * pdyn
		}
	}

	joules := m.WakeupJoules*float64(e.WakeUps) +
		m.GPUOpJoules*float64(e.GPUOps) +
		m.DiskOpJoules*float64(e.DiskHits)
	return pcpu + joules/s.Seconds
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
