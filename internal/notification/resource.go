package notification

import "github.com/floworc/floworc/internal/events"

// Thresholds configure the resource pressure monitors. Memory, CPU, and disk
// are percentages in [0,100]; Connections is a utilisation ratio in [0,1].
// Zero fields take the defaults below.
type Thresholds struct {
	MemoryPercent    float64
	CPUPercent       float64
	DiskPercent      float64
	ConnectionsRatio float64
}

const (
	DefaultMemoryPercent    = 90.0
	DefaultCPUPercent       = 90.0
	DefaultDiskPercent      = 90.0
	DefaultConnectionsRatio = 0.9
)

func (t Thresholds) withDefaults() Thresholds {
	if t.MemoryPercent <= 0 {
		t.MemoryPercent = DefaultMemoryPercent
	}
	if t.CPUPercent <= 0 {
		t.CPUPercent = DefaultCPUPercent
	}
	if t.DiskPercent <= 0 {
		t.DiskPercent = DefaultDiskPercent
	}
	if t.ConnectionsRatio <= 0 {
		t.ConnectionsRatio = DefaultConnectionsRatio
	}
	return t
}

// CheckMemory evaluates a memory usage sample (percent) against the
// threshold and submits a ResourcePressure cause when exceeded, subject to
// the per-kind cooldown.
func (s *Service) CheckMemory(usedPercent float64) {
	s.checkResource(events.ResourceMemory, usedPercent, s.cfg.Thresholds.MemoryPercent, "%")
}

// CheckCPU evaluates a CPU usage sample (percent).
func (s *Service) CheckCPU(usedPercent float64) {
	s.checkResource(events.ResourceCPU, usedPercent, s.cfg.Thresholds.CPUPercent, "%")
}

// CheckDisk evaluates a disk usage sample (percent).
func (s *Service) CheckDisk(usedPercent float64) {
	s.checkResource(events.ResourceDisk, usedPercent, s.cfg.Thresholds.DiskPercent, "%")
}

// CheckConnections evaluates connection pool utilisation as current/max.
// A non-positive max is ignored.
func (s *Service) CheckConnections(current, max int) {
	if max <= 0 {
		return
	}
	ratio := float64(current) / float64(max)
	s.checkResource(events.ResourceConnections, ratio, s.cfg.Thresholds.ConnectionsRatio, "")
}

func (s *Service) checkResource(kind events.ResourceKind, current, threshold float64, unit string) {
	if current <= threshold {
		return
	}
	s.Submit(events.ResourcePressure{
		Kind:      kind,
		Current:   current,
		Threshold: threshold,
		Unit:      unit,
		Time:      s.clock.Now(),
	})
}
