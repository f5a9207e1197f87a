package jobrunner

import "time"

// MemoryMonitor keeps the last two system/GPU memory samples for one
// job and decides whether it is still within its reservation, ported
// from original_source/maestro/utils/ram_monitor.py's MemoryMonitor.
type MemoryMonitor struct {
	// WindowSeconds is the linear-extrapolation horizon (T in the
	// original), used only when Dynamic is set.
	WindowSeconds float64
	Percentage    float64
	Dynamic       bool

	haveSample bool
	t1, t2     time.Time
	sysMB1     int
	sysMB2     int
	gpuMB1     int
	gpuMB2     int
}

func NewMemoryMonitor(percentage float64, dynamic bool) *MemoryMonitor {
	return &MemoryMonitor{WindowSeconds: 60, Percentage: percentage, Dynamic: dynamic}
}

// Sample records one (sysMB, gpuMB) reading against the job's current
// reservations. The first sample only sets the baseline and always
// reports healthy; after that it returns healthy=false once the
// current sample crosses reservation*Percentage (no peak or average is
// kept). When Dynamic is set, a breach is first
// tolerated if the linear projection over WindowSeconds would still
// fit a grown reservation, in which case growSysMB/growGPUMB report the
// delta to add.
func (m *MemoryMonitor) Sample(sysMB, gpuMB, reservedSysMB, reservedGPUMB int) (healthy bool, growSysMB, growGPUMB int) {
	now := time.Now()

	if !m.haveSample {
		m.haveSample = true
		m.t2, m.sysMB2, m.gpuMB2 = now, sysMB, gpuMB
		return true, 0, 0
	}

	m.t1, m.sysMB1, m.gpuMB1 = m.t2, m.sysMB2, m.gpuMB2
	m.t2, m.sysMB2, m.gpuMB2 = now, sysMB, gpuMB

	overSys := reservedSysMB > 0 && float64(sysMB) > float64(reservedSysMB)*m.Percentage
	overGPU := reservedGPUMB > 0 && float64(gpuMB) > float64(reservedGPUMB)*m.Percentage

	healthy = !(overSys || overGPU)
	if healthy || !m.Dynamic {
		return healthy, 0, 0
	}

	deltaT := m.t2.Sub(m.t1).Seconds()
	if deltaT <= 0 {
		return healthy, 0, 0
	}

	if overSys {
		predicted := float64(m.sysMB2-m.sysMB1)*(m.WindowSeconds/deltaT) + float64(m.sysMB1)
		if delta := predicted - float64(reservedSysMB); delta > 0 {
			growSysMB = int(delta)
			overSys = false
		}
	}
	if overGPU {
		predicted := float64(m.gpuMB2-m.gpuMB1)*(m.WindowSeconds/deltaT) + float64(m.gpuMB1)
		if delta := predicted - float64(reservedGPUMB); delta > 0 {
			growGPUMB = int(delta)
			overGPU = false
		}
	}

	return !(overSys || overGPU), growSysMB, growGPUMB
}
