package concurrency

import (
	"math"
	"runtime"
	"runtime/debug"
)

// PressureFunc reports heap utilization in [0, 1].
type PressureFunc func() float64

// HeapPressure measures heap in use against the soft memory limit when one
// is set, otherwise against the heap reserved from the OS.
func HeapPressure() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit != math.MaxInt64 {
		return float64(m.HeapAlloc) / float64(limit)
	}
	if m.HeapSys == 0 {
		return 0
	}
	return float64(m.HeapAlloc) / float64(m.HeapSys)
}

// NoPressure never reports pressure.
func NoPressure() float64 { return 0 }
