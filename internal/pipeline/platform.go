package pipeline

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
	"github.com/shirou/gopsutil/v3/cpu"
)

// LogicalCoreCount reports the number of logical cores available for DP
// worker placement. It prefers gopsutil's view (accurate inside containers
// and VMs) and falls back to runtime.NumCPU on error.
func LogicalCoreCount() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// SIMDAlignment returns the frame-alignment a copy kernel should round to
// in order to exploit the host's widest available SIMD instruction set,
// used as the alignment argument to AvailFramesAligned. It degrades to 1
// (no alignment requirement) on unrecognised hardware.
func SIMDAlignment(frameSize int) int {
	if frameSize <= 0 {
		return 1
	}
	var vectorBytes int
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F):
		vectorBytes = 64
	case cpuid.CPU.Supports(cpuid.AVX2):
		vectorBytes = 32
	case cpuid.CPU.Supports(cpuid.SSE2):
		vectorBytes = 16
	default:
		return 1
	}
	alignment := vectorBytes / frameSize
	if alignment < 1 {
		return 1
	}
	return alignment
}
