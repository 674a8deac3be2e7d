// Package cpuspec detects CPU capabilities used to size the inference
// interpreter's thread pool. On hybrid architectures only performance cores
// are counted; efficiency cores add latency jitter the realtime path cannot
// afford.
package cpuspec

import (
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// CPUSpec contains information about CPU specifications
type CPUSpec struct {
	BrandName        string
	PerformanceCores int
}

// GetCPUSpec returns CPU specifications including the number of performance cores
func GetCPUSpec() CPUSpec {
	brandName := cpuid.CPU.BrandName
	return CPUSpec{
		BrandName:        brandName,
		PerformanceCores: determinePerformanceCores(brandName),
	}
}

// GetOptimalThreadCount returns the recommended interpreter thread count.
// Performance cores win when known; otherwise all logical cores are used.
func (c CPUSpec) GetOptimalThreadCount() int {
	availableCPUs := runtime.NumCPU()

	if c.PerformanceCores > 0 {
		if c.PerformanceCores > availableCPUs {
			return availableCPUs
		}
		return c.PerformanceCores
	}

	if cores := cpuid.CPU.LogicalCores; cores > 0 {
		return cores
	}
	return availableCPUs
}

// determinePerformanceCores identifies P-core counts for hybrid CPUs.
// Returns 0 when the split is unknown, which falls back to all cores.
func determinePerformanceCores(brandName string) int {
	brand := strings.ToLower(brandName)

	// Apple Silicon publishes its P/E split; M-series base chips have 4 P-cores,
	// Pro/Max 8 and up. A coarse mapping is enough for thread sizing.
	if strings.Contains(brand, "apple m") {
		switch {
		case strings.Contains(brand, "max"), strings.Contains(brand, "ultra"):
			return 8
		case strings.Contains(brand, "pro"):
			return 6
		default:
			return 4
		}
	}

	// Intel hybrid parts: treat physical cores reported by cpuid as the
	// conservative bound. cpuid cannot separate P/E reliably across
	// generations, so stay with the logical core fallback.
	return 0
}
