// Package cpu reports the vector capabilities the kernels select on.
package cpu

import (
	"fmt"
	"sync"

	"github.com/klauspost/cpuid/v2"

	"github.com/23skdu/quarrel-core/internal/logger"
)

type Features struct {
	AVX2    bool
	FMA     bool
	AVX512F bool
	ASIMD   bool

	Brand        string
	LogicalCores int
}

var (
	detectOnce sync.Once
	detected   Features
)

// Detect probes the host once per process.
func Detect() Features {
	detectOnce.Do(func() {
		detected = FromCPUInfo(&cpuid.CPU)
		logger.Log.With("cpu").Info("detected cpu features",
			"brand", detected.Brand,
			"cores", detected.LogicalCores,
			"avx2", detected.AVX2,
			"fma", detected.FMA,
			"avx512f", detected.AVX512F,
			"asimd", detected.ASIMD,
			"vector_width", detected.VectorWidth(),
		)
	})
	return detected
}

func FromCPUInfo(c *cpuid.CPUInfo) Features {
	return Features{
		AVX2:         c.Supports(cpuid.AVX2),
		FMA:          c.Supports(cpuid.FMA3),
		AVX512F:      c.Supports(cpuid.AVX512F),
		ASIMD:        c.Supports(cpuid.ASIMD),
		Brand:        c.BrandName,
		LogicalCores: c.LogicalCores,
	}
}

// VectorWidth is the float32 lane count of the widest usable unit, or 0
// when only the reference kernels apply.
func (f Features) VectorWidth() int {
	switch {
	case f.AVX512F:
		return 16
	case f.AVX2 && f.FMA:
		return 8
	case f.ASIMD:
		return 8
	default:
		return 0
	}
}

// Force returns a copy whose VectorWidth is width. 0 keeps f, 1 disables
// every vector unit, 8 and 16 select the matching lane count.
func (f Features) Force(width int) (Features, error) {
	switch width {
	case 0:
		return f, nil
	case 1:
		f.AVX2, f.FMA, f.AVX512F, f.ASIMD = false, false, false, false
	case 8:
		f.AVX2, f.FMA, f.AVX512F, f.ASIMD = true, true, false, false
	case 16:
		f.AVX512F = true
	default:
		return f, fmt.Errorf("unsupported vector width: %d (must be 0, 1, 8 or 16)", width)
	}
	return f, nil
}

func (f Features) String() string {
	return fmt.Sprintf("avx2=%t fma=%t avx512f=%t asimd=%t width=%d", f.AVX2, f.FMA, f.AVX512F, f.ASIMD, f.VectorWidth())
}
