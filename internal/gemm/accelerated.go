package gemm

import (
	"fmt"
	"unsafe"

	"github.com/23skdu/quarrel-core/internal/alloc"
	"github.com/23skdu/quarrel-core/internal/metrics"
	"github.com/23skdu/quarrel-core/internal/simd"
	"github.com/23skdu/quarrel-core/internal/tensor"
)

// Accelerated walks K in chunks of the lane width with one partial sum per
// lane, reduces the lanes horizontally and finishes K % width with a scalar
// tail. B is transposed into an aligned scratch first so every chunk it
// reads is contiguous.
type Accelerated struct {
	width     int
	dot       simd.DotFunc
	threads   int
	collector metrics.Collector
}

func NewAccelerated(width int, opts ...Option) *Accelerated {
	o := buildOptions(opts)
	return &Accelerated{
		width:     width,
		dot:       simd.ForWidth(width),
		threads:   o.threads,
		collector: o.collector,
	}
}

func (k *Accelerated) Name() string { return fmt.Sprintf("lanes%d", k.width) }

func (k *Accelerated) Width() int { return k.width }

func (k *Accelerated) MatMul(a, b, c *tensor.Tensor, alpha, beta float32) error {
	defer metrics.Time(k.collector, "matmul_accelerated")()
	p, err := matmulOperands(a, b, c)
	if err != nil {
		k.collector.IncValidationError("matmul", errorType(err))
		return err
	}
	if p.m == 0 || p.n == 0 {
		return nil
	}

	raw, err := alloc.Allocate(p.k*p.n*4, alloc.DefaultAlignment)
	if err != nil {
		return fmt.Errorf("gemm scratch: %w", err)
	}
	defer alloc.Deallocate(raw)
	var bt []float32
	if len(raw) > 0 {
		bt = unsafe.Slice((*float32)(unsafe.Pointer(&raw[0])), p.k*p.n)
	}
	for l := 0; l < p.k; l++ {
		src := p.b[l*p.n : (l+1)*p.n]
		for j, v := range src {
			bt[j*p.k+l] = v
		}
	}

	forRows(k.threads, p.m, p.m*p.n*p.k, func(start, end int) {
		for i := start; i < end; i++ {
			row := p.a[i*p.k : (i+1)*p.k]
			for j := 0; j < p.n; j++ {
				store(&p.c[i*p.n+j], k.dot(row, bt[j*p.k:(j+1)*p.k]), alpha, beta)
			}
		}
	})
	return nil
}

func (k *Accelerated) MatVec(a, x, y *tensor.Tensor, alpha, beta float32) error {
	defer metrics.Time(k.collector, "matvec_accelerated")()
	p, err := matvecOperands(a, x, y)
	if err != nil {
		k.collector.IncValidationError("matvec", errorType(err))
		return err
	}
	forRows(k.threads, p.m, p.m*p.k, func(start, end int) {
		for i := start; i < end; i++ {
			store(&p.y[i], k.dot(p.a[i*p.k:(i+1)*p.k], p.x), alpha, beta)
		}
	})
	return nil
}
