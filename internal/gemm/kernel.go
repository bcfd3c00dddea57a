// Package gemm implements single-precision matrix multiplication over
// row-major tensors: C = alpha*A*B + beta*C and y = alpha*A*x + beta*y.
// When beta is zero the destination is overwritten without being read.
package gemm

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/quarrel-core/internal/cpu"
	"github.com/23skdu/quarrel-core/internal/logger"
	"github.com/23skdu/quarrel-core/internal/metrics"
	"github.com/23skdu/quarrel-core/internal/tensor"
)

type Kernel interface {
	MatMul(a, b, c *tensor.Tensor, alpha, beta float32) error
	MatVec(a, x, y *tensor.Tensor, alpha, beta float32) error
	Name() string
}

type Option func(*options)

type options struct {
	threads   int
	collector metrics.Collector
}

// WithThreads caps the goroutines one call splits its output rows over.
func WithThreads(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.threads = n
		}
	}
}

func WithCollector(c metrics.Collector) Option {
	return func(o *options) { o.collector = metrics.OrNop(c) }
}

func buildOptions(opts []Option) options {
	o := options{threads: runtime.GOMAXPROCS(0), collector: metrics.Nop{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New picks the accelerated kernel when f reports a usable vector unit and
// the reference kernel otherwise.
func New(f cpu.Features, opts ...Option) Kernel {
	var k Kernel
	if w := f.VectorWidth(); w > 0 {
		k = NewAccelerated(w, opts...)
	} else {
		k = NewReference(opts...)
	}
	logger.Log.With("gemm").Info("gemm kernel selected", "kernel", k.Name(), "features", f.String())
	return k
}

var defaultKernel = sync.OnceValue(func() Kernel { return New(cpu.Detect()) })

// Default returns the process-wide kernel for the detected host.
func Default() Kernel {
	return defaultKernel()
}

// minParallelWork is the multiply-add count below which a call runs on the
// calling goroutine.
const minParallelWork = 1 << 15

// forRows calls fn over disjoint row ranges covering [0, m).
func forRows(threads, m, work int, fn func(start, end int)) {
	if m == 0 {
		return
	}
	if threads <= 1 || m == 1 || work < minParallelWork {
		fn(0, m)
		return
	}
	chunks := min(threads, m)
	per := (m + chunks - 1) / chunks

	var g errgroup.Group
	g.SetLimit(threads)
	for start := 0; start < m; start += per {
		start, end := start, min(start+per, m)
		g.Go(func() error {
			fn(start, end)
			return nil
		})
	}
	_ = g.Wait()
}

type matmulArgs struct {
	a, b, c []float32
	m, k, n int
}

func matmulOperands(a, b, c *tensor.Tensor) (matmulArgs, error) {
	var args matmulArgs
	if a.Moved() || b.Moved() || c.Moved() {
		return args, fmt.Errorf("gemm operand: %w", tensor.ErrMoved)
	}
	if a.Rank() != 2 || b.Rank() != 2 || c.Rank() != 2 {
		return args, fmt.Errorf("%w: GEMM requires 2D tensors, got %v, %v, %v", tensor.ErrShape, a.Shape(), b.Shape(), c.Shape())
	}
	var err error
	if args.a, err = a.Float32s(); err != nil {
		return args, err
	}
	if args.b, err = b.Float32s(); err != nil {
		return args, err
	}
	if args.c, err = c.Float32s(); err != nil {
		return args, err
	}
	args.m, args.k, args.n = a.Dim(0), a.Dim(1), b.Dim(1)
	if b.Dim(0) != args.k {
		return args, fmt.Errorf("%w: matrix dimensions don't match for multiplication: %v x %v", tensor.ErrShape, a.Shape(), b.Shape())
	}
	if c.Dim(0) != args.m || c.Dim(1) != args.n {
		return args, fmt.Errorf("%w: output matrix dimensions don't match: got %v, want [%d %d]", tensor.ErrShape, c.Shape(), args.m, args.n)
	}
	return args, nil
}

type matvecArgs struct {
	a, x, y []float32
	m, k    int
}

func matvecOperands(a, x, y *tensor.Tensor) (matvecArgs, error) {
	var args matvecArgs
	if a.Moved() || x.Moved() || y.Moved() {
		return args, fmt.Errorf("gemm operand: %w", tensor.ErrMoved)
	}
	if a.Rank() != 2 || x.Rank() != 1 || y.Rank() != 1 {
		return args, fmt.Errorf("%w: matvec requires A to be 2D and x, y to be 1D, got %v, %v, %v", tensor.ErrShape, a.Shape(), x.Shape(), y.Shape())
	}
	var err error
	if args.a, err = a.Float32s(); err != nil {
		return args, err
	}
	if args.x, err = x.Float32s(); err != nil {
		return args, err
	}
	if args.y, err = y.Float32s(); err != nil {
		return args, err
	}
	args.m, args.k = a.Dim(0), a.Dim(1)
	if x.Dim(0) != args.k || y.Dim(0) != args.m {
		return args, fmt.Errorf("%w: matrix-vector dimensions don't match: %v x %v -> %v", tensor.ErrShape, a.Shape(), x.Shape(), y.Shape())
	}
	return args, nil
}

// store writes alpha*sum + beta*dst, never reading dst when beta is zero.
func store(dst *float32, sum, alpha, beta float32) {
	if beta == 0 {
		*dst = alpha * sum
		return
	}
	*dst = alpha*sum + beta**dst
}

func errorType(err error) string {
	switch {
	case errors.Is(err, tensor.ErrMoved):
		return "moved"
	case errors.Is(err, tensor.ErrType):
		return "dtype"
	default:
		return "shape"
	}
}
