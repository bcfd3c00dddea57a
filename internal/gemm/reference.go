package gemm

import (
	"github.com/23skdu/quarrel-core/internal/metrics"
	"github.com/23skdu/quarrel-core/internal/tensor"
)

// Reference is the plain triple loop. It defines the numeric result every
// other kernel is checked against.
type Reference struct {
	threads   int
	collector metrics.Collector
}

func NewReference(opts ...Option) *Reference {
	o := buildOptions(opts)
	return &Reference{threads: o.threads, collector: o.collector}
}

func (r *Reference) Name() string { return "reference" }

func (r *Reference) MatMul(a, b, c *tensor.Tensor, alpha, beta float32) error {
	defer metrics.Time(r.collector, "matmul_reference")()
	p, err := matmulOperands(a, b, c)
	if err != nil {
		r.collector.IncValidationError("matmul", errorType(err))
		return err
	}
	forRows(r.threads, p.m, p.m*p.n*p.k, func(start, end int) {
		for i := start; i < end; i++ {
			row := p.a[i*p.k : (i+1)*p.k]
			for j := 0; j < p.n; j++ {
				var sum float32
				for l, av := range row {
					sum += av * p.b[l*p.n+j]
				}
				store(&p.c[i*p.n+j], sum, alpha, beta)
			}
		}
	})
	return nil
}

func (r *Reference) MatVec(a, x, y *tensor.Tensor, alpha, beta float32) error {
	defer metrics.Time(r.collector, "matvec_reference")()
	p, err := matvecOperands(a, x, y)
	if err != nil {
		r.collector.IncValidationError("matvec", errorType(err))
		return err
	}
	forRows(r.threads, p.m, p.m*p.k, func(start, end int) {
		for i := start; i < end; i++ {
			var sum float32
			for l, av := range p.a[i*p.k : (i+1)*p.k] {
				sum += av * p.x[l]
			}
			store(&p.y[i], sum, alpha, beta)
		}
	})
	return nil
}
