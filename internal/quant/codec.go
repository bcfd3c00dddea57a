package quant

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/quarrel-core/internal/cpu"
	"github.com/23skdu/quarrel-core/internal/metrics"
	"github.com/23skdu/quarrel-core/internal/simd"
	"github.com/23skdu/quarrel-core/internal/tensor"
)

type Option func(*Codec)

func WithCollector(c metrics.Collector) Option {
	return func(cd *Codec) { cd.collector = metrics.OrNop(c) }
}

// WithThreads bounds the goroutines a fused matvec fans rows out to.
func WithThreads(n int) Option {
	return func(cd *Codec) {
		if n > 0 {
			cd.threads = n
		}
	}
}

// Codec runs the fused matvec with the lane kernel chosen from the host
// features. Each row is decoded to nibble values once and dotted against x,
// with the row scale applied to the reduced sum.
type Codec struct {
	width     int
	dot       simd.DotFunc
	threads   int
	collector metrics.Collector
}

func NewCodec(f cpu.Features, opts ...Option) *Codec {
	c := &Codec{
		width:     f.VectorWidth(),
		threads:   runtime.GOMAXPROCS(0),
		collector: metrics.Nop{},
	}
	c.dot = simd.ForWidth(c.width)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Codec) Name() string {
	if c.width == 0 {
		return "q4-reference"
	}
	return fmt.Sprintf("q4-lanes%d", c.width)
}

// Pack is the package Pack with the clamp count reported to the collector.
func (c *Codec) Pack(weights, scales []float32, m, k int) ([]byte, Stats, error) {
	packed, st, err := Pack(weights, scales, m, k)
	c.collector.AddQuantClamped(st.Clamped)
	if err != nil {
		c.collector.IncValidationError("q4_pack", "invalid_input")
	}
	return packed, st, err
}

func (c *Codec) MatVec(packed []byte, scales, x, y []float32, m, k int) error {
	defer metrics.Time(c.collector, "q4_matvec")()
	if err := validateMatVec(packed, scales, x, y, m, k); err != nil {
		c.collector.IncValidationError("q4_matvec", "shape")
		return err
	}
	if m == 0 {
		return nil
	}

	rowsPer := (m + c.threads - 1) / c.threads
	var g errgroup.Group
	for start := 0; start < m; start += rowsPer {
		start, end := start, min(start+rowsPer, m)
		g.Go(func() error {
			row := make([]float32, k)
			for r := start; r < end; r++ {
				decodeRow(row, packed, r, k)
				y[r] = scales[r] * c.dot(row, x)
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Codec) MatVecTensor(q *tensor.Tensor, scales []float32, x, y *tensor.Tensor) error {
	packed, xs, ys, m, k, err := matVecOperands(q, x, y)
	if err != nil {
		return err
	}
	return c.MatVec(packed, scales, xs, ys, m, k)
}
