// Package attention implements causal multi-head self-attention with an
// optional incremental key/value cache.
//
// Scores use a running maximum: each new score rescales the partial
// numerator and denominator by exp(oldMax - newMax), so exp never sees a
// positive argument and no score buffer is materialised.
package attention

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/quarrel-core/internal/alloc"
	"github.com/23skdu/quarrel-core/internal/cpu"
	"github.com/23skdu/quarrel-core/internal/metrics"
	"github.com/23skdu/quarrel-core/internal/simd"
	"github.com/23skdu/quarrel-core/internal/tensor"
)

type Engine struct {
	hidden  int
	heads   int
	headDim int
	scale   float32

	threads   int
	dot       simd.DotFunc
	collector metrics.Collector

	mu    sync.Mutex
	arena *alloc.Arena
}

type Option func(*Engine)

// WithScale overrides the default 1/sqrt(headDim) score scale.
func WithScale(s float32) Option {
	return func(e *Engine) { e.scale = s }
}

// WithThreads caps how many heads run concurrently.
func WithThreads(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.threads = n
		}
	}
}

func WithCollector(c metrics.Collector) Option {
	return func(e *Engine) { e.collector = metrics.OrNop(c) }
}

// WithFeatures selects the score dot kernel from f instead of the host.
func WithFeatures(f cpu.Features) Option {
	return func(e *Engine) { e.dot = simd.ForWidth(f.VectorWidth()) }
}

// WithArena draws outputs and per-head scratch from a. The caller resets
// the arena between steps, after it is done with the returned tensors.
func WithArena(a *alloc.Arena) Option {
	return func(e *Engine) { e.arena = a }
}

func New(hidden, heads int, opts ...Option) (*Engine, error) {
	if hidden <= 0 || heads <= 0 {
		return nil, fmt.Errorf("%w: invalid attention dims hidden=%d heads=%d", tensor.ErrShape, hidden, heads)
	}
	if hidden%heads != 0 {
		return nil, fmt.Errorf("%w: hidden %d not divisible by heads %d", tensor.ErrShape, hidden, heads)
	}
	e := &Engine{
		hidden:    hidden,
		heads:     heads,
		headDim:   hidden / heads,
		threads:   runtime.GOMAXPROCS(0),
		collector: metrics.Nop{},
	}
	e.scale = float32(1 / math.Sqrt(float64(e.headDim)))
	for _, opt := range opts {
		opt(e)
	}
	if e.dot == nil {
		e.dot = simd.ForWidth(cpu.Detect().VectorWidth())
	}
	if !(e.scale > 0) || math.IsInf(float64(e.scale), 0) {
		return nil, fmt.Errorf("%w: invalid attention scale %v", tensor.ErrShape, e.scale)
	}
	return e, nil
}

func (e *Engine) Hidden() int { return e.hidden }

func (e *Engine) Heads() int { return e.heads }

func (e *Engine) HeadDim() int { return e.headDim }

func (e *Engine) Scale() float32 { return e.scale }

type operands struct {
	q, k, v []float32
	batch   int
	seq     int
}

func (e *Engine) operands(q, k, v *tensor.Tensor) (operands, error) {
	var op operands
	if q.Moved() || k.Moved() || v.Moved() {
		return op, fmt.Errorf("attention operand: %w", tensor.ErrMoved)
	}
	for _, t := range []*tensor.Tensor{q, k, v} {
		if t.Rank() != 3 {
			return op, fmt.Errorf("%w: attention expects [batch, seq, hidden], got %v", tensor.ErrShape, t.Shape())
		}
		if t.DType() != tensor.F32 {
			return op, fmt.Errorf("%w: attention expects F32, got %v", tensor.ErrType, t.DType())
		}
	}
	op.batch, op.seq = q.Dim(0), q.Dim(1)
	for _, t := range []*tensor.Tensor{q, k, v} {
		if t.Dim(0) != op.batch || t.Dim(1) != op.seq || t.Dim(2) != e.hidden {
			return op, fmt.Errorf("%w: q/k/v shapes %v %v %v do not match [%d %d %d]",
				tensor.ErrShape, q.Shape(), k.Shape(), v.Shape(), op.batch, op.seq, e.hidden)
		}
	}
	op.q, _ = q.Float32s()
	op.k, _ = k.Float32s()
	op.v, _ = v.Float32s()
	return op, nil
}

// Forward computes causal attention for q, k and v of shape
// [batch, seq, hidden]. With a cache, k and v are appended to the given
// layer first and query s attends to every cached position up to prior+s.
// Without one, the call covers a fresh sequence.
func (e *Engine) Forward(q, k, v *tensor.Tensor, cache *KVCache, layer int) (*tensor.Tensor, error) {
	defer metrics.Time(e.collector, "attention")()
	op, err := e.operands(q, k, v)
	if err != nil {
		e.collector.IncValidationError("attention", "shape")
		return nil, err
	}

	if cache != nil {
		if cache.batch != op.batch || cache.hidden != e.hidden {
			e.collector.IncValidationError("attention", "shape")
			return nil, fmt.Errorf("%w: cache is [%d, *, %d], input is [%d, %d, %d]",
				tensor.ErrShape, cache.batch, cache.hidden, op.batch, op.seq, e.hidden)
		}
		if err := cache.checkLayer(layer); err != nil {
			e.collector.IncValidationError("attention", "shape")
			return nil, err
		}
	}

	// Output memory is claimed before the cache commits so a failed call
	// leaves the cache untouched.
	out, scratch, err := e.buffers(op.batch, op.seq)
	if err != nil {
		return nil, err
	}

	keys, values := op.k, op.v
	stride, prior := op.seq, 0
	if cache != nil {
		prior, err = cache.appendLayer(layer, op.k, op.v, op.seq)
		if err != nil {
			out.Release()
			return nil, err
		}
		keys, values, stride = cache.view(layer)
	}
	dst, _ := out.Float32s()

	var g errgroup.Group
	g.SetLimit(e.threads)
	for h := 0; h < e.heads; h++ {
		acc := scratch[h*e.headDim : (h+1)*e.headDim]
		g.Go(func() error {
			e.head(h, op, keys, values, stride, prior, acc, dst)
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func (e *Engine) buffers(batch, seq int) (*tensor.Tensor, []float32, error) {
	shape := []int{batch, seq, e.hidden}
	if e.arena == nil {
		out, err := tensor.New(shape, tensor.F32)
		if err != nil {
			return nil, nil, err
		}
		return out, make([]float32, e.hidden), nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ob, err := e.arena.Allocate(tensor.ByteSize(batch*seq*e.hidden, tensor.F32))
	if err != nil {
		return nil, nil, err
	}
	out, err := tensor.Wrap(shape, tensor.F32, ob)
	if err != nil {
		return nil, nil, err
	}
	sb, err := e.arena.Allocate(e.hidden * 4)
	if err != nil {
		return nil, nil, err
	}
	scratch, err := tensor.Wrap([]int{e.hidden}, tensor.F32, sb)
	if err != nil {
		return nil, nil, err
	}
	s, _ := scratch.Float32s()
	return out, s, nil
}

// head fills the output columns of one head for every batch and query row.
// keys and values are laid out [batch, stride, hidden].
func (e *Engine) head(h int, op operands, keys, values []float32, stride, prior int, acc, dst []float32) {
	hd, H := e.headDim, e.hidden
	off := h * hd

	for b := 0; b < op.batch; b++ {
		for s := 0; s < op.seq; s++ {
			qv := op.q[(b*op.seq+s)*H+off : (b*op.seq+s)*H+off+hd]
			for i := range acc {
				acc[i] = 0
			}
			maxScore := float32(math.Inf(-1))
			var denom float32

			for t := 0; t <= prior+s; t++ {
				row := (b*stride + t) * H
				score := e.scale * e.dot(qv, keys[row+off:row+off+hd])
				if score > maxScore {
					corr := float32(math.Exp(float64(maxScore - score)))
					denom *= corr
					simd.Scale(corr, acc)
					maxScore = score
				}
				w := float32(math.Exp(float64(score - maxScore)))
				denom += w
				simd.Axpy(w, values[row+off:row+off+hd], acc)
			}

			out := dst[(b*op.seq+s)*H+off : (b*op.seq+s)*H+off+hd]
			inv := 1 / denom
			for i, a := range acc {
				out[i] = a * inv
			}
		}
	}
}
