package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/23skdu/quarrel-core/internal/alloc"
	"github.com/23skdu/quarrel-core/internal/attention"
	"github.com/23skdu/quarrel-core/internal/batch"
	"github.com/23skdu/quarrel-core/internal/config"
	"github.com/23skdu/quarrel-core/internal/cpu"
	"github.com/23skdu/quarrel-core/internal/gemm"
	"github.com/23skdu/quarrel-core/internal/logger"
	"github.com/23skdu/quarrel-core/internal/metrics"
	"github.com/23skdu/quarrel-core/internal/quant"
	"github.com/23skdu/quarrel-core/internal/tensor"
	"github.com/23skdu/quarrel-core/internal/weights"
)

type bench struct {
	cfg       config.Config
	features  cpu.Features
	collector metrics.Collector
	rng       *rand.Rand
}

func (b *bench) random(shape ...int) (*tensor.Tensor, error) {
	if b.rng == nil {
		b.rng = rand.New(rand.NewSource(1))
	}
	data := make([]float32, tensor.Numel(shape))
	for i := range data {
		data[i] = b.rng.Float32()*2 - 1
	}
	return tensor.FromFloat32(shape, data)
}

// maxRelErr is max |a-b| / max(1, |a|, |b|) over two equal-length slices.
func maxRelErr(a, b []float32) float64 {
	var worst float64
	for i := range a {
		d := math.Abs(float64(a[i] - b[i]))
		d /= math.Max(1, math.Max(math.Abs(float64(a[i])), math.Abs(float64(b[i]))))
		worst = math.Max(worst, d)
	}
	return worst
}

func timeIt(ctx context.Context, label string, n int, fn func() error) (time.Duration, error) {
	bar := progressbar.NewOptions(n,
		progressbar.OptionSetDescription(label),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionClearOnFinish(),
	)
	start := time.Now()
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := fn(); err != nil {
			return 0, err
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	return time.Since(start) / time.Duration(n), nil
}

func (b *bench) gemmOptions() []gemm.Option {
	return []gemm.Option{gemm.WithThreads(b.cfg.Threads), gemm.WithCollector(b.collector)}
}

func (b *bench) gemm(ctx context.Context) error {
	m, k, n := *rows, *inner, *cols
	a, err := b.random(m, k)
	if err != nil {
		return err
	}
	bm, err := b.random(k, n)
	if err != nil {
		return err
	}
	ref := gemm.NewReference(b.gemmOptions()...)
	sel := gemm.New(b.features, b.gemmOptions()...)

	want, _ := tensor.New([]int{m, n}, tensor.F32)
	got, _ := tensor.New([]int{m, n}, tensor.F32)
	defer want.Release()
	defer got.Release()

	refTime, err := timeIt(ctx, "gemm "+ref.Name(), *iters, func() error { return ref.MatMul(a, bm, want, 1, 0) })
	if err != nil {
		return err
	}
	selTime, err := timeIt(ctx, "gemm "+sel.Name(), *iters, func() error { return sel.MatMul(a, bm, got, 1, 0) })
	if err != nil {
		return err
	}
	wv, _ := want.Float32s()
	gv, _ := got.Float32s()
	gflop := 2 * float64(m) * float64(n) * float64(k) / 1e9
	logger.Log.Info("gemm",
		"shape", fmt.Sprintf("%dx%dx%d", m, k, n),
		"reference", refTime,
		"selected", sel.Name(),
		"selected_time", selTime,
		"gflops", gflop/selTime.Seconds(),
		"max_rel_err", maxRelErr(wv, gv),
	)
	return nil
}

func (b *bench) loadQ4() (*weights.Store, error) {
	if *weightsIn != "" {
		f, err := os.Open(*weightsIn)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return weights.ReadIPC(f, nil)
	}

	m, k := *rows, *inner
	w, err := b.random(m, k)
	if err != nil {
		return nil, err
	}
	defer w.Release()
	data, _ := w.Float32s()
	scales, err := quant.MaxAbsScales(data, m, k)
	if err != nil {
		return nil, err
	}
	q, st, err := quant.PackTensor(w, scales)
	if err != nil {
		return nil, err
	}
	b.collector.AddQuantClamped(st.Clamped)

	store := weights.NewStore()
	if err := store.Put("bench.q4.weight", q, scales); err != nil {
		return nil, err
	}
	if *weightsOut != "" {
		f, err := os.Create(*weightsOut)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := store.WriteIPC(f, nil); err != nil {
			return nil, err
		}
		logger.Log.Info("exported weights", "path", *weightsOut, "tensors", store.Len())
	}
	return store, nil
}

func (b *bench) q4(ctx context.Context) error {
	store, err := b.loadQ4()
	if err != nil {
		return err
	}
	defer store.Release()

	codec := quant.NewCodec(b.features, quant.WithCollector(b.collector), quant.WithThreads(b.cfg.Threads))
	kernel := gemm.New(b.features, b.gemmOptions()...)

	for _, name := range store.Names() {
		q, err := store.Tensor(name)
		if err != nil {
			return err
		}
		if q.DType() != tensor.Q4 || q.Rank() != 2 {
			logger.Log.Debug("skipping non-matrix weight", "name", name, "tensor", q.String())
			continue
		}
		scales, _ := store.Scales(name)
		m, k := q.Dim(0), q.Dim(1)

		x, err := b.random(k)
		if err != nil {
			return err
		}
		fused, _ := tensor.New([]int{m}, tensor.F32)
		viaGemm, _ := tensor.New([]int{m}, tensor.F32)
		deq, err := store.Dequantized(name)
		if err != nil {
			return err
		}

		fusedTime, err := timeIt(ctx, "q4 "+codec.Name(), *iters, func() error {
			return codec.MatVecTensor(q, scales, x, fused)
		})
		if err != nil {
			return err
		}
		gemmTime, err := timeIt(ctx, "dequant+"+kernel.Name(), *iters, func() error {
			return kernel.MatVec(deq, x, viaGemm, 1, 0)
		})
		if err != nil {
			return err
		}
		fv, _ := fused.Float32s()
		gv, _ := viaGemm.Float32s()
		defer fused.Release()
		defer viaGemm.Release()
		logger.Log.Info("q4 matvec",
			"weight", name,
			"tensor", q.String(),
			"fused", fusedTime,
			"dequantized", gemmTime,
			"max_rel_err", maxRelErr(fv, gv),
		)
		deq.Release()
		x.Release()
	}
	return nil
}

func (b *bench) attention(ctx context.Context) error {
	h, seq := b.cfg.Hidden, *seqLen
	arena, err := alloc.NewArena(b.cfg.ArenaSize, alloc.WithCollector(b.collector))
	if err != nil {
		return err
	}
	defer arena.Release()

	eng, err := attention.New(h, b.cfg.Heads,
		attention.WithFeatures(b.features),
		attention.WithCollector(b.collector),
		attention.WithThreads(b.cfg.Threads),
	)
	if err != nil {
		return err
	}
	decodeEng, err := attention.New(h, b.cfg.Heads,
		attention.WithFeatures(b.features),
		attention.WithCollector(b.collector),
		attention.WithArena(arena),
	)
	if err != nil {
		return err
	}

	q, err := b.random(1, seq, h)
	if err != nil {
		return err
	}
	k, err := b.random(1, seq, h)
	if err != nil {
		return err
	}
	v, err := b.random(1, seq, h)
	if err != nil {
		return err
	}
	defer q.Release()
	defer k.Release()
	defer v.Release()

	var full *tensor.Tensor
	fullTime, err := timeIt(ctx, "attention full", *iters, func() error {
		out, err := eng.Forward(q, k, v, nil, 0)
		if err != nil {
			return err
		}
		full.Release()
		full = out
		return nil
	})
	if err != nil {
		return err
	}
	defer full.Release()

	cache, err := attention.NewKVCache(1, 1, h, seq, attention.WithCacheCollector(b.collector))
	if err != nil {
		return err
	}
	defer cache.Release()

	qs, _ := q.Float32s()
	ks, _ := k.Float32s()
	vs, _ := v.Float32s()
	incremental := make([]float32, 0, seq*h)
	start := time.Now()
	for s := 0; s < seq; s++ {
		step := func(src []float32) (*tensor.Tensor, error) {
			return tensor.FromFloat32([]int{1, 1, h}, src[s*h:(s+1)*h])
		}
		qt, err := step(qs)
		if err != nil {
			return err
		}
		kt, _ := step(ks)
		vt, _ := step(vs)
		out, err := decodeEng.Forward(qt, kt, vt, cache, 0)
		qt.Release()
		kt.Release()
		vt.Release()
		if err != nil {
			return err
		}
		ov, _ := out.Float32s()
		incremental = append(incremental, ov...)
		arena.Reset()
	}
	decodeTime := time.Since(start)

	fv, _ := full.Float32s()
	logger.Log.Info("attention",
		"seq", seq,
		"hidden", h,
		"heads", b.cfg.Heads,
		"full", fullTime,
		"decode_total", decodeTime,
		"cache_len", cache.Len(),
		"arena_bytes", arena.TotalBytes(),
		"max_rel_err", maxRelErr(fv, incremental),
	)
	return nil
}

// batch pushes requests through the processor. Each request projects a
// bag-of-tokens vector through the Q4 codec and returns the top row.
func (b *bench) batch(ctx context.Context) error {
	m, k := b.cfg.Hidden, *inner
	w, err := b.random(m, k)
	if err != nil {
		return err
	}
	data, _ := w.Float32s()
	scales, err := quant.MaxAbsScales(data, m, k)
	if err != nil {
		return err
	}
	codec := quant.NewCodec(b.features, quant.WithCollector(b.collector), quant.WithThreads(1))
	packed, _, err := codec.Pack(data, scales, m, k)
	if err != nil {
		return err
	}

	handler := func(ctx context.Context, req batch.Request) ([]int, error) {
		x := make([]float32, k)
		for _, t := range req.Tokens {
			if t < 0 || t >= k {
				return nil, fmt.Errorf("token %d outside vocabulary of %d", t, k)
			}
			x[t]++
		}
		y := make([]float32, m)
		if err := codec.MatVec(packed, scales, x, y, m, k); err != nil {
			return nil, err
		}
		best := 0
		for i, v := range y {
			if v > y[best] {
				best = i
			}
		}
		return []int{best}, nil
	}

	p, err := batch.New(handler, batch.Config{
		MaxBatch:  b.cfg.MaxBatch,
		QueueSize: max(b.cfg.QueueSize, *requests),
		Collector: b.collector,
	})
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	defer p.Stop()

	start := time.Now()
	results := make([]<-chan batch.Result, 0, *requests)
	for i := 0; i < *requests; i++ {
		tokens := make([]int, 8)
		for j := range tokens {
			tokens[j] = b.rng.Intn(k)
		}
		ch, err := p.Submit(batch.Request{ID: fmt.Sprintf("req-%d", i), Tokens: tokens})
		if err != nil {
			return err
		}
		results = append(results, ch)
	}
	failed := 0
	for _, ch := range results {
		select {
		case r := <-ch:
			if r.Err != nil {
				failed++
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	logger.Log.Info("batch",
		"requests", *requests,
		"failed", failed,
		"max_batch", b.cfg.MaxBatch,
		"elapsed", time.Since(start),
	)
	return nil
}
