package attention

import (
	"math"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/quarrel-core/internal/alloc"
	"github.com/23skdu/quarrel-core/internal/cpu"
	"github.com/23skdu/quarrel-core/internal/metrics"
	"github.com/23skdu/quarrel-core/internal/tensor"
)

const tol = 1e-5

func closeRel(a, b float32) bool {
	d := math.Abs(float64(a - b))
	return d <= tol*math.Max(1, math.Max(math.Abs(float64(a)), math.Abs(float64(b))))
}

func assertClose(t *testing.T, want, got []float32, msg string) {
	t.Helper()
	require.Len(t, got, len(want), msg)
	for i := range want {
		if !closeRel(want[i], got[i]) {
			t.Fatalf("%s: element %d: got %v, want %v", msg, i, got[i], want[i])
		}
	}
}

func randData(r *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = r.Float32()*2 - 1
	}
	return v
}

func mustTensor(t *testing.T, shape []int, data []float32) *tensor.Tensor {
	t.Helper()
	tn, err := tensor.FromFloat32(shape, data)
	require.NoError(t, err)
	return tn
}

func values(t *testing.T, tn *tensor.Tensor) []float32 {
	t.Helper()
	v, err := tn.Float32s()
	require.NoError(t, err)
	return v
}

// seqSlice extracts positions [from, to) of a [batch, seq, hidden] buffer.
func seqSlice(data []float32, batch, seq, hidden, from, to int) []float32 {
	out := make([]float32, 0, batch*(to-from)*hidden)
	for b := 0; b < batch; b++ {
		out = append(out, data[(b*seq+from)*hidden:(b*seq+to)*hidden]...)
	}
	return out
}

type qkv struct {
	q, k, v []float32
}

func randQKV(r *rand.Rand, batch, seq, hidden int) qkv {
	n := batch * seq * hidden
	return qkv{randData(r, n), randData(r, n), randData(r, n)}
}

func (x qkv) tensors(t *testing.T, batch, seq, hidden, from, to int) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor) {
	shape := []int{batch, to - from, hidden}
	return mustTensor(t, shape, seqSlice(x.q, batch, seq, hidden, from, to)),
		mustTensor(t, shape, seqSlice(x.k, batch, seq, hidden, from, to)),
		mustTensor(t, shape, seqSlice(x.v, batch, seq, hidden, from, to))
}

func TestNewValidation(t *testing.T) {
	_, err := New(10, 3)
	assert.ErrorIs(t, err, tensor.ErrShape)
	_, err = New(0, 1)
	assert.ErrorIs(t, err, tensor.ErrShape)
	_, err = New(8, 2, WithScale(0))
	assert.ErrorIs(t, err, tensor.ErrShape)

	e, err := New(16, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, e.HeadDim())
	assert.InDelta(t, 0.5, e.Scale(), 1e-7)

	e, err = New(16, 4, WithScale(0.125))
	require.NoError(t, err)
	assert.Equal(t, float32(0.125), e.Scale())
}

func TestForwardMatchesReference(t *testing.T) {
	r := rand.New(rand.NewSource(21))
	for _, width := range []int{1, 8, 16} {
		f, err := cpu.Features{}.Force(width)
		require.NoError(t, err)
		for _, dims := range [][3]int{{1, 1, 4}, {1, 6, 8}, {2, 5, 16}, {3, 7, 32}} {
			batch, seq, hidden := dims[0], dims[1], dims[2]
			heads := 2
			if hidden >= 16 {
				heads = 4
			}
			e, err := New(hidden, heads, WithFeatures(f), WithThreads(3))
			require.NoError(t, err)

			x := randQKV(r, batch, seq, hidden)
			q, k, v := x.tensors(t, batch, seq, hidden, 0, seq)
			out, err := e.Forward(q, k, v, nil, 0)
			require.NoError(t, err)
			assert.Equal(t, []int{batch, seq, hidden}, out.Shape())

			want := referenceForward(x.q, x.k, x.v, batch, seq, seq, 0, hidden, heads, e.Scale())
			assertClose(t, want, values(t, out), "full forward")
		}
	}
}

func TestFirstPositionCopiesValue(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	const hidden = 8
	e, err := New(hidden, 2)
	require.NoError(t, err)
	x := randQKV(r, 1, 3, hidden)
	q, k, v := x.tensors(t, 1, 3, hidden, 0, 3)
	out, err := e.Forward(q, k, v, nil, 0)
	require.NoError(t, err)
	assertClose(t, x.v[:hidden], values(t, out)[:hidden], "position 0 sees only itself")
}

func TestUniformScoresAverageValues(t *testing.T) {
	const hidden, seq = 4, 3
	e, err := New(hidden, 1)
	require.NoError(t, err)

	zeros := make([]float32, seq*hidden)
	vals := []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
	}
	out, err := e.Forward(
		mustTensor(t, []int{1, seq, hidden}, zeros),
		mustTensor(t, []int{1, seq, hidden}, zeros),
		mustTensor(t, []int{1, seq, hidden}, vals),
		nil, 0)
	require.NoError(t, err)
	assertClose(t, []float32{
		1, 2, 3, 4,
		3, 4, 5, 6,
		5, 6, 7, 8,
	}, values(t, out), "running mean")
}

func TestLargeScoresStayFinite(t *testing.T) {
	const hidden, seq = 4, 3
	e, err := New(hidden, 1, WithScale(1))
	require.NoError(t, err)

	q := []float32{
		100, 0, 0, 0,
		100, 0, 0, 0,
		100, 0, 0, 0,
	}
	k := []float32{
		0, 0, 0, 0,
		10, 0, 0, 0,
		30, 0, 0, 0,
	}
	vals := []float32{
		1, 1, 1, 1,
		2, 2, 2, 2,
		3, 3, 3, 3,
	}
	out, err := e.Forward(
		mustTensor(t, []int{1, seq, hidden}, q),
		mustTensor(t, []int{1, seq, hidden}, k),
		mustTensor(t, []int{1, seq, hidden}, vals),
		nil, 0)
	require.NoError(t, err)
	// Scores reach 3000, far past where exp overflows float32; the largest
	// score takes all the weight.
	assertClose(t, vals, values(t, out), "dominant score")
}

func TestCausalMasking(t *testing.T) {
	r := rand.New(rand.NewSource(17))
	const batch, seq, hidden, heads = 2, 6, 8, 2
	e, err := New(hidden, heads)
	require.NoError(t, err)

	x := randQKV(r, batch, seq, hidden)
	q, k, v := x.tensors(t, batch, seq, hidden, 0, seq)
	base, err := e.Forward(q, k, v, nil, 0)
	require.NoError(t, err)
	baseV := append([]float32(nil), values(t, base)...)

	// Perturb keys and values from position 3 onward.
	const cut = 3
	y := qkv{q: x.q, k: append([]float32(nil), x.k...), v: append([]float32(nil), x.v...)}
	for b := 0; b < batch; b++ {
		for s := cut; s < seq; s++ {
			for i := 0; i < hidden; i++ {
				y.k[(b*seq+s)*hidden+i] += 10
				y.v[(b*seq+s)*hidden+i] -= 5
			}
		}
	}
	q2, k2, v2 := y.tensors(t, batch, seq, hidden, 0, seq)
	perturbed, err := e.Forward(q2, k2, v2, nil, 0)
	require.NoError(t, err)
	pv := values(t, perturbed)

	for b := 0; b < batch; b++ {
		for s := 0; s < seq; s++ {
			row := (b*seq + s) * hidden
			if s < cut {
				assert.Equal(t, baseV[row:row+hidden], pv[row:row+hidden], "batch %d pos %d saw the future", b, s)
			} else {
				assert.NotEqual(t, baseV[row:row+hidden], pv[row:row+hidden], "batch %d pos %d", b, s)
			}
		}
	}
}

func TestIncrementalCacheEquivalence(t *testing.T) {
	r := rand.New(rand.NewSource(99))
	const batch, seq, hidden, heads = 2, 5, 16, 4
	e, err := New(hidden, heads)
	require.NoError(t, err)
	x := randQKV(r, batch, seq, hidden)

	q, k, v := x.tensors(t, batch, seq, hidden, 0, seq)
	full, err := e.Forward(q, k, v, nil, 0)
	require.NoError(t, err)
	fullV := values(t, full)

	cache, err := NewKVCache(1, batch, hidden, 2)
	require.NoError(t, err)

	q, k, v = x.tensors(t, batch, seq, hidden, 0, 4)
	prefix, err := e.Forward(q, k, v, cache, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, cache.Len())

	q, k, v = x.tensors(t, batch, seq, hidden, 4, 5)
	step, err := e.Forward(q, k, v, cache, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, cache.Len())

	assertClose(t, seqSlice(fullV, batch, seq, hidden, 0, 4), values(t, prefix), "prefix positions 0-3")
	assertClose(t, seqSlice(fullV, batch, seq, hidden, 4, 5), values(t, step), "decode position 4")
}

func TestFailedForwardLeavesCacheUntouched(t *testing.T) {
	const hidden = 8
	e, err := New(hidden, 2)
	require.NoError(t, err)
	cache, err := NewKVCache(1, 1, hidden, 16)
	require.NoError(t, err)
	x := mustTensor(t, []int{1, 1, hidden}, make([]float32, hidden))

	old := alloc.MaxBytes
	alloc.MaxBytes = 8
	_, err = e.Forward(x, x, x, cache, 0)
	alloc.MaxBytes = old
	require.ErrorIs(t, err, tensor.ErrOutOfMemory)
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, 0, cache.LayerLen(0))

	_, err = e.Forward(x, x, x, cache, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len())
}

func TestTokenByTokenDecode(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	const seq, hidden, heads = 9, 8, 2
	e, err := New(hidden, heads, WithScale(0.3))
	require.NoError(t, err)
	x := randQKV(r, 1, seq, hidden)

	cache, err := NewKVCache(1, 1, hidden, 0)
	require.NoError(t, err)
	var got []float32
	for s := 0; s < seq; s++ {
		q, k, v := x.tensors(t, 1, seq, hidden, s, s+1)
		out, err := e.Forward(q, k, v, cache, 0)
		require.NoError(t, err)
		got = append(got, values(t, out)...)
	}
	want := referenceForward(x.q, x.k, x.v, 1, seq, seq, 0, hidden, heads, 0.3)
	assertClose(t, want, got, "token by token")
	assert.GreaterOrEqual(t, cache.Capacity(0), seq)
}

func TestForwardValidation(t *testing.T) {
	e, err := New(8, 2)
	require.NoError(t, err)
	good := mustTensor(t, []int{1, 2, 8}, make([]float32, 16))
	wrongHidden := mustTensor(t, []int{1, 4, 4}, make([]float32, 16))
	flat := mustTensor(t, []int{16}, make([]float32, 16))
	f16, err := tensor.New([]int{1, 2, 8}, tensor.F16)
	require.NoError(t, err)

	_, err = e.Forward(good, good, wrongHidden, nil, 0)
	assert.ErrorIs(t, err, tensor.ErrShape)
	_, err = e.Forward(flat, good, good, nil, 0)
	assert.ErrorIs(t, err, tensor.ErrShape)
	_, err = e.Forward(good, f16, good, nil, 0)
	assert.ErrorIs(t, err, tensor.ErrType)

	cache, err := NewKVCache(2, 1, 8, 4)
	require.NoError(t, err)
	_, err = e.Forward(good, good, good, cache, 2)
	assert.ErrorIs(t, err, tensor.ErrShape)
	assert.ErrorContains(t, err, "invalid layer index")

	other, err := NewKVCache(1, 3, 8, 4)
	require.NoError(t, err)
	_, err = e.Forward(good, good, good, other, 0)
	assert.ErrorIs(t, err, tensor.ErrShape)

	live := good.Take()
	_, err = e.Forward(good, live, live, nil, 0)
	assert.ErrorIs(t, err, tensor.ErrMoved)
}

func TestForwardWithArena(t *testing.T) {
	r := rand.New(rand.NewSource(8))
	const batch, seq, hidden = 1, 4, 8
	arena, err := alloc.NewArena(1024)
	require.NoError(t, err)
	plain, err := New(hidden, 2)
	require.NoError(t, err)
	pooled, err := New(hidden, 2, WithArena(arena))
	require.NoError(t, err)

	x := randQKV(r, batch, seq, hidden)
	q, k, v := x.tensors(t, batch, seq, hidden, 0, seq)
	want, err := plain.Forward(q, k, v, nil, 0)
	require.NoError(t, err)

	total := arena.TotalBytes()
	for i := 0; i < 3; i++ {
		got, err := pooled.Forward(q, k, v, nil, 0)
		require.NoError(t, err)
		assert.Equal(t, values(t, want), values(t, got))
		assert.Positive(t, arena.UsedBytes())
		arena.Reset()
	}
	assert.Equal(t, total, arena.TotalBytes(), "steps reuse arena memory")
}

func TestForwardCollector(t *testing.T) {
	p := metrics.NewPrometheus(prometheus.NewRegistry(), "test")
	e, err := New(8, 2, WithCollector(p))
	require.NoError(t, err)
	cache, err := NewKVCache(1, 1, 8, 1, WithCacheCollector(p))
	require.NoError(t, err)

	x := mustTensor(t, []int{1, 3, 8}, make([]float32, 24))
	_, err = e.Forward(x, x, x, cache, 0)
	require.NoError(t, err)

	assert.Equal(t, float64(3), testutil.ToFloat64(p.KVCacheAppends))
	assert.Equal(t, float64(3), testutil.ToFloat64(p.KVCacheLength))
	assert.Equal(t, 1, testutil.CollectAndCount(p.KernelDuration))

	cache.Reset()
	assert.Equal(t, float64(0), testutil.ToFloat64(p.KVCacheLength))
}

func BenchmarkForward(b *testing.B) {
	r := rand.New(rand.NewSource(1))
	const batch, seq, hidden, heads = 1, 64, 256, 8
	e, _ := New(hidden, heads)
	shape := []int{batch, seq, hidden}
	q, _ := tensor.FromFloat32(shape, randData(r, batch*seq*hidden))
	k, _ := tensor.FromFloat32(shape, randData(r, batch*seq*hidden))
	v, _ := tensor.FromFloat32(shape, randData(r, batch*seq*hidden))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		out, _ := e.Forward(q, k, v, nil, 0)
		out.Release()
	}
}
