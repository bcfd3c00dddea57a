package attention

import (
	"fmt"

	"github.com/23skdu/quarrel-core/internal/metrics"
	"github.com/23skdu/quarrel-core/internal/tensor"
)

// KVCache holds the keys and values of every committed position, one
// [batch, capacity, hidden] tensor pair per layer. Layers advance
// independently; Len is the number of positions every layer holds.
type KVCache struct {
	layers int
	batch  int
	hidden int
	maxLen int

	keys   []*tensor.Tensor
	values []*tensor.Tensor
	lens   []int

	collector metrics.Collector
}

type CacheOption func(*KVCache)

// WithMaxLen bounds the positions a layer can hold. Appends past it fail.
func WithMaxLen(n int) CacheOption {
	return func(c *KVCache) { c.maxLen = n }
}

func WithCacheCollector(m metrics.Collector) CacheOption {
	return func(c *KVCache) { c.collector = metrics.OrNop(m) }
}

// NewKVCache allocates capacityHint positions per layer up front. Storage
// doubles when a layer outgrows it.
func NewKVCache(layers, batch, hidden, capacityHint int, opts ...CacheOption) (*KVCache, error) {
	if layers <= 0 || batch <= 0 || hidden <= 0 || capacityHint < 0 {
		return nil, fmt.Errorf("%w: invalid kv cache dimensions layers=%d batch=%d hidden=%d capacity=%d",
			tensor.ErrShape, layers, batch, hidden, capacityHint)
	}
	c := &KVCache{
		layers:    layers,
		batch:     batch,
		hidden:    hidden,
		keys:      make([]*tensor.Tensor, layers),
		values:    make([]*tensor.Tensor, layers),
		lens:      make([]int, layers),
		collector: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxLen < 0 {
		return nil, fmt.Errorf("%w: invalid kv cache max length %d", tensor.ErrShape, c.maxLen)
	}
	if c.maxLen > 0 && capacityHint > c.maxLen {
		capacityHint = c.maxLen
	}
	for l := 0; l < layers; l++ {
		k, err := tensor.New([]int{batch, capacityHint, hidden}, tensor.F32)
		if err != nil {
			c.Release()
			return nil, fmt.Errorf("allocate K cache for layer %d: %w", l, err)
		}
		v, err := tensor.New([]int{batch, capacityHint, hidden}, tensor.F32)
		if err != nil {
			k.Release()
			c.Release()
			return nil, fmt.Errorf("allocate V cache for layer %d: %w", l, err)
		}
		c.keys[l], c.values[l] = k, v
	}
	return c, nil
}

// Len is the minimum committed length over all layers.
func (c *KVCache) Len() int {
	n := c.lens[0]
	for _, l := range c.lens[1:] {
		n = min(n, l)
	}
	return n
}

// LayerLen is the committed length of one layer, or -1 for a bad index.
func (c *KVCache) LayerLen(layer int) int {
	if layer < 0 || layer >= c.layers {
		return -1
	}
	return c.lens[layer]
}

func (c *KVCache) Layers() int { return c.layers }

func (c *KVCache) Batch() int { return c.batch }

func (c *KVCache) Hidden() int { return c.hidden }

func (c *KVCache) MaxLen() int { return c.maxLen }

// Capacity is the number of positions a layer holds before growing.
func (c *KVCache) Capacity(layer int) int {
	if layer < 0 || layer >= c.layers || c.keys[layer] == nil {
		return 0
	}
	return c.keys[layer].Dim(1)
}

// Reset empties every layer and keeps the storage for the next episode.
func (c *KVCache) Reset() {
	for i := range c.lens {
		c.lens[i] = 0
	}
	c.collector.SetKVCacheLength(0)
}

// Release frees the storage. The cache must not be used afterwards.
func (c *KVCache) Release() {
	for l := range c.keys {
		c.keys[l].Release()
		c.values[l].Release()
	}
	for i := range c.lens {
		c.lens[i] = 0
	}
}

// Keys copies the committed keys of a layer into a [batch, len, hidden] tensor.
func (c *KVCache) Keys(layer int) (*tensor.Tensor, error) {
	return c.snapshot(layer, c.keys)
}

// Values copies the committed values of a layer into a [batch, len, hidden] tensor.
func (c *KVCache) Values(layer int) (*tensor.Tensor, error) {
	return c.snapshot(layer, c.values)
}

func (c *KVCache) snapshot(layer int, store []*tensor.Tensor) (*tensor.Tensor, error) {
	if err := c.checkLayer(layer); err != nil {
		return nil, err
	}
	src, err := store[layer].Float32s()
	if err != nil {
		return nil, err
	}
	n, capacity := c.lens[layer], store[layer].Dim(1)
	out, err := tensor.New([]int{c.batch, n, c.hidden}, tensor.F32)
	if err != nil {
		return nil, err
	}
	dst, _ := out.Float32s()
	for b := 0; b < c.batch; b++ {
		copy(dst[b*n*c.hidden:(b+1)*n*c.hidden], src[b*capacity*c.hidden:(b*capacity+n)*c.hidden])
	}
	return out, nil
}

func (c *KVCache) checkLayer(layer int) error {
	if layer < 0 || layer >= c.layers {
		return fmt.Errorf("%w: invalid layer index: %d (layers %d)", tensor.ErrShape, layer, c.layers)
	}
	return nil
}

// view exposes the raw storage of a layer with its position stride.
func (c *KVCache) view(layer int) (keys, values []float32, capacity int) {
	keys, _ = c.keys[layer].Float32s()
	values, _ = c.values[layer].Float32s()
	return keys, values, c.keys[layer].Dim(1)
}

// appendLayer commits seq new positions of k and v ([batch, seq, hidden])
// to a layer and returns the length before the append.
func (c *KVCache) appendLayer(layer int, k, v []float32, seq int) (int, error) {
	if err := c.checkLayer(layer); err != nil {
		return 0, err
	}
	prior := c.lens[layer]
	need := prior + seq
	if c.maxLen > 0 && need > c.maxLen {
		return 0, fmt.Errorf("%w: kv cache overflow: layer %d needs %d positions (max %d)", tensor.ErrShape, layer, need, c.maxLen)
	}
	if need > c.Capacity(layer) {
		if err := c.grow(layer, need); err != nil {
			return 0, err
		}
	}

	keys, values, capacity := c.view(layer)
	h := c.hidden
	for b := 0; b < c.batch; b++ {
		dst := (b*capacity + prior) * h
		src := b * seq * h
		copy(keys[dst:dst+seq*h], k[src:src+seq*h])
		copy(values[dst:dst+seq*h], v[src:src+seq*h])
	}
	c.lens[layer] = need
	c.collector.AddKVCacheAppends(seq)
	c.collector.SetKVCacheLength(c.Len())
	return prior, nil
}

func (c *KVCache) grow(layer, need int) error {
	newCap := max(c.Capacity(layer)*2, need)
	if c.maxLen > 0 {
		newCap = min(newCap, c.maxLen)
	}
	shape := []int{c.batch, newCap, c.hidden}
	k, err := tensor.New(shape, tensor.F32)
	if err != nil {
		return fmt.Errorf("grow K cache for layer %d: %w", layer, err)
	}
	v, err := tensor.New(shape, tensor.F32)
	if err != nil {
		k.Release()
		return fmt.Errorf("grow V cache for layer %d: %w", layer, err)
	}

	oldK, oldV, oldCap := c.view(layer)
	nk, _ := k.Float32s()
	nv, _ := v.Float32s()
	n, h := c.lens[layer], c.hidden
	for b := 0; b < c.batch; b++ {
		copy(nk[b*newCap*h:(b*newCap+n)*h], oldK[b*oldCap*h:(b*oldCap+n)*h])
		copy(nv[b*newCap*h:(b*newCap+n)*h], oldV[b*oldCap*h:(b*oldCap+n)*h])
	}
	c.keys[layer].Release()
	c.values[layer].Release()
	c.keys[layer], c.values[layer] = k, v
	return nil
}
