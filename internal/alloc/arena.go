package alloc

import (
	"fmt"
	"math"

	"github.com/23skdu/quarrel-core/internal/logger"
	"github.com/23skdu/quarrel-core/internal/metrics"
)

type chunk struct {
	block int
	off   int
	size  int
	free  bool
	next  *chunk
}

// Arena is a first-fit allocator over a linked list of chunks carved from
// large backing blocks. Reset makes every byte reusable without returning
// memory. An Arena is not safe for concurrent use.
type Arena struct {
	blocks    [][]byte
	head      *chunk
	total     int64
	used      int64
	alignment int
	collector metrics.Collector
	aligned   *Aligned
}

// NewArena creates an arena with one backing block of at least initial bytes.
func NewArena(initial int, opts ...Option) (*Arena, error) {
	o := buildOptions(opts)
	if o.alignment <= 0 || o.alignment&(o.alignment-1) != 0 {
		return nil, fmt.Errorf("%w: %d is not a power of two", ErrAlignment, o.alignment)
	}
	a := &Arena{
		alignment: o.alignment,
		collector: o.collector,
		aligned:   NewAligned(WithCollector(o.collector)),
	}
	if initial > 0 {
		if err := a.grow(a.round(initial)); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Arena) round(n int) int {
	return (n + a.alignment - 1) &^ (a.alignment - 1)
}

func (a *Arena) grow(size int) error {
	buf, err := a.aligned.Allocate(size, a.alignment)
	if err != nil {
		return err
	}
	a.blocks = append(a.blocks, buf)
	a.head = &chunk{block: len(a.blocks) - 1, size: size, free: true, next: a.head}
	a.total += int64(size)
	logger.Log.Debug("arena grew", "block_bytes", size, "total_bytes", a.total, "blocks", len(a.blocks))
	a.report()
	return nil
}

// Allocate returns size bytes from the first free chunk large enough,
// splitting it when it is larger than needed. When no chunk fits, a new
// block of max(size, total/2) bytes is added. Returned slices are aligned
// and have cap equal to size. A zero size returns nil.
func (a *Arena) Allocate(size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrOutOfMemory, size)
	}
	if size == 0 {
		return nil, nil
	}
	if int64(size) > MaxBytes || size > math.MaxInt-(a.alignment-1) {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrOutOfMemory, size, MaxBytes)
	}
	need := a.round(size)

	for attempt := 0; attempt < 2; attempt++ {
		for c := a.head; c != nil; c = c.next {
			if !c.free || c.size < need {
				continue
			}
			if c.size > need {
				c.next = &chunk{
					block: c.block,
					off:   c.off + need,
					size:  c.size - need,
					free:  true,
					next:  c.next,
				}
				c.size = need
			}
			c.free = false
			a.used += int64(need)
			a.report()
			return a.blocks[c.block][c.off : c.off+size : c.off+size], nil
		}

		growBy := need
		if half := int(a.total / 2); half > growBy {
			growBy = a.round(half)
		}
		if err := a.grow(growBy); err != nil {
			return nil, err
		}
	}
	// grow always adds a chunk of at least need bytes
	return nil, fmt.Errorf("%w: arena could not satisfy %d bytes", ErrOutOfMemory, size)
}

// Reset marks all memory free and merges split chunks back into one chunk
// per backing block. Slices handed out earlier must no longer be used.
func (a *Arena) Reset() {
	a.head = nil
	for i := range a.blocks {
		a.head = &chunk{block: i, size: len(a.blocks[i]), free: true, next: a.head}
	}
	a.used = 0
	a.report()
}

// Release drops every block. The arena stays usable and grows on demand.
func (a *Arena) Release() {
	for _, b := range a.blocks {
		a.aligned.Deallocate(b)
	}
	a.blocks = nil
	a.head = nil
	a.total = 0
	a.used = 0
	a.report()
}

func (a *Arena) TotalBytes() int64 { return a.total }

func (a *Arena) UsedBytes() int64 { return a.used }

// Chunks reports the number of chunks in the list, free or not.
func (a *Arena) Chunks() int {
	n := 0
	for c := a.head; c != nil; c = c.next {
		n++
	}
	return n
}

func (a *Arena) report() {
	a.collector.SetArenaBytes(a.total, a.used)
}
