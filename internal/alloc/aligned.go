// Package alloc provides aligned byte buffers and a chunked arena for
// short-lived scratch memory.
package alloc

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/23skdu/quarrel-core/internal/metrics"
)

var (
	ErrOutOfMemory = errors.New("out of memory")
	ErrAlignment   = errors.New("invalid alignment")
)

// DefaultAlignment matches the widest AVX2 load.
const DefaultAlignment = 32

// MaxBytes caps a single allocation. Requests above it fail with
// ErrOutOfMemory instead of taking the process down.
var MaxBytes int64 = 32 * 1024 * 1024 * 1024

type Option func(*options)

type options struct {
	collector metrics.Collector
	alignment int
}

func WithCollector(c metrics.Collector) Option {
	return func(o *options) { o.collector = metrics.OrNop(c) }
}

// WithAlignment sets the alignment an Arena uses for its blocks and
// allocation granularity.
func WithAlignment(n int) Option {
	return func(o *options) { o.alignment = n }
}

func buildOptions(opts []Option) options {
	o := options{collector: metrics.Nop{}, alignment: DefaultAlignment}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Aligned hands out byte slices whose first element sits on a requested
// power-of-two boundary and tracks how many bytes are outstanding.
type Aligned struct {
	collector atomic.Pointer[collectorRef]
	allocated atomic.Int64
}

type collectorRef struct {
	metrics.Collector
}

func NewAligned(opts ...Option) *Aligned {
	o := buildOptions(opts)
	a := &Aligned{}
	a.SetCollector(o.collector)
	return a
}

// SetCollector swaps the collector. It is safe to call while allocations
// are in flight.
func (a *Aligned) SetCollector(c metrics.Collector) {
	a.collector.Store(&collectorRef{metrics.OrNop(c)})
}

func (a *Aligned) sink() metrics.Collector {
	return a.collector.Load().Collector
}

// Allocate returns size bytes aligned to alignment. The slice has len and
// cap equal to size. A zero size returns nil.
func (a *Aligned) Allocate(size, alignment int) ([]byte, error) {
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("%w: %d is not a power of two", ErrAlignment, alignment)
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrOutOfMemory, size)
	}
	if size == 0 {
		return nil, nil
	}
	if int64(size) > MaxBytes || size > math.MaxInt-(alignment-1) {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrOutOfMemory, size, MaxBytes)
	}

	raw := make([]byte, size+alignment-1)
	addr := uintptr(unsafe.Pointer(&raw[0]))
	off := int((uintptr(alignment) - addr%uintptr(alignment)) % uintptr(alignment))
	buf := raw[off : off+size : off+size]

	a.allocated.Add(int64(size))
	a.sink().AddAlignedBytes(int64(size))
	return buf, nil
}

// Deallocate releases b's accounting. nil is a no-op. The memory itself is
// reclaimed by the garbage collector once unreferenced; releasing the same
// slice twice corrupts the counters.
func (a *Aligned) Deallocate(b []byte) {
	if b == nil {
		return
	}
	a.allocated.Add(-int64(cap(b)))
	a.sink().AddAlignedBytes(-int64(cap(b)))
}

// AllocatedBytes reports bytes handed out and not yet deallocated.
func (a *Aligned) AllocatedBytes() int64 {
	return a.allocated.Load()
}

var std = NewAligned()

// SetCollector points the package-level allocator at c.
func SetCollector(c metrics.Collector) {
	std.SetCollector(c)
}

func Allocate(size, alignment int) ([]byte, error) {
	return std.Allocate(size, alignment)
}

func Deallocate(b []byte) {
	std.Deallocate(b)
}

func AllocatedBytes() int64 {
	return std.AllocatedBytes()
}

// IsAligned reports whether b's first byte lies on an alignment boundary.
func IsAligned(b []byte, alignment int) bool {
	if len(b) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&b[0]))%uintptr(alignment) == 0
}
