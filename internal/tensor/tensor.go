// Package tensor holds the dense and 4-bit packed tensors every kernel
// operates on.
//
// A Tensor exclusively owns its buffer. Take moves ownership to a new
// value and leaves the source empty; accessors on an empty tensor fail with
// ErrMoved. Accessors return views into the owned buffer, not copies.
package tensor

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/x448/float16"

	"github.com/23skdu/quarrel-core/internal/alloc"
)

type Tensor struct {
	shape []int
	dtype DType
	buf   []byte
	owned bool
	moved bool
}

// Element is the set of Go types a dense tensor can be viewed as.
type Element interface {
	~float32 | ~uint16 | ~int8
}

func checkShape(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, nil
	}
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dimension in %v", ErrShape, shape)
		}
		if d != 0 && n > math.MaxInt/4/d {
			return 0, fmt.Errorf("%w: shape %v overflows", ErrOutOfMemory, shape)
		}
		n *= d
	}
	return n, nil
}

// New allocates an aligned tensor. Its contents are unspecified.
func New(shape []int, dtype DType) (*Tensor, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, dtype)
	}
	n, err := checkShape(shape)
	if err != nil {
		return nil, err
	}
	buf, err := alloc.Allocate(ByteSize(n, dtype), alloc.DefaultAlignment)
	if err != nil {
		return nil, fmt.Errorf("tensor %v %v: %w", shape, dtype, err)
	}
	return &Tensor{shape: append([]int(nil), shape...), dtype: dtype, buf: buf, owned: true}, nil
}

// Wrap builds a tensor over caller memory, such as an arena slice. The
// tensor borrows buf: Release does not return it to the allocator.
func Wrap(shape []int, dtype DType, buf []byte) (*Tensor, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, dtype)
	}
	n, err := checkShape(shape)
	if err != nil {
		return nil, err
	}
	size := ByteSize(n, dtype)
	if len(buf) < size {
		return nil, fmt.Errorf("%w: buffer of %d bytes for %v %v needs %d", ErrShape, len(buf), shape, dtype, size)
	}
	if es := dtype.ElemSize(); es > 1 && !alloc.IsAligned(buf, es) {
		return nil, fmt.Errorf("%w: buffer not aligned to %d bytes", alloc.ErrAlignment, es)
	}
	return &Tensor{shape: append([]int(nil), shape...), dtype: dtype, buf: buf[:size:size]}, nil
}

// FromBytes copies raw into a new tensor. len(raw) must equal the byte size
// of shape at dtype.
func FromBytes(shape []int, dtype DType, raw []byte) (*Tensor, error) {
	t, err := New(shape, dtype)
	if err != nil {
		return nil, err
	}
	if len(raw) != len(t.buf) {
		t.Release()
		return nil, fmt.Errorf("%w: %d bytes for %v %v, want %d", ErrShape, len(raw), shape, dtype, ByteSize(Numel(shape), dtype))
	}
	copy(t.buf, raw)
	return t, nil
}

func FromFloat32(shape []int, data []float32) (*Tensor, error) {
	if Numel(shape) != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), shape)
	}
	t, err := New(shape, F32)
	if err != nil {
		return nil, err
	}
	dst, _ := t.Float32s()
	copy(dst, data)
	return t, nil
}

func FromQ4(shape []int, packed []byte) (*Tensor, error) {
	return FromBytes(shape, Q4, packed)
}

func (t *Tensor) check() error {
	if t == nil || t.moved {
		return ErrMoved
	}
	return nil
}

// Take transfers ownership of the buffer to the returned tensor and empties t.
func (t *Tensor) Take() *Tensor {
	if t == nil || t.moved {
		return &Tensor{moved: true}
	}
	n := &Tensor{shape: t.shape, dtype: t.dtype, buf: t.buf, owned: t.owned}
	*t = Tensor{moved: true}
	return n
}

// Release frees the buffer and empties t. Releasing twice is a no-op.
func (t *Tensor) Release() {
	if t == nil || t.moved {
		return
	}
	if t.owned {
		alloc.Deallocate(t.buf)
	}
	*t = Tensor{moved: true}
}

func (t *Tensor) Moved() bool { return t == nil || t.moved }

// Shape returns a copy of the dimensions.
func (t *Tensor) Shape() []int {
	if t.Moved() {
		return nil
	}
	return append([]int(nil), t.shape...)
}

func (t *Tensor) Rank() int {
	if t.Moved() {
		return 0
	}
	return len(t.shape)
}

// Dim returns dimension i, or 0 when i is out of range.
func (t *Tensor) Dim(i int) int {
	if t.Moved() || i < 0 || i >= len(t.shape) {
		return 0
	}
	return t.shape[i]
}

// DType is Invalid once the tensor has been moved or released.
func (t *Tensor) DType() DType {
	if t.Moved() {
		return Invalid
	}
	return t.dtype
}

func (t *Tensor) Numel() int {
	if t.Moved() {
		return 0
	}
	return Numel(t.shape)
}

func (t *Tensor) ByteSize() int {
	if t.Moved() {
		return 0
	}
	return len(t.buf)
}

// Bytes is the raw storage view for any dtype.
func (t *Tensor) Bytes() ([]byte, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.buf, nil
}

// Q4Bytes is the packed nibble view. Only valid on Q4 tensors.
func (t *Tensor) Q4Bytes() ([]byte, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if t.dtype != Q4 {
		return nil, fmt.Errorf("%w: packed access on %v tensor", ErrType, t.dtype)
	}
	return t.buf, nil
}

// Data views a dense tensor as []T. The size of T must equal the element
// size of the tensor's dtype.
func Data[T Element](t *Tensor) ([]T, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if t.dtype == Q4 {
		return nil, fmt.Errorf("%w: element access on Q4 tensor", ErrType)
	}
	var zero T
	size := int(unsafe.Sizeof(zero))
	if size != t.dtype.ElemSize() {
		return nil, fmt.Errorf("%w: %d-byte element view of %v tensor", ErrType, size, t.dtype)
	}
	if len(t.buf) == 0 {
		return []T{}, nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&t.buf[0])), len(t.buf)/size), nil
}

func (t *Tensor) Float32s() ([]float32, error) { return Data[float32](t) }

func (t *Tensor) Float16s() ([]float16.Float16, error) { return Data[float16.Float16](t) }

func (t *Tensor) Int8s() ([]int8, error) { return Data[int8](t) }

// Reshape returns a new tensor with a copy of the bytes in the same flat
// order under newShape.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	n, err := checkShape(newShape)
	if err != nil {
		return nil, err
	}
	if n != Numel(t.shape) {
		return nil, fmt.Errorf("%w: cannot reshape %v (%d elements) to %v (%d elements)",
			ErrShape, t.shape, Numel(t.shape), newShape, n)
	}
	return FromBytes(newShape, t.dtype, t.buf)
}

// Clone returns an independent copy.
func (t *Tensor) Clone() (*Tensor, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return FromBytes(t.shape, t.dtype, t.buf)
}

// Checksum is the xxhash64 of the storage bytes.
func (t *Tensor) Checksum() uint64 {
	if t.Moved() {
		return 0
	}
	return xxhash.Sum64(t.buf)
}

func (t *Tensor) String() string {
	if t.Moved() {
		return "Tensor(moved)"
	}
	dims := make([]string, len(t.shape))
	for i, d := range t.shape {
		dims[i] = strconv.Itoa(d)
	}
	return fmt.Sprintf("Tensor(shape=[%s], dtype=%v, numel=%d)", strings.Join(dims, ", "), t.dtype, Numel(t.shape))
}
