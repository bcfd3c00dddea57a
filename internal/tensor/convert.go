package tensor

import (
	"fmt"

	"github.com/x448/float16"
)

// ToFloat32 converts a dense tensor to a new F32 tensor. Q4 needs its row
// scales and is handled by the quant package.
func ToFloat32(t *Tensor) (*Tensor, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	out, err := New(t.shape, F32)
	if err != nil {
		return nil, err
	}
	dst, _ := out.Float32s()

	switch t.dtype {
	case F32:
		copy(out.buf, t.buf)
	case F16:
		src, _ := t.Float16s()
		for i, v := range src {
			dst[i] = v.Float32()
		}
	case I8:
		src, _ := t.Int8s()
		for i, v := range src {
			dst[i] = float32(v)
		}
	case Q4:
		out.Release()
		return nil, fmt.Errorf("%w: Q4 to F32 requires row scales", ErrUnsupportedFormat)
	default:
		out.Release()
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, t.dtype)
	}
	return out, nil
}

// FromFloat32To builds a tensor of a dense dtype from float32 values.
// Values are rounded to F16 or truncated toward zero and saturated for I8.
func FromFloat32To(shape []int, dtype DType, data []float32) (*Tensor, error) {
	if Numel(shape) != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), shape)
	}
	switch dtype {
	case F32:
		return FromFloat32(shape, data)
	case F16:
		t, err := New(shape, F16)
		if err != nil {
			return nil, err
		}
		dst, _ := t.Float16s()
		for i, v := range data {
			dst[i] = float16.Fromfloat32(v)
		}
		return t, nil
	case I8:
		t, err := New(shape, I8)
		if err != nil {
			return nil, err
		}
		dst, _ := t.Int8s()
		for i, v := range data {
			switch {
			case v > 127:
				dst[i] = 127
			case v < -128:
				dst[i] = -128
			default:
				dst[i] = int8(v)
			}
		}
		return t, nil
	case Q4:
		return nil, fmt.Errorf("%w: Q4 packing requires row scales", ErrUnsupportedFormat)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, dtype)
	}
}
