// Package quant implements the row-wise 4-bit weight codec.
//
// Element (m, k) of an M×K matrix is the nibble at flat index i = m*K + k:
// byte i/2, low nibble when i is even, high nibble when i is odd. Nibbles
// are two's complement in [-8, 7] and every row carries one float32 scale,
// so the real value is scale[m] * nibble.
package quant

import (
	"fmt"
	"math"

	"github.com/23skdu/quarrel-core/internal/tensor"
)

var (
	ErrScale    = fmt.Errorf("%w: invalid quantization scale", tensor.ErrShape)
	ErrNaNValue = fmt.Errorf("%w: NaN cannot be quantized", tensor.ErrType)
)

const (
	MinQ = -8
	MaxQ = 7
)

// Stats describes one Pack call.
type Stats struct {
	Clamped int
}

func Encode(q int8) byte {
	return byte(q) & 0x0F
}

func Decode(nibble byte) int8 {
	nibble &= 0x0F
	if nibble&0x08 != 0 {
		return int8(nibble) - 16
	}
	return int8(nibble)
}

// Quantize rounds w/scale half away from zero and clamps it into [-8, 7].
func Quantize(w, scale float32) (q int8, clamped bool) {
	r := math.Round(float64(w) / float64(scale))
	switch {
	case r > MaxQ:
		return MaxQ, true
	case r < MinQ:
		return MinQ, true
	default:
		return int8(r), false
	}
}

func nibbleAt(packed []byte, i int) int8 {
	b := packed[i>>1]
	if i&1 == 1 {
		b >>= 4
	}
	return Decode(b)
}

// PackedSize is the byte length of an m×k packed matrix.
func PackedSize(m, k int) int {
	return (m*k + 1) / 2
}

func checkDims(m, k int) error {
	if m < 0 || k < 0 {
		return fmt.Errorf("%w: negative dimensions %dx%d", tensor.ErrShape, m, k)
	}
	return nil
}

func checkScales(scales []float32, m int) error {
	if len(scales) != m {
		return fmt.Errorf("%w: %d scales for %d rows", tensor.ErrShape, len(scales), m)
	}
	for i, s := range scales {
		if !(s > 0) || math.IsInf(float64(s), 1) {
			return fmt.Errorf("%w: row %d has scale %v", ErrScale, i, s)
		}
	}
	return nil
}

func checkPacked(packed []byte, m, k int) error {
	if len(packed) != PackedSize(m, k) {
		return fmt.Errorf("%w: %d packed bytes for %dx%d, want %d", tensor.ErrShape, len(packed), m, k, PackedSize(m, k))
	}
	return nil
}

// Pack quantizes a row-major m×k matrix with caller supplied row scales.
func Pack(weights, scales []float32, m, k int) ([]byte, Stats, error) {
	var st Stats
	if err := checkDims(m, k); err != nil {
		return nil, st, err
	}
	if len(weights) != m*k {
		return nil, st, fmt.Errorf("%w: %d weights for %dx%d", tensor.ErrShape, len(weights), m, k)
	}
	if err := checkScales(scales, m); err != nil {
		return nil, st, err
	}
	packed := make([]byte, PackedSize(m, k))
	if err := packInto(packed, weights, scales, m, k, &st); err != nil {
		return nil, st, err
	}
	return packed, st, nil
}

func packInto(packed []byte, weights, scales []float32, m, k int, st *Stats) error {
	for i := range packed {
		packed[i] = 0
	}
	for row := 0; row < m; row++ {
		s := scales[row]
		base := row * k
		for col := 0; col < k; col++ {
			w := weights[base+col]
			if math.IsNaN(float64(w)) {
				return fmt.Errorf("%w: weight (%d, %d)", ErrNaNValue, row, col)
			}
			q, clamped := Quantize(w, s)
			if clamped {
				st.Clamped++
			}
			i := base + col
			if i&1 == 0 {
				packed[i>>1] |= Encode(q)
			} else {
				packed[i>>1] |= Encode(q) << 4
			}
		}
	}
	return nil
}

// Dequantize expands a packed matrix to row-major float32.
func Dequantize(packed []byte, scales []float32, m, k int) ([]float32, error) {
	if err := checkDims(m, k); err != nil {
		return nil, err
	}
	if err := checkPacked(packed, m, k); err != nil {
		return nil, err
	}
	if err := checkScales(scales, m); err != nil {
		return nil, err
	}
	out := make([]float32, m*k)
	dequantInto(out, packed, scales, m, k)
	return out, nil
}

func dequantInto(out []float32, packed []byte, scales []float32, m, k int) {
	for row := 0; row < m; row++ {
		s := scales[row]
		base := row * k
		for col := 0; col < k; col++ {
			out[base+col] = s * float32(nibbleAt(packed, base+col))
		}
	}
}

// decodeRow writes the unscaled nibbles of one row into dst.
func decodeRow(dst []float32, packed []byte, row, k int) {
	base := row * k
	for col := 0; col < k; col++ {
		dst[col] = float32(nibbleAt(packed, base+col))
	}
}

// MatVec computes y[m] = scale[m] * Σ_k nibble(m, k) * x[k] without
// materialising the dequantized matrix.
func MatVec(packed []byte, scales, x, y []float32, m, k int) error {
	if err := validateMatVec(packed, scales, x, y, m, k); err != nil {
		return err
	}
	for row := 0; row < m; row++ {
		base := row * k
		var sum float32
		for col := 0; col < k; col++ {
			sum += float32(nibbleAt(packed, base+col)) * x[col]
		}
		y[row] = scales[row] * sum
	}
	return nil
}

func validateMatVec(packed []byte, scales, x, y []float32, m, k int) error {
	if err := checkDims(m, k); err != nil {
		return err
	}
	if err := checkPacked(packed, m, k); err != nil {
		return err
	}
	if err := checkScales(scales, m); err != nil {
		return err
	}
	if len(x) != k {
		return fmt.Errorf("%w: input length %d, want %d", tensor.ErrShape, len(x), k)
	}
	if len(y) != m {
		return fmt.Errorf("%w: output length %d, want %d", tensor.ErrShape, len(y), m)
	}
	return nil
}

// MaxAbsScales derives per-row scales as max|w|/7 so the largest magnitude
// of each row maps onto the top of the nibble range. All-zero rows get 1.
func MaxAbsScales(weights []float32, m, k int) ([]float32, error) {
	if err := checkDims(m, k); err != nil {
		return nil, err
	}
	if len(weights) != m*k {
		return nil, fmt.Errorf("%w: %d weights for %dx%d", tensor.ErrShape, len(weights), m, k)
	}
	scales := make([]float32, m)
	for row := 0; row < m; row++ {
		var max float64
		for _, w := range weights[row*k : (row+1)*k] {
			a := math.Abs(float64(w))
			if math.IsNaN(a) || math.IsInf(a, 0) {
				return nil, fmt.Errorf("%w: row %d has non-finite weight %v", ErrNaNValue, row, w)
			}
			if a > max {
				max = a
			}
		}
		scales[row] = 1
		if s := float32(max / MaxQ); s > 0 {
			scales[row] = s
		}
	}
	return scales, nil
}
