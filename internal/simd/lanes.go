// Package simd holds the lane-chunked inner loops shared by the gemm, quant
// and attention kernels. Each DotN keeps N independent partial sums, one per
// lane, reduces them horizontally at the end and finishes the remainder
// with a scalar tail.
package simd

// DotFunc computes the dot product of a and b[:len(a)].
type DotFunc func(a, b []float32) float32

// ForWidth returns the dot kernel for a lane count. Widths other than 8 and
// 16 get the scalar loop.
func ForWidth(width int) DotFunc {
	switch width {
	case 16:
		return Dot16
	case 8:
		return Dot8
	default:
		return DotScalar
	}
}

func DotScalar(a, b []float32) float32 {
	b = b[:len(a)]
	var sum float32
	for i, v := range a {
		sum += v * b[i]
	}
	return sum
}

func Dot8(a, b []float32) float32 {
	n := len(a)
	b = b[:n]
	var acc [8]float32
	i := 0
	for ; i+8 <= n; i += 8 {
		x := a[i : i+8 : i+8]
		y := b[i : i+8 : i+8]
		acc[0] += x[0] * y[0]
		acc[1] += x[1] * y[1]
		acc[2] += x[2] * y[2]
		acc[3] += x[3] * y[3]
		acc[4] += x[4] * y[4]
		acc[5] += x[5] * y[5]
		acc[6] += x[6] * y[6]
		acc[7] += x[7] * y[7]
	}
	sum := ((acc[0] + acc[4]) + (acc[1] + acc[5])) + ((acc[2] + acc[6]) + (acc[3] + acc[7]))
	for ; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func Dot16(a, b []float32) float32 {
	n := len(a)
	b = b[:n]
	var acc [16]float32
	i := 0
	for ; i+16 <= n; i += 16 {
		x := a[i : i+16 : i+16]
		y := b[i : i+16 : i+16]
		for l := 0; l < 16; l++ {
			acc[l] += x[l] * y[l]
		}
	}
	for w := 8; w > 0; w >>= 1 {
		for l := 0; l < w; l++ {
			acc[l] += acc[l+w]
		}
	}
	sum := acc[0]
	for ; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Axpy computes y += alpha*x over len(x) elements.
func Axpy(alpha float32, x, y []float32) {
	y = y[:len(x)]
	for i, v := range x {
		y[i] += alpha * v
	}
}

// Scale multiplies every element of x by s.
func Scale(s float32, x []float32) {
	for i := range x {
		x[i] *= s
	}
}
