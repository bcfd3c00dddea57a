package simd

import (
	"math"
	"math/rand"
	"testing"
)

func close32(a, b float32, tol float64) bool {
	d := math.Abs(float64(a - b))
	m := math.Max(1, math.Max(math.Abs(float64(a)), math.Abs(float64(b))))
	return d <= tol*m
}

func randVec(r *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = r.Float32()*2 - 1
	}
	return v
}

func TestDotKernelsAgree(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for _, n := range []int{0, 1, 7, 8, 9, 15, 16, 17, 33, 64, 100, 129} {
		a := randVec(r, n)
		b := randVec(r, n)
		want := DotScalar(a, b)
		for _, w := range []int{8, 16} {
			got := ForWidth(w)(a, b)
			if !close32(got, want, 1e-5) {
				t.Errorf("n=%d width=%d: got %v, want %v", n, w, got, want)
			}
		}
	}
}

func TestDotKnownValue(t *testing.T) {
	a := make([]float32, 19)
	b := make([]float32, 19)
	var want float32
	for i := range a {
		a[i] = float32(i)
		b[i] = 2
		want += float32(2 * i)
	}
	for _, dot := range []DotFunc{DotScalar, Dot8, Dot16} {
		if got := dot(a, b); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestForWidthFallback(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}
	for _, w := range []int{0, 1, 4, 32} {
		if got := ForWidth(w)(a, b); got != 32 {
			t.Errorf("width %d: got %v", w, got)
		}
	}
}

func TestAxpyScale(t *testing.T) {
	y := []float32{1, 1, 1}
	Axpy(2, []float32{1, 2, 3}, y)
	want := []float32{3, 5, 7}
	for i := range y {
		if y[i] != want[i] {
			t.Errorf("y[%d] = %v, want %v", i, y[i], want[i])
		}
	}
	Scale(0.5, y)
	if y[2] != 3.5 {
		t.Errorf("Scale: y[2] = %v", y[2])
	}
}

func BenchmarkDot(b *testing.B) {
	r := rand.New(rand.NewSource(2))
	x := randVec(r, 4096)
	y := randVec(r, 4096)
	for _, w := range []int{1, 8, 16} {
		dot := ForWidth(w)
		b.Run(map[int]string{1: "scalar", 8: "lanes8", 16: "lanes16"}[w], func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = dot(x, y)
			}
		})
	}
}
