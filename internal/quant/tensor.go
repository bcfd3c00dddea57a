package quant

import (
	"fmt"

	"github.com/23skdu/quarrel-core/internal/tensor"
)

// rowsCols treats the last dimension as K and folds the rest into M.
func rowsCols(t *tensor.Tensor) (int, int, error) {
	if t.Rank() == 0 {
		return 0, 0, fmt.Errorf("%w: rank 0 tensor", tensor.ErrShape)
	}
	k := t.Dim(t.Rank() - 1)
	if k == 0 {
		return 0, 0, nil
	}
	return t.Numel() / k, k, nil
}

// PackTensor quantizes an F32 tensor into a Q4 tensor of the same shape.
func PackTensor(w *tensor.Tensor, scales []float32) (*tensor.Tensor, Stats, error) {
	var st Stats
	data, err := w.Float32s()
	if err != nil {
		return nil, st, err
	}
	m, k, err := rowsCols(w)
	if err != nil {
		return nil, st, err
	}
	if err := checkScales(scales, m); err != nil {
		return nil, st, err
	}
	out, err := tensor.New(w.Shape(), tensor.Q4)
	if err != nil {
		return nil, st, err
	}
	packed, _ := out.Q4Bytes()
	if err := packInto(packed, data, scales, m, k, &st); err != nil {
		out.Release()
		return nil, st, err
	}
	return out, st, nil
}

// DequantizeTensor expands a Q4 tensor into an F32 tensor of the same shape.
func DequantizeTensor(q *tensor.Tensor, scales []float32) (*tensor.Tensor, error) {
	packed, err := q.Q4Bytes()
	if err != nil {
		return nil, err
	}
	m, k, err := rowsCols(q)
	if err != nil {
		return nil, err
	}
	if err := checkScales(scales, m); err != nil {
		return nil, err
	}
	out, err := tensor.New(q.Shape(), tensor.F32)
	if err != nil {
		return nil, err
	}
	dst, _ := out.Float32s()
	dequantInto(dst, packed, scales, m, k)
	return out, nil
}

func matVecOperands(q, x, y *tensor.Tensor) ([]byte, []float32, []float32, int, int, error) {
	if q.Rank() != 2 || x.Rank() != 1 || y.Rank() != 1 {
		return nil, nil, nil, 0, 0, fmt.Errorf("%w: q4 matvec requires a 2D matrix and 1D vectors, got %v, %v, %v",
			tensor.ErrShape, q.Shape(), x.Shape(), y.Shape())
	}
	packed, err := q.Q4Bytes()
	if err != nil {
		return nil, nil, nil, 0, 0, err
	}
	xs, err := x.Float32s()
	if err != nil {
		return nil, nil, nil, 0, 0, err
	}
	ys, err := y.Float32s()
	if err != nil {
		return nil, nil, nil, 0, 0, err
	}
	return packed, xs, ys, q.Dim(0), q.Dim(1), nil
}

// MatVecTensor is MatVec over a Q4 [M, K] tensor and F32 vectors.
func MatVecTensor(q *tensor.Tensor, scales []float32, x, y *tensor.Tensor) error {
	packed, xs, ys, m, k, err := matVecOperands(q, x, y)
	if err != nil {
		return err
	}
	return MatVec(packed, scales, xs, ys, m, k)
}
