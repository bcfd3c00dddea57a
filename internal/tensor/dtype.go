package tensor

import "fmt"

type DType uint8

const (
	F32 DType = iota
	F16
	I8
	Q4
)

// Invalid is the dtype of a moved or released tensor.
const Invalid DType = 0xFF

func (d DType) String() string {
	switch d {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case I8:
		return "I8"
	case Q4:
		return "Q4"
	case Invalid:
		return "Invalid"
	default:
		return fmt.Sprintf("DType(%d)", uint8(d))
	}
}

func (d DType) Valid() bool {
	switch d {
	case F32, F16, I8, Q4:
		return true
	default:
		return false
	}
}

// ElemSize is the width of one addressable element in bytes. Q4 packs two
// elements per byte and has no addressable element, so it reports 0.
func (d DType) ElemSize() int {
	switch d {
	case F32:
		return 4
	case F16:
		return 2
	case I8:
		return 1
	case Q4:
		return 0
	default:
		return 0
	}
}

// ParseDType is the inverse of String.
func ParseDType(s string) (DType, error) {
	switch s {
	case "F32":
		return F32, nil
	case "F16":
		return F16, nil
	case "I8":
		return I8, nil
	case "Q4":
		return Q4, nil
	default:
		return 0, fmt.Errorf("%w: dtype %q", ErrUnsupportedFormat, s)
	}
}

// Numel is the product of dims. An empty shape has zero elements.
func Numel(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// ByteSize is the storage needed for numel elements of dtype.
func ByteSize(numel int, dtype DType) int {
	switch dtype {
	case F32:
		return numel * 4
	case F16:
		return numel * 2
	case I8:
		return numel
	case Q4:
		return (numel + 1) / 2
	default:
		return 0
	}
}
