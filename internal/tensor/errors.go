package tensor

import (
	"errors"

	"github.com/23skdu/quarrel-core/internal/alloc"
)

// Every error returned by the compute packages wraps one of these.
var (
	ErrShape             = errors.New("shape error")
	ErrType              = errors.New("type error")
	ErrOutOfMemory       = alloc.ErrOutOfMemory
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrMoved             = errors.New("tensor has been moved")
)
