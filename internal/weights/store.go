// Package weights keeps named model tensors and moves them in and out of
// Arrow records. One row describes one tensor: its name, dtype, shape,
// raw storage bytes, optional per-row Q4 scales and an xxhash64 checksum of
// the storage.
package weights

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/23skdu/quarrel-core/internal/quant"
	"github.com/23skdu/quarrel-core/internal/tensor"
)

var (
	ErrNotFound = errors.New("weight not found")
	ErrChecksum = fmt.Errorf("%w: checksum mismatch", tensor.ErrUnsupportedFormat)
)

// Provider supplies named raw tensors to the compute kernels. The returned
// tensor stays owned by the provider.
type Provider interface {
	Tensor(name string) (*tensor.Tensor, error)
}

type entry struct {
	t      *tensor.Tensor
	scales []float32
}

// Store is an in-memory Provider. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

var _ Provider = (*Store)(nil)

func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// rows is the Q4 row count: every dimension but the last.
func rows(shape []int) int {
	if len(shape) == 0 || shape[len(shape)-1] == 0 {
		return 0
	}
	return tensor.Numel(shape) / shape[len(shape)-1]
}

// Put takes ownership of t, leaving the caller's tensor empty. Q4 tensors
// need one scale per row; dense tensors take none.
func (s *Store) Put(name string, t *tensor.Tensor, scales []float32) error {
	if name == "" {
		return fmt.Errorf("%w: empty weight name", tensor.ErrShape)
	}
	if t.Moved() {
		return fmt.Errorf("weight %q: %w", name, tensor.ErrMoved)
	}
	switch t.DType() {
	case tensor.Q4:
		if n := rows(t.Shape()); len(scales) != n {
			return fmt.Errorf("%w: weight %q has %d scales for %d rows", tensor.ErrShape, name, len(scales), n)
		}
	default:
		if len(scales) != 0 {
			return fmt.Errorf("%w: weight %q is %v and takes no scales", tensor.ErrType, name, t.DType())
		}
		scales = nil
	}

	e := &entry{t: t.Take(), scales: append([]float32(nil), scales...)}
	s.mu.Lock()
	old := s.entries[name]
	s.entries[name] = e
	s.mu.Unlock()
	if old != nil {
		old.t.Release()
	}
	return nil
}

func (s *Store) get(name string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return e, nil
}

// Tensor borrows a stored tensor. Callers must not release it.
func (s *Store) Tensor(name string) (*tensor.Tensor, error) {
	e, err := s.get(name)
	if err != nil {
		return nil, err
	}
	return e.t, nil
}

// Scales returns the Q4 row scales of a tensor, nil for dense ones.
func (s *Store) Scales(name string) ([]float32, error) {
	e, err := s.get(name)
	if err != nil {
		return nil, err
	}
	return e.scales, nil
}

// Dequantized returns an F32 copy of any stored tensor.
func (s *Store) Dequantized(name string) (*tensor.Tensor, error) {
	e, err := s.get(name)
	if err != nil {
		return nil, err
	}
	if e.t.DType() == tensor.Q4 {
		return quant.DequantizeTensor(e.t, e.scales)
	}
	return tensor.ToFloat32(e.t)
}

// Take removes a tensor and hands ownership to the caller.
func (s *Store) Take(name string) (*tensor.Tensor, []float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	delete(s.entries, name)
	return e.t, e.scales, nil
}

func (s *Store) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.entries))
	for n := range s.entries {
		names = append(names, n)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Release frees every stored tensor and empties the store.
func (s *Store) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, e := range s.entries {
		e.t.Release()
		delete(s.entries, name)
	}
}
