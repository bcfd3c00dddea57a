package weights

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cespare/xxhash/v2"

	"github.com/23skdu/quarrel-core/internal/logger"
	"github.com/23skdu/quarrel-core/internal/tensor"
)

const (
	colName = iota
	colDType
	colShape
	colData
	colScales
	colChecksum
)

// Schema is the layout of a weights record.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "dtype", Type: arrow.BinaryTypes.String},
	{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "data", Type: arrow.BinaryTypes.Binary},
	{Name: "scales", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32), Nullable: true},
	{Name: "checksum", Type: arrow.PrimitiveTypes.Uint64},
}, nil)

// Record exports every tensor, sorted by name, as one Arrow record. The
// caller releases it.
func (s *Store) Record(mem memory.Allocator) (arrow.Record, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	names := b.Field(colName).(*array.StringBuilder)
	dtypes := b.Field(colDType).(*array.StringBuilder)
	shapes := b.Field(colShape).(*array.ListBuilder)
	dims := shapes.ValueBuilder().(*array.Int64Builder)
	data := b.Field(colData).(*array.BinaryBuilder)
	scales := b.Field(colScales).(*array.ListBuilder)
	scaleVals := scales.ValueBuilder().(*array.Float32Builder)
	sums := b.Field(colChecksum).(*array.Uint64Builder)

	for _, name := range s.Names() {
		e, err := s.get(name)
		if err != nil {
			return nil, err
		}
		raw, err := e.t.Bytes()
		if err != nil {
			return nil, fmt.Errorf("export %q: %w", name, err)
		}
		names.Append(name)
		dtypes.Append(e.t.DType().String())
		shapes.Append(true)
		for _, d := range e.t.Shape() {
			dims.Append(int64(d))
		}
		data.Append(raw)
		if e.scales == nil {
			scales.AppendNull()
		} else {
			scales.Append(true)
			scaleVals.AppendValues(e.scales, nil)
		}
		sums.Append(xxhash.Sum64(raw))
	}
	return b.NewRecord(), nil
}

// LoadRecord adds every row of rec to the store, verifying checksums.
func (s *Store) LoadRecord(rec arrow.Record) error {
	if !rec.Schema().Equal(Schema) {
		return fmt.Errorf("%w: unexpected weights schema %v", tensor.ErrUnsupportedFormat, rec.Schema())
	}
	names := rec.Column(colName).(*array.String)
	dtypes := rec.Column(colDType).(*array.String)
	shapes := rec.Column(colShape).(*array.List)
	dims := shapes.ListValues().(*array.Int64)
	data := rec.Column(colData).(*array.Binary)
	scales := rec.Column(colScales).(*array.List)
	scaleVals := scales.ListValues().(*array.Float32)
	sums := rec.Column(colChecksum).(*array.Uint64)

	for i := 0; i < int(rec.NumRows()); i++ {
		name := names.Value(i)
		dtype, err := tensor.ParseDType(dtypes.Value(i))
		if err != nil {
			return fmt.Errorf("weight %q: %w", name, err)
		}

		start, end := shapes.ValueOffsets(i)
		shape := make([]int, 0, end-start)
		for j := start; j < end; j++ {
			shape = append(shape, int(dims.Value(int(j))))
		}

		raw := data.Value(i)
		if got, want := xxhash.Sum64(raw), sums.Value(i); got != want {
			return fmt.Errorf("%w: weight %q has %016x, record says %016x", ErrChecksum, name, got, want)
		}

		var sc []float32
		if !scales.IsNull(i) {
			start, end := scales.ValueOffsets(i)
			sc = make([]float32, 0, end-start)
			for j := start; j < end; j++ {
				sc = append(sc, scaleVals.Value(int(j)))
			}
		}

		t, err := tensor.FromBytes(shape, dtype, raw)
		if err != nil {
			return fmt.Errorf("weight %q: %w", name, err)
		}
		if err := s.Put(name, t, sc); err != nil {
			t.Release()
			return err
		}
		logger.Log.Debug("loaded weight", "name", name, "dtype", dtype.String(), "shape", shape, "bytes", len(raw))
	}
	return nil
}

// WriteIPC streams the store as a single-batch Arrow IPC stream.
func (s *Store) WriteIPC(w io.Writer, mem memory.Allocator) error {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	rec, err := s.Record(mem)
	if err != nil {
		return err
	}
	defer rec.Release()

	iw := ipc.NewWriter(w, ipc.WithSchema(Schema), ipc.WithAllocator(mem))
	if err := iw.Write(rec); err != nil {
		iw.Close()
		return fmt.Errorf("write weights record: %w", err)
	}
	if err := iw.Close(); err != nil {
		return fmt.Errorf("close weights stream: %w", err)
	}
	return nil
}

// ReadIPC loads every record batch of an Arrow IPC stream into a new store.
func ReadIPC(r io.Reader, mem memory.Allocator) (*Store, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	rd, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("%w: open weights stream: %v", tensor.ErrUnsupportedFormat, err)
	}
	defer rd.Release()

	s := NewStore()
	for rd.Next() {
		if err := s.LoadRecord(rd.Record()); err != nil {
			s.Release()
			return nil, err
		}
	}
	if err := rd.Err(); err != nil && err != io.EOF {
		s.Release()
		return nil, fmt.Errorf("read weights stream: %w", err)
	}
	logger.Log.With("weights").Info("weights loaded", "tensors", s.Len())
	return s, nil
}
