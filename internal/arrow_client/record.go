package arrow_client

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Column names of an embedding record.
const (
	IDField     = "id"
	VectorField = "embedding"
)

var ErrBadSchema = errors.New("not an embedding schema")

// EmbeddingBatch is a set of equally sized vectors with their ids.
type EmbeddingBatch struct {
	IDs      []string
	Vectors  [][]float32
	Metadata map[string]string // stored as schema metadata
}

// NewEmbeddingBatch pairs vectors with ids. With nil ids the row index is
// used.
func NewEmbeddingBatch(vectors [][]float32, ids []string) *EmbeddingBatch {
	if ids == nil {
		ids = make([]string, len(vectors))
		for i := range ids {
			ids[i] = strconv.Itoa(i)
		}
	}
	return &EmbeddingBatch{
		IDs:      ids,
		Vectors:  vectors,
		Metadata: make(map[string]string),
	}
}

// Dim is the vector width, 0 for an empty batch.
func (b *EmbeddingBatch) Dim() int {
	if len(b.Vectors) == 0 {
		return 0
	}
	return len(b.Vectors[0])
}

func (b *EmbeddingBatch) Len() int { return len(b.Vectors) }

func (b *EmbeddingBatch) Validate() error {
	if len(b.Vectors) == 0 {
		return fmt.Errorf("no vectors provided")
	}
	if len(b.IDs) != len(b.Vectors) {
		return fmt.Errorf("%d ids for %d vectors", len(b.IDs), len(b.Vectors))
	}
	dim := b.Dim()
	if dim == 0 {
		return fmt.Errorf("vectors have no elements")
	}
	for i, v := range b.Vectors {
		if len(v) != dim {
			return fmt.Errorf("vector %d has %d elements, want %d", i, len(v), dim)
		}
	}
	return nil
}

// EmbeddingSchema is (id utf8, embedding fixed_size_list<float32>[dim]).
func EmbeddingSchema(dim int, metadata map[string]string) *arrow.Schema {
	var md *arrow.Metadata
	if len(metadata) > 0 {
		m := arrow.MetadataFrom(metadata)
		md = &m
	}
	return arrow.NewSchema([]arrow.Field{
		{Name: IDField, Type: arrow.BinaryTypes.String},
		{Name: VectorField, Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)},
	}, md)
}

// Record builds one Arrow record from the batch. The caller releases it.
func (b *EmbeddingBatch) Record(mem memory.Allocator) (arrow.Record, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	bld := array.NewRecordBuilder(mem, EmbeddingSchema(b.Dim(), b.Metadata))
	defer bld.Release()

	ids := bld.Field(0).(*array.StringBuilder)
	vecs := bld.Field(1).(*array.FixedSizeListBuilder)
	vals := vecs.ValueBuilder().(*array.Float32Builder)
	vals.Reserve(b.Len() * b.Dim())
	for i, v := range b.Vectors {
		ids.Append(b.IDs[i])
		vecs.Append(true)
		vals.AppendValues(v, nil)
	}
	return bld.NewRecord(), nil
}

// embeddingColumns checks the schema and returns the vector width.
func embeddingColumns(schema *arrow.Schema) (int, error) {
	if schema.NumFields() != 2 || schema.Field(0).Name != IDField || schema.Field(1).Name != VectorField {
		return 0, fmt.Errorf("%w: %s", ErrBadSchema, schema)
	}
	lt, ok := schema.Field(1).Type.(*arrow.FixedSizeListType)
	if !ok || lt.Elem().ID() != arrow.FLOAT32 {
		return 0, fmt.Errorf("%w: %s is %s", ErrBadSchema, VectorField, schema.Field(1).Type)
	}
	return int(lt.Len()), nil
}

// appendRecord copies the rows of rec into b.
func (b *EmbeddingBatch) appendRecord(rec arrow.Record) error {
	dim, err := embeddingColumns(rec.Schema())
	if err != nil {
		return err
	}
	ids, ok := rec.Column(0).(*array.String)
	if !ok {
		return fmt.Errorf("%w: id column is %T", ErrBadSchema, rec.Column(0))
	}
	vecs := rec.Column(1).(*array.FixedSizeList)
	vals := vecs.ListValues().(*array.Float32).Float32Values()

	for i := 0; i < int(rec.NumRows()); i++ {
		if vecs.IsNull(i) {
			return fmt.Errorf("row %d has a null embedding", i)
		}
		start, end := vecs.ValueOffsets(i)
		if int(end-start) != dim {
			return fmt.Errorf("row %d has %d elements, want %d", i, end-start, dim)
		}
		v := make([]float32, dim)
		copy(v, vals[start:end])
		b.IDs = append(b.IDs, ids.Value(i))
		b.Vectors = append(b.Vectors, v)
	}
	if md := rec.Schema().Metadata(); md.Len() > 0 {
		for i, k := range md.Keys() {
			b.Metadata[k] = md.Values()[i]
		}
	}
	return nil
}

// BatchFromRecords concatenates records sharing the embedding schema.
func BatchFromRecords(recs ...arrow.Record) (*EmbeddingBatch, error) {
	out := &EmbeddingBatch{Metadata: make(map[string]string)}
	for _, rec := range recs {
		if err := out.appendRecord(rec); err != nil {
			return nil, err
		}
	}
	return out, nil
}
