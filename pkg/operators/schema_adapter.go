package operators

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/isotope/lakemerge/pkg/operator"
)

// ErrMissingColumn is returned when a batch lacks a non-nullable column of the target schema.
var ErrMissingColumn = errors.New("missing required column")

// SchemaAdapter aligns batches read from different files to a table schema:
// columns are matched by name and reordered, cast to the target type when it
// differs, and missing nullable columns are filled with nulls. Extra columns
// are dropped.
type SchemaAdapter struct {
	operator.Stateless

	target *arrow.Schema
	alloc  memory.Allocator
	ctx    context.Context
}

// NewSchemaAdapter creates a SchemaAdapter for the target schema.
func NewSchemaAdapter(target *arrow.Schema) *SchemaAdapter {
	return &SchemaAdapter{target: target, alloc: memory.DefaultAllocator, ctx: context.Background()}
}

// Schema returns the target schema.
func (s *SchemaAdapter) Schema() *arrow.Schema { return s.target }

func (s *SchemaAdapter) Open(ctx *operator.Context) error {
	s.alloc = ctx.Alloc
	s.ctx = ctx.Ctx
	return nil
}

func (s *SchemaAdapter) ProcessBatch(batch arrow.Record) ([]arrow.Record, error) {
	out, err := s.Adapt(batch)
	if err != nil {
		return nil, err
	}
	return []arrow.Record{out}, nil
}

// Adapt returns batch conformed to the target schema. A batch already in the
// target layout is retained and returned as is.
func (s *SchemaAdapter) Adapt(batch arrow.Record) (arrow.Record, error) {
	if batch.Schema().Equal(s.target) {
		batch.Retain()
		return batch, nil
	}

	schema := batch.Schema()
	n := s.target.NumFields()
	arrays := make([]arrow.Array, 0, n)
	release := func() {
		for _, a := range arrays {
			a.Release()
		}
	}

	for i := 0; i < n; i++ {
		f := s.target.Field(i)
		indices := schema.FieldIndices(f.Name)
		if len(indices) == 0 {
			if !f.Nullable {
				release()
				return nil, fmt.Errorf("%w: %q", ErrMissingColumn, f.Name)
			}
			arrays = append(arrays, array.MakeArrayOfNull(s.alloc, f.Type, int(batch.NumRows())))
			continue
		}

		col := batch.Column(indices[0])
		if arrow.TypeEqual(col.DataType(), f.Type) {
			col.Retain()
			arrays = append(arrays, col)
			continue
		}

		casted, err := s.cast(col, f.Type)
		if err != nil {
			release()
			return nil, fmt.Errorf("cast column %q from %s to %s: %w", f.Name, col.DataType(), f.Type, err)
		}
		arrays = append(arrays, casted)
	}

	result := array.NewRecord(s.target, arrays, batch.NumRows())
	// NewRecord retains, so release our references.
	release()
	return result, nil
}

func (s *SchemaAdapter) cast(arr arrow.Array, target arrow.DataType) (arrow.Array, error) {
	ctx := compute.WithAllocator(s.ctx, s.alloc)
	return compute.CastArray(ctx, arr, compute.SafeCastOptions(target))
}

func (s *SchemaAdapter) Close() error { return nil }
