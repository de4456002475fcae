// Package helpers provides convenience functions for working with Arrow RecordBatches.
package helpers

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Column returns the named column from a RecordBatch, or an error if not found.
func Column(batch arrow.Record, name string) (arrow.Array, error) {
	idx := ColumnIndex(batch, name)
	if idx < 0 {
		return nil, fmt.Errorf("column %q not found in schema", name)
	}
	return batch.Column(idx), nil
}

// ColumnIndex returns the index of a named column, or -1 if not found.
func ColumnIndex(batch arrow.Record, name string) int {
	indices := batch.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return -1
	}
	return indices[0]
}

// FieldIndices resolves names against schema, failing on the first unknown name.
func FieldIndices(schema *arrow.Schema, names []string) ([]int, error) {
	out := make([]int, len(names))
	for i, name := range names {
		indices := schema.FieldIndices(name)
		if len(indices) == 0 {
			return nil, fmt.Errorf("column %q not found in schema", name)
		}
		out[i] = indices[0]
	}
	return out, nil
}

// Filter applies a boolean mask to a RecordBatch, returning only rows where mask is true.
// The caller is responsible for releasing the returned Record.
func Filter(ctx context.Context, batch arrow.Record, mask arrow.Array) (arrow.Record, error) {
	result, err := compute.FilterRecordBatch(ctx, batch, mask, compute.DefaultFilterOptions())
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	return result, nil
}

// ColumnNames returns the list of column names in a record's schema.
func ColumnNames(batch arrow.Record) []string {
	schema := batch.Schema()
	names := make([]string, schema.NumFields())
	for i := 0; i < schema.NumFields(); i++ {
		names[i] = schema.Field(i).Name
	}
	return names
}

// TotalRows sums the row counts of batches.
func TotalRows(batches []arrow.Record) int64 {
	var n int64
	for _, b := range batches {
		n += b.NumRows()
	}
	return n
}

// ReleaseAll releases every batch.
func ReleaseAll(batches []arrow.Record) {
	for _, b := range batches {
		b.Release()
	}
}

// EmptyRecord returns a zero-row record of schema.
func EmptyRecord(alloc memory.Allocator, schema *arrow.Schema) arrow.Record {
	cols := make([]arrow.Array, schema.NumFields())
	for i, f := range schema.Fields() {
		cols[i] = array.MakeArrayOfNull(alloc, f.Type, 0)
	}
	rec := array.NewRecord(schema, cols, 0)
	for _, c := range cols {
		c.Release()
	}
	return rec
}
