package sortedmerge

import (
	"bytes"
	"cmp"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// compareFunc compares a[i] with b[j]. Both arrays have the same data type
// and neither cell is null.
type compareFunc func(a arrow.Array, i int, b arrow.Array, j int) int

type valueArray[T any] interface {
	arrow.Array
	Value(int) T
}

func compareOrdered[T cmp.Ordered, A valueArray[T]](a arrow.Array, i int, b arrow.Array, j int) int {
	return cmp.Compare(a.(A).Value(i), b.(A).Value(j))
}

func compareBytes(a arrow.Array, i int, b arrow.Array, j int) int {
	return bytes.Compare(a.(*array.Binary).Value(i), b.(*array.Binary).Value(j))
}

func compareBool(a arrow.Array, i int, b arrow.Array, j int) int {
	x, y := a.(*array.Boolean).Value(i), b.(*array.Boolean).Value(j)
	switch {
	case x == y:
		return 0
	case !x:
		return -1
	default:
		return 1
	}
}

// comparators maps the sort key column types to their comparison.
var comparators = map[arrow.Type]compareFunc{
	arrow.INT8:         compareOrdered[int8, *array.Int8],
	arrow.INT16:        compareOrdered[int16, *array.Int16],
	arrow.INT32:        compareOrdered[int32, *array.Int32],
	arrow.INT64:        compareOrdered[int64, *array.Int64],
	arrow.UINT8:        compareOrdered[uint8, *array.Uint8],
	arrow.UINT16:       compareOrdered[uint16, *array.Uint16],
	arrow.UINT32:       compareOrdered[uint32, *array.Uint32],
	arrow.UINT64:       compareOrdered[uint64, *array.Uint64],
	arrow.FLOAT32:      compareOrdered[float32, *array.Float32],
	arrow.FLOAT64:      compareOrdered[float64, *array.Float64],
	arrow.STRING:       compareOrdered[string, *array.String],
	arrow.LARGE_STRING: compareOrdered[string, *array.LargeString],
	arrow.DATE32:       compareOrdered[arrow.Date32, *array.Date32],
	arrow.DATE64:       compareOrdered[arrow.Date64, *array.Date64],
	arrow.TIMESTAMP:    compareOrdered[arrow.Timestamp, *array.Timestamp],
	arrow.BINARY:       compareBytes,
	arrow.BOOL:         compareBool,
}

// SortKey identifies the columns that define merge order.
type SortKey struct {
	cols  []int
	names []string
	cmps  []compareFunc
}

// NewSortKey resolves the named key columns against schema.
func NewSortKey(schema *arrow.Schema, names []string) (*SortKey, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: at least one sort key column is required", ErrInvalidConfig)
	}
	sk := &SortKey{
		cols:  make([]int, len(names)),
		names: append([]string(nil), names...),
		cmps:  make([]compareFunc, len(names)),
	}
	for i, name := range names {
		indices := schema.FieldIndices(name)
		if len(indices) == 0 {
			return nil, fmt.Errorf("%w: sort key column %q not in schema", ErrInvalidConfig, name)
		}
		dt := schema.Field(indices[0]).Type
		cmpFn, ok := comparators[dt.ID()]
		if !ok {
			return nil, fmt.Errorf("%w: sort key column %q has non-comparable type %s", ErrInvalidConfig, name, dt)
		}
		sk.cols[i] = indices[0]
		sk.cmps[i] = cmpFn
	}
	return sk, nil
}

// Columns returns the schema indices of the key columns.
func (sk *SortKey) Columns() []int { return sk.cols }

// Names returns the key column names.
func (sk *SortKey) Names() []string { return sk.names }

// CompareRows compares row i of batch a with row j of batch b. Nulls sort first.
func (sk *SortKey) CompareRows(a arrow.Record, i int, b arrow.Record, j int) int {
	for k, col := range sk.cols {
		x, y := a.Column(col), b.Column(col)
		xn, yn := x.IsNull(i), y.IsNull(j)
		switch {
		case xn && yn:
			continue
		case xn:
			return -1
		case yn:
			return 1
		}
		if c := sk.cmps[k](x, i, y, j); c != 0 {
			return c
		}
	}
	return 0
}
