package sortedmerge

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// cell addresses a single value of a source array.
type cell struct {
	arr arrow.Array
	row int
}

// valueBuilder accumulates freshly computed values for one output column.
type valueBuilder interface {
	Len() int
	NewArray() arrow.Array
	Release()

	// appendSum appends the sum of the non-null cells and reports whether any were found.
	appendSum(cells []cell) (bool, error)
	// appendJoined appends the non-null cells joined by sep and reports whether any were found.
	appendJoined(cells []cell, sep string) (bool, error)
}

type numeric interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

type typedBuilder[T any] interface {
	Append(T)
	Len() int
	Reserve(int)
	NewArray() arrow.Array
	Release()
}

type numericBuilder[T numeric] struct {
	typedBuilder[T]
}

func (b *numericBuilder[T]) appendSum(cells []cell) (bool, error) {
	var sum T
	seen := false
	for _, c := range cells {
		if c.arr.IsNull(c.row) {
			continue
		}
		vals, ok := c.arr.(interface{ Value(int) T })
		if !ok {
			return false, fmt.Errorf("%w: cannot read %s as %T", ErrArrayAssembly, c.arr.DataType(), sum)
		}
		sum += vals.Value(c.row)
		seen = true
	}
	if !seen {
		return false, nil
	}
	b.Append(sum)
	return true, nil
}

func (b *numericBuilder[T]) appendJoined([]cell, string) (bool, error) {
	return false, ErrUnsupportedTypeOperator
}

type stringBuilder struct {
	typedBuilder[string]
}

func (b *stringBuilder) appendSum([]cell) (bool, error) {
	return false, ErrUnsupportedTypeOperator
}

func (b *stringBuilder) appendJoined(cells []cell, sep string) (bool, error) {
	var sb strings.Builder
	seen := false
	for _, c := range cells {
		if c.arr.IsNull(c.row) {
			continue
		}
		vals, ok := c.arr.(interface{ Value(int) string })
		if !ok {
			return false, fmt.Errorf("%w: cannot read %s as string", ErrArrayAssembly, c.arr.DataType())
		}
		if seen {
			sb.WriteString(sep)
		}
		sb.WriteString(vals.Value(c.row))
		seen = true
	}
	if !seen {
		return false, nil
	}
	b.Append(sb.String())
	return true, nil
}

type valueBuilderFactory struct {
	summable bool
	joinable bool
	build    func(mem memory.Allocator) valueBuilder
}

func numericFactory[T numeric, B typedBuilder[T]](newBuilder func(memory.Allocator) B) valueBuilderFactory {
	return valueBuilderFactory{
		summable: true,
		build: func(mem memory.Allocator) valueBuilder {
			return &numericBuilder[T]{newBuilder(mem)}
		},
	}
}

func stringFactory[B typedBuilder[string]](newBuilder func(memory.Allocator) B) valueBuilderFactory {
	return valueBuilderFactory{
		joinable: true,
		build: func(mem memory.Allocator) valueBuilder {
			return &stringBuilder{newBuilder(mem)}
		},
	}
}

// valueBuilders is the closed set of column types that support freshly
// computed values. Add a type by adding an entry.
var valueBuilders = map[arrow.Type]valueBuilderFactory{
	arrow.INT8:         numericFactory[int8](array.NewInt8Builder),
	arrow.INT16:        numericFactory[int16](array.NewInt16Builder),
	arrow.INT32:        numericFactory[int32](array.NewInt32Builder),
	arrow.INT64:        numericFactory[int64](array.NewInt64Builder),
	arrow.UINT8:        numericFactory[uint8](array.NewUint8Builder),
	arrow.UINT16:       numericFactory[uint16](array.NewUint16Builder),
	arrow.UINT32:       numericFactory[uint32](array.NewUint32Builder),
	arrow.UINT64:       numericFactory[uint64](array.NewUint64Builder),
	arrow.FLOAT32:      numericFactory[float32](array.NewFloat32Builder),
	arrow.FLOAT64:      numericFactory[float64](array.NewFloat64Builder),
	arrow.STRING:       stringFactory(array.NewStringBuilder),
	arrow.LARGE_STRING: stringFactory(array.NewLargeStringBuilder),
}

// newValueBuilder allocates a builder for dt with room for capacity values.
func newValueBuilder(mem memory.Allocator, dt arrow.DataType, op MergeOperator, capacity int) (valueBuilder, error) {
	if err := checkSupport(op, dt); err != nil {
		return nil, err
	}
	vb := valueBuilders[dt.ID()].build(mem)
	if tb, ok := vb.(interface{ Reserve(int) }); ok {
		tb.Reserve(capacity)
	}
	return vb, nil
}

// checkSupport reports whether op can produce values for dt.
func checkSupport(op MergeOperator, dt arrow.DataType) error {
	if !op.needsBuilder() {
		return nil
	}
	f, ok := valueBuilders[dt.ID()]
	switch {
	case !ok:
	case op.sums() && f.summable:
		return nil
	case op.joins() && f.joinable:
		return nil
	}
	return fmt.Errorf("%w: %s on %s", ErrUnsupportedTypeOperator, op, dt)
}
