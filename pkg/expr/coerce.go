package expr

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

type numericClass int

const (
	notNumeric numericClass = iota
	unsignedInt
	signedInt
	floating
)

func classify(t arrow.Type) numericClass {
	switch t {
	case arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return unsignedInt
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64:
		return signedInt
	case arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64:
		return floating
	default:
		return notNumeric
	}
}

func isTemporal(t arrow.Type) bool {
	return t == arrow.DATE32 || t == arrow.DATE64 || t == arrow.TIMESTAMP
}

func isBinaryLike(t arrow.Type) bool {
	switch t {
	case arrow.STRING, arrow.LARGE_STRING, arrow.BINARY, arrow.LARGE_BINARY:
		return true
	}
	return false
}

// coerceTypes brings both operands of a binary operator to one type.
//
//   - an all-null or empty operand takes the other operand's type
//   - a string compared with a date or timestamp is parsed into that type
//   - numbers compared with a boolean become booleans
//   - integers of one signedness widen to 64 bits, mixed signedness to
//     Int64, anything with a float to Float64
//   - a string meets large_string or binary as the other operand's type
//
// The returned arrays are new references; the caller still owns the inputs.
// Pairs with no rule are handed to the kernel unchanged.
func coerceTypes(ctx context.Context, alloc memory.Allocator, left, right arrow.Array) (arrow.Array, arrow.Array, error) {
	lt, rt := left.DataType(), right.DataType()
	if arrow.TypeEqual(lt, rt) {
		left.Retain()
		right.Retain()
		return left, right, nil
	}

	switch {
	case isAllNull(right):
		left.Retain()
		return left, array.MakeArrayOfNull(alloc, lt, right.Len()), nil
	case isAllNull(left):
		right.Retain()
		return array.MakeArrayOfNull(alloc, rt, left.Len()), right, nil
	case isTemporal(lt.ID()) && isBinaryLike(rt.ID()):
		parsed, err := parseTemporalArray(alloc, right, lt)
		if err != nil {
			return nil, nil, err
		}
		left.Retain()
		return left, parsed, nil
	case isTemporal(rt.ID()) && isBinaryLike(lt.ID()):
		parsed, err := parseTemporalArray(alloc, left, rt)
		if err != nil {
			return nil, nil, err
		}
		right.Retain()
		return parsed, right, nil
	case lt.ID() == arrow.BOOL && classify(rt.ID()) != notNumeric:
		return castPair(ctx, alloc, left, right, lt)
	case rt.ID() == arrow.BOOL && classify(lt.ID()) != notNumeric:
		return castPair(ctx, alloc, left, right, rt)
	}

	target := commonType(lt, rt)
	if target == nil {
		left.Retain()
		right.Retain()
		return left, right, nil
	}
	return castPair(ctx, alloc, left, right, target)
}

// commonType returns the type both operands are cast to, or nil.
func commonType(lt, rt arrow.DataType) arrow.DataType {
	lc, rc := classify(lt.ID()), classify(rt.ID())
	switch {
	case lc != notNumeric && rc != notNumeric:
		switch {
		case lc == floating || rc == floating:
			return arrow.PrimitiveTypes.Float64
		case lc == unsignedInt && rc == unsignedInt:
			return arrow.PrimitiveTypes.Uint64
		default:
			return arrow.PrimitiveTypes.Int64
		}
	case isBinaryLike(lt.ID()) && isBinaryLike(rt.ID()):
		if lt.ID() == arrow.STRING {
			return rt
		}
		return lt
	case lt.ID() == rt.ID():
		// Timestamps of different units or zones.
		return lt
	}
	return nil
}

func castPair(ctx context.Context, alloc memory.Allocator, left, right arrow.Array, target arrow.DataType) (arrow.Array, arrow.Array, error) {
	newLeft, err := castArray(ctx, alloc, left, target)
	if err != nil {
		return nil, nil, fmt.Errorf("coerce left to %s: %w", target, err)
	}
	newRight, err := castArray(ctx, alloc, right, target)
	if err != nil {
		newLeft.Release()
		return nil, nil, fmt.Errorf("coerce right to %s: %w", target, err)
	}
	return newLeft, newRight, nil
}

// castArray casts arr to target with the compute cast kernels. Integer
// targets reject overflow; float targets accept precision loss.
func castArray(ctx context.Context, alloc memory.Allocator, arr arrow.Array, target arrow.DataType) (arrow.Array, error) {
	if arrow.TypeEqual(arr.DataType(), target) {
		arr.Retain()
		return arr, nil
	}
	opts := compute.SafeCastOptions(target)
	if classify(target.ID()) == floating {
		opts = compute.UnsafeCastOptions(target)
	}
	return compute.CastArray(compute.WithAllocator(ctx, alloc), arr, opts)
}

// TemporalValue parses text as a value of the date or timestamp type dt and
// returns its physical integer: days for date32, milliseconds for date64 and
// ticks of the unit for timestamps. Timestamps without a zone offset are read
// in the column's time zone. Accepted forms are those of
// arrow.TimestampFromString: YYYY-MM-DD with optional time and offset.
func TemporalValue(text string, dt arrow.DataType) (int64, error) {
	switch t := dt.(type) {
	case *arrow.TimestampType:
		loc, err := t.GetZone()
		if err != nil {
			return 0, err
		}
		ts, _, err := arrow.TimestampFromStringInLocation(text, t.Unit, loc)
		if err != nil {
			return 0, fmt.Errorf("%q is not a %s: %w", text, dt, err)
		}
		return int64(ts), nil
	case *arrow.Date32Type, *arrow.Date64Type:
		ts, err := arrow.TimestampFromString(text, arrow.Nanosecond)
		if err != nil {
			return 0, fmt.Errorf("%q is not a date: %w", text, err)
		}
		tm := ts.ToTime(arrow.Nanosecond)
		if dt.ID() == arrow.DATE32 {
			return int64(arrow.Date32FromTime(tm)), nil
		}
		return int64(arrow.Date64FromTime(tm)), nil
	default:
		return 0, fmt.Errorf("%s is not a temporal type", dt)
	}
}

// parseTemporalArray converts a string or binary array into an array of dt.
func parseTemporalArray(alloc memory.Allocator, arr arrow.Array, dt arrow.DataType) (arrow.Array, error) {
	bldr := array.NewBuilder(alloc, dt)
	defer bldr.Release()
	bldr.Reserve(arr.Len())

	for i := 0; i < arr.Len(); i++ {
		if arr.IsNull(i) {
			bldr.AppendNull()
			continue
		}
		v, err := TemporalValue(stringValue(arr, i), dt)
		if err != nil {
			return nil, err
		}
		switch b := bldr.(type) {
		case *array.Date32Builder:
			b.Append(arrow.Date32(v))
		case *array.Date64Builder:
			b.Append(arrow.Date64(v))
		case *array.TimestampBuilder:
			b.Append(arrow.Timestamp(v))
		}
	}
	return bldr.NewArray(), nil
}

func stringValue(arr arrow.Array, row int) string {
	switch a := arr.(type) {
	case *array.String:
		return a.Value(row)
	case *array.LargeString:
		return a.Value(row)
	case *array.Binary:
		return string(a.Value(row))
	case *array.LargeBinary:
		return string(a.Value(row))
	default:
		return arr.ValueStr(row)
	}
}

// isAllNull reports whether arr carries no values. Empty arrays count.
func isAllNull(arr arrow.Array) bool {
	return arr.DataType().ID() == arrow.NULL || arr.NullN() == arr.Len()
}
