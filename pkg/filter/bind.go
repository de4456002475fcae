package filter

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/isotope/lakemerge/pkg/expr"
)

var (
	// ErrUnknownColumn is returned when a predicate references a column missing from the schema.
	ErrUnknownColumn = errors.New("unknown filter column")

	// ErrLiteralType is returned when a literal cannot be converted to its column's type.
	ErrLiteralType = errors.New("filter literal does not match column type")
)

// Bind resolves p against schema and converts every literal to the type of
// the column it is compared with.
func Bind(p Predicate, schema *arrow.Schema) (Predicate, error) {
	switch n := p.(type) {
	case *Comparison:
		f, err := lookup(schema, n.Column)
		if err != nil {
			return nil, err
		}
		lit, err := bindLiteral(n.Value, f.Type)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n, err)
		}
		if lit.Kind == LiteralBool && n.Op != Eq && n.Op != NotEq {
			return nil, fmt.Errorf("%w: %s cannot order booleans", ErrLiteralType, n)
		}
		return &Comparison{Column: n.Column, Op: n.Op, Value: lit}, nil

	case *IsNull:
		if _, err := lookup(schema, n.Column); err != nil {
			return nil, err
		}
		return n, nil

	case *Not:
		inner, err := Bind(n.Inner, schema)
		if err != nil {
			return nil, err
		}
		return &Not{Inner: inner}, nil

	case *Or:
		l, r, err := bindPair(n.Left, n.Right, schema)
		if err != nil {
			return nil, err
		}
		return &Or{Left: l, Right: r}, nil

	case *And:
		l, r, err := bindPair(n.Left, n.Right, schema)
		if err != nil {
			return nil, err
		}
		return &And{Left: l, Right: r}, nil

	default:
		return nil, fmt.Errorf("unsupported predicate %T", p)
	}
}

func bindPair(left, right Predicate, schema *arrow.Schema) (Predicate, Predicate, error) {
	l, err := Bind(left, schema)
	if err != nil {
		return nil, nil, err
	}
	r, err := Bind(right, schema)
	if err != nil {
		return nil, nil, err
	}
	return l, r, nil
}

func lookup(schema *arrow.Schema, name string) (arrow.Field, error) {
	indices := schema.FieldIndices(name)
	if len(indices) == 0 {
		return arrow.Field{}, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
	}
	return schema.Field(indices[0]), nil
}

func bindLiteral(lit Literal, dt arrow.DataType) (Literal, error) {
	if lit.Kind == LiteralNull {
		return lit, nil
	}
	text := lit.Raw
	if lit.Kind == LiteralString {
		text = lit.Str
	}
	out := Literal{Raw: lit.Raw}

	switch dt.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64:
		bits := dt.(arrow.FixedWidthDataType).BitWidth()
		switch lit.Kind {
		case LiteralInt:
			out.Kind, out.Int = LiteralInt, lit.Int
		case LiteralFloat:
			if lit.Float != math.Trunc(lit.Float) {
				return out, fmt.Errorf("%w: %v is not an integer", ErrLiteralType, lit.Float)
			}
			out.Kind, out.Int = LiteralInt, int64(lit.Float)
		default:
			v, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
			if err != nil {
				return out, fmt.Errorf("%w: %q is not an integer", ErrLiteralType, text)
			}
			out.Kind, out.Int = LiteralInt, v
		}
		if bits < 64 && (out.Int < -(1<<(bits-1)) || out.Int >= 1<<(bits-1)) {
			return out, fmt.Errorf("%w: %d overflows %s", ErrLiteralType, out.Int, dt)
		}

	case arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		bits := dt.(arrow.FixedWidthDataType).BitWidth()
		if lit.Kind == LiteralFloat && lit.Float == math.Trunc(lit.Float) && lit.Float >= 0 && lit.Float < math.MaxInt64 {
			text = strconv.FormatInt(int64(lit.Float), 10)
		}
		v, err := strconv.ParseUint(strings.TrimSpace(text), 10, bits)
		if err != nil {
			return out, fmt.Errorf("%w: %q is not a %s", ErrLiteralType, text, dt)
		}
		out.Kind, out.Uint = LiteralUint, v

	case arrow.DATE32, arrow.DATE64, arrow.TIMESTAMP:
		if _, err := expr.TemporalValue(strings.TrimSpace(text), dt); err != nil {
			return out, fmt.Errorf("%w: %w", ErrLiteralType, err)
		}
		out.Kind, out.Str = LiteralString, strings.TrimSpace(text)

	case arrow.FLOAT32, arrow.FLOAT64:
		switch lit.Kind {
		case LiteralInt:
			out.Kind, out.Float = LiteralFloat, float64(lit.Int)
		case LiteralFloat:
			out.Kind, out.Float = LiteralFloat, lit.Float
		default:
			v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
			if err != nil {
				return out, fmt.Errorf("%w: %q is not a number", ErrLiteralType, text)
			}
			out.Kind, out.Float = LiteralFloat, v
		}

	case arrow.STRING, arrow.LARGE_STRING, arrow.BINARY, arrow.LARGE_BINARY:
		out.Kind, out.Str = LiteralString, text

	case arrow.BOOL:
		v, err := strconv.ParseBool(strings.TrimSpace(text))
		if err != nil {
			return out, fmt.Errorf("%w: %q is not a boolean", ErrLiteralType, text)
		}
		out.Kind, out.Bool = LiteralBool, v

	default:
		return out, fmt.Errorf("%w: cannot filter on %s columns", ErrLiteralType, dt)
	}
	return out, nil
}
