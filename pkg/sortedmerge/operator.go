package sortedmerge

import (
	"fmt"
	"strings"
)

// MergeOperator resolves the contributions of every tied range for one
// column of one output row.
type MergeOperator int

const (
	// UseLast keeps the value of the most recently surfaced row. Valid for every type.
	UseLast MergeOperator = iota
	// UseLastNotNull keeps the most recent non-null value. Valid for every type.
	UseLastNotNull
	// SumAll sums every non-null value of every contributing row.
	SumAll
	// SumLast sums the last value of each contributing range.
	SumLast
	JoinedAllByComma
	JoinedAllBySemicolon
	JoinedLastByComma
	JoinedLastBySemicolon
)

var operatorNames = [...]string{
	UseLast:               "UseLast",
	UseLastNotNull:        "UseLastNotNull",
	SumAll:                "SumAll",
	SumLast:               "SumLast",
	JoinedAllByComma:      "JoinedAllByComma",
	JoinedAllBySemicolon:  "JoinedAllBySemicolon",
	JoinedLastByComma:     "JoinedLastByComma",
	JoinedLastBySemicolon: "JoinedLastBySemicolon",
}

func (op MergeOperator) String() string {
	if op >= 0 && int(op) < len(operatorNames) {
		return operatorNames[op]
	}
	return fmt.Sprintf("MergeOperator(%d)", int(op))
}

// ParseMergeOperator parses an operator name, ignoring case.
// An empty name selects UseLast.
func ParseMergeOperator(name string) (MergeOperator, error) {
	if name == "" {
		return UseLast, nil
	}
	for op, n := range operatorNames {
		if strings.EqualFold(n, name) {
			return MergeOperator(op), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown merge operator %q", ErrInvalidConfig, name)
}

func (op MergeOperator) needsBuilder() bool { return op.sums() || op.joins() }

func (op MergeOperator) sums() bool { return op == SumAll || op == SumLast }

func (op MergeOperator) joins() bool {
	switch op {
	case JoinedAllByComma, JoinedAllBySemicolon, JoinedLastByComma, JoinedLastBySemicolon:
		return true
	}
	return false
}

// lastOnly reports whether only the last row of each range contributes.
func (op MergeOperator) lastOnly() bool {
	switch op {
	case SumLast, JoinedLastByComma, JoinedLastBySemicolon:
		return true
	}
	return false
}

func (op MergeOperator) separator() string {
	switch op {
	case JoinedAllBySemicolon, JoinedLastBySemicolon:
		return ";"
	}
	return ","
}

type mergeKind int

const (
	appendValue mergeKind = iota
	appendNull
	extend
)

// mergeResult tells the assembler where the output value of one row comes from.
type mergeResult struct {
	kind     mergeKind
	batchIdx int
	row      int
}

// merge computes the output cell for one row. ranges is in pop order and never empty.
func (op MergeOperator) merge(ranges []ArrayRange, vb valueBuilder) (mergeResult, error) {
	switch op {
	case UseLast:
		last := ranges[len(ranges)-1]
		return mergeResult{kind: extend, batchIdx: last.BatchIdx, row: last.Last()}, nil

	case UseLastNotNull:
		for i := len(ranges) - 1; i >= 0; i-- {
			r := ranges[i]
			for row := r.Last(); row >= r.Begin; row-- {
				if !r.Array.IsNull(row) {
					return mergeResult{kind: extend, batchIdx: r.BatchIdx, row: row}, nil
				}
			}
		}
		return mergeResult{kind: appendNull}, nil
	}

	if vb == nil {
		return mergeResult{}, fmt.Errorf("%w: %s has no value builder", ErrUnsupportedTypeOperator, op)
	}
	cells := collectCells(ranges, op.lastOnly())

	var (
		ok  bool
		err error
	)
	switch {
	case op.sums():
		ok, err = vb.appendSum(cells)
	case op.joins():
		ok, err = vb.appendJoined(cells, op.separator())
	default:
		return mergeResult{}, fmt.Errorf("%w: %s", ErrUnsupportedTypeOperator, op)
	}
	if err != nil {
		return mergeResult{}, err
	}
	if !ok {
		return mergeResult{kind: appendNull}, nil
	}
	return mergeResult{kind: appendValue}, nil
}

func collectCells(ranges []ArrayRange, lastOnly bool) []cell {
	var cells []cell
	for _, r := range ranges {
		if lastOnly {
			cells = append(cells, cell{arr: r.Array, row: r.Last()})
			continue
		}
		for row := r.Begin; row < r.End; row++ {
			cells = append(cells, cell{arr: r.Array, row: row})
		}
	}
	return cells
}
