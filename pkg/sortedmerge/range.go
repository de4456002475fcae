package sortedmerge

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// SortKeyRange is one run of rows [Begin, End) in a stream's current batch
// that all share the same sort key value.
type SortKeyRange struct {
	StreamIdx int
	BatchIdx  int
	Begin     int
	End       int

	batch arrow.Record
	key   *SortKey
	seq   uint64
}

// NewSortKeyRange returns the first run of batch. The batch must have at least one row.
func NewSortKeyRange(streamIdx, batchIdx int, batch arrow.Record, key *SortKey) *SortKeyRange {
	r := &SortKeyRange{
		StreamIdx: streamIdx,
		BatchIdx:  batchIdx,
		batch:     batch,
		key:       key,
	}
	r.End = r.runEnd(0)
	return r
}

// Batch returns the batch the range points into.
func (r *SortKeyRange) Batch() arrow.Record { return r.batch }

// Len returns the number of rows in the run.
func (r *SortKeyRange) Len() int { return r.End - r.Begin }

// Advance moves to the next run of the same batch.
// It returns false once the batch is exhausted.
func (r *SortKeyRange) Advance() bool {
	if r.End >= int(r.batch.NumRows()) {
		return false
	}
	r.Begin = r.End
	r.End = r.runEnd(r.Begin)
	return true
}

// Compare orders two ranges by sort key value only.
func (r *SortKeyRange) Compare(o *SortKeyRange) int {
	return r.key.CompareRows(r.batch, r.Begin, o.batch, o.Begin)
}

// ArrayRange returns the column col slice of the run.
func (r *SortKeyRange) ArrayRange(col int) ArrayRange {
	return ArrayRange{
		BatchIdx: r.BatchIdx,
		Array:    r.batch.Column(col),
		Begin:    r.Begin,
		End:      r.End,
	}
}

func (r *SortKeyRange) runEnd(begin int) int {
	n := int(r.batch.NumRows())
	end := begin + 1
	for end < n && r.key.CompareRows(r.batch, begin, r.batch, end) == 0 {
		end++
	}
	return end
}

// ArrayRange references rows [Begin, End) of one column array of one batch.
type ArrayRange struct {
	BatchIdx int
	Array    arrow.Array
	Begin    int
	End      int
}

// Last returns the index of the last row of the range.
func (a ArrayRange) Last() int { return a.End - 1 }

// rowKeyGroup collects the ranges of every stream tied on one sort key.
// columns[c] lists the contributions to output column c in pop order.
type rowKeyGroup struct {
	first   *SortKeyRange
	columns [][]ArrayRange
}

func newRowKeyGroup(numCols int) *rowKeyGroup {
	return &rowKeyGroup{columns: make([][]ArrayRange, numCols)}
}

// matches reports whether r carries the group's key.
func (g *rowKeyGroup) matches(r *SortKeyRange) bool {
	return g.first != nil && g.first.key.CompareRows(g.first.batch, g.first.Begin, r.batch, r.Begin) == 0
}

func (g *rowKeyGroup) empty() bool { return g.first == nil }

// add absorbs r, retaining every referenced column array.
func (g *rowKeyGroup) add(r *SortKeyRange) {
	if g.first == nil {
		// Keep a detached copy: the driver keeps advancing r after it is surfaced.
		first := *r
		first.batch.Retain()
		g.first = &first
	}
	for c := range g.columns {
		ar := r.ArrayRange(c)
		ar.Array.Retain()
		g.columns[c] = append(g.columns[c], ar)
	}
}

func (g *rowKeyGroup) release() {
	if g.first != nil {
		g.first.batch.Release()
		g.first = nil
	}
	for c, ranges := range g.columns {
		for _, ar := range ranges {
			ar.Array.Release()
		}
		g.columns[c] = nil
	}
}
