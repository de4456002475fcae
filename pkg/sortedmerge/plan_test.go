package sortedmerge

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"
)

func int64Array(alloc memory.Allocator, vals ...int64) arrow.Array {
	b := array.NewInt64Builder(alloc)
	defer b.Release()
	b.AppendValues(vals, nil)
	return b.NewArray()
}

func TestCopyPlanCoalescesRuns(t *testing.T) {
	p := newCopyPlan(2, 8)
	p.add(0, 0)
	p.add(0, 1)
	p.add(1, 3)
	p.add(1, 4)
	p.add(2, 0)
	p.add(2, 1)
	p.add(0, 2)
	p.add(0, 4)

	require.Equal(t, []copyRun{
		{source: 0, start: 0, end: 2},
		{source: 1, start: 3, end: 5},
		{source: 2, start: 0, end: 2},
		{source: 0, start: 2, end: 3},
		{source: 0, start: 4, end: 5},
	}, p.runs)
	require.Equal(t, 8, p.rows())
}

func TestCopyPlanExecute(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	a := int64Array(alloc, 10, 11, 12, 13, 14)
	defer a.Release()
	b := int64Array(alloc, 20, 21, 22, 23, 24)
	defer b.Release()

	p := newCopyPlan(2, 4)
	p.add(0, 1)
	p.add(0, 2)
	p.add(2, 0)
	p.add(1, 4)

	out, err := p.execute(alloc, arrow.PrimitiveTypes.Int64, []arrow.Array{a, b})
	require.NoError(t, err)
	defer out.Release()

	got := out.(*array.Int64)
	require.Equal(t, 4, got.Len())
	require.Equal(t, int64(11), got.Value(0))
	require.Equal(t, int64(12), got.Value(1))
	require.True(t, got.IsNull(2))
	require.Equal(t, int64(24), got.Value(3))
}

func TestCopyPlanSingleRunIsZeroCopy(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	a := int64Array(alloc, 1, 2, 3, 4)
	defer a.Release()

	p := newCopyPlan(1, 2)
	p.add(0, 1)
	p.add(0, 2)

	before := alloc.CurrentAlloc()
	out, err := p.execute(alloc, arrow.PrimitiveTypes.Int64, []arrow.Array{a})
	require.NoError(t, err)
	defer out.Release()

	require.Equal(t, before, alloc.CurrentAlloc(), "a single slice must not allocate")
	require.Same(t, a.Data().Buffers()[1], out.Data().Buffers()[1])
	require.Equal(t, []int64{2, 3}, out.(*array.Int64).Int64Values())
}

func TestCopyPlanTypeMismatch(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	a := int64Array(alloc, 1, 2)
	defer a.Release()

	p := newCopyPlan(1, 1)
	p.add(0, 0)
	_, err := p.execute(alloc, arrow.BinaryTypes.String, []arrow.Array{a})
	require.ErrorIs(t, err, ErrArrayAssembly)
}

func TestSortKeyNullsFirstAndMultiColumn(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "region", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "id", Type: arrow.PrimitiveTypes.Int32},
	}, nil)

	rb := array.NewStringBuilder(alloc)
	defer rb.Release()
	rb.AppendNull()
	rb.AppendValues([]string{"eu", "eu", "us"}, nil)
	ib := array.NewInt32Builder(alloc)
	defer ib.Release()
	ib.AppendValues([]int32{9, 1, 2, 0}, nil)

	region, id := rb.NewArray(), ib.NewArray()
	defer region.Release()
	defer id.Release()
	rec := array.NewRecord(schema, []arrow.Array{region, id}, 4)
	defer rec.Release()

	sk, err := NewSortKey(schema, []string{"region", "id"})
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, sk.Columns())

	require.Negative(t, sk.CompareRows(rec, 0, rec, 1), "null region sorts first")
	require.Negative(t, sk.CompareRows(rec, 1, rec, 2))
	require.Negative(t, sk.CompareRows(rec, 2, rec, 3))
	require.Zero(t, sk.CompareRows(rec, 3, rec, 3))

	r := NewSortKeyRange(0, 0, rec, sk)
	var runs [][2]int
	for {
		runs = append(runs, [2]int{r.Begin, r.End})
		if !r.Advance() {
			break
		}
	}
	require.Equal(t, [][2]int{{0, 1}, {1, 2}, {2, 3}, {3, 4}}, runs)
}
