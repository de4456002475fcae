package expr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// TestFilterConditions evaluates the condition shapes rendered by pushed-down
// filters against a batch with nullable columns.
func TestFilterConditions(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	ctx := context.Background()
	ev := NewEvaluator(alloc)

	batch := makeBatch(alloc,
		[]string{"id", "score", "name", "active", "qty"},
		[]arrow.Array{
			makeInt64(alloc, []int64{1, 2, 3, 4}),
			makeFloat64(alloc, []float64{0.5, 2.5, -1, 10}),
			makeStringArr(alloc, []string{"a", "it's", "c", "d"}),
			makeBool(alloc, []bool{true, false, true, false}),
			makeNullableInt64(alloc, []int64{10, 0, 30, 0}, []bool{true, false, true, false}),
		})
	defer batch.Release()

	tests := []struct {
		sql  string
		want []bool
		// valid marks rows expected to be non-null; nil means all valid.
		valid []bool
	}{
		{"`id` = 2", []bool{false, true, false, false}, nil},
		{"(`id` = 2) OR (`id` = 3)", []bool{false, true, true, false}, nil},
		{"`score` >= 2.5e+00", []bool{false, true, false, true}, nil},
		{"`score` < 0e+00", []bool{false, false, true, false}, nil},
		{"`name` = 'it''s'", []bool{false, true, false, false}, nil},
		{"`name` != 'a'", []bool{false, true, true, true}, nil},
		{"`active`", []bool{true, false, true, false}, nil},
		{"NOT `active`", []bool{false, true, false, true}, nil},
		{"`qty` IS NULL", []bool{false, true, false, true}, nil},
		{"`qty` IS NOT NULL", []bool{true, false, true, false}, nil},
		{"NOT (`qty` IS NULL)", []bool{true, false, true, false}, nil},
		{"(`id` > 1) AND (NOT (`qty` IS NULL))", []bool{false, false, true, false}, nil},
		{"`qty` > 15", []bool{false, false, true, false}, []bool{true, false, true, false}},
		{"`id` NOT IN (1, 4)", []bool{false, true, true, false}, nil},
		{"`id` * 2 > `qty`", []bool{false, false, false, false}, []bool{true, false, true, false}},
	}

	for _, tc := range tests {
		t.Run(tc.sql, func(t *testing.T) {
			result, err := ev.EvalBool(ctx, batch, tc.sql)
			if err != nil {
				t.Fatal(err)
			}
			defer result.Release()

			if result.Len() != len(tc.want) {
				t.Fatalf("length: got %d, want %d", result.Len(), len(tc.want))
			}
			for i, w := range tc.want {
				if tc.valid != nil && !tc.valid[i] {
					if !result.IsNull(i) {
						t.Errorf("[%d]: expected null", i)
					}
					continue
				}
				if result.IsNull(i) {
					t.Errorf("[%d]: unexpected null", i)
					continue
				}
				if result.Value(i) != w {
					t.Errorf("[%d]: got %v, want %v", i, result.Value(i), w)
				}
			}
		})
	}
}

func TestNullLiteralComparison(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)
	ev := NewEvaluator(alloc)

	batch := makeBatch(alloc, []string{"name"}, []arrow.Array{makeStringArr(alloc, []string{"a", "b"})})
	defer batch.Release()

	result, err := ev.EvalBool(context.Background(), batch, "`name` = NULL")
	if err != nil {
		t.Fatal(err)
	}
	defer result.Release()

	if result.NullN() != 2 {
		t.Errorf("comparison with NULL: got %d nulls, want 2", result.NullN())
	}
}

func TestUnsignedAndTemporalConditions(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)
	ev := NewEvaluator(alloc)

	u := array.NewUint32Builder(alloc)
	defer u.Release()
	u.AppendValues([]uint32{1, 2, 3}, nil)

	d := array.NewDate32Builder(alloc)
	defer d.Release()
	ts := array.NewTimestampBuilder(alloc, arrow.FixedWidthTypes.Timestamp_us.(*arrow.TimestampType))
	defer ts.Release()
	for _, tm := range []time.Time{
		time.Date(2023, 12, 31, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC),
	} {
		d.Append(arrow.Date32FromTime(tm))
		ts.Append(arrow.Timestamp(tm.UnixMicro()))
	}

	batch := makeBatch(alloc, []string{"u", "d", "ts"},
		[]arrow.Array{u.NewArray(), d.NewArray(), ts.NewArray()})
	defer batch.Release()

	tests := []struct {
		sql  string
		want []bool
	}{
		{"`u` = 2", []bool{false, true, false}},
		{"`u` > 1", []bool{false, true, true}},
		{"`u` IN (1, 3)", []bool{true, false, true}},
		{"`u` > 18446744073709551615", []bool{false, false, false}},
		{"`d` >= '2024-01-01'", []bool{false, true, true}},
		{"`d` = '2024-01-02'", []bool{false, false, true}},
		{"`ts` < '2024-01-01 00:00:00'", []bool{true, false, false}},
		{"`ts` >= '2024-01-01T03:00:00+02:00'", []bool{false, false, true}},
	}
	for _, tc := range tests {
		t.Run(tc.sql, func(t *testing.T) {
			result, err := ev.EvalBool(context.Background(), batch, tc.sql)
			if err != nil {
				t.Fatal(err)
			}
			defer result.Release()
			for i, w := range tc.want {
				if result.IsNull(i) || result.Value(i) != w {
					t.Errorf("[%d]: got %v, want %v", i, result.Value(i), w)
				}
			}
		})
	}

	if _, err := ev.EvalBool(context.Background(), batch, "`d` = 'soon'"); err == nil {
		t.Error("expected error for unparseable date")
	}
}

func TestTemporalValue(t *testing.T) {
	day, err := TemporalValue("2024-01-02", arrow.FixedWidthTypes.Date32)
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(arrow.Date32FromTime(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))); day != want {
		t.Errorf("date32: got %d, want %d", day, want)
	}

	micros, err := TemporalValue("2024-01-01 00:00:01", arrow.FixedWidthTypes.Timestamp_us)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC).UnixMicro(); micros != want {
		t.Errorf("timestamp: got %d, want %d", micros, want)
	}

	if _, err := TemporalValue("2024-01-01", arrow.PrimitiveTypes.Int64); err == nil {
		t.Error("expected error for non-temporal type")
	}
}

func TestConditionOverEmptyBatch(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)
	ev := NewEvaluator(alloc)

	batch := makeBatch(alloc, []string{"amount", "name"},
		[]arrow.Array{makeInt64(alloc, nil), makeStringArr(alloc, nil)})
	defer batch.Release()

	for _, cond := range []string{"`amount` > 1", "`name` = NULL", "`amount` * 2 >= 3.5e+00"} {
		result, err := ev.EvalBool(context.Background(), batch, cond)
		if err != nil {
			t.Fatalf("%s: %v", cond, err)
		}
		result.Release()
	}

	_, err := ev.EvalBool(context.Background(), batch, "`amount` + 1")
	if !errors.Is(err, ErrNotBoolean) {
		t.Errorf("expected ErrNotBoolean, got %v", err)
	}
}
