package connectors

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/go-faster/jx"

	"github.com/sandboxws/isotope/lakemerge/pkg/operator"
	"github.com/sandboxws/isotope/lakemerge/pkg/sortedmerge"
)

// ── Test helpers ────────────────────────────────────────────────────

var tableSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "score", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
}, nil)

func runSource(t *testing.T, src operator.Source, opCtx *operator.Context) []arrow.Record {
	t.Helper()
	if err := src.Open(opCtx); err != nil {
		t.Fatal(err)
	}
	out := make(chan arrow.Record, 4)
	done := make(chan error, 1)
	go func() {
		done <- src.Run(opCtx, out)
	}()

	var batches []arrow.Record
	for batch := range out {
		batches = append(batches, batch)
	}
	if err := <-done; err != nil {
		for _, b := range batches {
			b.Release()
		}
		t.Fatal(err)
	}
	return batches
}

func releaseAll(batches []arrow.Record) {
	for _, b := range batches {
		b.Release()
	}
}

func int64Column(batches []arrow.Record, col int) []int64 {
	var out []int64
	for _, b := range batches {
		a := b.Column(col).(*array.Int64)
		for i := 0; i < a.Len(); i++ {
			out = append(out, a.Value(i))
		}
	}
	return out
}

func stringColumn(batches []arrow.Record, col int) []string {
	var out []string
	for _, b := range batches {
		a := b.Column(col).(*array.String)
		for i := 0; i < a.Len(); i++ {
			if a.IsNull(i) {
				out = append(out, "NULL")
				continue
			}
			out = append(out, a.Value(i))
		}
	}
	return out
}

func writeParquet(t *testing.T, path string, rec arrow.Record) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := pqarrow.NewFileWriter(rec.Schema(), f, parquet.NewWriterProperties(), pqarrow.DefaultWriterProps())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(rec); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func buildRecord(schema *arrow.Schema, cols ...any) arrow.Record {
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	for i, c := range cols {
		switch v := c.(type) {
		case []int64:
			b.Field(i).(*array.Int64Builder).AppendValues(v, nil)
		case []int32:
			b.Field(i).(*array.Int32Builder).AppendValues(v, nil)
		case []string:
			b.Field(i).(*array.StringBuilder).AppendValues(v, nil)
		case []float64:
			b.Field(i).(*array.Float64Builder).AppendValues(v, nil)
		}
	}
	return b.NewRecord()
}

// ── Generator tests ─────────────────────────────────────────────────

func TestSortedGenerator(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	gen, err := NewSortedGenerator(tableSchema, GeneratorConfig{
		Key: "id", Rows: 10, Start: 5, Step: 10, Repeat: 2, BatchSize: 4, Tag: "g",
	})
	if err != nil {
		t.Fatal(err)
	}
	rr, err := gen.Open(context.Background(), alloc)
	if err != nil {
		t.Fatal(err)
	}
	defer rr.Release()

	var sizes []int64
	var keys []int64
	for rr.Next() {
		rec := rr.Record()
		sizes = append(sizes, rec.NumRows())
		keys = append(keys, int64Column([]arrow.Record{rec}, 0)...)
	}
	if err := rr.Err(); err != nil {
		t.Fatal(err)
	}

	wantSizes := []int64{4, 4, 2}
	if len(sizes) != len(wantSizes) {
		t.Fatalf("batch sizes: got %v, want %v", sizes, wantSizes)
	}
	wantKeys := []int64{5, 5, 15, 15, 25, 25, 35, 35, 45, 45}
	for i, k := range wantKeys {
		if keys[i] != k {
			t.Fatalf("keys: got %v, want %v", keys, wantKeys)
		}
	}
}

func TestSortedGeneratorRejectsBadKey(t *testing.T) {
	if _, err := NewSortedGenerator(tableSchema, GeneratorConfig{Key: "name"}); err == nil {
		t.Error("expected error for string key")
	}
	if _, err := NewSortedGenerator(tableSchema, GeneratorConfig{Key: "missing"}); err == nil {
		t.Error("expected error for missing key")
	}
}

// ── MergeSource tests ───────────────────────────────────────────────

func TestMergeSourceNewestWins(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	older, err := NewSortedGenerator(tableSchema, GeneratorConfig{Key: "id", Rows: 50, Step: 2, BatchSize: 7, Tag: "old"})
	if err != nil {
		t.Fatal(err)
	}
	newer, err := NewSortedGenerator(tableSchema, GeneratorConfig{Key: "id", Rows: 34, Step: 3, BatchSize: 5, Tag: "new"})
	if err != nil {
		t.Fatal(err)
	}

	src := NewMergeSource(MergeConfig{
		Schema:    tableSchema,
		SortKey:   []string{"id"},
		BatchSize: 16,
	}, []Stream{older, newer})
	defer src.Close()

	opCtx := operator.NewContext(context.Background(), alloc, "merge", "merge").ForPartition("test", 0, 1)
	batches := runSource(t, src, opCtx)
	defer releaseAll(batches)

	ids := int64Column(batches, 0)
	names := stringColumn(batches, 1)

	seen := make(map[int64]bool)
	for i := 0; i < 50; i++ {
		seen[int64(i*2)] = true
	}
	for i := 0; i < 34; i++ {
		seen[int64(i*3)] = true
	}
	if len(ids) != len(seen) {
		t.Fatalf("expected %d distinct keys, got %d rows", len(seen), len(ids))
	}
	for i, id := range ids {
		if i > 0 && ids[i-1] >= id {
			t.Fatalf("keys not strictly increasing at %d: %d then %d", i, ids[i-1], id)
		}
		wantPrefix := "old_"
		if id%3 == 0 {
			wantPrefix = "new_"
		}
		if !strings.HasPrefix(names[i], wantPrefix) {
			t.Errorf("id %d: got name %q, want prefix %q", id, names[i], wantPrefix)
		}
	}
	for _, b := range batches[:len(batches)-1] {
		if b.NumRows() != 16 {
			t.Errorf("expected full batches of 16 rows, got %d", b.NumRows())
		}
	}

	stats := src.Stats()
	if stats.RowsIn != 84 || stats.RowsOut != int64(len(seen)) {
		t.Errorf("stats: %+v", stats)
	}
	if opCtx.Metrics.RowsProcessed.Load() != 84 {
		t.Errorf("rows processed metric: got %d", opCtx.Metrics.RowsProcessed.Load())
	}
}

func TestMergeSourceOperators(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	a, _ := NewSortedGenerator(tableSchema, GeneratorConfig{Key: "id", Rows: 4, Tag: "a"})
	b, _ := NewSortedGenerator(tableSchema, GeneratorConfig{Key: "id", Rows: 4, Tag: "b"})

	src := NewMergeSource(MergeConfig{
		Schema:    tableSchema,
		SortKey:   []string{"id"},
		Operators: []sortedmerge.MergeOperator{sortedmerge.UseLast, sortedmerge.JoinedAllByComma, sortedmerge.SumAll},
		BatchSize: 100,
	}, []Stream{a, b})
	defer src.Close()

	batches := runSource(t, src, operator.NewContext(context.Background(), alloc, "merge", "merge"))
	defer releaseAll(batches)

	names := stringColumn(batches, 1)
	want := []string{"a_0,b_0", "a_1,b_1", "a_2,b_2", "a_3,b_3"}
	for i, w := range want {
		if names[i] != w {
			t.Errorf("row %d: got %q, want %q", i, names[i], w)
		}
	}
	scores := batches[0].Column(2).(*array.Float64)
	v := float64(3) * 1.1
	if scores.Value(3) != v+v {
		t.Errorf("summed score: got %v", scores.Value(3))
	}
}

func TestMergeSourceOpenErrors(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)
	opCtx := operator.NewContext(context.Background(), alloc, "merge", "merge")

	if err := NewMergeSource(MergeConfig{Schema: tableSchema, SortKey: []string{"id"}}, nil).Open(opCtx); err == nil {
		t.Error("expected error without streams")
	}

	gen, _ := NewSortedGenerator(tableSchema, GeneratorConfig{Key: "id", Rows: 4})
	missing := NewParquetSource(filepath.Join(t.TempDir(), "missing.parquet"), 0, nil)
	if err := NewMergeSource(MergeConfig{Schema: tableSchema, SortKey: []string{"id"}}, []Stream{gen, missing}).Open(opCtx); err == nil {
		t.Error("expected error for missing file")
	}

	bad := NewMergeSource(MergeConfig{Schema: tableSchema, SortKey: []string{"nope"}}, []Stream{gen})
	if err := bad.Open(opCtx); !errors.Is(err, sortedmerge.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

// ── Parquet tests ───────────────────────────────────────────────────

func TestParquetMergeRoundTrip(t *testing.T) {
	dir := t.TempDir()

	// The older file predates the score column and stores id as int32.
	oldSchema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int32},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	oldRec := buildRecord(oldSchema, []int32{1, 2, 4}, []string{"a1", "b1", "d1"})
	writeParquet(t, filepath.Join(dir, "0001.parquet"), oldRec)
	oldRec.Release()

	newRec := buildRecord(tableSchema, []int64{2, 3}, []string{"b2", "c2"}, []float64{2.5, 3.5})
	writeParquet(t, filepath.Join(dir, "0002.parquet"), newRec)
	newRec.Release()

	uris, err := ExpandSources(context.Background(), nil, []string{filepath.Join(dir, "*.parquet")})
	if err != nil {
		t.Fatal(err)
	}
	if len(uris) != 2 || !strings.HasSuffix(uris[0], "0001.parquet") {
		t.Fatalf("expanded sources: %v", uris)
	}
	streams := make([]Stream, len(uris))
	for i, u := range uris {
		streams[i] = NewParquetSource(u, 2, nil)
	}

	src := NewMergeSource(MergeConfig{Schema: tableSchema, SortKey: []string{"id"}, BatchSize: 3}, streams)
	defer src.Close()
	opCtx := operator.NewContext(context.Background(), memory.DefaultAllocator, "merge", "merge")
	batches := runSource(t, src, opCtx)

	outDir := filepath.Join(dir, "out")
	sink := NewParquetSink(ParquetSinkConfig{Path: outDir, Compression: "zstd"}, nil)
	if err := sink.Open(opCtx); err != nil {
		t.Fatal(err)
	}
	for _, b := range batches {
		if err := sink.WriteBatch(b); err != nil {
			t.Fatal(err)
		}
	}
	releaseAll(batches)
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}
	if sink.Rows() != 4 || !strings.HasPrefix(filepath.Base(sink.Output()), "part-00000-") {
		t.Fatalf("sink wrote %d rows to %q", sink.Rows(), sink.Output())
	}

	rr, err := NewParquetSource(sink.Output(), 100, nil).Open(context.Background(), memory.DefaultAllocator)
	if err != nil {
		t.Fatal(err)
	}
	defer rr.Release()
	var got []arrow.Record
	for rr.Next() {
		rec := rr.Record()
		rec.Retain()
		got = append(got, rec)
	}
	defer releaseAll(got)
	if err := rr.Err(); err != nil {
		t.Fatal(err)
	}

	ids := int64Column(got, 0)
	names := stringColumn(got, 1)
	wantIDs := []int64{1, 2, 3, 4}
	wantNames := []string{"a1", "b2", "c2", "d1"}
	for i := range wantIDs {
		if ids[i] != wantIDs[i] || names[i] != wantNames[i] {
			t.Errorf("row %d: got (%d,%s), want (%d,%s)", i, ids[i], names[i], wantIDs[i], wantNames[i])
		}
	}
	scores := got[0].Column(2)
	if !scores.IsNull(0) || scores.IsNull(1) {
		t.Errorf("score nulls: %s", scores)
	}
}

func TestParquetSinkWithoutRows(t *testing.T) {
	dir := t.TempDir()
	sink := NewParquetSink(ParquetSinkConfig{Path: dir}, nil)
	if err := sink.Open(operator.NewContext(context.Background(), memory.DefaultAllocator, "sink", "sink")); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 || sink.Output() != "" {
		t.Errorf("expected no output file, got %d entries", len(entries))
	}

	bad := NewParquetSink(ParquetSinkConfig{Path: dir, Compression: "lzma"}, nil)
	if err := bad.Open(operator.NewContext(context.Background(), memory.DefaultAllocator, "sink", "sink")); err == nil {
		t.Error("expected error for unknown codec")
	}
}

// ── Location tests ──────────────────────────────────────────────────

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in   string
		want Location
	}{
		{"s3://lake/orders/0001.parquet", Location{Scheme: "s3", Bucket: "lake", Path: "orders/0001.parquet"}},
		{"s3://lake", Location{Scheme: "s3", Bucket: "lake"}},
		{"file:///data/x.parquet", Location{Scheme: "file", Path: "/data/x.parquet"}},
		{"data/x.parquet", Location{Scheme: "file", Path: "data/x.parquet"}},
	}
	for _, tc := range tests {
		got, err := ParseLocation(tc.in)
		if err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("%s: got %+v, want %+v", tc.in, got, tc.want)
		}
	}

	for _, in := range []string{"", "gs://bucket/key", "s3:///key"} {
		if _, err := ParseLocation(in); err == nil {
			t.Errorf("%q: expected error", in)
		}
	}
}

func TestObjectStoreDisabled(t *testing.T) {
	store, err := NewObjectStore(ObjectStoreConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Open(context.Background(), "b", "k"); !errors.Is(err, ErrStoreDisabled) {
		t.Errorf("Open: expected ErrStoreDisabled, got %v", err)
	}
	if _, err := ExpandSources(context.Background(), store, []string{"s3://b/prefix/"}); !errors.Is(err, ErrStoreDisabled) {
		t.Errorf("ExpandSources: expected ErrStoreDisabled, got %v", err)
	}
	_, err = NewParquetSource("s3://b/k.parquet", 0, nil).Open(context.Background(), memory.DefaultAllocator)
	if !errors.Is(err, ErrStoreDisabled) {
		t.Errorf("ParquetSource: expected ErrStoreDisabled, got %v", err)
	}
}

// ── Sink tests ──────────────────────────────────────────────────────

func TestConsole(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	gen, _ := NewSortedGenerator(tableSchema, GeneratorConfig{Key: "id", Rows: 3, Tag: "x"})
	rr, _ := gen.Open(context.Background(), alloc)
	defer rr.Release()
	rr.Next()

	var buf bytes.Buffer
	c := NewConsole(2)
	c.SetWriter(&buf)
	if err := c.Open(operator.NewContext(context.Background(), alloc, "console", "console")); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteBatch(rr.Record()); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, want := range []string{"| id | name", "| 0  | x_0", "| 1  | x_1", "... (1 more rows)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "x_2") {
		t.Errorf("row beyond limit printed:\n%s", out)
	}
}

func TestEncodeRow(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int32},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "ok", Type: arrow.FixedWidthTypes.Boolean, Nullable: true},
	}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	b.Field(0).(*array.Int32Builder).AppendValues([]int32{7, 8}, nil)
	b.Field(1).(*array.StringBuilder).AppendValues([]string{`say "hi"`, ""}, []bool{true, false})
	b.Field(2).(*array.BooleanBuilder).AppendValues([]bool{true, false}, nil)
	rec := b.NewRecord()
	defer rec.Release()

	var e jx.Encoder
	encodeRow(&e, rec, 0)
	if got, want := e.String(), `{"id":7,"name":"say \"hi\"","ok":true}`; got != want {
		t.Errorf("row 0: got %s, want %s", got, want)
	}

	e.Reset()
	encodeColumns(&e, rec, 1, []int{0, 1})
	if got, want := e.String(), `{"id":8,"name":null}`; got != want {
		t.Errorf("row 1 key: got %s, want %s", got, want)
	}
}
