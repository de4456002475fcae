// Package engine integration tests: run complete scans from plan to sink.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/sandboxws/isotope/lakemerge/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/lakemerge/pkg/connectors"
	"github.com/sandboxws/isotope/lakemerge/pkg/operator"
	"github.com/sandboxws/isotope/lakemerge/pkg/operators"
)

func tableFields() []FieldSpec {
	return []FieldSpec{
		{Name: "id", Type: "int64"},
		{Name: "name", Type: "string", Nullable: true},
		{Name: "score", Type: "float64", Nullable: true},
	}
}

func generator(tag string, start, step, rows int64) SourceSpec {
	return SourceSpec{
		Kind: SourceGenerator,
		Generator: connectors.GeneratorConfig{
			Key: "id", Rows: rows, Start: start, Step: step, BatchSize: 16, Tag: tag,
		},
	}
}

// generatorPlan merges evens (old) with multiples of three (new) in p0,
// and a single stream of ten keys in p1.
func generatorPlan(name string) *Plan {
	plan := &Plan{
		Name:        name,
		Schema:      tableFields(),
		PrimaryKeys: []string{"id"},
		Partitions: []PartitionSpec{
			{Name: "p0", Sources: []SourceSpec{
				generator("old", 0, 2, 50),
				generator("new", 0, 3, 34),
			}},
			{Name: "p1", Sources: []SourceSpec{
				generator("solo", 1000, 1, 10),
			}},
		},
		BatchSize:   32,
		Parallelism: 2,
	}
	plan.ApplyDefaults()
	return plan
}

// ── Collecting sink for verification ────────────────────────────────

// collector hands out one collectingSink per partition.
type collector struct {
	mu    sync.Mutex
	sinks map[int]*collectingSink
}

func newCollector() *collector {
	return &collector{sinks: make(map[int]*collectingSink)}
}

func (c *collector) factory(partition int) (operator.Sink, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &collectingSink{}
	c.sinks[partition] = s
	return s, nil
}

func (c *collector) TotalRows() int64 {
	var total int64
	for _, s := range c.sinks {
		total += s.TotalRows()
	}
	return total
}

func (c *collector) ReleaseAll() {
	for _, s := range c.sinks {
		s.ReleaseAll()
	}
}

// collectingSink stores all received batches for inspection.
type collectingSink struct {
	batches []arrow.Record
	closed  bool
}

func (s *collectingSink) Open(*operator.Context) error { return nil }

func (s *collectingSink) WriteBatch(batch arrow.Record) error {
	batch.Retain()
	s.batches = append(s.batches, batch)
	return nil
}

func (s *collectingSink) Close() error {
	s.closed = true
	return nil
}

func (s *collectingSink) TotalRows() int64 { return helpers.TotalRows(s.batches) }

// rows maps the id column to the name column.
func (s *collectingSink) rows(t *testing.T) map[int64]string {
	t.Helper()
	out := make(map[int64]string)
	for _, b := range s.batches {
		idCol, err := helpers.Column(b, "id")
		if err != nil {
			t.Fatal(err)
		}
		nameCol, err := helpers.Column(b, "name")
		if err != nil {
			t.Fatal(err)
		}
		ids, names := idCol.(*array.Int64), nameCol.(*array.String)
		for i := 0; i < int(b.NumRows()); i++ {
			out[ids.Value(i)] = names.Value(i)
		}
	}
	return out
}

func (s *collectingSink) ReleaseAll() {
	helpers.ReleaseAll(s.batches)
	s.batches = nil
}

// TestEngineMergesPartitions runs two partitions of generator streams into a
// collecting sink and checks that equal keys collapse with the newest stream
// winning.
func TestEngineMergesPartitions(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	sinks := newCollector()
	defer sinks.ReleaseAll()

	eng := NewEngine(generatorPlan("merge-test"), alloc)
	eng.SetSinkFactory(sinks.factory)
	if err := eng.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// p0: 50 evens + 34 multiples of three - 17 multiples of six.
	if got := sinks.sinks[0].TotalRows(); got != 67 {
		t.Errorf("p0 rows: got %d, want 67", got)
	}
	if got := sinks.sinks[1].TotalRows(); got != 10 {
		t.Errorf("p1 rows: got %d, want 10", got)
	}

	rows := sinks.sinks[0].rows(t)
	for id, want := range map[int64]string{0: "new_0", 4: "old_2", 6: "new_2", 9: "new_3", 98: "old_49"} {
		if rows[id] != want {
			t.Errorf("id %d: got %q, want %q", id, rows[id], want)
		}
	}
	for _, s := range sinks.sinks {
		if !s.closed {
			t.Error("sink not closed")
		}
	}

	stats := eng.Stats()
	if stats.RowsIn != 94 || stats.RowsOut != 77 {
		t.Errorf("stats: got in=%d out=%d, want in=94 out=77", stats.RowsIn, stats.RowsOut)
	}
}

// TestEngineFilterAndProjection applies a pushed-down predicate, a SQL
// condition and a projection to merged rows.
func TestEngineFilterAndProjection(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	plan := generatorPlan("filter-test")
	plan.Filters = []string{"ge(id,50)"}
	plan.Where = "id < 1005"
	plan.Projection = []operators.ProjectColumn{
		{Name: "id"},
		{Name: "name", As: "label"},
	}

	sinks := newCollector()
	defer sinks.ReleaseAll()

	eng := NewEngine(plan, alloc)
	eng.SetSinkFactory(sinks.factory)
	if err := eng.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// p0: 25 evens + 17 multiples of three - 8 multiples of six in [50, 99].
	// p1: 1000..1004.
	if got := sinks.TotalRows(); got != 39 {
		t.Errorf("rows: got %d, want 39", got)
	}
	for _, s := range sinks.sinks {
		for _, b := range s.batches {
			if b.NumCols() != 2 || b.Schema().Field(1).Name != "label" {
				t.Fatalf("unexpected output schema: %s", b.Schema())
			}
		}
	}
}

var errSinkBoom = errors.New("sink boom")

type failingSink struct{ collectingSink }

func (s *failingSink) WriteBatch(arrow.Record) error { return errSinkBoom }

// TestEngineFirstErrorFails checks that a failing partition fails the scan.
func TestEngineFirstErrorFails(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	sinks := newCollector()
	defer sinks.ReleaseAll()

	eng := NewEngine(generatorPlan("fail-test"), alloc)
	eng.SetSinkFactory(func(partition int) (operator.Sink, error) {
		if partition == 1 {
			return &failingSink{}, nil
		}
		return sinks.factory(partition)
	})

	err := eng.Run(context.Background())
	if !errors.Is(err, errSinkBoom) {
		t.Fatalf("expected errSinkBoom, got %v", err)
	}
	if !strings.Contains(err.Error(), "partition p1") {
		t.Errorf("error should name the partition: %v", err)
	}
}

// stoppingSink stops the engine on its first write.
type stoppingSink struct {
	collectingSink
	stop func()
	once sync.Once
}

func (s *stoppingSink) WriteBatch(batch arrow.Record) error {
	s.once.Do(s.stop)
	return s.collectingSink.WriteBatch(batch)
}

func TestEngineCancelledBeforeStart(t *testing.T) {
	sinks := newCollector()
	defer sinks.ReleaseAll()

	eng := NewEngine(generatorPlan("cancelled"), memory.DefaultAllocator)
	eng.SetSinkFactory(sinks.factory)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := eng.Run(ctx)
	if !errors.Is(err, ErrScanInterrupted) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected ErrScanInterrupted wrapping context.Canceled, got %v", err)
	}
	if n := sinks.TotalRows(); n != 0 {
		t.Errorf("cancelled scan wrote %d rows", n)
	}
}

func TestEngineStopReportsInterrupted(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	plan := generatorPlan("stopped")
	plan.Parallelism = 1

	var sinks []*stoppingSink
	defer func() {
		for _, s := range sinks {
			s.ReleaseAll()
		}
	}()

	eng := NewEngine(plan, alloc)
	eng.SetSinkFactory(func(int) (operator.Sink, error) {
		s := &stoppingSink{stop: eng.Stop}
		sinks = append(sinks, s)
		return s, nil
	})

	err := eng.Run(context.Background())
	if !errors.Is(err, ErrScanInterrupted) {
		t.Fatalf("expected ErrScanInterrupted, got %v", err)
	}
	if len(sinks) == 0 || !sinks[0].closed {
		t.Error("sink of the running partition was not closed")
	}
}

func TestEngineRejectsInvalidPlan(t *testing.T) {
	plan := generatorPlan("")
	err := NewEngine(plan, memory.DefaultAllocator).Run(context.Background())
	if !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("expected ErrInvalidPlan, got %v", err)
	}
}

// TestEngineParquetRoundTrip writes two generations of a table to parquet,
// then merges them from a YAML plan into a parquet output and reads it back.
func TestEngineParquetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	alloc := memory.DefaultAllocator

	for _, gen := range []struct {
		tag                string
		start, step, rows int64
	}{
		{"old", 0, 1, 100},
		{"new", 50, 1, 100},
	} {
		plan := &Plan{
			Name:        "write-" + gen.tag,
			Schema:      tableFields(),
			PrimaryKeys: []string{"id"},
			Partitions: []PartitionSpec{{Sources: []SourceSpec{
				generator(gen.tag, gen.start, gen.step, gen.rows),
			}}},
			Sink: SinkSpec{Kind: SinkParquet, Parquet: connectors.ParquetSinkConfig{
				Path: filepath.Join(dir, gen.tag), Compression: "zstd",
			}},
		}
		plan.ApplyDefaults()
		if err := NewEngine(plan, alloc).Run(context.Background()); err != nil {
			t.Fatalf("write %s: %v", gen.tag, err)
		}
	}

	yaml := fmt.Sprintf(`
name: roundtrip
schema:
  - {name: id, type: int64}
  - {name: name, type: string, nullable: true}
  - {name: score, type: float64, nullable: true}
primary_keys: [id]
merge_operators:
  - {column: score, operator: SumAll}
partitions:
  - sources:
      - uri: %s
      - uri: %s
batch_size: 64
sink:
  kind: parquet
  parquet:
    path: %s
`, filepath.Join(dir, "old", "*.parquet"), filepath.Join(dir, "new", "*.parquet"), filepath.Join(dir, "out"))

	plan, err := DeserializePlan([]byte(yaml), "yaml")
	if err != nil {
		t.Fatal(err)
	}
	eng := NewEngine(plan, alloc)
	if err := eng.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "out", "part-00000-*.parquet"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one output file, got %v (%v)", matches, err)
	}

	rdr, err := file.OpenParquetFile(matches[0], false)
	if err != nil {
		t.Fatal(err)
	}
	defer rdr.Close()
	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, alloc)
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := fr.ReadTable(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer tbl.Release()

	if tbl.NumRows() != 150 {
		t.Errorf("rows: got %d, want 150", tbl.NumRows())
	}
	if stats := eng.Stats(); stats.RowsIn != 200 || stats.RowsOut != 150 {
		t.Errorf("stats: got in=%d out=%d", stats.RowsIn, stats.RowsOut)
	}

	// No temp files are left behind.
	entries, err := os.ReadDir(filepath.Join(dir, "out"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the output file, found %d entries", len(entries))
	}
}

// ── Graceful shutdown ───────────────────────────────────────────────

type blockingRunner struct {
	stopped    chan struct{}
	ignoreStop bool
	once       sync.Once
}

func (r *blockingRunner) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-r.stopped:
	}
	return nil
}

func (r *blockingRunner) Stop() {
	if !r.ignoreStop {
		r.once.Do(func() { close(r.stopped) })
	}
}

func TestShutdownOnSignal(t *testing.T) {
	r := &blockingRunner{stopped: make(chan struct{})}
	sigCh := make(chan os.Signal, 1)
	sigCh <- os.Interrupt

	start := time.Now()
	if err := runUntilSignal(context.Background(), r, sigCh, time.Minute); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("runner was not stopped promptly")
	}
}

func TestShutdownTimeoutCancels(t *testing.T) {
	r := &blockingRunner{stopped: make(chan struct{}), ignoreStop: true}
	sigCh := make(chan os.Signal, 1)
	sigCh <- os.Interrupt

	if err := runUntilSignal(context.Background(), r, sigCh, 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}
}
