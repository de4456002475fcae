// Package engine runs merge-on-read scans. Each partition's sorted streams
// are merged, pushed through the filter, SQL and projection chain and
// written to the partition's sink, with partitions running concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sandboxws/isotope/lakemerge/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/lakemerge/pkg/connectors"
	"github.com/sandboxws/isotope/lakemerge/pkg/duckdb"
	"github.com/sandboxws/isotope/lakemerge/pkg/filter"
	"github.com/sandboxws/isotope/lakemerge/pkg/metrics"
	"github.com/sandboxws/isotope/lakemerge/pkg/operator"
	"github.com/sandboxws/isotope/lakemerge/pkg/operators"
	"github.com/sandboxws/isotope/lakemerge/pkg/sortedmerge"
)

const defaultChannelBuffer = 16

// ErrScanInterrupted is returned by Run when the scan was stopped or its
// context cancelled before every partition finished. It wraps the context
// error.
var ErrScanInterrupted = errors.New("scan interrupted")

// SinkFactory creates the sink of one partition.
type SinkFactory func(partition int) (operator.Sink, error)

// Engine executes a scan plan.
type Engine struct {
	plan   *Plan
	alloc  memory.Allocator
	logger *slog.Logger
	sinks  SinkFactory
	store  *connectors.ObjectStore

	mu     sync.Mutex
	cancel context.CancelFunc
	stats  sortedmerge.Stats
}

// NewEngine creates a new execution engine for the given plan.
func NewEngine(plan *Plan, alloc memory.Allocator) *Engine {
	return &Engine{
		plan:   plan,
		alloc:  alloc,
		logger: slog.Default().With("scan", plan.Name),
	}
}

// SetSinkFactory replaces the sink built from the plan's sink section.
func (e *Engine) SetSinkFactory(f SinkFactory) { e.sinks = f }

// Stats returns the merge counters summed over finished partitions.
func (e *Engine) Stats() sortedmerge.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// stage is one operator of a partition's chain.
type stage struct {
	id string
	op operator.Operator
}

// Run resolves every partition's streams and runs the partitions, at most
// Parallelism at a time. The first failing partition cancels the others
// and its error is returned. Run blocks until every partition finishes or
// ctx is cancelled; a cancelled scan returns ErrScanInterrupted.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	if err := ValidatePlan(e.plan); err != nil {
		return err
	}
	schema, err := e.plan.ArrowSchema()
	if err != nil {
		return err
	}
	ops, err := e.plan.ColumnOperators()
	if err != nil {
		return err
	}
	store, err := connectors.NewObjectStore(e.plan.Store)
	if err != nil {
		return err
	}
	e.store = store
	if e.sinks == nil {
		e.sinks = e.planSink
	}

	partitions := make([][]connectors.Stream, len(e.plan.Partitions))
	for i, p := range e.plan.Partitions {
		streams, err := e.resolveStreams(ctx, schema, p)
		if err != nil {
			return fmt.Errorf("partition %s: %w", p.Name, err)
		}
		partitions[i] = streams
	}

	e.logger.Info("starting scan",
		"partitions", len(partitions),
		"parallelism", e.plan.Parallelism,
		"sink", e.plan.Sink.Kind)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(e.plan.Parallelism))
	for i, streams := range partitions {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			if err := e.runPartition(gctx, i, len(partitions), schema, ops, streams); err != nil {
				return fmt.Errorf("partition %s: %w", e.plan.Partitions[i].Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Error("scan failed", "error", err)
		return err
	}

	stats := e.Stats()
	if err := ctx.Err(); err != nil {
		e.logger.Warn("scan interrupted",
			"rows_in", stats.RowsIn,
			"rows_out", stats.RowsOut,
			"elapsed", time.Since(start))
		return fmt.Errorf("%w: %w", ErrScanInterrupted, err)
	}
	e.logger.Info("scan complete",
		"rows_in", stats.RowsIn,
		"rows_out", stats.RowsOut,
		"elapsed", time.Since(start))
	return nil
}

// Stop triggers a graceful shutdown.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) resolveStreams(ctx context.Context, schema *arrow.Schema, p PartitionSpec) ([]connectors.Stream, error) {
	var streams []connectors.Stream
	for _, s := range p.Sources {
		switch s.Kind {
		case SourceGenerator:
			gen, err := connectors.NewSortedGenerator(schema, s.Generator)
			if err != nil {
				return nil, err
			}
			streams = append(streams, gen)
		default:
			uris, err := connectors.ExpandSources(ctx, e.store, []string{s.URI})
			if err != nil {
				return nil, err
			}
			for _, uri := range uris {
				streams = append(streams, connectors.NewParquetSource(uri, int64(e.plan.BatchSize), e.store))
			}
		}
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("no input files matched")
	}
	return streams, nil
}

func (e *Engine) buildChain() ([]stage, error) {
	var chain []stage
	if len(e.plan.Filters) > 0 {
		p, err := filter.ParseAll(e.plan.Filters)
		if err != nil {
			return nil, err
		}
		chain = append(chain, stage{id: "filter", op: operators.NewPredicateFilter(p)})
	}
	if e.plan.Where != "" {
		chain = append(chain, stage{id: "where", op: operators.NewFilter(e.plan.Where)})
	}
	if e.plan.SQL != "" {
		op := duckdb.NewSQLOperator(e.plan.SQL, 0)
		op.SetOptions(e.plan.DuckDB)
		chain = append(chain, stage{id: "sql", op: op})
	}
	if len(e.plan.Projection) > 0 {
		chain = append(chain, stage{id: "project", op: operators.NewProject(e.plan.Projection)})
	}
	return chain, nil
}

func (e *Engine) planSink(int) (operator.Sink, error) {
	switch e.plan.Sink.Kind {
	case SinkParquet:
		return connectors.NewParquetSink(e.plan.Sink.Parquet, e.store), nil
	case SinkKafka:
		cfg := e.plan.Sink.Kafka
		if len(cfg.KeyBy) == 0 {
			cfg.KeyBy = e.plan.PrimaryKeys
		}
		return connectors.NewKafkaSink(cfg), nil
	case SinkConsole:
		return connectors.NewConsole(e.plan.Sink.MaxRows), nil
	default:
		return nil, fmt.Errorf("unknown sink kind %q", e.plan.Sink.Kind)
	}
}

// runPartition merges one partition's streams into its sink.
func (e *Engine) runPartition(ctx context.Context, index, total int, schema *arrow.Schema,
	ops []sortedmerge.MergeOperator, streams []connectors.Stream) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	newCtx := func(id string) *operator.Context {
		return operator.NewContext(ctx, e.alloc, id, id).ForPartition(e.plan.Name, index, total)
	}

	source := connectors.NewMergeSource(connectors.MergeConfig{
		Schema:    schema,
		SortKey:   e.plan.PrimaryKeys,
		Operators: ops,
		BatchSize: e.plan.BatchSize,
	}, streams)
	srcCtx := newCtx("merge")
	if err := source.Open(srcCtx); err != nil {
		return err
	}
	defer source.Close()

	chain, err := e.buildChain()
	if err != nil {
		return err
	}
	for _, st := range chain {
		if err := st.op.Open(newCtx(st.id)); err != nil {
			return fmt.Errorf("open %s: %w", st.id, err)
		}
		defer st.op.Close()
	}

	sink, err := e.sinks(index)
	if err != nil {
		return err
	}
	if err := sink.Open(newCtx("sink")); err != nil {
		return fmt.Errorf("open sink: %w", err)
	}
	defer func() {
		if cerr := sink.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close sink: %w", cerr)
		}
	}()

	ch := make(chan arrow.Record, defaultChannelBuffer)
	errc := make(chan error, 1)
	go func() {
		errc <- source.Run(srcCtx, ch)
	}()

	var pushErr error
	for batch := range ch {
		if pushErr != nil {
			batch.Release()
			continue
		}
		if pushErr = e.push(chain, 0, batch, sink); pushErr != nil {
			cancel()
		}
	}
	if err := <-errc; err != nil {
		return err
	}
	if pushErr != nil {
		return pushErr
	}

	// An interrupted partition skips the flush.
	if ctx.Err() == nil {
		for i, st := range chain {
			outs, err := st.op.Flush()
			if err != nil {
				return fmt.Errorf("flush %s: %w", st.id, err)
			}
			for j, out := range outs {
				if err := e.push(chain, i+1, out, sink); err != nil {
					helpers.ReleaseAll(outs[j+1:])
					return err
				}
			}
		}
	}

	stats := source.Stats()
	e.mu.Lock()
	e.stats.RowsIn += stats.RowsIn
	e.stats.RowsOut += stats.RowsOut
	e.stats.RangesSurfaced += stats.RangesSurfaced
	e.stats.Batches += stats.Batches
	e.stats.CopyRuns += stats.CopyRuns
	e.mu.Unlock()

	srcCtx.Logger.Info("partition complete",
		"streams", len(streams),
		"rows_in", stats.RowsIn,
		"rows_out", stats.RowsOut)
	return nil
}

// push runs batch through chain[from:] and writes the results to sink.
// It takes ownership of batch.
func (e *Engine) push(chain []stage, from int, batch arrow.Record, sink operator.Sink) error {
	scan := e.plan.Name
	batches := []arrow.Record{batch}
	for _, st := range chain[from:] {
		var next []arrow.Record
		for i, b := range batches {
			rows := b.NumRows()
			start := time.Now()
			outs, err := st.op.ProcessBatch(b)
			b.Release()
			if err != nil {
				metrics.Errors.WithLabelValues(scan, st.id).Inc()
				helpers.ReleaseAll(batches[i+1:])
				helpers.ReleaseAll(next)
				return fmt.Errorf("%s: %w", st.id, err)
			}
			metrics.BatchLatency.WithLabelValues(scan, st.id).Observe(time.Since(start).Seconds())
			metrics.BatchesProcessed.WithLabelValues(scan, st.id).Inc()
			metrics.RowsProcessed.WithLabelValues(scan, st.id).Add(float64(rows))
			next = append(next, outs...)
		}
		batches = next
	}

	for i, out := range batches {
		rows := out.NumRows()
		err := sink.WriteBatch(out)
		out.Release()
		if err != nil {
			metrics.Errors.WithLabelValues(scan, "sink").Inc()
			helpers.ReleaseAll(batches[i+1:])
			return fmt.Errorf("sink: %w", err)
		}
		metrics.RowsProcessed.WithLabelValues(scan, "sink").Add(float64(rows))
	}
	return nil
}
