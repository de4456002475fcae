package connectors

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/sandboxws/isotope/lakemerge/pkg/metrics"
	"github.com/sandboxws/isotope/lakemerge/pkg/operator"
	"github.com/sandboxws/isotope/lakemerge/pkg/operators"
	"github.com/sandboxws/isotope/lakemerge/pkg/sortedmerge"
)

// MergeConfig describes the table a MergeSource reads.
type MergeConfig struct {
	Schema    *arrow.Schema
	SortKey   []string
	Operators []sortedmerge.MergeOperator
	BatchSize int
}

// MergeSource merges the sorted streams of one partition into batches with
// one row per primary key. Streams are ordered oldest to newest.
type MergeSource struct {
	cfg     MergeConfig
	streams []Stream

	merger   *sortedmerge.Merger
	reported sortedmerge.Stats
}

// NewMergeSource creates a MergeSource over streams.
func NewMergeSource(cfg MergeConfig, streams []Stream) *MergeSource {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &MergeSource{cfg: cfg, streams: streams}
}

// Open opens every stream and prepares the merger.
func (m *MergeSource) Open(ctx *operator.Context) error {
	if len(m.streams) == 0 {
		return fmt.Errorf("merge source: no streams")
	}
	readers := make([]array.RecordReader, 0, len(m.streams))
	fail := func(err error) error {
		for _, r := range readers {
			r.Release()
		}
		return err
	}

	for _, s := range m.streams {
		rr, err := s.Open(ctx.Ctx, ctx.Alloc)
		if err != nil {
			return fail(fmt.Errorf("merge source: open %s: %w", s.Name(), err))
		}
		adapter := operators.NewSchemaAdapter(m.cfg.Schema)
		if err := adapter.Open(ctx); err != nil {
			rr.Release()
			return fail(err)
		}
		readers = append(readers, newAdaptedReader(rr, adapter, s.Name()))
		metrics.StreamsOpened.WithLabelValues(ctx.Scan, streamScheme(s)).Inc()
	}

	merger, err := sortedmerge.NewMerger(sortedmerge.Config{
		Schema:          m.cfg.Schema,
		SortKey:         m.cfg.SortKey,
		TargetBatchSize: m.cfg.BatchSize,
		Operators:       m.cfg.Operators,
		Alloc:           ctx.Alloc,
	}, readers)
	if err != nil {
		return fail(fmt.Errorf("merge source: %w", err))
	}
	merger.SetLogger(ctx.Logger)
	m.merger = merger
	ctx.Logger.Info("merge source opened", "streams", len(readers), "sort_key", m.cfg.SortKey)
	return nil
}

// Run emits merged batches until every stream is drained.
func (m *MergeSource) Run(ctx *operator.Context, out chan<- arrow.Record) error {
	defer close(out)
	defer m.report(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		batch, err := m.merger.Next()
		if errors.Is(err, io.EOF) {
			ctx.Logger.Info("merge complete",
				"rows_in", m.merger.Stats().RowsIn,
				"rows_out", m.merger.Stats().RowsOut,
				"batches", m.merger.Stats().Batches)
			return nil
		}
		if err != nil {
			ctx.Metrics.Errors.Add(1)
			return fmt.Errorf("merge source: %w", err)
		}

		select {
		case out <- batch:
			ctx.Metrics.BatchesProcessed.Add(1)
			ctx.Metrics.RowsEmitted.Add(batch.NumRows())
		case <-ctx.Done():
			batch.Release()
			return nil
		}
		if m.merger.Stats().Batches%64 == 0 {
			m.report(ctx)
		}
	}
}

// Stats returns the merger counters.
func (m *MergeSource) Stats() sortedmerge.Stats {
	if m.merger == nil {
		return sortedmerge.Stats{}
	}
	return m.merger.Stats()
}

// report publishes the growth of the merger counters since the last call.
func (m *MergeSource) report(ctx *operator.Context) {
	cur := m.merger.Stats()
	metrics.ObserveMerge(ctx.Scan, ctx.PartitionIndex, metrics.MergeDelta{
		RowsIn:   cur.RowsIn - m.reported.RowsIn,
		RowsOut:  cur.RowsOut - m.reported.RowsOut,
		Ranges:   cur.RangesSurfaced - m.reported.RangesSurfaced,
		CopyRuns: cur.CopyRuns - m.reported.CopyRuns,
	})
	ctx.Metrics.RowsProcessed.Add(cur.RowsIn - m.reported.RowsIn)
	m.reported = cur
}

// Close releases the merger and every stream.
func (m *MergeSource) Close() error {
	if m.merger != nil {
		m.merger.Close()
		m.merger = nil
	}
	return nil
}

func streamScheme(s Stream) string {
	switch s := s.(type) {
	case *ParquetSource:
		if loc, err := ParseLocation(s.uri); err == nil {
			return loc.Scheme
		}
		return "file"
	case *SortedGenerator:
		return "generator"
	default:
		return "other"
	}
}

// adaptedReader conforms every batch of a stream to the table schema.
type adaptedReader struct {
	inner   array.RecordReader
	adapter *operators.SchemaAdapter
	name    string
	cur     arrow.Record
	err     error
	refs    atomic.Int64
}

func newAdaptedReader(inner array.RecordReader, adapter *operators.SchemaAdapter, name string) *adaptedReader {
	r := &adaptedReader{inner: inner, adapter: adapter, name: name}
	r.refs.Store(1)
	return r
}

func (r *adaptedReader) Retain() { r.refs.Add(1) }

func (r *adaptedReader) Release() {
	if r.refs.Add(-1) == 0 {
		r.releaseCurrent()
		r.inner.Release()
	}
}

func (r *adaptedReader) Schema() *arrow.Schema     { return r.adapter.Schema() }
func (r *adaptedReader) Record() arrow.Record      { return r.cur }
func (r *adaptedReader) RecordBatch() arrow.Record { return r.cur }

func (r *adaptedReader) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.inner.Err()
}

func (r *adaptedReader) Next() bool {
	r.releaseCurrent()
	if r.err != nil || !r.inner.Next() {
		return false
	}
	out, err := r.adapter.Adapt(r.inner.Record())
	if err != nil {
		r.err = fmt.Errorf("%s: %w", r.name, err)
		return false
	}
	r.cur = out
	return true
}

func (r *adaptedReader) releaseCurrent() {
	if r.cur != nil {
		r.cur.Release()
		r.cur = nil
	}
}
