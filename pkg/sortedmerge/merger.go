package sortedmerge

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// Merger drives a RangeCombiner over sorted record streams. Stream i has
// priority i: on equal keys, higher indices are newer and win under UseLast.
type Merger struct {
	combiner *RangeCombiner
	streams  []array.RecordReader
	current  []arrow.Record
	batchIdx int
	started  bool
	logger   *slog.Logger
}

// NewMerger takes ownership of streams; Close releases them.
// cfg.NumStreams may be left zero.
func NewMerger(cfg Config, streams []array.RecordReader) (*Merger, error) {
	if len(streams) == 0 {
		return nil, fmt.Errorf("%w: no input streams", ErrInvalidConfig)
	}
	if cfg.NumStreams == 0 {
		cfg.NumStreams = len(streams)
	}
	if cfg.NumStreams != len(streams) {
		return nil, fmt.Errorf("%w: configured for %d streams, got %d", ErrInvalidConfig, cfg.NumStreams, len(streams))
	}
	c, err := NewRangeCombiner(cfg)
	if err != nil {
		return nil, err
	}
	return &Merger{
		combiner: c,
		streams:  streams,
		current:  make([]arrow.Record, len(streams)),
		logger:   slog.Default(),
	}, nil
}

// SetLogger overrides the logger (default: slog.Default()).
func (m *Merger) SetLogger(l *slog.Logger) { m.logger = l }

// Schema returns the output schema.
func (m *Merger) Schema() *arrow.Schema { return m.combiner.Schema() }

// Stats returns the combiner counters.
func (m *Merger) Stats() Stats { return m.combiner.Stats() }

// Next returns the next merged batch, owned by the caller, or io.EOF once
// every stream is drained.
func (m *Merger) Next() (arrow.Record, error) {
	if !m.started {
		m.started = true
		for i := range m.streams {
			if err := m.refill(i, nil, 0); err != nil {
				return nil, err
			}
		}
	}

	for {
		res := m.combiner.Poll()
		switch res.Kind {
		case RangeSurfaced:
			if err := m.advance(res.Range); err != nil {
				return nil, err
			}
		case BatchReady:
			return res.Batch, nil
		case Failure:
			return nil, res.Err
		default:
			return nil, io.EOF
		}
	}
}

// Close releases the combiner state, the current batches and the streams.
func (m *Merger) Close() {
	m.combiner.Close()
	for i := range m.current {
		m.releaseCurrent(i)
	}
	for _, s := range m.streams {
		s.Release()
	}
	m.streams = nil
}

// advance refills the stream of a surfaced range.
func (m *Merger) advance(r *SortKeyRange) error {
	prevRow := r.Begin
	if r.Advance() {
		if m.combiner.key.CompareRows(r.batch, prevRow, r.batch, r.Begin) > 0 {
			return fmt.Errorf("%w: stream %d at row %d", ErrUnsortedStream, r.StreamIdx, r.Begin)
		}
		return m.combiner.Push(r)
	}
	return m.refill(r.StreamIdx, r.batch, prevRow)
}

// refill pushes the first range of the stream's next non-empty batch, or
// retires the stream when it is drained.
func (m *Merger) refill(i int, prev arrow.Record, prevRow int) error {
	rdr := m.streams[i]
	for rdr.Next() {
		rec := rdr.Record()
		if rec.NumRows() == 0 {
			continue
		}
		if err := sameLayout(m.Schema(), rec.Schema()); err != nil {
			return fmt.Errorf("%w: stream %d: %v", ErrSchemaMismatch, i, err)
		}
		if prev != nil && m.combiner.key.CompareRows(prev, prevRow, rec, 0) > 0 {
			return fmt.Errorf("%w: stream %d batch %d starts below the previous batch", ErrUnsortedStream, i, m.batchIdx)
		}
		rec.Retain()
		m.releaseCurrent(i)
		m.current[i] = rec

		r := NewSortKeyRange(i, m.batchIdx, rec, m.combiner.key)
		m.batchIdx++
		return m.combiner.Push(r)
	}

	m.releaseCurrent(i)
	// Parquet record readers report io.EOF once drained.
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("stream %d: %w", i, err)
	}
	m.logger.Debug("stream drained", "stream", i)
	return nil
}

func (m *Merger) releaseCurrent(i int) {
	if m.current[i] != nil {
		m.current[i].Release()
		m.current[i] = nil
	}
}

// sameLayout checks field names and types, ignoring nullability and metadata.
func sameLayout(want, got *arrow.Schema) error {
	if want.NumFields() != got.NumFields() {
		return fmt.Errorf("want %d fields, got %d", want.NumFields(), got.NumFields())
	}
	for i := 0; i < want.NumFields(); i++ {
		w, g := want.Field(i), got.Field(i)
		if w.Name != g.Name || !arrow.TypeEqual(w.Type, g.Type) {
			return fmt.Errorf("field %d: want %s %s, got %s %s", i, w.Name, w.Type, g.Name, g.Type)
		}
	}
	return nil
}
