//go:build duckdb

package duckdb

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/isotope/lakemerge/pkg/operator"
)

// ViewName is the view merged batches are registered under.
const ViewName = "merged"

// SQLOperator buffers merged batches, registers them with DuckDB as the
// view "merged" and emits the result of running its query over them.
//
// With FlushEvery at 0 the query runs once over the whole partition when the
// operator is flushed, which is what aggregating queries need.
type SQLOperator struct {
	sql        string
	flushEvery int
	opts       Options

	ctx    *operator.Context
	inst   *Instance
	buffer []arrow.Record
	alloc  memory.Allocator
}

// NewSQLOperator creates an operator running query over buffered batches.
// flushEvery is the number of batches per query; 0 defers to Flush.
func NewSQLOperator(query string, flushEvery int) *SQLOperator {
	return &SQLOperator{
		sql:        query,
		flushEvery: flushEvery,
	}
}

// SetOptions configures the database opened by Open.
func (s *SQLOperator) SetOptions(opts Options) {
	s.opts = opts
}

func (s *SQLOperator) Open(ctx *operator.Context) error {
	s.ctx = ctx
	s.alloc = ctx.Alloc

	inst, err := NewInstance(ctx.Ctx, ctx.Alloc, s.opts)
	if err != nil {
		return fmt.Errorf("sql operator: %w", err)
	}
	s.inst = inst
	return nil
}

func (s *SQLOperator) ProcessBatch(batch arrow.Record) ([]arrow.Record, error) {
	batch.Retain()
	s.buffer = append(s.buffer, batch)

	if s.flushEvery > 0 && len(s.buffer) >= s.flushEvery {
		return s.run()
	}
	return nil, nil
}

// Flush runs the query over whatever is still buffered.
func (s *SQLOperator) Flush() ([]arrow.Record, error) {
	return s.run()
}

func (s *SQLOperator) Close() error {
	for _, b := range s.buffer {
		b.Release()
	}
	s.buffer = nil

	if s.inst != nil {
		err := s.inst.Close()
		s.inst = nil
		return err
	}
	return nil
}

func (s *SQLOperator) run() ([]arrow.Record, error) {
	if len(s.buffer) == 0 {
		return nil, nil
	}

	var combined arrow.Record
	var err error
	if len(s.buffer) == 1 {
		combined = s.buffer[0]
	} else {
		combined, err = concatenateRecords(s.alloc, s.buffer)
		for _, b := range s.buffer {
			b.Release()
		}
		if err != nil {
			s.buffer = nil
			return nil, fmt.Errorf("sql operator: %w", err)
		}
	}
	s.buffer = nil

	if err := s.inst.RegisterView(combined, ViewName); err != nil {
		combined.Release()
		return nil, fmt.Errorf("sql operator: %w", err)
	}
	combined.Release()

	result, err := s.inst.Query(s.ctx.Ctx, s.sql)
	if err != nil {
		s.ctx.Metrics.Errors.Add(1)
		return nil, fmt.Errorf("sql operator: %w", err)
	}
	s.ctx.Metrics.BatchesProcessed.Add(1)
	s.ctx.Metrics.RowsEmitted.Add(result.NumRows())

	if result.NumRows() == 0 {
		result.Release()
		return nil, nil
	}
	return []arrow.Record{result}, nil
}
