// Package sortedmerge implements the merge-on-read k-way merge: several
// streams of Arrow batches, each sorted by the same key, are combined into
// one sorted stream with one row per distinct key. Conflicting contributions
// are resolved column by column with a MergeOperator.
//
// The RangeCombiner is driven by a push/poll protocol: the caller pushes one
// SortKeyRange per live stream, then polls. Every RangeSurfaced result hands
// a range back and the caller must push that stream's next range (or retire
// the stream) before polling again. Merger implements this loop over
// array.RecordReader streams.
package sortedmerge

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// State is the combiner's position in the poll protocol.
type State int

const (
	Draining State = iota
	Flushing
	Exhausted
)

func (s State) String() string {
	switch s {
	case Draining:
		return "draining"
	case Flushing:
		return "flushing"
	case Exhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// PollKind tags a PollResult.
type PollKind int

const (
	// RangeSurfaced hands Range back; refill its stream before polling again.
	RangeSurfaced PollKind = iota
	// BatchReady carries a merged batch owned by the caller.
	BatchReady
	// Empty means all input was consumed and emitted.
	Empty
	// Failure carries the error that broke batch construction.
	Failure
)

func (k PollKind) String() string {
	switch k {
	case RangeSurfaced:
		return "range"
	case BatchReady:
		return "batch"
	case Empty:
		return "empty"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("PollKind(%d)", int(k))
	}
}

// PollResult is the outcome of one Poll. Only the field matching Kind is set.
type PollResult struct {
	Kind  PollKind
	Range *SortKeyRange
	Batch arrow.Record
	Err   error
}

// Config configures a RangeCombiner.
type Config struct {
	// Schema of the streams and of the output batches.
	Schema *arrow.Schema
	// SortKey lists the key column names, most significant first.
	SortKey []string
	// NumStreams is the number of input streams.
	NumStreams int
	// TargetBatchSize is the number of rows per output batch.
	TargetBatchSize int
	// Operators holds one operator per schema field. Nil means UseLast everywhere.
	Operators []MergeOperator
	// Alloc is used for output arrays. Defaults to memory.DefaultAllocator.
	Alloc memory.Allocator
}

// Stats counts combiner activity.
type Stats struct {
	RangesSurfaced int64
	RowsIn         int64
	RowsOut        int64
	Batches        int64
	CopyRuns       int64
}

// RangeCombiner merges pushed ranges into sorted, deduplicated batches.
// It is not safe for concurrent use.
type RangeCombiner struct {
	schema    *arrow.Schema
	key       *SortKey
	operators []MergeOperator
	target    int
	alloc     memory.Allocator

	queue   rangeQueue
	live    []bool
	seq     uint64
	current *rowKeyGroup
	pending []*rowKeyGroup

	state State
	err   error
	stats Stats
}

// NewRangeCombiner validates cfg and returns a combiner in the Draining state.
func NewRangeCombiner(cfg Config) (*RangeCombiner, error) {
	if cfg.Schema == nil {
		return nil, fmt.Errorf("%w: schema is required", ErrInvalidConfig)
	}
	if cfg.NumStreams < 1 {
		return nil, fmt.Errorf("%w: need at least one stream, got %d", ErrInvalidConfig, cfg.NumStreams)
	}
	if cfg.TargetBatchSize < 1 {
		return nil, fmt.Errorf("%w: target batch size must be positive, got %d", ErrInvalidConfig, cfg.TargetBatchSize)
	}
	key, err := NewSortKey(cfg.Schema, cfg.SortKey)
	if err != nil {
		return nil, err
	}

	numFields := cfg.Schema.NumFields()
	ops := cfg.Operators
	if ops == nil {
		ops = make([]MergeOperator, numFields)
	}
	if len(ops) != numFields {
		return nil, fmt.Errorf("%w: %d merge operators for %d columns", ErrInvalidConfig, len(ops), numFields)
	}
	for i, op := range ops {
		f := cfg.Schema.Field(i)
		if err := checkSupport(op, f.Type); err != nil {
			return nil, fmt.Errorf("column %q: %w", f.Name, err)
		}
	}

	alloc := cfg.Alloc
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}

	return &RangeCombiner{
		schema:    cfg.Schema,
		key:       key,
		operators: append([]MergeOperator(nil), ops...),
		target:    cfg.TargetBatchSize,
		alloc:     alloc,
		queue:     make(rangeQueue, 0, cfg.NumStreams),
		live:      make([]bool, cfg.NumStreams),
		current:   newRowKeyGroup(numFields),
		pending:   make([]*rowKeyGroup, 0, cfg.TargetBatchSize),
		state:     Draining,
	}, nil
}

// Schema returns the output schema.
func (c *RangeCombiner) Schema() *arrow.Schema { return c.schema }

// SortKey returns the resolved sort key.
func (c *RangeCombiner) SortKey() *SortKey { return c.key }

// State returns the current protocol state.
func (c *RangeCombiner) State() State { return c.state }

// Stats returns a snapshot of the activity counters.
func (c *RangeCombiner) Stats() Stats { return c.stats }

// Push queues the current range of one stream.
func (c *RangeCombiner) Push(r *SortKeyRange) error {
	if c.state == Exhausted {
		return ErrCombinerExhausted
	}
	if r.StreamIdx < 0 || r.StreamIdx >= len(c.live) {
		return fmt.Errorf("%w: stream index %d out of range [0, %d)", ErrInvalidConfig, r.StreamIdx, len(c.live))
	}
	if c.live[r.StreamIdx] {
		return fmt.Errorf("%w: stream %d", ErrDuplicateStreamRange, r.StreamIdx)
	}
	c.live[r.StreamIdx] = true
	c.seq++
	r.seq = c.seq
	c.queue.push(r)
	return nil
}

// Poll advances the merge by one step.
func (c *RangeCombiner) Poll() PollResult {
	if c.err != nil {
		return PollResult{Kind: Failure, Err: c.err}
	}
	if c.state == Exhausted {
		return PollResult{Kind: Empty}
	}

	if len(c.pending) >= c.target {
		return c.flush()
	}

	r, ok := c.queue.pop()
	if !ok {
		if c.current.empty() && len(c.pending) == 0 {
			c.state = Exhausted
			return PollResult{Kind: Empty}
		}
		c.seal()
		return c.flush()
	}

	c.live[r.StreamIdx] = false
	if !c.current.empty() && !c.current.matches(r) {
		c.seal()
	}
	c.current.add(r)
	c.stats.RangesSurfaced++
	c.stats.RowsIn += int64(r.Len())
	return PollResult{Kind: RangeSurfaced, Range: r}
}

// Close discards buffered state and releases every retained array.
func (c *RangeCombiner) Close() {
	c.current.release()
	for _, g := range c.pending {
		g.release()
	}
	c.pending = nil
	c.queue = nil
	c.state = Exhausted
}

func (c *RangeCombiner) seal() {
	if c.current.empty() {
		return
	}
	c.pending = append(c.pending, c.current)
	c.current = newRowKeyGroup(c.schema.NumFields())
}

func (c *RangeCombiner) flush() PollResult {
	c.state = Flushing
	rec, err := c.buildBatch()
	for _, g := range c.pending {
		g.release()
	}
	c.pending = c.pending[:0]
	if err != nil {
		c.err = err
		return PollResult{Kind: Failure, Err: err}
	}

	c.state = Draining
	if c.queue.Len() == 0 && c.current.empty() {
		c.state = Exhausted
	}
	c.stats.Batches++
	c.stats.RowsOut += rec.NumRows()
	return PollResult{Kind: BatchReady, Batch: rec}
}

func (c *RangeCombiner) buildBatch() (arrow.Record, error) {
	fields := c.schema.Fields()
	cols := make([]arrow.Array, 0, len(fields))
	defer func() {
		for _, col := range cols {
			col.Release()
		}
	}()

	for i, f := range fields {
		col, err := c.mergeColumn(i, f)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", f.Name, err)
		}
		cols = append(cols, col)
	}
	return array.NewRecord(c.schema, cols, int64(len(c.pending))), nil
}

// mergeColumn merges column idx of every pending group into one array.
func (c *RangeCombiner) mergeColumn(idx int, field arrow.Field) (arrow.Array, error) {
	op := c.operators[idx]
	n := len(c.pending)

	// Distinct source arrays in first-seen order.
	var sources []arrow.Array
	position := make(map[int]int)
	for _, g := range c.pending {
		for _, ar := range g.columns[idx] {
			if _, ok := position[ar.BatchIdx]; !ok {
				position[ar.BatchIdx] = len(sources)
				sources = append(sources, ar.Array)
			}
		}
	}

	var vb valueBuilder
	if op.needsBuilder() {
		var err error
		if vb, err = newValueBuilder(c.alloc, field.Type, op, n); err != nil {
			return nil, err
		}
		defer vb.Release()
	}

	appendIdx := len(sources)
	plan := newCopyPlan(appendIdx+1, n)
	nulls := 0
	for _, g := range c.pending {
		res, err := op.merge(g.columns[idx], vb)
		if err != nil {
			return nil, err
		}
		switch res.kind {
		case appendValue:
			plan.add(appendIdx, vb.Len()-1)
		case appendNull:
			if !field.Nullable {
				return nil, ErrNonNullableNull
			}
			plan.add(plan.nullSource, nulls)
			nulls++
		case extend:
			plan.add(position[res.batchIdx], res.row)
		}
	}
	c.stats.CopyRuns += int64(len(plan.runs))

	if vb != nil {
		appended := vb.NewArray()
		defer appended.Release()
		sources = append(sources, appended)
	}
	return plan.execute(c.alloc, field.Type, sources)
}
