// Package connectors implements the sources and sinks of a merge scan.
package connectors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// GeneratorConfig describes one synthetic sorted stream.
type GeneratorConfig struct {
	// Key is the primary key column; it must be an integer column.
	Key string `mapstructure:"key"`
	// Rows is the number of rows to produce.
	Rows int64 `mapstructure:"rows"`
	// Start and Step define key values: Start, Start+Step, ...
	Start int64 `mapstructure:"start"`
	Step  int64 `mapstructure:"step"`
	// Repeat emits each key this many times in a row (default 1).
	Repeat int `mapstructure:"repeat"`
	// BatchSize is the number of rows per batch.
	BatchSize int `mapstructure:"batch_size"`
	// NullRate is the probability that a nullable non-key value is null.
	NullRate float64 `mapstructure:"null_rate"`
	// Tag is written into string columns to tell streams apart.
	Tag  string `mapstructure:"tag"`
	Seed uint64 `mapstructure:"seed"`
}

// SortedGenerator produces deterministic batches sorted by an integer key.
type SortedGenerator struct {
	schema *arrow.Schema
	cfg    GeneratorConfig
	keyIdx int
}

// NewSortedGenerator creates a generator stream over schema.
func NewSortedGenerator(schema *arrow.Schema, cfg GeneratorConfig) (*SortedGenerator, error) {
	indices := schema.FieldIndices(cfg.Key)
	if len(indices) == 0 {
		return nil, fmt.Errorf("generator: key column %q not in schema", cfg.Key)
	}
	switch schema.Field(indices[0]).Type.ID() {
	case arrow.INT32, arrow.INT64:
	default:
		return nil, fmt.Errorf("generator: key column %q must be int32 or int64", cfg.Key)
	}
	if cfg.Step <= 0 {
		cfg.Step = 1
	}
	if cfg.Repeat <= 0 {
		cfg.Repeat = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &SortedGenerator{schema: schema, cfg: cfg, keyIdx: indices[0]}, nil
}

func (g *SortedGenerator) Name() string {
	return fmt.Sprintf("generator(%s,start=%d,step=%d,rows=%d)", g.cfg.Tag, g.cfg.Start, g.cfg.Step, g.cfg.Rows)
}

// Open returns a reader that builds batches lazily.
func (g *SortedGenerator) Open(_ context.Context, alloc memory.Allocator) (array.RecordReader, error) {
	r := &generatorReader{
		gen:   g,
		alloc: alloc,
		rng:   rand.New(rand.NewPCG(g.cfg.Seed, uint64(g.cfg.Start))),
		now:   time.Now().UnixMilli(),
	}
	r.refs.Store(1)
	return r, nil
}

type generatorReader struct {
	gen     *SortedGenerator
	alloc   memory.Allocator
	rng     *rand.Rand
	now     int64
	emitted int64
	cur     arrow.Record
	refs    atomic.Int64
}

func (r *generatorReader) Retain() { r.refs.Add(1) }

func (r *generatorReader) Release() {
	if r.refs.Add(-1) == 0 && r.cur != nil {
		r.cur.Release()
		r.cur = nil
	}
}

func (r *generatorReader) Schema() *arrow.Schema     { return r.gen.schema }
func (r *generatorReader) Record() arrow.Record      { return r.cur }
func (r *generatorReader) RecordBatch() arrow.Record { return r.cur }
func (r *generatorReader) Err() error                { return nil }

func (r *generatorReader) Next() bool {
	if r.cur != nil {
		r.cur.Release()
		r.cur = nil
	}
	left := r.gen.cfg.Rows - r.emitted
	if left <= 0 {
		return false
	}
	n := int64(r.gen.cfg.BatchSize)
	if n > left {
		n = left
	}
	r.cur = r.generateBatch(r.emitted, int(n))
	r.emitted += n
	return true
}

func (r *generatorReader) generateBatch(startRow int64, numRows int) arrow.Record {
	schema := r.gen.schema
	cfg := r.gen.cfg

	builders := make([]array.Builder, schema.NumFields())
	for i := 0; i < schema.NumFields(); i++ {
		builders[i] = array.NewBuilder(r.alloc, schema.Field(i).Type)
		builders[i].Reserve(numRows)
	}

	for row := 0; row < numRows; row++ {
		seq := startRow + int64(row)
		key := cfg.Start + (seq/int64(cfg.Repeat))*cfg.Step
		for i := 0; i < schema.NumFields(); i++ {
			f := schema.Field(i)
			if i == r.gen.keyIdx {
				appendInt(builders[i], key)
				continue
			}
			if f.Nullable && cfg.NullRate > 0 && r.rng.Float64() < cfg.NullRate {
				builders[i].AppendNull()
				continue
			}
			switch f.Type.ID() {
			case arrow.INT64, arrow.INT32:
				appendInt(builders[i], seq)
			case arrow.FLOAT64:
				builders[i].(*array.Float64Builder).Append(float64(seq) * 1.1)
			case arrow.STRING:
				builders[i].(*array.StringBuilder).Append(fmt.Sprintf("%s_%d", cfg.Tag, seq))
			case arrow.BOOL:
				builders[i].(*array.BooleanBuilder).Append(seq%2 == 0)
			case arrow.TIMESTAMP:
				builders[i].(*array.TimestampBuilder).Append(arrow.Timestamp(r.now + seq))
			default:
				builders[i].AppendNull()
			}
		}
	}

	arrays := make([]arrow.Array, len(builders))
	for i, b := range builders {
		arrays[i] = b.NewArray()
		b.Release()
	}

	rec := array.NewRecord(schema, arrays, int64(numRows))
	for _, a := range arrays {
		a.Release()
	}
	return rec
}

func appendInt(b array.Builder, v int64) {
	switch b := b.(type) {
	case *array.Int64Builder:
		b.Append(v)
	case *array.Int32Builder:
		b.Append(int32(v))
	}
}
