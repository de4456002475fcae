// Package operator defines the interfaces every stage of a merge scan implements.
package operator

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// Operator transforms merged batches between the merge source and the sink.
// The lifecycle is: Open -> ProcessBatch* -> Flush -> Close.
type Operator interface {
	// Open initializes the operator. Called once before any ProcessBatch.
	Open(ctx *Context) error

	// ProcessBatch processes one Arrow RecordBatch and returns zero or more output batches.
	// Implementations MUST Retain any input batch data they hold beyond this call.
	// The caller is responsible for releasing the input batch after this returns.
	ProcessBatch(batch arrow.Record) ([]arrow.Record, error)

	// Flush is called once after the last batch and returns any buffered output.
	Flush() ([]arrow.Record, error)

	// Close releases resources. Called once during shutdown.
	Close() error
}

// Source produces batches for a pipeline.
// Sources run in their own goroutine and push batches to the output channel.
type Source interface {
	// Open initializes the source.
	Open(ctx *Context) error

	// Run starts producing batches to the output channel.
	// It should return when ctx.Done() is signaled, the input is exhausted or an error occurs.
	// The source MUST close the output channel when it stops.
	Run(ctx *Context, out chan<- arrow.Record) error

	// Close releases resources.
	Close() error
}

// Sink consumes the batches at the end of a pipeline.
type Sink interface {
	// Open initializes the sink.
	Open(ctx *Context) error

	// WriteBatch writes a RecordBatch to the external system.
	WriteBatch(batch arrow.Record) error

	// Close flushes and releases resources.
	Close() error
}

// Stateless can be embedded by operators that never buffer.
type Stateless struct{}

// Flush returns no batches.
func (Stateless) Flush() ([]arrow.Record, error) { return nil, nil }
