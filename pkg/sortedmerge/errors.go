package sortedmerge

import "errors"

var (
	// ErrNonNullableNull is returned when a merge operator produces a null
	// for a column that is declared non-nullable.
	ErrNonNullableNull = errors.New("null value for non-nullable column")

	// ErrUnsupportedTypeOperator is returned when a column's type has no
	// value builder for the configured merge operator.
	ErrUnsupportedTypeOperator = errors.New("merge operator not supported for column type")

	// ErrArrayAssembly wraps failures of the underlying array construction.
	ErrArrayAssembly = errors.New("array assembly failed")

	// ErrInvalidConfig is returned for invalid combiner or merger configuration.
	ErrInvalidConfig = errors.New("invalid merge configuration")

	// ErrSchemaMismatch is returned when a stream batch does not match the output schema.
	ErrSchemaMismatch = errors.New("stream schema does not match output schema")

	// ErrUnsortedStream is returned when a stream yields a key lower than its previous one.
	ErrUnsortedStream = errors.New("stream is not sorted by the sort key")

	// ErrCombinerExhausted is returned by Push after the combiner reported Empty.
	ErrCombinerExhausted = errors.New("combiner is exhausted")

	// ErrDuplicateStreamRange is returned when a stream already has a live range in the queue.
	ErrDuplicateStreamRange = errors.New("stream already has a pending range")
)
