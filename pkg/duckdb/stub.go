//go:build !duckdb

// Package duckdb runs SQL over merged batches with an embedded DuckDB.
// Built without the "duckdb" tag every entry point returns
// ErrDuckDBNotAvailable.
package duckdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/isotope/lakemerge/pkg/operator"
)

// ErrDuckDBNotAvailable is returned when DuckDB functions are called
// without the duckdb build tag.
var ErrDuckDBNotAvailable = errors.New("sql over merged batches requires building with -tags duckdb")

// ViewName is the view merged batches are registered under.
const ViewName = "merged"

// Instance is a stub for DuckDB instance management.
type Instance struct{}

// NewInstance returns an error when DuckDB is not compiled in.
func NewInstance(_ context.Context, _ memory.Allocator, _ Options) (*Instance, error) {
	return nil, ErrDuckDBNotAvailable
}

// Close is a no-op stub.
func (i *Instance) Close() error { return nil }

// RegisterView is a stub.
func (i *Instance) RegisterView(_ arrow.Record, _ string) error {
	return ErrDuckDBNotAvailable
}

// Query is a stub.
func (i *Instance) Query(_ context.Context, _ string) (arrow.Record, error) {
	return nil, ErrDuckDBNotAvailable
}

// SQLOperator is a stub for the SQL operator.
type SQLOperator struct{}

// NewSQLOperator returns a stub operator.
func NewSQLOperator(_ string, _ int) *SQLOperator {
	return &SQLOperator{}
}

// SetOptions is a no-op stub.
func (s *SQLOperator) SetOptions(_ Options) {}

func (s *SQLOperator) Open(_ *operator.Context) error {
	return fmt.Errorf("sql operator: %w", ErrDuckDBNotAvailable)
}

func (s *SQLOperator) ProcessBatch(_ arrow.Record) ([]arrow.Record, error) {
	return nil, ErrDuckDBNotAvailable
}

func (s *SQLOperator) Flush() ([]arrow.Record, error) { return nil, nil }
func (s *SQLOperator) Close() error                   { return nil }
