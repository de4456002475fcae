//go:build !duckdb

package duckdb

import (
	"context"
	"errors"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/isotope/lakemerge/pkg/operator"
)

var _ operator.Operator = (*SQLOperator)(nil)

func TestStubReturnsError(t *testing.T) {
	alloc := memory.DefaultAllocator

	_, err := NewInstance(context.Background(), alloc, Options{})
	if err == nil {
		t.Fatal("expected error from stub NewInstance")
	}
	if !errors.Is(err, ErrDuckDBNotAvailable) {
		t.Errorf("expected ErrDuckDBNotAvailable, got: %v", err)
	}
}

func TestStubSQLOperatorReturnsError(t *testing.T) {
	s := NewSQLOperator("SELECT count(*) FROM merged", 0)
	err := s.Open(nil)
	if err == nil {
		t.Fatal("expected error from stub Open")
	}
	if !errors.Is(err, ErrDuckDBNotAvailable) {
		t.Errorf("expected ErrDuckDBNotAvailable, got: %v", err)
	}
}
