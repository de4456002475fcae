// Package operators implements the operators applied to merged batches
// between the merge source and the sink.
package operators

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	helpers "github.com/sandboxws/isotope/lakemerge/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/lakemerge/pkg/expr"
	"github.com/sandboxws/isotope/lakemerge/pkg/filter"
	"github.com/sandboxws/isotope/lakemerge/pkg/operator"
)

// Filter evaluates a condition against each batch and keeps only matching rows.
// Rows where the condition is null are dropped.
type Filter struct {
	operator.Stateless

	pred         filter.Predicate
	conditionSQL string

	ctx    *operator.Context
	eval   *expr.Evaluator
	cond   *expr.Expr
	schema *arrow.Schema
}

// NewFilter creates a Filter operator with the given SQL condition.
func NewFilter(conditionSQL string) *Filter {
	return &Filter{conditionSQL: conditionSQL}
}

// NewPredicateFilter creates a Filter operator from a parsed filter predicate.
// Literals are bound to the column types of the first batch's schema.
func NewPredicateFilter(p filter.Predicate) *Filter {
	return &Filter{pred: p}
}

func (f *Filter) Open(ctx *operator.Context) error {
	f.ctx = ctx
	f.eval = expr.NewEvaluator(ctx.Alloc)
	if f.pred != nil {
		return nil
	}
	cond, err := f.eval.Compile(f.conditionSQL)
	if err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	f.cond = cond
	return nil
}

// Condition returns the SQL condition currently evaluated.
func (f *Filter) Condition() string {
	if f.cond == nil {
		return f.conditionSQL
	}
	return f.cond.String()
}

func (f *Filter) ProcessBatch(batch arrow.Record) ([]arrow.Record, error) {
	if err := f.bind(batch.Schema()); err != nil {
		return nil, err
	}

	mask, err := f.cond.EvalBool(f.ctx.Ctx, batch)
	if err != nil {
		f.ctx.Metrics.Errors.Add(1)
		return nil, fmt.Errorf("filter %s: %w", f.cond, err)
	}
	defer mask.Release()

	result, err := helpers.Filter(f.ctx.Ctx, batch, mask)
	if err != nil {
		return nil, err
	}

	f.ctx.Metrics.BatchesProcessed.Add(1)
	f.ctx.Metrics.RowsProcessed.Add(batch.NumRows())
	if result.NumRows() == 0 {
		result.Release()
		return nil, nil
	}
	f.ctx.Metrics.RowsEmitted.Add(result.NumRows())
	return []arrow.Record{result}, nil
}

// bind compiles the predicate against schema, once per distinct schema.
func (f *Filter) bind(schema *arrow.Schema) error {
	if f.pred == nil || (f.cond != nil && f.schema.Equal(schema)) {
		return nil
	}
	bound, err := filter.Bind(f.pred, schema)
	if err != nil {
		return fmt.Errorf("filter %s: %w", f.pred, err)
	}
	cond, err := f.eval.Compile(bound.SQL())
	if err != nil {
		return fmt.Errorf("filter %s: %w", f.pred, err)
	}
	f.cond, f.schema = cond, schema
	f.ctx.Logger.Debug("filter bound", "condition", cond.String())
	return nil
}

func (f *Filter) Close() error { return nil }
