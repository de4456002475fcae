package operators

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/sandboxws/isotope/lakemerge/pkg/expr"
	"github.com/sandboxws/isotope/lakemerge/pkg/operator"
)

// ProjectColumn is one output column of a projection: either an input
// column (Name) or a SQL expression (Expr), optionally renamed with As.
type ProjectColumn struct {
	Name string `mapstructure:"name"`
	As   string `mapstructure:"as"`
	Expr string `mapstructure:"expr"`
}

// OutputName returns the name of the column in the projected batch.
func (c ProjectColumn) OutputName() string {
	if c.As != "" {
		return c.As
	}
	return c.Name
}

// Project keeps, renames and derives columns in the listed order.
// An empty column list passes batches through unchanged.
type Project struct {
	operator.Stateless

	columns []ProjectColumn
	exprs   []*expr.Expr
	ctx     *operator.Context
}

// NewProject creates a Project operator.
func NewProject(columns []ProjectColumn) *Project {
	return &Project{columns: columns}
}

func (p *Project) Open(ctx *operator.Context) error {
	p.ctx = ctx
	ev := expr.NewEvaluator(ctx.Alloc)
	p.exprs = make([]*expr.Expr, len(p.columns))
	for i, col := range p.columns {
		if col.OutputName() == "" {
			return fmt.Errorf("project: column %d has no name", i)
		}
		if col.Expr == "" {
			continue
		}
		e, err := ev.Compile(col.Expr)
		if err != nil {
			return fmt.Errorf("project column %q: %w", col.OutputName(), err)
		}
		p.exprs[i] = e
	}
	return nil
}

func (p *Project) ProcessBatch(batch arrow.Record) ([]arrow.Record, error) {
	if len(p.columns) == 0 {
		batch.Retain()
		return []arrow.Record{batch}, nil
	}

	schema := batch.Schema()
	fields := make([]arrow.Field, 0, len(p.columns))
	arrays := make([]arrow.Array, 0, len(p.columns))
	release := func() {
		for _, a := range arrays {
			a.Release()
		}
	}

	for i, col := range p.columns {
		if p.exprs[i] != nil {
			arr, err := p.exprs[i].Eval(p.ctx.Ctx, batch)
			if err != nil {
				release()
				return nil, fmt.Errorf("project column %q: %w", col.OutputName(), err)
			}
			fields = append(fields, arrow.Field{Name: col.OutputName(), Type: arr.DataType(), Nullable: true})
			arrays = append(arrays, arr)
			continue
		}

		indices := schema.FieldIndices(col.Name)
		if len(indices) == 0 {
			release()
			return nil, fmt.Errorf("project: column %q not found", col.Name)
		}
		f := schema.Field(indices[0])
		f.Name = col.OutputName()
		arr := batch.Column(indices[0])
		arr.Retain()
		fields = append(fields, f)
		arrays = append(arrays, arr)
	}

	result := array.NewRecord(arrow.NewSchema(fields, nil), arrays, batch.NumRows())
	// NewRecord retains each array; release our references.
	release()

	p.ctx.Metrics.BatchesProcessed.Add(1)
	p.ctx.Metrics.RowsProcessed.Add(batch.NumRows())
	return []arrow.Record{result}, nil
}

func (p *Project) Close() error { return nil }
