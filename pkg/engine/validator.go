package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/isotope/lakemerge/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/lakemerge/pkg/connectors"
	"github.com/sandboxws/isotope/lakemerge/pkg/expr"
	"github.com/sandboxws/isotope/lakemerge/pkg/filter"
	"github.com/sandboxws/isotope/lakemerge/pkg/sortedmerge"
)

// ErrInvalidPlan wraps every plan validation failure.
var ErrInvalidPlan = errors.New("invalid scan plan")

// ValidatePlan checks the plan for structural integrity. Defaults are
// expected to be applied already.
func ValidatePlan(plan *Plan) error {
	if err := validatePlan(plan); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}
	return nil
}

func validatePlan(plan *Plan) error {
	if plan.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(plan.Schema) == 0 {
		return fmt.Errorf("schema must contain at least one field")
	}

	names := make(map[string]bool, len(plan.Schema))
	for i, f := range plan.Schema {
		if f.Name == "" {
			return fmt.Errorf("schema[%d]: empty field name", i)
		}
		if names[f.Name] {
			return fmt.Errorf("duplicate schema field: %s", f.Name)
		}
		names[f.Name] = true
	}

	schema, err := plan.ArrowSchema()
	if err != nil {
		return err
	}
	if err := validateMerge(plan, schema); err != nil {
		return err
	}
	if err := validatePartitions(plan); err != nil {
		return err
	}
	if err := validateFilters(plan, schema); err != nil {
		return err
	}
	if err := validateProjection(plan, names); err != nil {
		return err
	}
	return validateSink(plan.Sink)
}

// validateMerge builds a throwaway combiner, which checks the primary keys
// and every column's merge operator against its type.
func validateMerge(plan *Plan, schema *arrow.Schema) error {
	ops, err := plan.ColumnOperators()
	if err != nil {
		return err
	}
	for _, k := range plan.PrimaryKeys {
		i := schema.FieldIndices(k)
		if len(i) > 0 && ops[i[0]] != sortedmerge.UseLast {
			return fmt.Errorf("primary key column %q cannot use merge operator %s", k, ops[i[0]])
		}
	}
	c, err := sortedmerge.NewRangeCombiner(sortedmerge.Config{
		Schema:          schema,
		SortKey:         plan.PrimaryKeys,
		NumStreams:      1,
		TargetBatchSize: plan.BatchSize,
		Operators:       ops,
		Alloc:           memory.DefaultAllocator,
	})
	if err != nil {
		return err
	}
	c.Close()
	return nil
}

func validatePartitions(plan *Plan) error {
	if len(plan.Partitions) == 0 {
		return fmt.Errorf("plan must contain at least one partition")
	}
	seen := make(map[string]bool, len(plan.Partitions))
	for i, p := range plan.Partitions {
		if seen[p.Name] {
			return fmt.Errorf("duplicate partition name: %s", p.Name)
		}
		seen[p.Name] = true
		if len(p.Sources) == 0 {
			return fmt.Errorf("partition %q has no sources", p.Name)
		}
		for j, s := range p.Sources {
			switch s.Kind {
			case SourceParquet:
				if _, err := connectors.ParseLocation(s.URI); err != nil {
					return fmt.Errorf("partitions[%d].sources[%d]: %w", i, j, err)
				}
			case SourceGenerator:
				if s.Generator.Key == "" {
					return fmt.Errorf("partitions[%d].sources[%d]: generator key is required", i, j)
				}
			default:
				return fmt.Errorf("partitions[%d].sources[%d]: unknown source kind %q", i, j, s.Kind)
			}
		}
	}
	return nil
}

func validateFilters(plan *Plan, schema *arrow.Schema) error {
	p, err := filter.ParseAll(plan.Filters)
	if err != nil {
		return err
	}
	ev := expr.NewEvaluator(memory.DefaultAllocator)
	if p != nil {
		bound, err := filter.Bind(p, schema)
		if err != nil {
			return fmt.Errorf("filter %s: %w", p, err)
		}
		if err := checkCondition(ev, bound.SQL(), schema); err != nil {
			return fmt.Errorf("filter %s: %w", p, err)
		}
	}
	if plan.Where == "" {
		return nil
	}
	e, err := ev.Compile(plan.Where)
	if err != nil {
		return fmt.Errorf("where: %w", err)
	}
	for _, col := range e.Columns() {
		if len(schema.FieldIndices(col)) == 0 {
			return fmt.Errorf("where references unknown column %q", col)
		}
	}
	if err := checkCondition(ev, plan.Where, schema); err != nil {
		return fmt.Errorf("where: %w", err)
	}
	return nil
}

// checkCondition evaluates cond over an empty batch of schema, which
// rejects conditions that do not yield a boolean.
func checkCondition(ev *expr.Evaluator, cond string, schema *arrow.Schema) error {
	empty := helpers.EmptyRecord(memory.DefaultAllocator, schema)
	defer empty.Release()

	mask, err := ev.EvalBool(context.Background(), empty, cond)
	if err != nil {
		return err
	}
	mask.Release()
	return nil
}

// validateProjection checks plain column references against the table
// schema. With SQL set the projection applies to the query result, whose
// columns are only known at run time.
func validateProjection(plan *Plan, columns map[string]bool) error {
	outputs := make(map[string]bool, len(plan.Projection))
	ev := expr.NewEvaluator(memory.DefaultAllocator)
	for i, c := range plan.Projection {
		out := c.OutputName()
		if out == "" {
			return fmt.Errorf("projection[%d]: name or as is required", i)
		}
		if outputs[out] {
			return fmt.Errorf("duplicate projection column: %s", out)
		}
		outputs[out] = true

		if c.Expr != "" {
			if _, err := ev.Compile(c.Expr); err != nil {
				return fmt.Errorf("projection %q: %w", out, err)
			}
			continue
		}
		if plan.SQL == "" && !columns[c.Name] {
			return fmt.Errorf("projection references unknown column %q", c.Name)
		}
	}
	return nil
}

func validateSink(s SinkSpec) error {
	switch s.Kind {
	case SinkConsole:
		return nil
	case SinkParquet:
		if s.Parquet.Path == "" {
			return fmt.Errorf("parquet sink: path is required")
		}
		if _, err := connectors.ParseLocation(s.Parquet.Path); err != nil {
			return fmt.Errorf("parquet sink: %w", err)
		}
		_, err := connectors.ParseCompression(s.Parquet.Compression)
		return err
	case SinkKafka:
		if s.Kafka.Topic == "" || len(s.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka sink: topic and brokers are required")
		}
		return nil
	default:
		return fmt.Errorf("unknown sink kind %q", s.Kind)
	}
}
