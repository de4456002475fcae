// Package expr evaluates SQL conditions against merged Arrow batches.
// Conditions are parsed once with TiDB's SQL parser and evaluated per batch
// with Arrow compute kernels.
package expr

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/arrow/scalar"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/opcode"
	"github.com/pingcap/tidb/pkg/parser/test_driver"
)

// ErrNotBoolean is returned when a condition evaluates to a non-boolean type.
var ErrNotBoolean = errors.New("expression is not a boolean condition")

// Evaluator compiles and evaluates SQL expressions.
type Evaluator struct {
	alloc  memory.Allocator
	parser *parser.Parser
}

// NewEvaluator creates a new expression evaluator.
func NewEvaluator(alloc memory.Allocator) *Evaluator {
	return &Evaluator{
		alloc:  alloc,
		parser: parser.New(),
	}
}

// Expr is a compiled expression, reusable across batches.
type Expr struct {
	ev   *Evaluator
	sql  string
	node ast.ExprNode
}

// Compile parses a standalone SQL expression by wrapping it in a SELECT statement.
func (ev *Evaluator) Compile(exprSQL string) (*Expr, error) {
	stmt, err := ev.parser.ParseOneStmt("SELECT "+exprSQL, "", "")
	if err != nil {
		return nil, fmt.Errorf("parse expression %q: %w", exprSQL, err)
	}
	sel, ok := stmt.(*ast.SelectStmt)
	if !ok || sel.Fields == nil || len(sel.Fields.Fields) != 1 || sel.From != nil {
		return nil, fmt.Errorf("parse expression %q: not a single expression", exprSQL)
	}
	return &Expr{ev: ev, sql: exprSQL, node: sel.Fields.Fields[0].Expr}, nil
}

// Eval compiles and evaluates exprSQL once. The caller must Release() the result.
func (ev *Evaluator) Eval(ctx context.Context, batch arrow.Record, exprSQL string) (arrow.Array, error) {
	e, err := ev.Compile(exprSQL)
	if err != nil {
		return nil, err
	}
	return e.Eval(ctx, batch)
}

// EvalBool compiles and evaluates exprSQL once, expecting a boolean result.
func (ev *Evaluator) EvalBool(ctx context.Context, batch arrow.Record, exprSQL string) (*array.Boolean, error) {
	e, err := ev.Compile(exprSQL)
	if err != nil {
		return nil, err
	}
	return e.EvalBool(ctx, batch)
}

func (e *Expr) String() string { return e.sql }

// Columns returns the column names referenced by the expression.
func (e *Expr) Columns() []string {
	c := &columnCollector{seen: make(map[string]bool)}
	e.node.Accept(c)
	return c.names
}

// Eval evaluates the expression against batch. The caller must Release() the result.
func (e *Expr) Eval(ctx context.Context, batch arrow.Record) (arrow.Array, error) {
	return e.ev.evalExpr(ctx, batch, e.node)
}

// EvalBool evaluates the expression and expects a boolean result.
func (e *Expr) EvalBool(ctx context.Context, batch arrow.Record) (*array.Boolean, error) {
	result, err := e.Eval(ctx, batch)
	if err != nil {
		return nil, err
	}
	boolArr, ok := result.(*array.Boolean)
	if !ok {
		dt := result.DataType()
		result.Release()
		return nil, fmt.Errorf("%w: %q yields %s", ErrNotBoolean, e.sql, dt)
	}
	return boolArr, nil
}

type columnCollector struct {
	names []string
	seen  map[string]bool
}

func (c *columnCollector) Enter(n ast.Node) (ast.Node, bool) {
	if col, ok := n.(*ast.ColumnNameExpr); ok {
		name := col.Name.Name.O
		if !c.seen[name] {
			c.seen[name] = true
			c.names = append(c.names, name)
		}
	}
	return n, false
}

func (c *columnCollector) Leave(n ast.Node) (ast.Node, bool) { return n, true }

// evalExpr dispatches AST nodes to the appropriate evaluation function.
func (ev *Evaluator) evalExpr(ctx context.Context, batch arrow.Record, expr ast.ExprNode) (arrow.Array, error) {
	switch e := expr.(type) {
	case *ast.ColumnNameExpr:
		return ev.evalColumnRef(batch, e)
	case *test_driver.ValueExpr:
		return ev.evalLiteral(batch, e)
	case *ast.BinaryOperationExpr:
		return ev.evalBinaryOp(ctx, batch, e)
	case *ast.UnaryOperationExpr:
		return ev.evalUnaryOp(ctx, batch, e)
	case *ast.IsNullExpr:
		return ev.evalIsNull(ctx, batch, e)
	case *ast.PatternInExpr:
		return ev.evalIn(ctx, batch, e)
	case *ast.ParenthesesExpr:
		return ev.evalExpr(ctx, batch, e.Expr)
	default:
		return nil, fmt.Errorf("unsupported expression type: %T", expr)
	}
}

// ── Column references ───────────────────────────────────────────────

func (ev *Evaluator) evalColumnRef(batch arrow.Record, col *ast.ColumnNameExpr) (arrow.Array, error) {
	name := col.Name.Name.O
	indices := batch.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return nil, fmt.Errorf("column %q not found in schema", name)
	}
	arr := batch.Column(indices[0])
	arr.Retain()
	return arr, nil
}

// ── Literals ────────────────────────────────────────────────────────

func (ev *Evaluator) evalLiteral(batch arrow.Record, val *test_driver.ValueExpr) (arrow.Array, error) {
	numRows := int(batch.NumRows())
	d := val.Datum

	switch d.Kind() {
	case test_driver.KindInt64:
		return makeConstant(ev.alloc, scalar.NewInt64Scalar(d.GetInt64()), numRows)
	case test_driver.KindUint64:
		return makeConstant(ev.alloc, scalar.NewUint64Scalar(d.GetUint64()), numRows)
	case test_driver.KindFloat64:
		return makeConstant(ev.alloc, scalar.NewFloat64Scalar(d.GetFloat64()), numRows)
	case test_driver.KindFloat32:
		return makeConstant(ev.alloc, scalar.NewFloat64Scalar(float64(d.GetFloat32())), numRows)
	case test_driver.KindString:
		return makeConstantString(ev.alloc, d.GetString(), numRows), nil
	case test_driver.KindNull:
		return array.MakeArrayOfNull(ev.alloc, arrow.PrimitiveTypes.Int64, numRows), nil
	default:
		return nil, fmt.Errorf("unsupported literal kind: %v (write decimals in exponent form)", d.Kind())
	}
}

// ── Binary operations (comparisons, arithmetic, logical) ────────────

var binaryKernels = map[opcode.Op]string{
	opcode.EQ:       "equal",
	opcode.NE:       "not_equal",
	opcode.GT:       "greater",
	opcode.LT:       "less",
	opcode.GE:       "greater_equal",
	opcode.LE:       "less_equal",
	opcode.Plus:     "add",
	opcode.Minus:    "subtract",
	opcode.Mul:      "multiply",
	opcode.Div:      "divide",
	opcode.LogicAnd: "and",
	opcode.LogicOr:  "or",
}

func (ev *Evaluator) evalBinaryOp(ctx context.Context, batch arrow.Record, expr *ast.BinaryOperationExpr) (arrow.Array, error) {
	kernelName, ok := binaryKernels[expr.Op]
	if !ok {
		return nil, fmt.Errorf("unsupported binary operator: %v", expr.Op)
	}

	left, err := ev.evalExpr(ctx, batch, expr.L)
	if err != nil {
		return nil, err
	}
	defer left.Release()

	right, err := ev.evalExpr(ctx, batch, expr.R)
	if err != nil {
		return nil, err
	}
	defer right.Release()

	return ev.computeBinaryKernel(ctx, left, right, kernelName)
}

func (ev *Evaluator) computeBinaryKernel(ctx context.Context, left, right arrow.Array, kernelName string) (arrow.Array, error) {
	cl, cr, err := coerceTypes(ctx, ev.alloc, left, right)
	if err != nil {
		return nil, err
	}
	defer cl.Release()
	defer cr.Release()

	result, err := compute.CallFunction(ctx, kernelName, nil,
		compute.NewDatumWithoutOwning(cl), compute.NewDatumWithoutOwning(cr))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kernelName, err)
	}
	return extractArray(result)
}

// ── Unary operations ────────────────────────────────────────────────

func (ev *Evaluator) evalUnaryOp(ctx context.Context, batch arrow.Record, expr *ast.UnaryOperationExpr) (arrow.Array, error) {
	inner, err := ev.evalExpr(ctx, batch, expr.V)
	if err != nil {
		return nil, err
	}
	defer inner.Release()

	switch expr.Op {
	case opcode.Not, opcode.Not2:
		boolArr, ok := inner.(*array.Boolean)
		if !ok {
			return nil, fmt.Errorf("NOT requires boolean input, got %s", inner.DataType())
		}
		return invertBool(ev.alloc, boolArr), nil
	case opcode.Minus:
		result, err := compute.Negate(ctx, compute.ArithmeticOptions{}, compute.NewDatumWithoutOwning(inner))
		if err != nil {
			return nil, fmt.Errorf("unary minus: %w", err)
		}
		return extractArray(result)
	default:
		return nil, fmt.Errorf("unsupported unary operator: %v", expr.Op)
	}
}

// ── IS NULL / IS NOT NULL ───────────────────────────────────────────

func (ev *Evaluator) evalIsNull(ctx context.Context, batch arrow.Record, expr *ast.IsNullExpr) (arrow.Array, error) {
	inner, err := ev.evalExpr(ctx, batch, expr.Expr)
	if err != nil {
		return nil, err
	}
	defer inner.Release()

	bldr := array.NewBooleanBuilder(ev.alloc)
	defer bldr.Release()
	bldr.Reserve(inner.Len())
	for i := 0; i < inner.Len(); i++ {
		bldr.UnsafeAppend(inner.IsNull(i) != expr.Not)
	}
	return bldr.NewArray(), nil
}

// ── IN (...) ────────────────────────────────────────────────────────

func (ev *Evaluator) evalIn(ctx context.Context, batch arrow.Record, expr *ast.PatternInExpr) (arrow.Array, error) {
	if expr.Sel != nil || len(expr.List) == 0 {
		return nil, fmt.Errorf("IN requires a literal list")
	}
	left, err := ev.evalExpr(ctx, batch, expr.Expr)
	if err != nil {
		return nil, err
	}
	defer left.Release()

	var acc arrow.Array
	for _, item := range expr.List {
		right, err := ev.evalExpr(ctx, batch, item)
		if err != nil {
			releaseIfSet(acc)
			return nil, err
		}
		eq, err := ev.computeBinaryKernel(ctx, left, right, "equal")
		right.Release()
		if err != nil {
			releaseIfSet(acc)
			return nil, err
		}
		if acc == nil {
			acc = eq
			continue
		}
		next, err := ev.computeBinaryKernel(ctx, acc, eq, "or")
		acc.Release()
		eq.Release()
		if err != nil {
			return nil, err
		}
		acc = next
	}

	if expr.Not {
		defer acc.Release()
		return invertBool(ev.alloc, acc.(*array.Boolean)), nil
	}
	return acc, nil
}

// ── Utility functions ───────────────────────────────────────────────

func extractArray(d compute.Datum) (arrow.Array, error) {
	defer d.Release()
	switch v := d.(type) {
	case *compute.ArrayDatum:
		return v.MakeArray(), nil
	default:
		return nil, fmt.Errorf("unexpected datum type: %T", d)
	}
}

func releaseIfSet(arr arrow.Array) {
	if arr != nil {
		arr.Release()
	}
}

func invertBool(alloc memory.Allocator, arr *array.Boolean) arrow.Array {
	bldr := array.NewBooleanBuilder(alloc)
	defer bldr.Release()
	for i := 0; i < arr.Len(); i++ {
		if arr.IsNull(i) {
			bldr.AppendNull()
		} else {
			bldr.Append(!arr.Value(i))
		}
	}
	return bldr.NewArray()
}

func makeConstant(alloc memory.Allocator, sc scalar.Scalar, n int) (arrow.Array, error) {
	arr, err := scalar.MakeArrayFromScalar(sc, n, alloc)
	if err != nil {
		return nil, fmt.Errorf("constant %s: %w", sc, err)
	}
	return arr, nil
}

func makeConstantString(alloc memory.Allocator, val string, n int) arrow.Array {
	bldr := array.NewStringBuilder(alloc)
	defer bldr.Release()
	bldr.ReserveData(len(val) * n)
	for i := 0; i < n; i++ {
		bldr.Append(val)
	}
	return bldr.NewArray()
}
