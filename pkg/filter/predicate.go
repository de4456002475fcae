// Package filter parses the pushed-down filter grammar `op(args)` into a
// predicate tree and renders it as a SQL condition for the expression
// evaluator.
//
//	eq(a,2)
//	or(eq(a,2),and(gt(b,1.5),notnull(c)))
package filter

import (
	"fmt"
	"strconv"
	"strings"
)

// CompareOp is a binary relational operator.
type CompareOp int

const (
	Eq CompareOp = iota
	NotEq
	Lt
	LtEq
	Gt
	GtEq
)

var compareOps = [...]struct{ name, sql string }{
	Eq:    {"eq", "="},
	NotEq: {"noteq", "!="},
	Lt:    {"lt", "<"},
	LtEq:  {"lteq", "<="},
	Gt:    {"gt", ">"},
	GtEq:  {"gteq", ">="},
}

func (op CompareOp) String() string { return compareOps[op].name }

// LiteralKind is the type of a literal after parsing or binding.
type LiteralKind int

const (
	LiteralNull LiteralKind = iota
	LiteralInt
	LiteralFloat
	LiteralString
	LiteralBool
	LiteralUint
)

// Literal is a constant operand. Raw keeps the source text for rebinding.
type Literal struct {
	Kind  LiteralKind
	Int   int64
	Uint  uint64
	Float float64
	Str   string
	Bool  bool
	Raw   string
}

// SQL renders the literal in a form the TiDB parser reads back with the same type.
func (l Literal) SQL() string {
	switch l.Kind {
	case LiteralInt:
		return strconv.FormatInt(l.Int, 10)
	case LiteralUint:
		return strconv.FormatUint(l.Uint, 10)
	case LiteralFloat:
		// Exponent notation parses as a double rather than a decimal.
		return strconv.FormatFloat(l.Float, 'e', -1, 64)
	case LiteralString:
		s := strings.ReplaceAll(l.Str, `\`, `\\`)
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	case LiteralBool:
		if l.Bool {
			return "TRUE"
		}
		return "FALSE"
	default:
		return "NULL"
	}
}

func (l Literal) String() string {
	switch l.Kind {
	case LiteralString:
		return "'" + strings.ReplaceAll(l.Str, "'", "''") + "'"
	case LiteralNull:
		return "null"
	default:
		return l.Raw
	}
}

// Predicate is a node of a parsed filter.
type Predicate interface {
	// SQL renders the predicate as a SQL boolean condition.
	SQL() string
	// String renders the predicate in the filter grammar.
	String() string

	walk(fn func(Predicate))
}

// Comparison compares a column with a literal.
type Comparison struct {
	Column string
	Op     CompareOp
	Value  Literal
}

func (c *Comparison) SQL() string {
	col := quoteIdent(c.Column)
	switch {
	case c.Value.Kind == LiteralNull && c.Op == Eq:
		return col + " IS NULL"
	case c.Value.Kind == LiteralNull && c.Op == NotEq:
		return col + " IS NOT NULL"
	case c.Value.Kind == LiteralBool && (c.Op == Eq || c.Op == NotEq):
		if (c.Op == Eq) == c.Value.Bool {
			return col
		}
		return "NOT " + col
	}
	return fmt.Sprintf("%s %s %s", col, compareOps[c.Op].sql, c.Value.SQL())
}

func (c *Comparison) String() string {
	return fmt.Sprintf("%s(%s,%s)", c.Op, c.Column, c.Value)
}

func (c *Comparison) walk(fn func(Predicate)) { fn(c) }

// Or is the logical disjunction of two predicates.
type Or struct{ Left, Right Predicate }

func (o *Or) SQL() string    { return fmt.Sprintf("(%s) OR (%s)", o.Left.SQL(), o.Right.SQL()) }
func (o *Or) String() string { return fmt.Sprintf("or(%s,%s)", o.Left, o.Right) }
func (o *Or) walk(fn func(Predicate)) {
	fn(o)
	o.Left.walk(fn)
	o.Right.walk(fn)
}

// And is the logical conjunction of two predicates.
type And struct{ Left, Right Predicate }

func (a *And) SQL() string    { return fmt.Sprintf("(%s) AND (%s)", a.Left.SQL(), a.Right.SQL()) }
func (a *And) String() string { return fmt.Sprintf("and(%s,%s)", a.Left, a.Right) }
func (a *And) walk(fn func(Predicate)) {
	fn(a)
	a.Left.walk(fn)
	a.Right.walk(fn)
}

// Not negates a predicate.
type Not struct{ Inner Predicate }

func (n *Not) SQL() string    { return fmt.Sprintf("NOT (%s)", n.Inner.SQL()) }
func (n *Not) String() string { return fmt.Sprintf("not(%s)", n.Inner) }
func (n *Not) walk(fn func(Predicate)) {
	fn(n)
	n.Inner.walk(fn)
}

// IsNull tests a column for null, or for non-null when Negated.
type IsNull struct {
	Column  string
	Negated bool
}

func (n *IsNull) SQL() string {
	if n.Negated {
		return quoteIdent(n.Column) + " IS NOT NULL"
	}
	return quoteIdent(n.Column) + " IS NULL"
}

func (n *IsNull) String() string {
	if n.Negated {
		return fmt.Sprintf("notnull(%s)", n.Column)
	}
	return fmt.Sprintf("null(%s)", n.Column)
}

func (n *IsNull) walk(fn func(Predicate)) { fn(n) }

// Columns returns the distinct columns referenced by p in first-seen order.
func Columns(p Predicate) []string {
	var cols []string
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			cols = append(cols, name)
		}
	}
	p.walk(func(n Predicate) {
		switch n := n.(type) {
		case *Comparison:
			add(n.Column)
		case *IsNull:
			add(n.Column)
		}
	})
	return cols
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
