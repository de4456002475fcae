package filter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidPredicateSyntax is returned for malformed filter strings and
// unknown operators.
var ErrInvalidPredicateSyntax = errors.New("invalid predicate syntax")

var compareByName = map[string]CompareOp{
	"eq":    Eq,
	"ne":    NotEq,
	"noteq": NotEq,
	"lt":    Lt,
	"le":    LtEq,
	"lteq":  LtEq,
	"gt":    Gt,
	"ge":    GtEq,
	"gteq":  GtEq,
}

// Parse parses a filter string such as "or(eq(a,2),eq(a,3))".
func Parse(input string) (Predicate, error) {
	p, err := parse(strings.TrimSpace(input))
	if err != nil {
		return nil, fmt.Errorf("parse filter %q: %w", input, err)
	}
	return p, nil
}

// ParseAll parses several filters and joins them with AND. It returns nil
// for an empty list.
func ParseAll(inputs []string) (Predicate, error) {
	var out Predicate
	for _, in := range inputs {
		p, err := Parse(in)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = p
			continue
		}
		out = &And{Left: out, Right: p}
	}
	return out, nil
}

func parse(s string) (Predicate, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return nil, fmt.Errorf("%w: expected op(args) in %q", ErrInvalidPredicateSyntax, s)
	}
	if !strings.HasSuffix(s, ")") {
		return nil, fmt.Errorf("%w: missing closing parenthesis in %q", ErrInvalidPredicateSyntax, s)
	}
	op := strings.ToLower(strings.TrimSpace(s[:open]))
	if op == "" {
		return nil, fmt.Errorf("%w: missing operator in %q", ErrInvalidPredicateSyntax, s)
	}
	args, err := splitArgs(s[open+1 : len(s)-1])
	if err != nil {
		return nil, err
	}

	if cmp, ok := compareByName[op]; ok {
		if err := arity(op, args, 2); err != nil {
			return nil, err
		}
		col, err := column(args[0])
		if err != nil {
			return nil, err
		}
		return &Comparison{Column: col, Op: cmp, Value: parseLiteral(args[1])}, nil
	}

	switch op {
	case "or", "and":
		if err := arity(op, args, 2); err != nil {
			return nil, err
		}
		left, err := parse(args[0])
		if err != nil {
			return nil, err
		}
		right, err := parse(args[1])
		if err != nil {
			return nil, err
		}
		if op == "or" {
			return &Or{Left: left, Right: right}, nil
		}
		return &And{Left: left, Right: right}, nil

	case "not":
		if err := arity(op, args, 1); err != nil {
			return nil, err
		}
		inner, err := parse(args[0])
		if err != nil {
			return nil, err
		}
		return &Not{Inner: inner}, nil

	case "null", "isnull", "notnull", "isnotnull":
		if err := arity(op, args, 1); err != nil {
			return nil, err
		}
		col, err := column(args[0])
		if err != nil {
			return nil, err
		}
		return &IsNull{Column: col, Negated: strings.Contains(op, "not")}, nil
	}

	return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidPredicateSyntax, op)
}

// splitArgs splits at commas outside parentheses and quotes.
func splitArgs(body string) ([]string, error) {
	var args []string
	depth, start := 0, 0
	var quote byte
	for i := 0; i < len(body); i++ {
		ch := body[i]
		if quote != 0 {
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("%w: unbalanced ')' at offset %d", ErrInvalidPredicateSyntax, i)
			}
		case ',':
			if depth == 0 {
				args = append(args, strings.TrimSpace(body[start:i]))
				start = i + 1
			}
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("%w: unterminated quote", ErrInvalidPredicateSyntax)
	}
	if depth != 0 {
		return nil, fmt.Errorf("%w: unbalanced '('", ErrInvalidPredicateSyntax)
	}
	return append(args, strings.TrimSpace(body[start:])), nil
}

func arity(op string, args []string, n int) error {
	if len(args) != n {
		return fmt.Errorf("%w: %s takes %d arguments, got %d", ErrInvalidPredicateSyntax, op, n, len(args))
	}
	for _, a := range args {
		if a == "" {
			return fmt.Errorf("%w: empty argument to %s", ErrInvalidPredicateSyntax, op)
		}
	}
	return nil
}

func column(arg string) (string, error) {
	if strings.ContainsAny(arg, "()'\",") {
		return "", fmt.Errorf("%w: %q is not a column name", ErrInvalidPredicateSyntax, arg)
	}
	return arg, nil
}

func parseLiteral(raw string) Literal {
	lit := Literal{Raw: raw}
	switch {
	case strings.EqualFold(raw, "null"):
		lit.Kind = LiteralNull
	case len(raw) >= 2 && (raw[0] == '\'' || raw[0] == '"') && raw[len(raw)-1] == raw[0]:
		lit.Kind = LiteralString
		lit.Str = strings.ReplaceAll(raw[1:len(raw)-1], string(raw[0])+string(raw[0]), string(raw[0]))
	case strings.EqualFold(raw, "true"), strings.EqualFold(raw, "false"):
		lit.Kind = LiteralBool
		lit.Bool = strings.EqualFold(raw, "true")
	default:
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			lit.Kind, lit.Int = LiteralInt, i
		} else if f, err := strconv.ParseFloat(raw, 64); err == nil {
			lit.Kind, lit.Float = LiteralFloat, f
		} else {
			lit.Kind, lit.Str = LiteralString, raw
		}
	}
	return lit
}
