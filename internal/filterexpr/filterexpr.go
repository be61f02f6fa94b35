// Package filterexpr lowers raw `when` expressions into structured filter
// conditions.
//
// Expressions use Starlark expression syntax: comparisons against
// literals, and/or/not, `in`, and the string methods startswith,
// endswith and matches. Dotted identifiers are record paths. C-style
// &&, || and ! are accepted as aliases.
package filterexpr

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"go.starlark.net/syntax"

	"github.com/weavster/flowc/internal/ir"
)

// Parse lowers src into a FilterCondition. It never returns an Expression.
func Parse(src string) (ir.FilterCondition, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("empty expression")
	}
	expr, err := syntax.ParseExpr("when", normalize(src), 0)
	if err != nil {
		return nil, fmt.Errorf("syntax error in %q: %w", src, err)
	}
	cond, err := lower(expr)
	if err != nil {
		return nil, fmt.Errorf("unsupported expression %q: %w", src, err)
	}
	return cond, nil
}

// Resolve returns cond with every Expression replaced by its parsed form.
func Resolve(cond ir.FilterCondition) (ir.FilterCondition, error) {
	switch c := cond.(type) {
	case ir.Expression:
		return Parse(c.Source)
	case ir.And:
		conds, err := resolveAll(c.Conditions)
		return ir.And{Conditions: conds}, err
	case ir.Or:
		conds, err := resolveAll(c.Conditions)
		return ir.Or{Conditions: conds}, err
	case ir.Not:
		inner, err := Resolve(c.Condition)
		return ir.Not{Condition: inner}, err
	case ir.Matches:
		if _, err := regexp.Compile(c.Pattern); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", c.Pattern, err)
		}
		return c, nil
	default:
		return cond, nil
	}
}

func resolveAll(conds []ir.FilterCondition) ([]ir.FilterCondition, error) {
	out := make([]ir.FilterCondition, len(conds))
	for i, c := range conds {
		r, err := Resolve(c)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// normalize rewrites &&, || and ! outside string literals.
func normalize(src string) string {
	var b strings.Builder
	var quote byte
	for i := 0; i < len(src); i++ {
		c := src[i]
		if quote != 0 {
			b.WriteByte(c)
			if c == '\\' && i+1 < len(src) {
				i++
				b.WriteByte(src[i])
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch {
		case c == '"' || c == '\'':
			quote = c
			b.WriteByte(c)
		case strings.HasPrefix(src[i:], "&&"):
			b.WriteString(" and ")
			i++
		case strings.HasPrefix(src[i:], "||"):
			b.WriteString(" or ")
			i++
		case c == '!' && !strings.HasPrefix(src[i:], "!="):
			b.WriteString(" not ")
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func lower(e syntax.Expr) (ir.FilterCondition, error) {
	switch e := e.(type) {
	case *syntax.ParenExpr:
		return lower(e.X)
	case *syntax.UnaryExpr:
		if e.Op != syntax.NOT {
			return nil, fmt.Errorf("unary %s", e.Op)
		}
		inner, err := lower(e.X)
		if err != nil {
			return nil, err
		}
		return ir.Not{Condition: inner}, nil
	case *syntax.BinaryExpr:
		return lowerBinary(e)
	case *syntax.CallExpr:
		return lowerCall(e)
	case *syntax.Ident, *syntax.DotExpr:
		field, err := fieldPath(e)
		if err != nil {
			return nil, err
		}
		return ir.NotNull{Field: field}, nil
	default:
		return nil, fmt.Errorf("%T is not a condition", e)
	}
}

func lowerBinary(e *syntax.BinaryExpr) (ir.FilterCondition, error) {
	switch e.Op {
	case syntax.AND, syntax.OR:
		x, err := lower(e.X)
		if err != nil {
			return nil, err
		}
		y, err := lower(e.Y)
		if err != nil {
			return nil, err
		}
		if e.Op == syntax.AND {
			return ir.And{Conditions: flattenAnd(x, y)}, nil
		}
		return ir.Or{Conditions: flattenOr(x, y)}, nil
	case syntax.IN, syntax.NOT_IN:
		cond, err := lowerIn(e.X, e.Y)
		if err != nil {
			return nil, err
		}
		if e.Op == syntax.NOT_IN {
			return ir.Not{Condition: cond}, nil
		}
		return cond, nil
	}

	op, ok := compareOps[e.Op]
	if !ok {
		return nil, fmt.Errorf("operator %s", e.Op)
	}

	field, value, swapped, err := fieldAndLiteral(e.X, e.Y)
	if err != nil {
		return nil, err
	}
	if swapped {
		op = op.Mirror()
	}
	if _, isNull := value.(ir.IRNull); isNull {
		switch op {
		case ir.OpEq:
			return ir.IsNull{Field: field}, nil
		case ir.OpNe:
			return ir.NotNull{Field: field}, nil
		default:
			return nil, fmt.Errorf("cannot order against null")
		}
	}
	return ir.Compare{Field: field, Op: op, Value: value}, nil
}

var compareOps = map[syntax.Token]ir.CompareOp{
	syntax.EQL: ir.OpEq,
	syntax.NEQ: ir.OpNe,
	syntax.GT:  ir.OpGt,
	syntax.GE:  ir.OpGe,
	syntax.LT:  ir.OpLt,
	syntax.LE:  ir.OpLe,
}

// lowerIn handles `'x' in field` (contains) and `field in [a, b]` (any equal).
func lowerIn(x, y syntax.Expr) (ir.FilterCondition, error) {
	if lit, err := literal(x); err == nil {
		field, err := fieldPath(y)
		if err != nil {
			return nil, err
		}
		return ir.Compare{Field: field, Op: ir.OpContains, Value: lit}, nil
	}

	field, err := fieldPath(x)
	if err != nil {
		return nil, err
	}
	var elems []syntax.Expr
	switch y := y.(type) {
	case *syntax.ListExpr:
		elems = y.List
	case *syntax.TupleExpr:
		elems = y.List
	case *syntax.ParenExpr:
		if t, ok := y.X.(*syntax.TupleExpr); ok {
			elems = t.List
		} else {
			elems = []syntax.Expr{y.X}
		}
	default:
		return nil, fmt.Errorf("right side of 'in' must be a field or a list of literals")
	}
	conds := make([]ir.FilterCondition, 0, len(elems))
	for _, elem := range elems {
		lit, err := literal(elem)
		if err != nil {
			return nil, err
		}
		conds = append(conds, ir.Compare{Field: field, Op: ir.OpEq, Value: lit})
	}
	return ir.Or{Conditions: conds}, nil
}

func lowerCall(e *syntax.CallExpr) (ir.FilterCondition, error) {
	dot, ok := e.Fn.(*syntax.DotExpr)
	if !ok {
		return nil, fmt.Errorf("only startswith, endswith and matches calls are supported")
	}
	field, err := fieldPath(dot.X)
	if err != nil {
		return nil, err
	}
	if len(e.Args) != 1 {
		return nil, fmt.Errorf("%s takes exactly one argument", dot.Name.Name)
	}
	arg, err := literal(e.Args[0])
	if err != nil {
		return nil, err
	}
	s, ok := arg.(ir.IRString)
	if !ok {
		return nil, fmt.Errorf("%s requires a string argument", dot.Name.Name)
	}

	switch dot.Name.Name {
	case "startswith":
		return ir.Compare{Field: field, Op: ir.OpStartsWith, Value: s}, nil
	case "endswith":
		return ir.Compare{Field: field, Op: ir.OpEndsWith, Value: s}, nil
	case "matches":
		if _, err := regexp.Compile(string(s)); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", string(s), err)
		}
		return ir.Matches{Field: field, Pattern: string(s)}, nil
	default:
		return nil, fmt.Errorf("unknown method %s", dot.Name.Name)
	}
}

// fieldAndLiteral splits a comparison into its field and literal sides.
// swapped reports that the literal was on the left.
func fieldAndLiteral(x, y syntax.Expr) (field string, value ir.IRValue, swapped bool, err error) {
	if value, err = literal(y); err == nil {
		field, err = fieldPath(x)
		return field, value, false, err
	}
	if value, err = literal(x); err == nil {
		field, err = fieldPath(y)
		return field, value, true, err
	}
	return "", nil, false, fmt.Errorf("comparison needs a field and a literal")
}

func fieldPath(e syntax.Expr) (string, error) {
	switch e := e.(type) {
	case *syntax.Ident:
		if _, isLit := keywordLiterals[e.Name]; isLit {
			return "", fmt.Errorf("%s is not a field", e.Name)
		}
		return e.Name, nil
	case *syntax.DotExpr:
		base, err := fieldPath(e.X)
		if err != nil {
			return "", err
		}
		return base + "." + e.Name.Name, nil
	case *syntax.ParenExpr:
		return fieldPath(e.X)
	default:
		return "", fmt.Errorf("%T is not a field", e)
	}
}

var keywordLiterals = map[string]ir.IRValue{
	"None":  ir.IRNull{},
	"null":  ir.IRNull{},
	"True":  ir.IRBool(true),
	"true":  ir.IRBool(true),
	"False": ir.IRBool(false),
	"false": ir.IRBool(false),
}

func literal(e syntax.Expr) (ir.IRValue, error) {
	switch e := e.(type) {
	case *syntax.Ident:
		if v, ok := keywordLiterals[e.Name]; ok {
			return v, nil
		}
	case *syntax.Literal:
		switch v := e.Value.(type) {
		case string:
			if e.Token == syntax.STRING {
				return ir.IRString(v), nil
			}
		case int64:
			return ir.IRInt(v), nil
		case *big.Int:
			return nil, fmt.Errorf("integer %s out of range", v)
		case float64:
			return ir.IRFloat(v), nil
		}
	case *syntax.UnaryExpr:
		if e.Op == syntax.MINUS {
			inner, err := literal(e.X)
			if err != nil {
				return nil, err
			}
			switch v := inner.(type) {
			case ir.IRInt:
				return -v, nil
			case ir.IRFloat:
				return -v, nil
			}
		}
	case *syntax.ParenExpr:
		return literal(e.X)
	}
	return nil, fmt.Errorf("%T is not a literal", e)
}

func flattenAnd(x, y ir.FilterCondition) []ir.FilterCondition {
	var out []ir.FilterCondition
	for _, c := range []ir.FilterCondition{x, y} {
		if inner, ok := c.(ir.And); ok {
			out = append(out, inner.Conditions...)
		} else {
			out = append(out, c)
		}
	}
	return out
}

func flattenOr(x, y ir.FilterCondition) []ir.FilterCondition {
	var out []ir.FilterCondition
	for _, c := range []ir.FilterCondition{x, y} {
		if inner, ok := c.(ir.Or); ok {
			out = append(out, inner.Conditions...)
		} else {
			out = append(out, c)
		}
	}
	return out
}
