package flowrt

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Comparison operators accepted by Compare.
const (
	OpEq         = "eq"
	OpNe         = "ne"
	OpGt         = "gt"
	OpGe         = "ge"
	OpLt         = "lt"
	OpLe         = "le"
	OpContains   = "contains"
	OpStartsWith = "starts_with"
	OpEndsWith   = "ends_with"
)

// Number converts numeric values to float64.
// Strings are not numbers; "5" never equals 5.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Equal reports whether two decoded JSON values are equal.
// Numbers compare by value regardless of representation.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := Number(a); ok {
		y, ok := Number(b)
		return ok && x == y
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !Equal(xv, yv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Compare applies op to a record value and a literal operand.
// Ordering operators need two numbers or two strings; any other
// combination, including an absent value, is false.
func Compare(v any, op string, operand any) bool {
	switch op {
	case OpEq:
		return Equal(v, operand)
	case OpNe:
		return !Equal(v, operand)
	case OpGt, OpGe, OpLt, OpLe:
		c, ok := order(v, operand)
		if !ok {
			return false
		}
		switch op {
		case OpGt:
			return c > 0
		case OpGe:
			return c >= 0
		case OpLt:
			return c < 0
		default:
			return c <= 0
		}
	case OpContains:
		switch val := v.(type) {
		case string:
			s, ok := operand.(string)
			return ok && strings.Contains(val, s)
		case []any:
			for _, elem := range val {
				if Equal(elem, operand) {
					return true
				}
			}
		}
		return false
	case OpStartsWith:
		s, ok1 := v.(string)
		p, ok2 := operand.(string)
		return ok1 && ok2 && strings.HasPrefix(s, p)
	case OpEndsWith:
		s, ok1 := v.(string)
		p, ok2 := operand.(string)
		return ok1 && ok2 && strings.HasSuffix(s, p)
	default:
		return false
	}
}

func order(a, b any) (int, bool) {
	if x, ok := Number(a); ok {
		y, ok := Number(b)
		if !ok || math.IsNaN(x) || math.IsNaN(y) {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		default:
			return 0, true
		}
	}
	x, ok1 := a.(string)
	y, ok2 := b.(string)
	if !ok1 || !ok2 {
		return 0, false
	}
	return strings.Compare(x, y), true
}

// In reports whether v equals any of the candidates.
func In(v any, candidates ...any) bool {
	for _, c := range candidates {
		if Equal(v, c) {
			return true
		}
	}
	return false
}

// Text renders a scalar as the string a lookup key or regex sees.
// Objects, arrays and null have no text form.
func Text(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case int:
		return strconv.Itoa(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	default:
		return "", false
	}
}

// Lookup resolves v's text form in table.
func Lookup(table map[string]string, v any) (string, bool) {
	key, ok := Text(v)
	if !ok {
		return "", false
	}
	out, ok := table[key]
	return out, ok
}
