package ir

// CompareOp is a comparison operator in a filter condition.
type CompareOp string

const (
	OpEq         CompareOp = "eq"
	OpNe         CompareOp = "ne"
	OpGt         CompareOp = "gt"
	OpGe         CompareOp = "ge"
	OpLt         CompareOp = "lt"
	OpLe         CompareOp = "le"
	OpContains   CompareOp = "contains"
	OpStartsWith CompareOp = "starts_with"
	OpEndsWith   CompareOp = "ends_with"
)

// Mirror returns the operator for the swapped comparison, so that
// `5 < x` can be stored as `x > 5`. Non-ordering operators are returned as is.
func (op CompareOp) Mirror() CompareOp {
	switch op {
	case OpGt:
		return OpLt
	case OpGe:
		return OpLe
	case OpLt:
		return OpGt
	case OpLe:
		return OpGe
	default:
		return op
	}
}

// FilterCondition is a sealed recursive boolean expression over a record.
// Only Compare, NotNull, IsNull, Matches, And, Or, Not, and Expression implement it.
type FilterCondition interface {
	filterCondition()
	canonical() IRObject
}

// Compare tests Field against a literal.
type Compare struct {
	Field string
	Op    CompareOp
	Value IRValue
}

// NotNull is true when Field is present and not null.
type NotNull struct{ Field string }

// IsNull is true when Field is absent or null.
type IsNull struct{ Field string }

// Matches is true when Field's text matches Pattern.
type Matches struct {
	Field   string
	Pattern string
}

// And is true when every condition is true. An empty And is true.
type And struct{ Conditions []FilterCondition }

// Or is true when any condition is true. An empty Or is false.
type Or struct{ Conditions []FilterCondition }

// Not negates a condition.
type Not struct{ Condition FilterCondition }

// Expression is an unparsed `when` string, lowered during code generation.
type Expression struct{ Source string }

func (Compare) filterCondition()    {}
func (NotNull) filterCondition()    {}
func (IsNull) filterCondition()     {}
func (Matches) filterCondition()    {}
func (And) filterCondition()        {}
func (Or) filterCondition()         {}
func (Not) filterCondition()        {}
func (Expression) filterCondition() {}

func (c Compare) canonical() IRObject {
	var v IRValue = IRNull{}
	if c.Value != nil {
		v = c.Value
	}
	return IRObject{"op": IRString(c.Op), "field": IRString(c.Field), "value": v}
}

func (c NotNull) canonical() IRObject {
	return IRObject{"op": IRString("not_null"), "field": IRString(c.Field)}
}

func (c IsNull) canonical() IRObject {
	return IRObject{"op": IRString("is_null"), "field": IRString(c.Field)}
}

func (c Matches) canonical() IRObject {
	return IRObject{"op": IRString("matches"), "field": IRString(c.Field), "pattern": IRString(c.Pattern)}
}

func (c And) canonical() IRObject {
	return IRObject{"op": IRString("and"), "conditions": conditionArray(c.Conditions)}
}

func (c Or) canonical() IRObject {
	return IRObject{"op": IRString("or"), "conditions": conditionArray(c.Conditions)}
}

func (c Not) canonical() IRObject {
	return IRObject{"op": IRString("not"), "condition": c.Condition.canonical()}
}

func (c Expression) canonical() IRObject {
	return IRObject{"op": IRString("expression"), "source": IRString(c.Source)}
}

func conditionArray(conds []FilterCondition) IRArray {
	arr := make(IRArray, len(conds))
	for i, c := range conds {
		arr[i] = c.canonical()
	}
	return arr
}
