package filterexpr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weavster/flowc/internal/ir"
)

func TestParse(t *testing.T) {
	tests := []struct {
		src      string
		expected ir.FilterCondition
	}{
		{"status == 'active'", ir.Compare{Field: "status", Op: ir.OpEq, Value: ir.IRString("active")}},
		{`status != "closed"`, ir.Compare{Field: "status", Op: ir.OpNe, Value: ir.IRString("closed")}},
		{"total > 1000", ir.Compare{Field: "total", Op: ir.OpGt, Value: ir.IRInt(1000)}},
		{"total <= 100", ir.Compare{Field: "total", Op: ir.OpLe, Value: ir.IRInt(100)}},
		{"amount >= 2.5", ir.Compare{Field: "amount", Op: ir.OpGe, Value: ir.IRFloat(2.5)}},
		{"delta < -3", ir.Compare{Field: "delta", Op: ir.OpLt, Value: ir.IRInt(-3)}},
		{"100 < total", ir.Compare{Field: "total", Op: ir.OpGt, Value: ir.IRInt(100)}},
		{"flag == True", ir.Compare{Field: "flag", Op: ir.OpEq, Value: ir.IRBool(true)}},
		{"flag == false", ir.Compare{Field: "flag", Op: ir.OpEq, Value: ir.IRBool(false)}},
		{"user.address.city == 'Oslo'", ir.Compare{Field: "user.address.city", Op: ir.OpEq, Value: ir.IRString("Oslo")}},
		{"email == None", ir.IsNull{Field: "email"}},
		{"email != null", ir.NotNull{Field: "email"}},
		{"email", ir.NotNull{Field: "email"}},
		{"not email", ir.Not{Condition: ir.NotNull{Field: "email"}}},
		{"'vip' in tags", ir.Compare{Field: "tags", Op: ir.OpContains, Value: ir.IRString("vip")}},
		{"name.startswith('Dr')", ir.Compare{Field: "name", Op: ir.OpStartsWith, Value: ir.IRString("Dr")}},
		{"file.endswith('.csv')", ir.Compare{Field: "file", Op: ir.OpEndsWith, Value: ir.IRString(".csv")}},
		{`msg.matches('^ERR\\d+')`, ir.Matches{Field: "msg", Pattern: `^ERR\d+`}},
		{
			"status in ['a', 'b']",
			ir.Or{Conditions: []ir.FilterCondition{
				ir.Compare{Field: "status", Op: ir.OpEq, Value: ir.IRString("a")},
				ir.Compare{Field: "status", Op: ir.OpEq, Value: ir.IRString("b")},
			}},
		},
		{
			"code not in (1, 2)",
			ir.Not{Condition: ir.Or{Conditions: []ir.FilterCondition{
				ir.Compare{Field: "code", Op: ir.OpEq, Value: ir.IRInt(1)},
				ir.Compare{Field: "code", Op: ir.OpEq, Value: ir.IRInt(2)},
			}}},
		},
		{
			"a > 1 and b < 2 and c",
			ir.And{Conditions: []ir.FilterCondition{
				ir.Compare{Field: "a", Op: ir.OpGt, Value: ir.IRInt(1)},
				ir.Compare{Field: "b", Op: ir.OpLt, Value: ir.IRInt(2)},
				ir.NotNull{Field: "c"},
			}},
		},
		{
			"(a == 1 or b == 2) and not c",
			ir.And{Conditions: []ir.FilterCondition{
				ir.Or{Conditions: []ir.FilterCondition{
					ir.Compare{Field: "a", Op: ir.OpEq, Value: ir.IRInt(1)},
					ir.Compare{Field: "b", Op: ir.OpEq, Value: ir.IRInt(2)},
				}},
				ir.Not{Condition: ir.NotNull{Field: "c"}},
			}},
		},
		{
			"a == 1 && !b || c != 'x'",
			ir.Or{Conditions: []ir.FilterCondition{
				ir.And{Conditions: []ir.FilterCondition{
					ir.Compare{Field: "a", Op: ir.OpEq, Value: ir.IRInt(1)},
					ir.Not{Condition: ir.NotNull{Field: "b"}},
				}},
				ir.Compare{Field: "c", Op: ir.OpNe, Value: ir.IRString("x")},
			}},
		},
		{"note == 'a && b'", ir.Compare{Field: "note", Op: ir.OpEq, Value: ir.IRString("a && b")}},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			got, err := Parse(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		src string
		msg string
	}{
		{"", "empty expression"},
		{"total >", "syntax error"},
		{"a == b", "comparison needs a field and a literal"},
		{"a + 1", "operator +"},
		{"len(a) > 1", "is not a field"},
		{"a.upper('x')", "unknown method upper"},
		{"a.startswith(1)", "requires a string argument"},
		{"a.matches('(')", "invalid pattern"},
		{"a < None", "cannot order against null"},
		{"a in b.c + 1", "right side of 'in'"},
		{"1", "is not a condition"},
		{"a == 99999999999999999999", "comparison needs a field and a literal"},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			_, err := Parse(tt.src)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestResolve(t *testing.T) {
	cond := ir.And{Conditions: []ir.FilterCondition{
		ir.Expression{Source: "total > 5"},
		ir.Not{Condition: ir.Expression{Source: "email == None"}},
		ir.NotNull{Field: "id"},
	}}

	got, err := Resolve(cond)
	require.NoError(t, err)
	assert.Equal(t, ir.And{Conditions: []ir.FilterCondition{
		ir.Compare{Field: "total", Op: ir.OpGt, Value: ir.IRInt(5)},
		ir.Not{Condition: ir.IsNull{Field: "email"}},
		ir.NotNull{Field: "id"},
	}}, got)
}

func TestResolveRejectsBadStructuredPattern(t *testing.T) {
	_, err := Resolve(ir.Matches{Field: "x", Pattern: "[a-"})
	require.Error(t, err)
}
