package codegen

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/weavster/flowc/internal/flowerr"
	"github.com/weavster/flowc/internal/ir"
)

func (u *unit) writeTransform(w *writer, i int, t ir.Transform) error {
	switch t := t.(type) {
	case ir.Map:
		return writeMap(w, t)
	case ir.Regex:
		return u.writeRegex(w, t)
	case ir.Template:
		u.writeTemplate(w, i, t)
	case ir.Lookup:
		return u.writeLookup(w, t)
	case ir.Filter:
		w.line("if !(%s) {", conditionExpr(u, u.filters[i]))
		w.line("return nil, nil")
		w.line("}")
	case ir.Drop:
		for _, field := range t.Fields {
			w.line("flowrt.Delete(rec, %s)", pathArgs(field))
		}
	case ir.Coalesce:
		for _, field := range t.Fields {
			sources := make([]string, len(field.Sources))
			for j, s := range field.Sources {
				sources[j] = "[]string{" + pathArgs(s) + "}"
			}
			w.line("flowrt.Set(rec, flowrt.Coalesce(rec, %s), %s)", strings.Join(sources, ", "), pathArgs(field.Target))
		}
	case ir.AddFields:
		for _, field := range t.Fields {
			v, err := literal(field.Value)
			if err != nil {
				return err
			}
			w.line("flowrt.Set(rec, %s, %s)", v, pathArgs(field.Target))
		}
	default:
		return flowerr.New(flowerr.ErrGeneration, "unsupported transform %T", t)
	}
	return nil
}

// writeMap reads every source before writing any target, so one map can
// swap or rename fields without seeing its own writes.
func writeMap(w *writer, t ir.Map) error {
	w.line("{")
	for j, m := range t.Mappings {
		if m.Default != nil {
			def, err := literal(m.Default)
			if err != nil {
				return err
			}
			w.line("v%d, ok%d := flowrt.GetOr(rec, %s, %s), true", j, j, def, pathArgs(m.Source))
			continue
		}
		w.line("v%d, ok%d := flowrt.Get(rec, %s)", j, j, pathArgs(m.Source))
	}
	for j, m := range t.Mappings {
		w.line("if ok%d {", j)
		w.line("flowrt.Set(rec, flowrt.Copy(v%d), %s)", j, pathArgs(m.Target))
		w.line("}")
	}
	w.line("}")
	return nil
}

func (u *unit) writeRegex(w *writer, t ir.Regex) error {
	patterns := u.patterns[t.Pattern]
	if t.PatternSet != "" {
		name, ok := u.sets[normalizeName(t.PatternSet)]
		if !ok {
			return flowerr.ArtifactNotFound(t.PatternSet)
		}
		patterns = name + "..."
	}
	patterns = "reg." + patterns

	w.line("if m := flowrt.FindMatch(flowrt.Value(rec, %s), %s); m != nil {", pathArgs(t.SourceField), patterns)
	for _, c := range t.Captures {
		group := fmt.Sprintf("m.Group(%d)", c.Group.Index)
		if c.Group.IsNamed() {
			group = fmt.Sprintf("m.Named(%s)", quote(c.Group.Name))
		}
		if c.Transform == ir.CaptureNone {
			w.line("flowrt.Set(rec, %s, %s)", group, pathArgs(c.Target))
			continue
		}
		writeFallible(w, c.Target,
			fmt.Sprintf("v, err := flowrt.ApplyCapture(%s, %s)", group, quote(string(c.Transform))),
			fmt.Sprintf("flowrt.Set(rec, v, %s)", pathArgs(c.Target)))
	}
	switch t.OnNoMatch {
	case ir.NoMatchSkip:
		w.line("}")
	case ir.NoMatchError:
		w.line("} else {")
		w.line("return nil, flowrt.NoMatchError(%s)", quote(t.SourceField))
		w.line("}")
	default:
		w.line("} else {")
		for _, c := range t.Captures {
			w.line("flowrt.Set(rec, nil, %s)", pathArgs(c.Target))
		}
		w.line("}")
	}
	return nil
}

func (u *unit) writeTemplate(w *writer, i int, t ir.Template) {
	for j, field := range t.Fields {
		name := u.templates[[2]int{i, j}]
		writeFallible(w, field.Target,
			fmt.Sprintf("s, err := reg.%s.Render(rec)", name),
			fmt.Sprintf("flowrt.Set(rec, s, %s)", pathArgs(field.Target)))
	}
}

// writeFallible emits a computation whose error goes through the
// registry's diagnostics: skipped under log_and_skip, fatal under fail.
func writeFallible(w *writer, target, compute, store string) {
	w.line("if %s; err != nil {", compute)
	w.line("if err := reg.diag.Field(%s, err); err != nil {", quote(target))
	w.line("return nil, err")
	w.line("}")
	w.line("} else {")
	w.line("%s", store)
	w.line("}")
}

func (u *unit) writeLookup(w *writer, t ir.Lookup) error {
	name, ok := u.tables[lookupKey(t)]
	if !ok {
		return flowerr.ArtifactNotFound(t.Table)
	}
	w.line("if v, ok := flowrt.Lookup(reg.%s, flowrt.Value(rec, %s)); ok {", name, pathArgs(t.KeyField))
	w.line("flowrt.Set(rec, v, %s)", pathArgs(t.OutputField))
	if t.Default != nil {
		def, err := literal(t.Default)
		if err != nil {
			return err
		}
		w.line("} else {")
		w.line("flowrt.Set(rec, %s, %s)", def, pathArgs(t.OutputField))
	}
	w.line("}")
	return nil
}

var compareOps = map[ir.CompareOp]string{
	ir.OpEq:         "flowrt.OpEq",
	ir.OpNe:         "flowrt.OpNe",
	ir.OpGt:         "flowrt.OpGt",
	ir.OpGe:         "flowrt.OpGe",
	ir.OpLt:         "flowrt.OpLt",
	ir.OpLe:         "flowrt.OpLe",
	ir.OpContains:   "flowrt.OpContains",
	ir.OpStartsWith: "flowrt.OpStartsWith",
	ir.OpEndsWith:   "flowrt.OpEndsWith",
}

// conditionExpr renders a resolved condition as a Go boolean expression.
// Conditions reaching here have passed filterexpr.Resolve, so they hold
// no Expression nodes and every operand is a literal.
func conditionExpr(u *unit, c ir.FilterCondition) string {
	switch c := c.(type) {
	case ir.Compare:
		v, err := literal(c.Value)
		if err != nil {
			v = "nil"
		}
		op, ok := compareOps[c.Op]
		if !ok {
			op = quote(string(c.Op))
		}
		return fmt.Sprintf("flowrt.Compare(flowrt.Value(rec, %s), %s, %s)", pathArgs(c.Field), op, v)
	case ir.NotNull:
		return fmt.Sprintf("flowrt.Value(rec, %s) != nil", pathArgs(c.Field))
	case ir.IsNull:
		return fmt.Sprintf("flowrt.Value(rec, %s) == nil", pathArgs(c.Field))
	case ir.Matches:
		return fmt.Sprintf("flowrt.MatchValue(reg.%s, flowrt.Value(rec, %s))", u.patterns[c.Pattern], pathArgs(c.Field))
	case ir.And:
		return joinConditions(u, c.Conditions, " && ", "true")
	case ir.Or:
		return joinConditions(u, c.Conditions, " || ", "false")
	case ir.Not:
		return "!(" + conditionExpr(u, c.Condition) + ")"
	default:
		return "false"
	}
}

func joinConditions(u *unit, conds []ir.FilterCondition, sep, empty string) string {
	if len(conds) == 0 {
		return empty
	}
	parts := make([]string, len(conds))
	for i, c := range conds {
		parts[i] = conditionExpr(u, c)
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// literal renders v as a Go expression of the type flowrt records hold.
// Composite literals are evaluated afresh on every use, so records never
// share mutable state.
func literal(v ir.IRValue) (string, error) {
	switch val := v.(type) {
	case nil, ir.IRNull:
		return "nil", nil
	case ir.IRString:
		return quote(string(val)), nil
	case ir.IRInt:
		return fmt.Sprintf("int64(%d)", int64(val)), nil
	case ir.IRFloat:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return "", flowerr.New(flowerr.ErrGeneration, "non-finite float literal")
		}
		return "float64(" + strconv.FormatFloat(f, 'g', -1, 64) + ")", nil
	case ir.IRBool:
		return strconv.FormatBool(bool(val)), nil
	case ir.IRArray:
		parts := make([]string, len(val))
		for i, elem := range val {
			s, err := literal(elem)
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		return "[]any{" + strings.Join(parts, ", ") + "}", nil
	case ir.IRObject:
		keys := val.SortedKeys()
		parts := make([]string, len(keys))
		for i, k := range keys {
			s, err := literal(val[k])
			if err != nil {
				return "", err
			}
			parts[i] = quote(k) + ": " + s
		}
		return "map[string]any{" + strings.Join(parts, ", ") + "}", nil
	default:
		return "", flowerr.New(flowerr.ErrGeneration, "unsupported value %T", v)
	}
}

// pathArgs renders a dotted path as quoted variadic arguments.
func pathArgs(path string) string {
	segs := ir.SplitPath(path)
	for i, s := range segs {
		segs[i] = quote(s)
	}
	return strings.Join(segs, ", ")
}

// quote renders s as a Go string literal.
func quote(s string) string {
	return strconv.Quote(s)
}

func normalizeName(name string) string {
	return strings.ToLower(name)
}

// exportedName turns an artifact name into a CamelCase identifier suffix.
func exportedName(name string) string {
	var b strings.Builder
	upper := true
	for _, r := range normalizeName(name) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			if upper {
				r = unicode.ToUpper(r)
				upper = false
			}
			b.WriteRune(r)
		default:
			upper = true
		}
	}
	if b.Len() == 0 {
		return "X"
	}
	return b.String()
}
