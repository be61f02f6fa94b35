package ir

import (
	"fmt"
	"strings"
)

// TransformKind names a transform variant. Values match the flow file keys.
type TransformKind string

const (
	KindMap       TransformKind = "map"
	KindRegex     TransformKind = "regex"
	KindTemplate  TransformKind = "template"
	KindLookup    TransformKind = "lookup"
	KindFilter    TransformKind = "filter"
	KindDrop      TransformKind = "drop"
	KindCoalesce  TransformKind = "coalesce"
	KindAddFields TransformKind = "add_fields"
)

// Transform is a sealed interface over the transform variants.
// Only Map, Regex, Template, Lookup, Filter, Drop, Coalesce, and AddFields
// implement it; consumers switch over it exhaustively.
type Transform interface {
	Kind() TransformKind
	canonical() IRObject
}

// FieldMapping copies Source to Target. Paths are dot-separated.
// A nil Default leaves Target absent when Source is missing.
type FieldMapping struct {
	Target  string
	Source  string
	Default IRValue
}

// Map copies fields in declaration order.
type Map struct {
	Mappings []FieldMapping
}

func (Map) Kind() TransformKind { return KindMap }

func (t Map) canonical() IRObject {
	mappings := make(IRArray, len(t.Mappings))
	for i, m := range t.Mappings {
		obj := IRObject{"target": IRString(m.Target), "source": IRString(m.Source)}
		if m.Default != nil {
			obj["default"] = m.Default
		}
		mappings[i] = obj
	}
	return IRObject{"kind": IRString(KindMap), "mappings": mappings}
}

// NoMatchBehavior selects what a Regex does when its pattern does not match.
type NoMatchBehavior int

const (
	// NoMatchNull sets every capture target to null.
	NoMatchNull NoMatchBehavior = iota
	// NoMatchSkip leaves the record untouched.
	NoMatchSkip
	// NoMatchError fails the record.
	NoMatchError
)

// ParseNoMatch reads an on_no_match value, case-insensitively.
// Empty and unknown values mean NoMatchNull.
func ParseNoMatch(s string) NoMatchBehavior {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "skip":
		return NoMatchSkip
	case "error":
		return NoMatchError
	default:
		return NoMatchNull
	}
}

func (b NoMatchBehavior) String() string {
	switch b {
	case NoMatchSkip:
		return "skip"
	case NoMatchError:
		return "error"
	default:
		return "null"
	}
}

// CaptureGroup selects a capture by index (Name empty) or by name.
type CaptureGroup struct {
	Index int
	Name  string
}

// IsNamed reports whether the group is selected by name.
func (g CaptureGroup) IsNamed() bool { return g.Name != "" }

func (g CaptureGroup) String() string {
	if g.IsNamed() {
		return g.Name
	}
	return fmt.Sprintf("%d", g.Index)
}

// CaptureTransform post-processes a captured string.
type CaptureTransform string

const (
	CaptureNone  CaptureTransform = ""
	CaptureUpper CaptureTransform = "upper"
	CaptureLower CaptureTransform = "lower"
	CaptureTrim  CaptureTransform = "trim"
	CaptureInt   CaptureTransform = "int"
	CaptureFloat CaptureTransform = "float"
)

// Valid reports whether t is a known capture transform.
func (t CaptureTransform) Valid() bool {
	switch t {
	case CaptureNone, CaptureUpper, CaptureLower, CaptureTrim, CaptureInt, CaptureFloat:
		return true
	}
	return false
}

// Capture writes one regex group to Target.
type Capture struct {
	Target    string
	Group     CaptureGroup
	Transform CaptureTransform
}

// Regex extracts capture groups from SourceField. Exactly one of Pattern
// and PatternSet is set; PatternSet names a regex_patterns artifact whose
// lines are tried in order.
type Regex struct {
	SourceField string
	Pattern     string
	PatternSet  string
	Captures    []Capture
	OnNoMatch   NoMatchBehavior
}

func (Regex) Kind() TransformKind { return KindRegex }

func (t Regex) canonical() IRObject {
	captures := make(IRArray, len(t.Captures))
	for i, c := range t.Captures {
		obj := IRObject{"target": IRString(c.Target)}
		if c.Group.IsNamed() {
			obj["name"] = IRString(c.Group.Name)
		} else {
			obj["index"] = IRInt(c.Group.Index)
		}
		if c.Transform != CaptureNone {
			obj["transform"] = IRString(c.Transform)
		}
		captures[i] = obj
	}
	obj := IRObject{
		"kind":        IRString(KindRegex),
		"source":      IRString(t.SourceField),
		"captures":    captures,
		"on_no_match": IRString(t.OnNoMatch.String()),
	}
	if t.PatternSet != "" {
		obj["patterns"] = IRString(t.PatternSet)
	} else {
		obj["pattern"] = IRString(t.Pattern)
	}
	return obj
}

// TemplateField renders Template into Target.
type TemplateField struct {
	Target   string
	Template string
}

// Template renders Jinja-style templates against the record.
type Template struct {
	Fields []TemplateField
}

func (Template) Kind() TransformKind { return KindTemplate }

func (t Template) canonical() IRObject {
	fields := make(IRArray, len(t.Fields))
	for i, f := range t.Fields {
		fields[i] = IRArray{IRString(f.Target), IRString(f.Template)}
	}
	return IRObject{"kind": IRString(KindTemplate), "fields": fields}
}

// Lookup maps KeyField through Table into OutputField.
// KeyColumn and ValueColumn select CSV columns for raw tables.
// A nil Default leaves OutputField absent on a miss.
type Lookup struct {
	KeyField    string
	Table       string
	KeyColumn   string
	ValueColumn string
	OutputField string
	Default     IRValue
}

func (Lookup) Kind() TransformKind { return KindLookup }

func (t Lookup) canonical() IRObject {
	obj := IRObject{
		"kind":   IRString(KindLookup),
		"key":    IRString(t.KeyField),
		"table":  IRString(t.Table),
		"output": IRString(t.OutputField),
	}
	if t.KeyColumn != "" {
		obj["key_column"] = IRString(t.KeyColumn)
	}
	if t.ValueColumn != "" {
		obj["value_column"] = IRString(t.ValueColumn)
	}
	if t.Default != nil {
		obj["default"] = t.Default
	}
	return obj
}

// Filter drops records for which Condition is false.
type Filter struct {
	Condition FilterCondition
}

func (Filter) Kind() TransformKind { return KindFilter }

func (t Filter) canonical() IRObject {
	return IRObject{"kind": IRString(KindFilter), "when": t.Condition.canonical()}
}

// Drop removes fields.
type Drop struct {
	Fields []string
}

func (Drop) Kind() TransformKind { return KindDrop }

func (t Drop) canonical() IRObject {
	return IRObject{"kind": IRString(KindDrop), "fields": stringArray(t.Fields)}
}

// CoalesceField sets Target to the first non-null Source.
type CoalesceField struct {
	Target  string
	Sources []string
}

// Coalesce picks the first present, non-null source per target.
type Coalesce struct {
	Fields []CoalesceField
}

func (Coalesce) Kind() TransformKind { return KindCoalesce }

func (t Coalesce) canonical() IRObject {
	fields := make(IRArray, len(t.Fields))
	for i, f := range t.Fields {
		fields[i] = IRObject{"target": IRString(f.Target), "sources": stringArray(f.Sources)}
	}
	return IRObject{"kind": IRString(KindCoalesce), "fields": fields}
}

// StaticField sets Target to a literal.
type StaticField struct {
	Target string
	Value  IRValue
}

// AddFields sets literal values.
type AddFields struct {
	Fields []StaticField
}

func (AddFields) Kind() TransformKind { return KindAddFields }

func (t AddFields) canonical() IRObject {
	fields := make(IRArray, len(t.Fields))
	for i, f := range t.Fields {
		var v IRValue = IRNull{}
		if f.Value != nil {
			v = f.Value
		}
		fields[i] = IRArray{IRString(f.Target), v}
	}
	return IRObject{"kind": IRString(KindAddFields), "fields": fields}
}

func stringArray(ss []string) IRArray {
	arr := make(IRArray, len(ss))
	for i, s := range ss {
		arr[i] = IRString(s)
	}
	return arr
}

// SplitPath splits a dot-separated field path.
func SplitPath(path string) []string {
	return strings.Split(path, ".")
}
