package parser

import (
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/weavster/flowc/internal/flowerr"
	"github.com/weavster/flowc/internal/ir"
)

var transformKinds = []string{
	string(ir.KindMap), string(ir.KindRegex), string(ir.KindTemplate), string(ir.KindLookup),
	string(ir.KindFilter), string(ir.KindDrop), string(ir.KindCoalesce), string(ir.KindAddFields),
}

func (l *lowerer) lowerTransform(field string, n *yaml.Node) (ir.Transform, error) {
	ps := pairs(n)
	if len(ps) != 1 {
		keys := make([]string, len(ps))
		for i, p := range ps {
			keys[i] = p.key.Value
		}
		return nil, at(flowerr.InvalidTransform(field,
			"a transform must have exactly one key, got %d (%s)", len(ps), strings.Join(keys, ", ")), n)
	}
	kind, body := ps[0].key.Value, ps[0].val
	field += "." + kind

	switch ir.TransformKind(kind) {
	case ir.KindMap:
		return lowerMap(field, body)
	case ir.KindRegex:
		return l.lowerRegex(field, body)
	case ir.KindTemplate:
		return lowerTemplate(field, body)
	case ir.KindLookup:
		return l.lowerLookup(field, body)
	case ir.KindFilter:
		return lowerFilter(field, body)
	case ir.KindDrop:
		fields, ok := stringList(body)
		if !ok || len(fields) == 0 {
			return nil, at(flowerr.InvalidTransform(field, "expected a list of field names"), body)
		}
		for _, f := range fields {
			if !validPath(f) {
				return nil, at(flowerr.InvalidTransform(field, "invalid field path %q", f), body)
			}
		}
		return ir.Drop{Fields: fields}, nil
	case ir.KindCoalesce:
		return lowerCoalesce(field, body)
	case ir.KindAddFields:
		return lowerAddFields(field, body)
	default:
		return nil, at(flowerr.InvalidTransform(field,
			"unknown transform type %q (expected one of %s)", kind, strings.Join(transformKinds, ", ")), ps[0].key)
	}
}

func requireMapping(field string, n *yaml.Node) error {
	if resolve(n) == nil || resolve(n).Kind != yaml.MappingNode {
		return at(flowerr.InvalidTransform(field, "expected a mapping"), n)
	}
	return nil
}

func lowerMap(field string, n *yaml.Node) (ir.Transform, error) {
	if err := requireMapping(field, n); err != nil {
		return nil, err
	}
	var t ir.Map
	for _, p := range pairs(n) {
		m := ir.FieldMapping{Target: p.key.Value}
		if src, ok := stringValue(p.val); ok {
			m.Source = src
		} else if p.val.Kind == yaml.MappingNode {
			def := mappingOf(p.val)
			src, ok := stringValue(def["source"])
			if !ok {
				return nil, at(flowerr.InvalidTransform(field, "mapping for %q needs a source", m.Target), p.val)
			}
			m.Source = src
			if d, ok := def["default"]; ok {
				v, err := irValue(d)
				if err != nil {
					return nil, at(flowerr.InvalidTransform(field, "default for %q: %v", m.Target, err), d)
				}
				m.Default = v
			}
		} else {
			return nil, at(flowerr.InvalidTransform(field, "source for %q must be a string", m.Target), p.val)
		}
		if !validPath(m.Target) || !validPath(m.Source) {
			return nil, at(flowerr.InvalidTransform(field, "invalid field path in %q: %q", m.Target, m.Source), p.key)
		}
		t.Mappings = append(t.Mappings, m)
	}
	if len(t.Mappings) == 0 {
		return nil, at(flowerr.InvalidTransform(field, "map needs at least one field"), n)
	}
	return t, nil
}

func (l *lowerer) lowerRegex(field string, n *yaml.Node) (ir.Transform, error) {
	if err := requireMapping(field, n); err != nil {
		return nil, err
	}
	def := mappingOf(n)

	var t ir.Regex
	src, ok := stringValue(def["field"])
	if !ok || !validPath(src) {
		return nil, at(flowerr.InvalidTransform(field, "regex needs a source field"), n)
	}
	t.SourceField = src

	pattern, hasPattern := stringValue(def["pattern"])
	set, hasSet := stringValue(def["patterns"])
	switch {
	case hasPattern == hasSet:
		return nil, at(flowerr.InvalidTransform(field, "regex needs exactly one of pattern or patterns"), n)
	case hasPattern:
		t.Pattern = pattern
	default:
		t.PatternSet = set
	}

	if nm, ok := def["on_no_match"]; ok && !isNull(nm) {
		s, _ := scalarText(nm)
		t.OnNoMatch = ir.ParseNoMatch(s)
	}

	capNode, ok := def["captures"]
	if !ok || resolve(capNode).Kind != yaml.MappingNode {
		return nil, at(flowerr.InvalidTransform(field, "regex needs a captures mapping"), n)
	}
	for _, p := range pairs(capNode) {
		c, err := lowerCapture(field, p)
		if err != nil {
			return nil, err
		}
		t.Captures = append(t.Captures, c)
	}

	var patterns []*regexp.Regexp
	if hasPattern {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, at(flowerr.InvalidRegex(pattern, err), def["pattern"])
		}
		patterns = []*regexp.Regexp{re}
	} else {
		a, ok := l.flow.Artifact(set)
		if !ok {
			return nil, at(flowerr.ArtifactNotFound(set), def["patterns"])
		}
		if a.Kind != ir.ArtifactRegexPatterns {
			return nil, at(flowerr.InvalidTransform(field, "artifact %q is a %s, not regex_patterns", set, a.Kind), def["patterns"])
		}
		if !a.Loaded() {
			// Validated by ResolveArtifacts once the file is read.
			return t, nil
		}
		var err error
		if patterns, err = compilePatternSet(a); err != nil {
			return nil, err
		}
	}
	if err := checkCaptures(field, t.Captures, patterns); err != nil {
		return nil, at(err, capNode)
	}
	return t, nil
}

func lowerCapture(field string, p pair) (ir.Capture, error) {
	c := ir.Capture{Target: p.key.Value}
	if !validPath(c.Target) {
		return c, at(flowerr.InvalidTransform(field, "invalid capture target %q", c.Target), p.key)
	}

	groupNode := p.val
	if p.val.Kind == yaml.MappingNode {
		def := mappingOf(p.val)
		groupNode = def["group"]
		if tn, ok := def["transform"]; ok {
			s, _ := scalarText(tn)
			c.Transform = ir.CaptureTransform(strings.ToLower(s))
			if !c.Transform.Valid() || c.Transform == ir.CaptureNone {
				return c, at(flowerr.InvalidTransform(field, "unknown capture transform %q", s), tn)
			}
		}
	}
	group, ok := scalarText(groupNode)
	if !ok || group == "" {
		return c, at(flowerr.InvalidTransform(field, "capture %q needs a group", c.Target), p.val)
	}
	if idx, ok := parseIndex(group); ok {
		c.Group = ir.CaptureGroup{Index: idx}
	} else {
		c.Group = ir.CaptureGroup{Name: group}
	}
	return c, nil
}

// checkCaptures verifies every capture can be satisfied by at least one pattern.
func checkCaptures(field string, captures []ir.Capture, patterns []*regexp.Regexp) *flowerr.Error {
	for _, c := range captures {
		found := false
		for _, re := range patterns {
			if c.Group.IsNamed() {
				found = re.SubexpIndex(c.Group.Name) >= 0
			} else {
				found = c.Group.Index <= re.NumSubexp()
			}
			if found {
				break
			}
		}
		if !found {
			if c.Group.IsNamed() {
				return flowerr.InvalidTransform(field, "capture %q refers to unknown group %q", c.Target, c.Group.Name)
			}
			return flowerr.InvalidTransform(field, "capture %q refers to group %d, pattern has fewer groups", c.Target, c.Group.Index)
		}
	}
	return nil
}

func lowerTemplate(field string, n *yaml.Node) (ir.Transform, error) {
	if err := requireMapping(field, n); err != nil {
		return nil, err
	}
	var t ir.Template
	for _, p := range pairs(n) {
		tpl, ok := stringValue(p.val)
		if !ok {
			return nil, at(flowerr.InvalidTransform(field, "template for %q must be a string", p.key.Value), p.val)
		}
		if !validPath(p.key.Value) {
			return nil, at(flowerr.InvalidTransform(field, "invalid field path %q", p.key.Value), p.key)
		}
		t.Fields = append(t.Fields, ir.TemplateField{Target: p.key.Value, Template: tpl})
	}
	if len(t.Fields) == 0 {
		return nil, at(flowerr.InvalidTransform(field, "template needs at least one field"), n)
	}
	return t, nil
}

func (l *lowerer) lowerLookup(field string, n *yaml.Node) (ir.Transform, error) {
	if err := requireMapping(field, n); err != nil {
		return nil, err
	}
	def := mappingOf(n)

	var t ir.Lookup
	var ok bool
	if t.KeyField, ok = stringValue(def["field"]); !ok || !validPath(t.KeyField) {
		return nil, at(flowerr.InvalidTransform(field, "lookup needs a key field"), n)
	}
	if t.Table, ok = stringValue(def["table"]); !ok || t.Table == "" {
		return nil, at(flowerr.InvalidTransform(field, "lookup needs a table"), n)
	}
	if t.OutputField, ok = stringValue(def["output"]); !ok || !validPath(t.OutputField) {
		return nil, at(flowerr.InvalidTransform(field, "lookup needs an output field"), n)
	}
	t.KeyColumn, _ = scalarText(def["key_column"])
	t.ValueColumn, _ = scalarText(def["value_column"])
	if d, ok := def["default"]; ok && !isNull(d) {
		v, err := irValue(d)
		if err != nil {
			return nil, at(flowerr.InvalidTransform(field, "default: %v", err), d)
		}
		t.Default = v
	}

	a, ok := l.flow.Artifact(t.Table)
	if !ok {
		return nil, at(flowerr.ArtifactNotFound(t.Table), def["table"])
	}
	if a.Kind != ir.ArtifactLookupTable && a.Kind != ir.ArtifactJSONConfig {
		return nil, at(flowerr.InvalidTransform(field, "artifact %q is a %s and cannot be used as a lookup table", t.Table, a.Kind), def["table"])
	}
	return t, nil
}

func lowerFilter(field string, n *yaml.Node) (ir.Transform, error) {
	src, ok := stringValue(n)
	if !ok {
		def := mappingOf(n)
		src, ok = stringValue(def["when"])
	}
	if !ok || strings.TrimSpace(src) == "" {
		return nil, at(flowerr.InvalidTransform(field, "filter needs a when expression"), n)
	}
	return ir.Filter{Condition: ir.Expression{Source: src}}, nil
}

func lowerCoalesce(field string, n *yaml.Node) (ir.Transform, error) {
	if err := requireMapping(field, n); err != nil {
		return nil, err
	}
	var t ir.Coalesce
	for _, p := range pairs(n) {
		sources, ok := stringList(p.val)
		if !ok || len(sources) == 0 {
			return nil, at(flowerr.InvalidTransform(field, "coalesce for %q needs a list of source fields", p.key.Value), p.val)
		}
		for _, s := range append([]string{p.key.Value}, sources...) {
			if !validPath(s) {
				return nil, at(flowerr.InvalidTransform(field, "invalid field path %q", s), p.val)
			}
		}
		t.Fields = append(t.Fields, ir.CoalesceField{Target: p.key.Value, Sources: sources})
	}
	if len(t.Fields) == 0 {
		return nil, at(flowerr.InvalidTransform(field, "coalesce needs at least one field"), n)
	}
	return t, nil
}

func lowerAddFields(field string, n *yaml.Node) (ir.Transform, error) {
	if err := requireMapping(field, n); err != nil {
		return nil, err
	}
	var t ir.AddFields
	for _, p := range pairs(n) {
		if !validPath(p.key.Value) {
			return nil, at(flowerr.InvalidTransform(field, "invalid field path %q", p.key.Value), p.key)
		}
		v, err := irValue(p.val)
		if err != nil {
			return nil, at(flowerr.InvalidTransform(field, "value for %q: %v", p.key.Value, err), p.val)
		}
		t.Fields = append(t.Fields, ir.StaticField{Target: p.key.Value, Value: v})
	}
	if len(t.Fields) == 0 {
		return nil, at(flowerr.InvalidTransform(field, "add_fields needs at least one field"), n)
	}
	return t, nil
}

// KnownTransforms returns the accepted transform keys, sorted.
func KnownTransforms() []string {
	out := append([]string(nil), transformKinds...)
	sort.Strings(out)
	return out
}
