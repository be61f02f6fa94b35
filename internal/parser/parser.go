// Package parser turns flow descriptions into typed IR.
//
// A description is decoded with yaml.v3 into a node tree so declaration
// order survives, checked against an embedded CUE schema, and lowered
// transform by transform. The parser performs no I/O beyond reading the
// one description; file-backed artifacts are left unloaded for
// ResolveArtifacts.
package parser

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/weavster/flowc/internal/flowerr"
	"github.com/weavster/flowc/internal/ir"
)

// identPattern matches names usable as Go identifiers and file names.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Parse parses an in-memory flow description.
func Parse(data []byte) (*ir.Flow, error) {
	return parse("flow.yaml", data)
}

// ParseFile reads and parses the flow description at path.
func ParseFile(path string) (*ir.Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		e := flowerr.Wrap(flowerr.ErrIO, err, "read flow")
		e.Path = path
		return nil, e
	}
	flow, err := parse(path, data)
	if err != nil {
		return nil, flowerr.Annotate(err, "", path)
	}
	return flow, nil
}

func parse(filename string, data []byte) (*ir.Flow, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, flowerr.Wrap(flowerr.ErrParse, err, "")
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, flowerr.Parse("empty flow description")
	}
	root := resolve(doc.Content[0])
	if root.Kind != yaml.MappingNode {
		return nil, at(flowerr.Parse("flow description must be a mapping"), root)
	}

	top := make(map[string]*yaml.Node)
	for _, p := range pairs(root) {
		top[p.key.Value] = p.val
	}
	name, err := requiredString(top, "name", root)
	if err != nil {
		return nil, err
	}
	input, err := requiredString(top, "input", root)
	if err != nil {
		return nil, err
	}
	if !identPattern.MatchString(name) {
		return nil, at(flowerr.Parse("flow name %q must match %s", name, identPattern), top["name"])
	}

	if err := checkSchema(filename, data); err != nil {
		return nil, annotateFlow(err, name)
	}

	flow := &ir.Flow{
		Name:          name,
		Input:         input,
		ErrorHandling: ir.LogAndSkip,
	}
	l := &lowerer{flow: flow}
	if err := l.lowerDocument(top); err != nil {
		return nil, annotateFlow(err, name)
	}
	return flow, nil
}

func annotateFlow(err error, name string) error {
	return flowerr.Annotate(err, name, "")
}

func requiredString(top map[string]*yaml.Node, key string, root *yaml.Node) (string, error) {
	n, ok := top[key]
	if !ok || isNull(n) {
		return "", at(flowerr.Parse("missing required field '%s'", key), root)
	}
	s, ok := stringValue(n)
	if !ok {
		return "", at(flowerr.Parse("field '%s' must be a string", key), n)
	}
	if strings.TrimSpace(s) == "" {
		return "", at(flowerr.Parse("field '%s' must not be empty", key), n)
	}
	return s, nil
}

type lowerer struct {
	flow *ir.Flow
}

func (l *lowerer) lowerDocument(top map[string]*yaml.Node) error {
	if n, ok := top["description"]; ok && !isNull(n) {
		l.flow.Description, _ = stringValue(n)
	}
	if n, ok := top["error_handling"]; ok && !isNull(n) {
		l.flow.ErrorHandling = ir.ErrorHandling(n.Value)
	}

	// Artifacts first: transforms validate their references against them.
	if n, ok := top["artifacts"]; ok && !isNull(n) {
		for i, item := range resolve(n).Content {
			a, err := lowerArtifact(fmt.Sprintf("artifacts[%d]", i), resolve(item))
			if err != nil {
				return err
			}
			if _, dup := l.flow.Artifact(a.Name); dup {
				return at(flowerr.Parse("duplicate artifact %q", a.Name), item)
			}
			l.flow.Artifacts = append(l.flow.Artifacts, a)
		}
	}

	if n, ok := top["transforms"]; ok && !isNull(n) {
		for i, item := range resolve(n).Content {
			t, err := l.lowerTransform(fmt.Sprintf("transforms[%d]", i), resolve(item))
			if err != nil {
				return err
			}
			l.flow.Transforms = append(l.flow.Transforms, t)
		}
	}

	if n, ok := top["outputs"]; ok && !isNull(n) {
		for i, item := range resolve(n).Content {
			o, err := lowerOutput(fmt.Sprintf("outputs[%d]", i), resolve(item))
			if err != nil {
				return err
			}
			l.flow.Outputs = append(l.flow.Outputs, o)
		}
	}
	return nil
}

func lowerOutput(field string, n *yaml.Node) (ir.Output, error) {
	if s, ok := stringValue(n); ok {
		return ir.Output{Connector: s}, nil
	}
	fields := mappingOf(n)
	conn, ok := stringValue(fields["connector"])
	if !ok || conn == "" {
		return ir.Output{}, at(flowerr.Parse("%s: output needs a connector", field), n)
	}
	out := ir.Output{Connector: conn}
	if w, ok := fields["when"]; ok && !isNull(w) {
		src, ok := stringValue(w)
		if !ok {
			return ir.Output{}, at(flowerr.Parse("%s: when must be a string", field), w)
		}
		out.Condition = ir.Expression{Source: src}
	}
	return out, nil
}

// yaml helpers

type pair struct {
	key *yaml.Node
	val *yaml.Node
}

func resolve(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}

func pairs(n *yaml.Node) []pair {
	n = resolve(n)
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	out := make([]pair, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		out = append(out, pair{key: resolve(n.Content[i]), val: resolve(n.Content[i+1])})
	}
	return out
}

func mappingOf(n *yaml.Node) map[string]*yaml.Node {
	out := make(map[string]*yaml.Node)
	for _, p := range pairs(n) {
		out[p.key.Value] = p.val
	}
	return out
}

func isNull(n *yaml.Node) bool {
	n = resolve(n)
	return n == nil || (n.Kind == yaml.ScalarNode && n.Tag == "!!null")
}

// stringValue returns a scalar's text. Only !!str scalars count.
func stringValue(n *yaml.Node) (string, bool) {
	n = resolve(n)
	if n == nil || n.Kind != yaml.ScalarNode || n.Tag != "!!str" {
		return "", false
	}
	return n.Value, true
}

// scalarText returns any non-null scalar's text.
func scalarText(n *yaml.Node) (string, bool) {
	n = resolve(n)
	if n == nil || n.Kind != yaml.ScalarNode || n.Tag == "!!null" {
		return "", false
	}
	return n.Value, true
}

func stringList(n *yaml.Node) ([]string, bool) {
	n = resolve(n)
	if s, ok := stringValue(n); ok {
		return []string{s}, true
	}
	if n == nil || n.Kind != yaml.SequenceNode {
		return nil, false
	}
	out := make([]string, 0, len(n.Content))
	for _, item := range n.Content {
		s, ok := scalarText(item)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// irValue decodes a node into an IRValue.
func irValue(n *yaml.Node) (ir.IRValue, error) {
	var raw any
	if err := resolve(n).Decode(&raw); err != nil {
		return nil, err
	}
	return ir.FromAny(normalizeYAML(raw))
}

// normalizeYAML converts the map[any]any that yaml may produce for
// non-string keys into map[string]any.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, elem := range val {
			val[k] = normalizeYAML(elem)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[fmt.Sprint(k)] = normalizeYAML(elem)
		}
		return out
	case []any:
		for i, elem := range val {
			val[i] = normalizeYAML(elem)
		}
		return val
	default:
		return v
	}
}

func at(e *flowerr.Error, n *yaml.Node) *flowerr.Error {
	if n != nil {
		e.Line, e.Column = n.Line, n.Column
	}
	return e
}

func validPath(path string) bool {
	if path == "" {
		return false
	}
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return false
		}
	}
	return true
}

func parseIndex(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return 0, false
	}
	return n, true
}
