package parser

import (
	"errors"
	"io/fs"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/weavster/flowc/internal/flowerr"
	"github.com/weavster/flowc/internal/ir"
)

// payloadKeys are the mutually exclusive ways an artifact carries data.
var payloadKeys = []string{"data", "json", "csv", "patterns", "path"}

func lowerArtifact(field string, n *yaml.Node) (ir.Artifact, error) {
	def := mappingOf(n)
	var a ir.Artifact

	name, ok := stringValue(def["name"])
	if !ok || name == "" {
		return a, at(flowerr.Parse("%s: artifact needs a name", field), n)
	}
	a.Name = name

	var present []string
	for _, k := range payloadKeys {
		if v, ok := def[k]; ok && !isNull(v) {
			present = append(present, k)
		}
	}
	if len(present) != 1 {
		return a, at(flowerr.Parse("artifact %q needs exactly one of %s", name, strings.Join(payloadKeys, ", ")), n)
	}

	switch body := def[present[0]]; present[0] {
	case "data":
		var kv ir.KeyValueData
		for _, p := range pairs(body) {
			v, ok := scalarText(p.val)
			if !ok {
				return a, at(flowerr.Parse("artifact %q: value for %q must be a scalar", name, p.key.Value), p.val)
			}
			kv.Entries = append(kv.Entries, ir.KeyValue{Key: p.key.Value, Value: v})
		}
		a.Kind, a.Data = ir.ArtifactLookupTable, kv
	case "json":
		v, err := irValue(body)
		if err != nil {
			return a, at(flowerr.Parse("artifact %q: %v", name, err), body)
		}
		a.Kind, a.Data = ir.ArtifactJSONConfig, ir.JSONData{Value: v}
	case "csv":
		text, _ := stringValue(body)
		a.Kind, a.Data = ir.ArtifactLookupTable, ir.RawData{Text: text}
	case "patterns":
		lines, ok := stringList(body)
		if !ok {
			return a, at(flowerr.Parse("artifact %q: patterns must be a string or a list", name), body)
		}
		a.Kind, a.Data = ir.ArtifactRegexPatterns, ir.RawData{Text: strings.Join(lines, "\n")}
	case "path":
		a.Path, _ = stringValue(body)
		a.Kind = kindForPath(a.Path)
	}

	if k, ok := scalarText(def["kind"]); ok {
		a.Kind = ir.ArtifactKind(k)
	}
	if a.Data != nil && a.Kind == ir.ArtifactRegexPatterns {
		if _, err := compilePatternSet(&a); err != nil {
			return a, at(asFlowError(err), def[present[0]])
		}
	}
	return a, nil
}

func kindForPath(path string) ir.ArtifactKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ir.ArtifactLookupTable
	case ".json":
		return ir.ArtifactJSONConfig
	default:
		return ir.ArtifactRegexPatterns
	}
}

// compilePatternSet compiles every line of a regex_patterns artifact.
func compilePatternSet(a *ir.Artifact) ([]*regexp.Regexp, error) {
	raw, ok := a.Data.(ir.RawData)
	if !ok {
		return nil, flowerr.InvalidTransform("artifacts."+a.Name, "pattern artifact must be text")
	}
	lines := raw.PatternLines()
	if len(lines) == 0 {
		return nil, flowerr.InvalidTransform("artifacts."+a.Name, "pattern artifact has no patterns")
	}
	out := make([]*regexp.Regexp, len(lines))
	for i, line := range lines {
		re, err := regexp.Compile(line)
		if err != nil {
			return nil, flowerr.InvalidRegex(line, err)
		}
		out[i] = re
	}
	return out, nil
}

func asFlowError(err error) *flowerr.Error {
	var fe *flowerr.Error
	if errors.As(err, &fe) {
		return fe
	}
	return flowerr.Wrap(flowerr.ErrParse, err, "")
}

// LoadFunc reads the file behind an artifact path.
type LoadFunc func(path string) ([]byte, error)

// ResolveArtifacts loads every file-backed artifact of f through load and
// re-checks the regex transforms that depend on them. Artifacts that are
// already loaded are left alone.
func ResolveArtifacts(f *ir.Flow, load LoadFunc) error {
	for i := range f.Artifacts {
		a := &f.Artifacts[i]
		if a.Loaded() {
			continue
		}
		data, err := load(a.Path)
		if errors.Is(err, fs.ErrNotExist) {
			e := flowerr.ArtifactNotFound(a.Path)
			e.Flow = f.Name
			return e
		}
		if err != nil {
			return flowerr.Annotate(flowerr.Wrap(flowerr.ErrIO, err, "read artifact "+a.Name), f.Name, "")
		}
		switch a.Kind {
		case ir.ArtifactJSONConfig:
			v, err := ir.UnmarshalIRValue(data)
			if err != nil {
				return flowerr.Annotate(flowerr.Parse("artifact %q: invalid JSON: %v", a.Name, err), f.Name, "")
			}
			a.Data = ir.JSONData{Value: v}
		default:
			a.Data = ir.RawData{Text: string(data)}
		}
	}

	for i, t := range f.Transforms {
		re, ok := t.(ir.Regex)
		if !ok || re.PatternSet == "" {
			continue
		}
		a, ok := f.Artifact(re.PatternSet)
		if !ok {
			return flowerr.Annotate(flowerr.ArtifactNotFound(re.PatternSet), f.Name, "")
		}
		patterns, err := compilePatternSet(a)
		if err != nil {
			return flowerr.Annotate(err, f.Name, "")
		}
		if err := checkCaptures(transformField(i, re), re.Captures, patterns); err != nil {
			return flowerr.Annotate(err, f.Name, "")
		}
	}
	return nil
}

func transformField(i int, t ir.Transform) string {
	return "transforms[" + strconv.Itoa(i) + "]." + string(t.Kind())
}
