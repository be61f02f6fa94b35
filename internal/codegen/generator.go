// Package codegen lowers a flow's IR into the Go source of a WASI command.
//
// The generated program is package main and imports only the standard
// library and flowmodule/flowrt, the runtime copied into every build unit.
// Everything that can be prepared once (compiled patterns, lookup tables,
// parsed templates) lives in a registry built by newRegistry; the
// per-record code is a straight-line sequence of transform blocks over a
// single mutable record.
package codegen

import (
	"bytes"
	"fmt"
	"go/format"

	"github.com/weavster/flowc/internal/filterexpr"
	"github.com/weavster/flowc/internal/flowerr"
	"github.com/weavster/flowc/internal/ir"
)

// RuntimeImport is the import path generated code uses for flowrt.
const RuntimeImport = "flowmodule/flowrt"

// Generator turns flows into Go source. It holds no per-flow state and is
// safe for concurrent use.
type Generator struct {
	debug bool
}

// Option configures a Generator.
type Option func(*Generator)

// WithDebugComments annotates each transform block with its position and kind.
func WithDebugComments() Option {
	return func(g *Generator) { g.debug = true }
}

// New creates a Generator.
func New(opts ...Option) *Generator {
	g := &Generator{}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns the gofmt'd source of the module for f.
// Every artifact must be loaded.
func (g *Generator) Generate(f *ir.Flow) ([]byte, error) {
	src, err := g.generate(f)
	if err != nil {
		return nil, flowerr.Annotate(err, f.Name, "")
	}
	return src, nil
}

func (g *Generator) generate(f *ir.Flow) ([]byte, error) {
	fp, err := ir.Fingerprint(f)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.ErrGeneration, err, "")
	}

	u, err := prepare(f)
	if err != nil {
		return nil, err
	}

	w := &writer{}
	w.line("// Code generated by flowc %s. DO NOT EDIT.", ir.CompilerVersion)
	w.line("// Flow: %s", f.Name)
	w.line("// Fingerprint: %s", fp)
	w.line("")
	w.line("package main")
	w.line("")
	w.line("import (")
	w.line("%q", "os")
	if u.usesRegexp() {
		w.line("%q", "regexp")
	}
	w.line("")
	w.line("%q", RuntimeImport)
	w.line(")")
	w.line("")

	u.writeRegistry(w, f.ErrorHandling == ir.FailRecord)

	w.line("func main() {")
	w.line("reg := newRegistry()")
	w.line("os.Exit(flowrt.Serve(reg.process, reg.routes))")
	w.line("}")
	w.line("")

	if err := g.writeProcess(w, f, u); err != nil {
		return nil, err
	}
	u.writeRoutes(w, f)

	out, err := format.Source(w.buf.Bytes())
	if err != nil {
		return nil, flowerr.Wrap(flowerr.ErrGeneration, err, "generated source does not format")
	}
	return out, nil
}

func (g *Generator) writeProcess(w *writer, f *ir.Flow, u *unit) error {
	w.line("func (reg *registry) process(rec flowrt.Record) (flowrt.Record, error) {")
	for i, t := range f.Transforms {
		if g.debug {
			w.line("// transforms[%d]: %s", i, t.Kind())
		}
		if err := u.writeTransform(w, i, t); err != nil {
			return err
		}
	}
	w.line("return rec, nil")
	w.line("}")
	w.line("")
	return nil
}

// unit is the registry and resolved conditions for one flow.
type unit struct {
	decls      []decl
	patterns   map[string]string
	sets       map[string]string
	tables     map[tableKey]string
	templates  map[[2]int]string
	filters    map[int]ir.FilterCondition
	outputs    []ir.FilterCondition
	identTaken map[string]bool
}

type decl struct {
	name string
	typ  string
	init string
}

func prepare(f *ir.Flow) (*unit, error) {
	u := &unit{
		patterns:   make(map[string]string),
		sets:       make(map[string]string),
		tables:     make(map[tableKey]string),
		templates:  make(map[[2]int]string),
		filters:    make(map[int]ir.FilterCondition),
		identTaken: map[string]bool{"diag": true},
	}

	for i, t := range f.Transforms {
		if err := u.register(f, i, t); err != nil {
			return nil, err
		}
	}
	for i, o := range f.Outputs {
		if o.Condition == nil {
			u.outputs = append(u.outputs, nil)
			continue
		}
		cond, err := filterexpr.Resolve(o.Condition)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.ErrGeneration, err, fmt.Sprintf("outputs[%d]", i))
		}
		u.registerCondition(cond)
		u.outputs = append(u.outputs, cond)
	}
	return u, nil
}

func (u *unit) register(f *ir.Flow, i int, t ir.Transform) error {
	switch t := t.(type) {
	case ir.Regex:
		if t.PatternSet != "" {
			_, err := u.patternSet(f, t.PatternSet)
			return err
		}
		u.pattern(t.Pattern)
	case ir.Template:
		for j, field := range t.Fields {
			name := u.ident(fmt.Sprintf("tpl%d_%d", i, j))
			u.templates[[2]int{i, j}] = name
			u.decls = append(u.decls, decl{name, "*flowrt.Template", fmt.Sprintf("flowrt.NewTemplate(%s)", quote(field.Template))})
		}
	case ir.Lookup:
		_, err := u.table(f, t)
		return err
	case ir.Filter:
		cond, err := filterexpr.Resolve(t.Condition)
		if err != nil {
			return flowerr.Wrap(flowerr.ErrGeneration, err, fmt.Sprintf("transforms[%d].filter", i))
		}
		u.registerCondition(cond)
		u.filters[i] = cond
	case ir.Map, ir.Drop, ir.Coalesce, ir.AddFields:
	default:
		return flowerr.New(flowerr.ErrGeneration, "unsupported transform %T", t)
	}
	return nil
}

func (u *unit) registerCondition(c ir.FilterCondition) {
	switch c := c.(type) {
	case ir.Matches:
		u.pattern(c.Pattern)
	case ir.And:
		for _, inner := range c.Conditions {
			u.registerCondition(inner)
		}
	case ir.Or:
		for _, inner := range c.Conditions {
			u.registerCondition(inner)
		}
	case ir.Not:
		u.registerCondition(c.Condition)
	}
}

// pattern returns the registry field holding pattern, declaring it on first use.
func (u *unit) pattern(pattern string) string {
	if name, ok := u.patterns[pattern]; ok {
		return name
	}
	name := u.ident(fmt.Sprintf("re%d", len(u.patterns)))
	u.patterns[pattern] = name
	u.decls = append(u.decls, decl{name, "*regexp.Regexp", fmt.Sprintf("regexp.MustCompile(%s)", quote(pattern))})
	return name
}

func (u *unit) patternSet(f *ir.Flow, artifact string) (string, error) {
	a, ok := f.Artifact(artifact)
	if !ok {
		return "", flowerr.ArtifactNotFound(artifact)
	}
	key := normalizeName(a.Name)
	if name, ok := u.sets[key]; ok {
		return name, nil
	}
	raw, ok := a.Data.(ir.RawData)
	if !ok {
		return "", notLoaded(a)
	}
	lines := raw.PatternLines()
	if len(lines) == 0 {
		return "", flowerr.New(flowerr.ErrGeneration, "artifact %q has no patterns", a.Name)
	}
	var init bytes.Buffer
	init.WriteString("[]*regexp.Regexp{\n")
	for _, line := range lines {
		fmt.Fprintf(&init, "regexp.MustCompile(%s),\n", quote(line))
	}
	init.WriteString("}")

	name := u.ident("patterns" + exportedName(a.Name))
	u.sets[key] = name
	u.decls = append(u.decls, decl{name, "[]*regexp.Regexp", init.String()})
	return name, nil
}

func (u *unit) usesRegexp() bool {
	return len(u.patterns) > 0 || len(u.sets) > 0
}

// ident reserves a unique registry field name derived from base.
func (u *unit) ident(base string) string {
	name := base
	for n := 2; u.identTaken[name]; n++ {
		name = fmt.Sprintf("%s%d", base, n)
	}
	u.identTaken[name] = true
	return name
}

func (u *unit) writeRegistry(w *writer, fail bool) {
	w.line("// registry holds everything prepared once per module instance.")
	w.line("type registry struct {")
	w.line("diag *flowrt.Diagnostics")
	for _, d := range u.decls {
		w.line("%s %s", d.name, d.typ)
	}
	w.line("}")
	w.line("")
	w.line("func newRegistry() *registry {")
	w.line("return &registry{")
	w.line("diag: flowrt.NewDiagnostics(os.Stderr, %t),", fail)
	for _, d := range u.decls {
		w.line("%s: %s,", d.name, d.init)
	}
	w.line("}")
	w.line("}")
	w.line("")
}

func (u *unit) writeRoutes(w *writer, f *ir.Flow) {
	w.line("func (reg *registry) routes(rec flowrt.Record) []string {")
	if len(f.Outputs) == 0 {
		w.line("return nil")
		w.line("}")
		return
	}
	w.line("out := make([]string, 0, %d)", len(f.Outputs))
	for i, o := range f.Outputs {
		if cond := u.outputs[i]; cond != nil {
			w.line("if %s {", conditionExpr(u, cond))
			w.line("out = append(out, %s)", quote(o.Connector))
			w.line("}")
			continue
		}
		w.line("out = append(out, %s)", quote(o.Connector))
	}
	w.line("return out")
	w.line("}")
}

func notLoaded(a *ir.Artifact) error {
	if !a.Loaded() {
		return flowerr.New(flowerr.ErrGeneration, "artifact %q is not loaded", a.Name)
	}
	return flowerr.New(flowerr.ErrGeneration, "artifact %q has unexpected %s payload", a.Name, a.Kind)
}

type writer struct {
	buf bytes.Buffer
}

func (w *writer) line(format string, args ...any) {
	fmt.Fprintf(&w.buf, format, args...)
	w.buf.WriteByte('\n')
}
