package ir

import "strings"

// ErrorHandling selects how a compiled module treats per-field failures.
type ErrorHandling string

const (
	// LogAndSkip writes a diagnostic to stderr and leaves the field unset.
	LogAndSkip ErrorHandling = "log_and_skip"
	// FailRecord turns the first field failure into a record-level error.
	FailRecord ErrorHandling = "fail"
)

// Flow is the fully typed intermediate representation of one flow.
// A Flow is immutable once produced by the parser; the compiler never
// mutates it after computing the fingerprint.
type Flow struct {
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	Input         string        `json:"input"`
	Transforms    []Transform   `json:"-"`
	Outputs       []Output      `json:"-"`
	Artifacts     []Artifact    `json:"-"`
	ErrorHandling ErrorHandling `json:"error_handling"`
}

// Artifact returns the artifact named name, compared case-insensitively.
func (f *Flow) Artifact(name string) (*Artifact, bool) {
	for i := range f.Artifacts {
		if strings.EqualFold(f.Artifacts[i].Name, name) {
			return &f.Artifacts[i], true
		}
	}
	return nil, false
}

// Output routes a processed record to a connector. A nil Condition always routes.
type Output struct {
	Connector string
	Condition FilterCondition
}

func (o Output) canonical() IRObject {
	obj := IRObject{"connector": IRString(o.Connector)}
	if o.Condition != nil {
		obj["when"] = o.Condition.canonical()
	}
	return obj
}

// ArtifactKind classifies the payload of an Artifact.
type ArtifactKind string

const (
	ArtifactLookupTable   ArtifactKind = "lookup_table"
	ArtifactJSONConfig    ArtifactKind = "json_config"
	ArtifactRegexPatterns ArtifactKind = "regex_patterns"
)

// Artifact is a named data payload a flow depends on.
// Path is set when the payload lives in a file; Data is nil until the
// compiler loads it.
type Artifact struct {
	Name string
	Kind ArtifactKind
	Path string
	Data ArtifactData
}

// Loaded reports whether the payload is available for fingerprinting and codegen.
func (a *Artifact) Loaded() bool { return a.Data != nil }

// ArtifactData is the sealed payload of an Artifact.
// Only KeyValueData, JSONData, and RawData implement it.
type ArtifactData interface {
	artifactData()
	canonical() IRObject
}

// KeyValueData is an ordered string table.
type KeyValueData struct {
	Entries []KeyValue
}

// KeyValue is one table row.
type KeyValue struct {
	Key   string
	Value string
}

func (KeyValueData) artifactData() {}

func (d KeyValueData) canonical() IRObject {
	entries := make(IRArray, len(d.Entries))
	for i, e := range d.Entries {
		entries[i] = IRArray{IRString(e.Key), IRString(e.Value)}
	}
	return IRObject{"type": IRString("key_value"), "entries": entries}
}

// Lookup returns the value for key, last entry wins.
func (d KeyValueData) Lookup(key string) (string, bool) {
	for i := len(d.Entries) - 1; i >= 0; i-- {
		if d.Entries[i].Key == key {
			return d.Entries[i].Value, true
		}
	}
	return "", false
}

// JSONData is an arbitrary JSON document.
type JSONData struct {
	Value IRValue
}

func (JSONData) artifactData() {}

func (d JSONData) canonical() IRObject {
	var v IRValue = IRNull{}
	if d.Value != nil {
		v = d.Value
	}
	return IRObject{"type": IRString("json"), "value": v}
}

// RawData is uninterpreted text (CSV tables, pattern lists).
type RawData struct {
	Text string
}

func (RawData) artifactData() {}

func (d RawData) canonical() IRObject {
	return IRObject{"type": IRString("raw"), "text": IRString(d.Text)}
}

// PatternLines returns the non-blank, trimmed lines of a pattern list,
// skipping lines starting with '#'.
func (d RawData) PatternLines() []string {
	var out []string
	for _, line := range strings.Split(d.Text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}
