package codegen

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/weavster/flowc/internal/flowerr"
	"github.com/weavster/flowc/internal/ir"
)

// tableKey identifies one materialized lookup table. The same CSV artifact
// read through different columns yields different tables.
type tableKey struct {
	artifact    string
	keyColumn   string
	valueColumn string
}

func lookupKey(t ir.Lookup) tableKey {
	return tableKey{normalizeName(t.Table), t.KeyColumn, t.ValueColumn}
}

func (u *unit) table(f *ir.Flow, t ir.Lookup) (string, error) {
	key := lookupKey(t)
	if name, ok := u.tables[key]; ok {
		return name, nil
	}
	a, ok := f.Artifact(t.Table)
	if !ok {
		return "", flowerr.ArtifactNotFound(t.Table)
	}
	entries, err := tableEntries(a, t.KeyColumn, t.ValueColumn)
	if err != nil {
		return "", err
	}

	var init bytes.Buffer
	init.WriteString("map[string]string{\n")
	for _, k := range sortedKeys(entries) {
		fmt.Fprintf(&init, "%s: %s,\n", quote(k), quote(entries[k]))
	}
	init.WriteString("}")

	name := u.ident("table" + exportedName(a.Name))
	u.tables[key] = name
	u.decls = append(u.decls, decl{name, "map[string]string", init.String()})
	return name, nil
}

// tableEntries flattens an artifact into a string map. Later rows win.
func tableEntries(a *ir.Artifact, keyColumn, valueColumn string) (map[string]string, error) {
	switch d := a.Data.(type) {
	case ir.KeyValueData:
		out := make(map[string]string, len(d.Entries))
		for _, e := range d.Entries {
			out[e.Key] = e.Value
		}
		return out, nil
	case ir.JSONData:
		obj, ok := d.Value.(ir.IRObject)
		if !ok {
			return nil, flowerr.New(flowerr.ErrGeneration, "artifact %q must be a JSON object to be used as a lookup table", a.Name)
		}
		out := make(map[string]string, len(obj))
		for k, v := range obj {
			s, ok := ir.Scalar(v)
			if !ok {
				raw, err := ir.MarshalIRValue(v)
				if err != nil {
					return nil, flowerr.Wrap(flowerr.ErrGeneration, err, fmt.Sprintf("artifact %q", a.Name))
				}
				s = string(raw)
			}
			out[k] = s
		}
		return out, nil
	case ir.RawData:
		return csvEntries(a.Name, d.Text, keyColumn, valueColumn)
	default:
		return nil, notLoaded(a)
	}
}

// csvEntries reads a CSV table with a header row. The key and value
// columns default to the first and second.
func csvEntries(name, text, keyColumn, valueColumn string) (map[string]string, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, flowerr.New(flowerr.ErrGeneration, "artifact %q: CSV table is empty", name)
	}
	if err != nil {
		return nil, flowerr.Wrap(flowerr.ErrGeneration, err, fmt.Sprintf("artifact %q: read CSV header", name))
	}

	column := func(want string, def int) (int, error) {
		if want == "" {
			return def, nil
		}
		if i := slices.Index(header, want); i >= 0 {
			return i, nil
		}
		return 0, flowerr.New(flowerr.ErrGeneration, "artifact %q: column '%s' not found", name, want)
	}
	keyIdx, err := column(keyColumn, 0)
	if err != nil {
		return nil, err
	}
	valueIdx, err := column(valueColumn, 1)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string)
	for {
		row, err := r.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, flowerr.Wrap(flowerr.ErrGeneration, err, fmt.Sprintf("artifact %q", name))
		}
		if keyIdx >= len(row) || valueIdx >= len(row) {
			line, _ := r.FieldPos(0)
			return nil, flowerr.New(flowerr.ErrGeneration, "artifact %q: line %d is missing the key or value column", name, line)
		}
		out[row[keyIdx]] = row[valueIdx]
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
