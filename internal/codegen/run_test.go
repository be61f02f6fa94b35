package codegen

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weavster/flowc/internal/toolchain"
)

// emitted is one line of module output.
type emitted struct {
	Output string          `json:"output"`
	Record json.RawMessage `json:"record"`
	Error  string          `json:"error"`
}

// runFlow generates the module for src, builds it for the host with the go
// command, and feeds it one NDJSON record per input.
func runFlow(t *testing.T, src string, inputs ...string) ([]emitted, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("builds a module with the go command")
	}
	goBin, err := exec.LookPath("go")
	if err != nil {
		t.Skip("go command not on PATH")
	}

	dir := t.TempDir()
	require.NoError(t, toolchain.WriteUnit(dir, []byte(generate(t, parseFlow(t, src)))))

	bin := filepath.Join(dir, "module")
	build := exec.Command(goBin, "build", "-o", bin, ".")
	build.Dir = dir
	build.Env = append(os.Environ(), "GOWORK=off", "GOFLAGS=-mod=mod", "CGO_ENABLED=0")
	out, err := build.CombinedOutput()
	require.NoError(t, err, "build generated module:\n%s", out)

	var stdout, stderr bytes.Buffer
	run := exec.Command(bin)
	run.Stdin = strings.NewReader(strings.Join(inputs, "\n") + "\n")
	run.Stdout = &stdout
	run.Stderr = &stderr
	require.NoError(t, run.Run(), stderr.String())

	var lines []emitted
	for _, line := range strings.Split(strings.TrimSpace(stdout.String()), "\n") {
		if line == "" {
			continue
		}
		var e emitted
		require.NoError(t, json.Unmarshal([]byte(line), &e), line)
		lines = append(lines, e)
	}
	return lines, stderr.String()
}

func TestRunMapDropAddFields(t *testing.T) {
	src := `
name: people
input: in
transforms:
  - map: {full_name: first_name}
  - drop: [age]
  - add_fields: {processed: true}
outputs: [sink]
`
	lines, _ := runFlow(t, src, `{"first_name":"Alice","age":30}`)
	require.Len(t, lines, 1)
	assert.Equal(t, "sink", lines[0].Output)
	assert.JSONEq(t, `{"first_name":"Alice","full_name":"Alice","processed":true}`, string(lines[0].Record))
}

func TestRunRegexNoMatch(t *testing.T) {
	src := `
name: codes
input: in
transforms:
  - regex:
      field: a
      pattern: '^(\d+)$'
      captures: {a_num: 1}
      on_no_match: skip
  - regex:
      field: b
      pattern: '^(\d+)$'
      captures: {b_num: 1}
  - regex:
      field: c
      pattern: '^(\d+)$'
      captures: {c_num: 1}
      on_no_match: error
outputs: [sink]
`
	lines, _ := runFlow(t, src,
		`{"a":"x","b":"y","c":"7","a_num":"keep","other":true}`,
		`{"a":"1","b":"2","c":"zz"}`,
	)
	require.Len(t, lines, 2)

	assert.JSONEq(t, `{"a":"x","b":"y","c":"7","a_num":"keep","b_num":null,"c_num":"7","other":true}`, string(lines[0].Record),
		"skip leaves the record untouched, the default sets targets to null")
	assert.Empty(t, lines[1].Output)
	assert.Contains(t, lines[1].Error, `pattern did not match field "c"`)
}

func TestRunFilterTemplateLookupRoutes(t *testing.T) {
	src := `
name: shaping
input: in
transforms:
  - filter:
      when: amount > 0
  - template:
      greeting: 'Hi "{{ name }}"'
      broken: '{{ name '
  - lookup: {field: country, table: countries, output: country_name, default: Unknown}
outputs:
  - warehouse
  - connector: alerts
    when: amount > 1000
artifacts:
  - name: countries
    data: {US: United States}
`
	lines, stderr := runFlow(t, src,
		`{"name":"Bob","amount":5,"country":"US"}`,
		`{"name":"Al","amount":0,"country":"US"}`,
		`{"name":"Cy","amount":2000,"country":"FR"}`,
	)
	require.Len(t, lines, 3, "the filtered record produces no output")

	assert.Equal(t, "warehouse", lines[0].Output)
	assert.JSONEq(t, `{"name":"Bob","amount":5,"country":"US","greeting":"Hi \"Bob\"","country_name":"United States"}`, string(lines[0].Record))

	assert.Equal(t, "warehouse", lines[1].Output)
	assert.Equal(t, "alerts", lines[2].Output)
	assert.JSONEq(t, string(lines[1].Record), string(lines[2].Record))
	assert.JSONEq(t, `{"name":"Cy","amount":2000,"country":"FR","greeting":"Hi \"Cy\"","country_name":"Unknown"}`, string(lines[2].Record))

	assert.Contains(t, stderr, `skipping field "broken"`)
}
