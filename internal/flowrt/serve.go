package flowrt

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// FieldError reports a failure computing one output field.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// NoMatchError creates the error a regex with on_no_match: error returns.
func NoMatchError(field string) error {
	return fmt.Errorf("pattern did not match field %q", field)
}

// Diagnostics decides what a per-field failure does to its record.
type Diagnostics struct {
	w    io.Writer
	fail bool
}

// NewDiagnostics writes skip notices to w. With fail set, field failures
// fail the whole record instead.
func NewDiagnostics(w io.Writer, fail bool) *Diagnostics {
	return &Diagnostics{w: w, fail: fail}
}

// Field handles a failure computing field. It returns a non-nil error only
// when the record must fail.
func (d *Diagnostics) Field(field string, err error) error {
	if d.fail {
		return &FieldError{Field: field, Err: err}
	}
	fmt.Fprintf(d.w, "flowrt: skipping field %q: %v\n", field, err)
	return nil
}

// ProcessFunc transforms one record. A nil record with a nil error means
// the record was filtered out.
type ProcessFunc func(Record) (Record, error)

// RouteFunc returns the connectors a processed record is sent to.
type RouteFunc func(Record) []string

type routed struct {
	Output string `json:"output"`
	Record Record `json:"record"`
}

type failed struct {
	Error string `json:"error"`
}

// Serve runs the module protocol on stdin and stdout and returns the
// process exit code.
func Serve(process ProcessFunc, routes RouteFunc) int {
	if err := Run(os.Stdin, os.Stdout, process, routes); err != nil {
		fmt.Fprintf(os.Stderr, "flowrt: %v\n", err)
		return 1
	}
	return 0
}

// Run reads newline-delimited JSON objects from in. For each record it
// writes one {"output","record"} line per route, or one {"error"} line
// when the record fails. Filtered records produce no output. Only I/O
// failures are returned.
func Run(in io.Reader, out io.Writer, process ProcessFunc, routes RouteFunc) error {
	r := bufio.NewReader(in)
	w := bufio.NewWriter(out)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	for {
		line, readErr := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if err := handle(enc, line, process, routes); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read input: %w", readErr)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func handle(enc *json.Encoder, line []byte, process ProcessFunc, routes RouteFunc) error {
	rec, err := decodeRecord(line)
	if err == nil {
		rec, err = safeProcess(process, rec)
	}
	if err != nil {
		return enc.Encode(failed{Error: err.Error()})
	}
	if rec == nil {
		return nil
	}

	for _, conn := range routes(rec) {
		if err := enc.Encode(routed{Output: conn, Record: rec}); err != nil {
			var unsupported *json.UnsupportedValueError
			if errors.As(err, &unsupported) {
				return enc.Encode(failed{Error: err.Error()})
			}
			return fmt.Errorf("write output: %w", err)
		}
	}
	return nil
}

func decodeRecord(line []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("invalid input record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("invalid input record: expected a JSON object")
	}
	return rec, nil
}

func safeProcess(process ProcessFunc, rec Record) (out Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("panic processing record: %v", r)
		}
	}()
	return process(rec)
}
