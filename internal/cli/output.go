package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/weavster/flowc/internal/compiler"
	"github.com/weavster/flowc/internal/flowerr"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // A flow failed to parse, validate, or compile
	ExitCommandError = 2 // Environment error (toolchain, cache, config, I/O)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// exitCodeFor classifies a compiler error. Problems with the flow itself
// exit 1; problems with the environment exit 2.
func exitCodeFor(err error) int {
	switch flowerr.KindOf(err) {
	case flowerr.ErrToolchain, flowerr.ErrCache, flowerr.ErrIO:
		return ExitCommandError
	case "":
		var be *compiler.BatchError
		if errors.As(err, &be) {
			return ExitFailure
		}
		return ExitCommandError
	default:
		return ExitFailure
	}
}

// ErrCodeGeneric is reported for errors that carry no flowerr kind.
const ErrCodeGeneric = "ERROR"

func errorCode(err error) string {
	if kind := flowerr.KindOf(err); kind != "" {
		return string(kind)
	}
	return ErrCodeGeneric
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // flowerr kind, e.g. "PARSE"
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// FlowFailure describes one failed flow in JSON output.
type FlowFailure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Flow    string `json:"flow,omitempty"`
	Path    string `json:"path,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Stderr  string `json:"stderr,omitempty"`
}

func describeFailure(path string, err error) FlowFailure {
	f := FlowFailure{Code: errorCode(err), Message: err.Error(), Path: path}
	var fe *flowerr.Error
	if errors.As(err, &fe) {
		f.Flow = fe.Flow
		if fe.Path != "" {
			f.Path = fe.Path
		}
		f.Line, f.Column = fe.Line, fe.Column
		f.Stderr = fe.Stderr
	}
	return f
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Failures reports flow failures and returns the ExitError the command
// should return. Toolchain stderr is always printed in full: it is the
// only place build errors are explained.
func (f *OutputFormatter) Failures(verb string, failures []compiler.Failure, data any) error {
	code := ExitFailure
	for _, fl := range failures {
		if c := exitCodeFor(fl.Err); c > code {
			code = c
		}
	}
	summary := fmt.Sprintf("%s failed for %d flow(s)", verb, len(failures))

	if f.Format == "json" {
		details := make([]FlowFailure, len(failures))
		for i, fl := range failures {
			details[i] = describeFailure(fl.Path, fl.Err)
		}
		first := details[0]
		if err := json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Data:   data,
			Error:  &CLIError{Code: first.Code, Message: summary, Details: details},
		}); err != nil {
			return err
		}
		return NewExitError(code, summary)
	}

	fmt.Fprintf(f.Writer, "✗ %s\n\n", summary)
	for _, fl := range failures {
		fmt.Fprintf(f.Writer, "  [%s] %s\n", errorCode(fl.Err), flowerr.Detail(fl.Err))
	}
	return NewExitError(code, summary)
}

// VerboseLog outputs a message only if verbose mode is enabled.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// formatSize renders a byte count for text output.
func formatSize(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
