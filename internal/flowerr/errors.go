// Package flowerr defines the error taxonomy shared by the parser, the
// generator, and the compiler.
//
// Every failure is an *Error carrying a Kind. Callers branch on the kind
// with errors.Is against the Err* sentinels or with KindOf.
package flowerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes a flow compilation failure.
// A Kind is itself an error so that it can serve as an errors.Is target.
type Kind string

const (
	// ErrParse indicates malformed YAML or a schema violation.
	ErrParse Kind = "PARSE"

	// ErrInvalidTransform indicates a structurally wrong transform.
	ErrInvalidTransform Kind = "INVALID_TRANSFORM"

	// ErrInvalidRegex indicates a pattern the regex engine rejects.
	ErrInvalidRegex Kind = "INVALID_REGEX"

	// ErrInvalidTemplate indicates a template that does not parse.
	ErrInvalidTemplate Kind = "INVALID_TEMPLATE"

	// ErrGeneration indicates source generation or formatting failed.
	ErrGeneration Kind = "GENERATION"

	// ErrArtifactNotFound indicates a referenced artifact is missing.
	ErrArtifactNotFound Kind = "ARTIFACT_NOT_FOUND"

	// ErrToolchain indicates the build toolchain or its wasm target is unavailable.
	ErrToolchain Kind = "TOOLCHAIN"

	// ErrCompilation indicates the toolchain rejected the generated unit.
	ErrCompilation Kind = "COMPILATION"

	// ErrCache indicates the module cache could not be read or written.
	ErrCache Kind = "CACHE"

	// ErrIO indicates a filesystem failure outside the cache.
	ErrIO Kind = "IO"
)

func (k Kind) Error() string { return string(k) }

// Error is a flow compilation failure.
type Error struct {
	// Kind identifies the error category.
	Kind Kind

	// Flow is the flow name, when known.
	Flow string

	// Path is the flow file or artifact path, when known.
	Path string

	// Field locates the failure inside the flow document (e.g. "transforms[2].regex").
	Field string

	// Pattern is the offending regex for ErrInvalidRegex.
	Pattern string

	// Message is a human-readable description.
	Message string

	// Stderr is the verbatim toolchain output for ErrCompilation.
	Stderr string

	// Line and Column are 1-based source positions; zero when unknown.
	Line   int
	Column int

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Path != "" {
		b.WriteString(e.Path)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	b.WriteString(e.describe())
	if e.Flow != "" {
		fmt.Fprintf(&b, " (flow=%s)", e.Flow)
	}
	return b.String()
}

func (e *Error) describe() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	switch e.Kind {
	case ErrParse:
		return "failed to parse flow configuration: " + msg
	case ErrInvalidTransform:
		return "invalid transform: " + msg
	case ErrInvalidRegex:
		return fmt.Sprintf("invalid regex pattern '%s': %s", e.Pattern, msg)
	case ErrInvalidTemplate:
		return "invalid template: " + msg
	case ErrGeneration:
		return "code generation failed: " + msg
	case ErrArtifactNotFound:
		return "artifact not found: " + msg
	case ErrToolchain:
		return "toolchain error: " + msg + ". Ensure a Go toolchain with the wasip1/wasm target is installed."
	case ErrCompilation:
		return "WASM compilation failed: " + msg
	case ErrCache:
		return "cache error: " + msg
	case ErrIO:
		return "IO error: " + msg
	default:
		return msg
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is this error's Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around cause.
// The cause's text becomes the message unless msg is non-empty.
func Wrap(kind Kind, cause error, msg string) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	} else if cause != nil {
		msg = msg + ": " + cause.Error()
	}
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// Parse creates an ErrParse error.
func Parse(format string, args ...any) *Error {
	return New(ErrParse, format, args...)
}

// InvalidTransform creates an ErrInvalidTransform error located at field.
func InvalidTransform(field, format string, args ...any) *Error {
	e := New(ErrInvalidTransform, format, args...)
	e.Field = field
	return e
}

// InvalidRegex creates an ErrInvalidRegex error for pattern.
func InvalidRegex(pattern string, cause error) *Error {
	e := Wrap(ErrInvalidRegex, cause, "")
	e.Pattern = pattern
	return e
}

// ArtifactNotFound creates an ErrArtifactNotFound error for the given name or path.
func ArtifactNotFound(ref string) *Error {
	return New(ErrArtifactNotFound, "%s", ref)
}

// Compilation creates an ErrCompilation error that keeps the toolchain's
// stderr verbatim.
func Compilation(msg, stderr string, cause error) *Error {
	e := Wrap(ErrCompilation, cause, msg)
	e.Stderr = stderr
	return e
}

// Annotate returns err with the flow name and path filled in on the first
// *Error in its chain, where that error does not already carry them.
// The *Error is copied, never modified, so an error shared between several
// flows gets each flow's context. Other errors are returned unchanged.
func Annotate(err error, flow, path string) error {
	var fe *Error
	if !errors.As(err, &fe) {
		return err
	}
	if (fe.Flow != "" || flow == "") && (fe.Path != "" || path == "") {
		return err
	}
	cp := *fe
	if cp.Flow == "" {
		cp.Flow = flow
	}
	if cp.Path == "" {
		cp.Path = path
	}
	if err == error(fe) {
		return &cp
	}
	return &annotated{err: err, inner: fe, fe: &cp}
}

// annotated carries an annotated copy of an *Error wrapped somewhere
// inside err. Its text is err's with the inner error's text replaced.
type annotated struct {
	err   error
	inner *Error
	fe    *Error
}

func (a *annotated) Error() string {
	return strings.Replace(a.err.Error(), a.inner.Error(), a.fe.Error(), 1)
}

// Unwrap puts the annotated copy ahead of the original chain, so errors.As
// and KindOf see it first.
func (a *annotated) Unwrap() []error { return []error{a.fe, a.err} }

// Detail returns the message followed by the toolchain stderr, if any.
// Used by the CLI for verbose failure output.
func Detail(err error) string {
	var fe *Error
	if !errors.As(err, &fe) || fe.Stderr == "" {
		return err.Error()
	}
	return err.Error() + "\n" + strings.TrimRight(fe.Stderr, "\n")
}
