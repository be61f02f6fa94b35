// Package toolchain builds generated compilation units into WASI modules.
//
// The compiler only sees the Toolchain interface, so tests can swap in a
// fake and the Go implementation stays a thin wrapper around `go build`.
package toolchain

import (
	"context"
	"fmt"
	"slices"
)

// Target is the platform every module is built for.
const (
	TargetOS   = "wasip1"
	TargetArch = "wasm"
)

// MinimumGo is the oldest Go release that ships the wasip1 port.
const MinimumGo = "go1.21.0"

// Toolchain compiles a unit directory into a module.
type Toolchain interface {
	// EnsureTarget verifies the wasip1/wasm target is available, installing
	// a capable toolchain when possible.
	EnsureTarget(ctx context.Context) error

	// Build compiles the unit in req.Dir into req.Output.
	Build(ctx context.Context, req BuildRequest) error
}

// BuildRequest describes one module build.
type BuildRequest struct {
	Dir      string
	Output   string
	OptLevel string
}

// OptLevels lists the accepted optimization levels.
var OptLevels = []string{"0", "1", "2", "3", "s", "z"}

// ValidateOptLevel rejects unknown optimization levels.
func ValidateOptLevel(level string) error {
	if !slices.Contains(OptLevels, level) {
		return fmt.Errorf("invalid optimization level %q (expected one of 0, 1, 2, 3, s, z)", level)
	}
	return nil
}

// BuildFlags maps an optimization level onto go build flags.
// "0" disables optimizations and inlining; "s" and "z" strip symbols and
// DWARF for the smallest module. The numeric levels above 0 use the
// compiler defaults, which have no finer grades.
func BuildFlags(level string) []string {
	flags := []string{"-trimpath"}
	switch level {
	case "0":
		flags = append(flags, "-gcflags=all=-N -l")
	case "s", "z":
		flags = append(flags, "-ldflags=-s -w")
	}
	return flags
}
