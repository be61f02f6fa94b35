package ir

// Version constants for the IR schema and the compiler.
const (
	// IRVersion is the IR schema version. It is part of every fingerprint.
	IRVersion = "1"

	// CompilerVersion is the flowc version.
	CompilerVersion = "0.1.0"
)
