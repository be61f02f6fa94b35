package flowrt

import "embed"

// Sources holds the runtime files copied into every compilation unit.
// Tests and this file are not part of it.
//
//go:embed capture.go compare.go record.go serve.go template.go
var Sources embed.FS

// SourceFiles lists the files in Sources in a stable order.
var SourceFiles = []string{"capture.go", "compare.go", "record.go", "serve.go", "template.go"}
