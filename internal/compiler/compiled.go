package compiler

import (
	"os"
	"path/filepath"

	"github.com/weavster/flowc/internal/flowerr"
)

// CompiledFlow is a finished module. It is a value: nothing on disk changes
// until Save is called.
type CompiledFlow struct {
	Name        string
	Module      []byte
	Fingerprint string
	// Cached is true when the module came from the cache without a build.
	Cached bool
	// SourcePath is the flow file, empty for flows compiled from IR.
	SourcePath string
}

// Size returns the module length in bytes.
func (c *CompiledFlow) Size() int { return len(c.Module) }

// Save writes the module to path, replacing any existing file.
func (c *CompiledFlow) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return flowerr.Annotate(flowerr.Wrap(flowerr.ErrIO, err, "create output directory"), c.Name, path)
		}
	}
	if err := os.WriteFile(path, c.Module, 0o644); err != nil {
		return flowerr.Annotate(flowerr.Wrap(flowerr.ErrIO, err, "save module"), c.Name, path)
	}
	return nil
}
