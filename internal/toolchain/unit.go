package toolchain

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/weavster/flowc/internal/flowrt"
)

// UnitModule is the module path of every generated compilation unit.
const UnitModule = "flowmodule"

// goMod pins the language version to the first release with wasip1.
const goMod = "module " + UnitModule + "\n\ngo 1.21\n"

// WriteUnit lays out a self-contained module in dir: go.mod, main.go with
// the generated source, and the flowrt runtime sources. The unit has no
// external requirements, so building it never touches the network.
func WriteUnit(dir string, mainSrc []byte) error {
	rtDir := filepath.Join(dir, "flowrt")
	if err := os.MkdirAll(rtDir, 0o755); err != nil {
		return fmt.Errorf("create unit: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte(goMod), 0o644); err != nil {
		return fmt.Errorf("write go.mod: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.go"), mainSrc, 0o644); err != nil {
		return fmt.Errorf("write main.go: %w", err)
	}
	for _, name := range flowrt.SourceFiles {
		data, err := fs.ReadFile(flowrt.Sources, name)
		if err != nil {
			return fmt.Errorf("read runtime %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(rtDir, name), data, 0o644); err != nil {
			return fmt.Errorf("write runtime %s: %w", name, err)
		}
	}
	return nil
}
