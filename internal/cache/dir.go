// Package cache stores compiled modules by fingerprint.
//
// Layout under the cache root:
//
//	<fingerprint>.wasm   compiled module
//	<name>.go            generated source (debug builds)
//	build_<name>/        scratch compilation unit
//	index.db             sqlite build ledger (see Index)
//
// Entries are written to a temporary file and renamed into place, so a
// reader sees either the whole module or nothing.
package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/weavster/flowc/internal/flowerr"
)

var fingerprintPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Dir is a content-addressed module cache rooted at a directory.
type Dir struct {
	root string
}

// Open creates the cache root if needed.
func Open(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, cacheError(err, "create cache directory", root)
	}
	return &Dir{root: root}, nil
}

// At returns the cache rooted at root without creating it. Reads of a
// missing root behave like an empty cache.
func At(root string) *Dir {
	return &Dir{root: root}
}

// Root returns the cache directory.
func (d *Dir) Root() string { return d.root }

// Path returns where the module for fp lives.
func (d *Dir) Path(fp string) string {
	return filepath.Join(d.root, fp+".wasm")
}

// Get returns the cached module for fp. A missing entry is (nil, false, nil).
func (d *Dir) Get(fp string) ([]byte, bool, error) {
	if err := checkFingerprint(fp); err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(d.Path(fp))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cacheError(err, "read entry", d.Path(fp))
	}
	return data, true, nil
}

// Put stores data as the module for fp.
func (d *Dir) Put(fp string, data []byte) error {
	if err := checkFingerprint(fp); err != nil {
		return err
	}
	return d.writeAtomic(d.Path(fp), data)
}

// WriteSource keeps the generated source of a flow for inspection.
func (d *Dir) WriteSource(name string, src []byte) error {
	return d.writeAtomic(filepath.Join(d.root, name+".go"), src)
}

// UnitDir returns the scratch compilation unit directory for a flow.
func (d *Dir) UnitDir(name string) string {
	return filepath.Join(d.root, "build_"+name)
}

// Clean removes every module, source, and unit. The index file is kept.
func (d *Dir) Clean() (int, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return 0, cacheError(err, "list cache", d.root)
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".wasm") && !strings.HasSuffix(name, ".go") && !strings.HasPrefix(name, "build_") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(d.root, name)); err != nil {
			return removed, cacheError(err, "remove", name)
		}
		removed++
	}
	return removed, nil
}

func (d *Dir) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(d.root, ".tmp-*")
	if err != nil {
		return cacheError(err, "create temp file", d.root)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return cacheError(err, "write", path)
	}
	if err := tmp.Close(); err != nil {
		return cacheError(err, "write", path)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return cacheError(err, "chmod", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return cacheError(err, "rename", path)
	}
	return nil
}

func checkFingerprint(fp string) error {
	if !fingerprintPattern.MatchString(fp) {
		return flowerr.New(flowerr.ErrCache, "invalid fingerprint %q", fp)
	}
	return nil
}

func cacheError(err error, op, path string) *flowerr.Error {
	e := flowerr.Wrap(flowerr.ErrCache, err, fmt.Sprintf("%s %s", op, path))
	return e
}
