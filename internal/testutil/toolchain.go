package testutil

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/weavster/flowc/internal/toolchain"
)

// WasmMagic starts every module the fake toolchain produces.
var WasmMagic = []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

// FakeToolchain implements toolchain.Toolchain without running the go
// command. Build writes the wasm magic followed by a digest of the unit's
// main.go, so distinct sources produce distinct modules.
//
// Thread-safety: safe for concurrent use.
type FakeToolchain struct {
	// EnsureErr is returned by EnsureTarget.
	EnsureErr error
	// BuildErr, if set, is returned by Build for every request.
	BuildErr func(req toolchain.BuildRequest) error
	// Gate, if set, blocks each Build until a value is received or the
	// context ends.
	Gate chan struct{}

	mu          sync.Mutex
	ensureCalls int
	builds      []toolchain.BuildRequest
	inflight    int
	maxInflight int
}

var _ toolchain.Toolchain = (*FakeToolchain)(nil)

// EnsureTarget records the call and returns EnsureErr, or the context's
// error when ctx is already done.
func (f *FakeToolchain) EnsureTarget(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls++
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.EnsureErr
}

// Build records req and writes a fake module to req.Output.
func (f *FakeToolchain) Build(ctx context.Context, req toolchain.BuildRequest) error {
	f.mu.Lock()
	f.builds = append(f.builds, req)
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if f.Gate != nil {
		select {
		case <-f.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.BuildErr != nil {
		if err := f.BuildErr(req); err != nil {
			return err
		}
	}

	src, err := os.ReadFile(filepath.Join(req.Dir, "main.go"))
	if err != nil {
		return fmt.Errorf("fake build: %w", err)
	}
	sum := sha256.Sum256(src)
	return os.WriteFile(req.Output, append(append([]byte{}, WasmMagic...), sum[:]...), 0o644)
}

// EnsureCalls returns how many times EnsureTarget ran.
func (f *FakeToolchain) EnsureCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ensureCalls
}

// Builds returns the recorded build requests in call order.
func (f *FakeToolchain) Builds() []toolchain.BuildRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]toolchain.BuildRequest(nil), f.builds...)
}

// MaxConcurrent returns the largest number of builds that ran at once.
func (f *FakeToolchain) MaxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInflight
}
