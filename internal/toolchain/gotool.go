package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/weavster/flowc/internal/flowerr"
)

// DefaultWaitDelay bounds how long a cancelled go command may keep its
// output pipes open through child processes before Build returns.
const DefaultWaitDelay = 5 * time.Second

// Go builds modules with the go command.
type Go struct {
	binary    string
	env       []string
	logger    *slog.Logger
	waitDelay time.Duration

	mu        sync.Mutex
	autoFetch bool
}

// GoOption configures a Go toolchain.
type GoOption func(*Go)

// WithBinary sets the go executable. Defaults to "go" on PATH.
func WithBinary(path string) GoOption {
	return func(g *Go) { g.binary = path }
}

// WithEnv adds environment variables (KEY=VALUE) to every invocation.
func WithEnv(env ...string) GoOption {
	return func(g *Go) { g.env = append(g.env, env...) }
}

// WithLogger sets the logger. Defaults to discarding.
func WithLogger(logger *slog.Logger) GoOption {
	return func(g *Go) { g.logger = logger }
}

// NewGo creates a Go toolchain.
func NewGo(opts ...GoOption) *Go {
	g := &Go{
		binary:    "go",
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		waitDelay: DefaultWaitDelay,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// EnsureTarget checks `go tool dist list` for wasip1/wasm. When the local
// toolchain predates the port it asks the go command to fetch MinimumGo
// through GOTOOLCHAIN and checks again. It does not retry.
func (g *Go) EnsureTarget(ctx context.Context) error {
	ok, err := g.hasTarget(ctx)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	g.logger.Info("wasip1/wasm target missing, fetching toolchain", "toolchain", MinimumGo)
	g.mu.Lock()
	g.autoFetch = true
	g.mu.Unlock()

	if _, stderr, err := g.run(ctx, "", nil, "version"); err != nil {
		return toolchainError(fmt.Sprintf("failed to install %s", MinimumGo), stderr, err)
	}
	ok, err = g.hasTarget(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return flowerr.New(flowerr.ErrToolchain, "target %s/%s is not available", TargetOS, TargetArch)
	}
	return nil
}

func (g *Go) hasTarget(ctx context.Context) (bool, error) {
	stdout, stderr, err := g.run(ctx, "", nil, "tool", "dist", "list")
	if err != nil {
		return false, toolchainError("go tool dist list failed", stderr, err)
	}
	want := TargetOS + "/" + TargetArch
	for _, line := range strings.Split(string(stdout), "\n") {
		if strings.TrimSpace(line) == want {
			return true, nil
		}
	}
	return false, nil
}

// Build runs go build for the target platform. A failed build returns an
// ErrCompilation carrying the compiler's stderr verbatim.
func (g *Go) Build(ctx context.Context, req BuildRequest) error {
	args := append([]string{"build", "-o", req.Output}, BuildFlags(req.OptLevel)...)
	args = append(args, ".")
	env := []string{
		"GOOS=" + TargetOS,
		"GOARCH=" + TargetArch,
		"CGO_ENABLED=0",
		"GOWORK=off",
		"GOFLAGS=-mod=mod",
	}

	g.logger.Debug("go build", "dir", req.Dir, "args", args)
	_, stderr, err := g.run(ctx, req.Dir, env, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return flowerr.Compilation("build cancelled", string(stderr), ctxErr)
		}
		var notFound *exec.Error
		if errors.As(err, &notFound) {
			return toolchainError("go command not found", stderr, err)
		}
		return flowerr.Compilation("go build failed", string(stderr), err)
	}
	return nil
}

func (g *Go) run(ctx context.Context, dir string, env []string, args ...string) (stdout, stderr []byte, err error) {
	cmd := exec.CommandContext(ctx, g.binary, args...)
	cmd.Dir = dir
	cmd.WaitDelay = g.waitDelay
	cmd.Env = append(os.Environ(), g.env...)
	g.mu.Lock()
	if g.autoFetch {
		cmd.Env = append(cmd.Env, "GOTOOLCHAIN="+MinimumGo+"+auto")
	}
	g.mu.Unlock()
	cmd.Env = append(cmd.Env, env...)

	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	err = cmd.Run()
	return out.Bytes(), errOut.Bytes(), err
}

func toolchainError(msg string, stderr []byte, cause error) *flowerr.Error {
	e := flowerr.Wrap(flowerr.ErrToolchain, cause, msg)
	e.Stderr = string(stderr)
	return e
}
