// Package compiler turns flow descriptions into WASM modules.
//
// A compilation parses the flow, loads its artifacts, and computes the
// fingerprint. A cached module for that fingerprint is returned as is.
// Otherwise the generated program is written into a scratch unit under the
// cache directory, built with the toolchain, and stored under the
// fingerprint.
//
// Builds are deduplicated per fingerprint: concurrent requests for the same
// flow content share one toolchain run. Scratch units are named after the
// flow, so units of the same name are serialized.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/weavster/flowc/internal/cache"
	"github.com/weavster/flowc/internal/codegen"
	"github.com/weavster/flowc/internal/flowerr"
	"github.com/weavster/flowc/internal/ir"
	"github.com/weavster/flowc/internal/metrics"
	"github.com/weavster/flowc/internal/parser"
	"github.com/weavster/flowc/internal/toolchain"
)

// moduleFile is the build output inside a scratch unit.
const moduleFile = "module.wasm"

// Compiler compiles flows. It is safe for concurrent use.
type Compiler struct {
	opts    Options
	tc      toolchain.Toolchain
	gen     *codegen.Generator
	cache   *cache.Dir
	index   *cache.Index
	logger  *slog.Logger
	metrics *metrics.Metrics
	newID   func() string

	ensureMu  sync.Mutex
	ensured   bool
	ensureErr error

	flights   singleflight.Group
	unitLocks sync.Map // flow name -> *sync.Mutex
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithLogger sets the logger. Defaults to discarding output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Compiler) { c.logger = logger }
}

// WithMetrics records compilations into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Compiler) { c.metrics = m }
}

// WithIndex records builds and cache hits in ix. The caller owns ix.
func WithIndex(ix *cache.Index) Option {
	return func(c *Compiler) { c.index = ix }
}

// WithBuildIDs sets the build id source. Defaults to cache.NewBuildID.
func WithBuildIDs(next func() string) Option {
	return func(c *Compiler) { c.newID = next }
}

// New validates opts and opens the cache directory.
func New(opts Options, tc toolchain.Toolchain, options ...Option) (*Compiler, error) {
	if tc == nil {
		return nil, errors.New("compiler: toolchain is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("compiler: %w", err)
	}
	dir, err := cache.Open(opts.CacheDir)
	if err != nil {
		return nil, err
	}

	var genOpts []codegen.Option
	if opts.Debug {
		genOpts = append(genOpts, codegen.WithDebugComments())
	}
	c := &Compiler{
		opts:   opts,
		tc:     tc,
		gen:    codegen.New(genOpts...),
		cache:  dir,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		newID:  cache.NewBuildID,
	}
	for _, o := range options {
		o(c)
	}
	return c, nil
}

// Options returns the options the compiler was created with.
func (c *Compiler) Options() Options { return c.opts }

// Cache returns the module cache.
func (c *Compiler) Cache() *cache.Dir { return c.cache }

// CompileFile compiles the flow description at path.
func (c *Compiler) CompileFile(ctx context.Context, path string) (*CompiledFlow, error) {
	f, err := parser.ParseFile(path)
	if err != nil {
		c.metrics.Failed(string(flowerr.KindOf(err)))
		return nil, err
	}
	out, err := c.compile(ctx, f)
	if err != nil {
		return nil, flowerr.Annotate(err, f.Name, path)
	}
	out.SourcePath = path
	return out, nil
}

// CompileIR compiles an already parsed flow. File-backed artifacts are
// loaded from the artifacts directory; f itself is not modified.
func (c *Compiler) CompileIR(ctx context.Context, f *ir.Flow) (*CompiledFlow, error) {
	if f == nil {
		return nil, flowerr.New(flowerr.ErrGeneration, "nil flow")
	}
	out, err := c.compile(ctx, f)
	if err != nil {
		return nil, flowerr.Annotate(err, f.Name, "")
	}
	return out, nil
}

// Fingerprint loads f's artifacts and returns its content fingerprint,
// the cache key CompileIR would use.
func (c *Compiler) Fingerprint(f *ir.Flow) (string, error) {
	resolved, err := c.resolve(f)
	if err != nil {
		return "", err
	}
	return ir.Fingerprint(resolved)
}

func (c *Compiler) compile(ctx context.Context, f *ir.Flow) (*CompiledFlow, error) {
	out, err := c.compileFlow(ctx, f)
	if err != nil {
		c.metrics.Failed(string(flowerr.KindOf(err)))
		return nil, err
	}
	if out.Cached {
		c.metrics.Compiled(metrics.ResultCached)
	} else {
		c.metrics.Compiled(metrics.ResultBuilt)
	}
	return out, nil
}

func (c *Compiler) compileFlow(ctx context.Context, f *ir.Flow) (*CompiledFlow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resolved, err := c.resolve(f)
	if err != nil {
		return nil, err
	}
	fp, err := ir.Fingerprint(resolved)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.ErrGeneration, err, "fingerprint")
	}
	logger := c.logger.With("flow", f.Name, "fingerprint", fp[:12])

	if !c.opts.Force {
		module, ok, err := c.cache.Get(fp)
		if err != nil {
			return nil, err
		}
		if ok {
			logger.Debug("cache hit", "size", len(module))
			c.metrics.CacheHit()
			c.recordHit(ctx, logger, fp)
			return &CompiledFlow{Name: f.Name, Module: module, Fingerprint: fp, Cached: true}, nil
		}
	}
	c.metrics.CacheMiss()

	if err := c.ensureTarget(ctx); err != nil {
		return nil, err
	}

	v, err, shared := c.flights.Do(fp, func() (any, error) {
		return c.build(ctx, logger, resolved, fp)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logger.Debug("shared build result")
	}
	built := v.(*CompiledFlow)
	return &CompiledFlow{
		Name:        built.Name,
		Module:      built.Module,
		Fingerprint: built.Fingerprint,
		Cached:      built.Cached,
	}, nil
}

// resolve returns a copy of f with its file-backed artifacts loaded.
func (c *Compiler) resolve(f *ir.Flow) (*ir.Flow, error) {
	resolved := *f
	resolved.Artifacts = append([]ir.Artifact(nil), f.Artifacts...)
	if err := parser.ResolveArtifacts(&resolved, ArtifactLoader(c.opts.ArtifactsDir)); err != nil {
		return nil, err
	}
	return &resolved, nil
}

// ArtifactLoader reads artifact files relative to dir. Paths that leave
// dir are reported as missing.
func ArtifactLoader(dir string) parser.LoadFunc {
	return func(path string) ([]byte, error) {
		if !filepath.IsLocal(path) {
			return nil, fmt.Errorf("artifact path %q is outside the artifacts directory: %w", path, fs.ErrNotExist)
		}
		return os.ReadFile(filepath.Join(dir, path))
	}
}

// ensureTarget checks the toolchain once per Compiler. The outcome is
// remembered and returned to every later caller, unless the check ended
// because ctx did.
func (c *Compiler) ensureTarget(ctx context.Context) error {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	if c.ensured {
		return c.ensureErr
	}

	c.logger.Debug("checking toolchain target", "target", toolchain.TargetOS+"/"+toolchain.TargetArch)
	err := c.tc.EnsureTarget(ctx)
	if err != nil && ctx.Err() != nil {
		return err
	}
	if err != nil {
		c.logger.Error("toolchain unavailable", "error", err)
	}
	c.ensured = true
	c.ensureErr = err
	return err
}

func (c *Compiler) build(ctx context.Context, logger *slog.Logger, f *ir.Flow, fp string) (*CompiledFlow, error) {
	// Another flight may have finished while this one waited to start.
	if !c.opts.Force {
		if module, ok, err := c.cache.Get(fp); err == nil && ok {
			return &CompiledFlow{Name: f.Name, Module: module, Fingerprint: fp, Cached: true}, nil
		}
	}

	src, err := c.gen.Generate(f)
	if err != nil {
		return nil, err
	}
	if c.opts.Debug {
		if err := c.cache.WriteSource(f.Name, src); err != nil {
			return nil, err
		}
	}

	unlock := c.lockUnit(f.Name)
	defer unlock()

	unitDir := c.cache.UnitDir(f.Name)
	if err := os.RemoveAll(unitDir); err != nil {
		return nil, flowerr.Wrap(flowerr.ErrCache, err, "remove stale build unit")
	}
	if err := toolchain.WriteUnit(unitDir, src); err != nil {
		return nil, err
	}

	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	logger.Info("building module", "opt_level", c.opts.OptLevel)
	start := time.Now()
	done := c.metrics.BuildStarted()
	output := filepath.Join(unitDir, moduleFile)
	err = c.tc.Build(ctx, toolchain.BuildRequest{Dir: unitDir, Output: output, OptLevel: c.opts.OptLevel})

	var module []byte
	if err == nil {
		module, err = os.ReadFile(output)
		if err != nil {
			err = flowerr.Wrap(flowerr.ErrIO, err, "read built module")
		}
	}
	done(len(module))
	if !c.opts.Debug || ctx.Err() != nil {
		if rmErr := os.RemoveAll(unitDir); rmErr != nil {
			logger.Warn("failed to remove build unit", "dir", unitDir, "error", rmErr)
		}
	}
	if err != nil {
		logger.Error("build failed", "error", err)
		return nil, err
	}

	if err := c.cache.Put(fp, module); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	logger.Info("module built", "size", len(module), "duration", elapsed)
	c.recordBuild(ctx, logger, cache.Build{
		ID:              c.newID(),
		Fingerprint:     fp,
		Flow:            f.Name,
		Size:            len(module),
		Duration:        elapsed,
		CompilerVersion: ir.CompilerVersion,
	})
	return &CompiledFlow{Name: f.Name, Module: module, Fingerprint: fp}, nil
}

func (c *Compiler) lockUnit(name string) func() {
	v, _ := c.unitLocks.LoadOrStore(name, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// The index is a ledger; failing to update it never fails a compilation.

func (c *Compiler) recordBuild(ctx context.Context, logger *slog.Logger, b cache.Build) {
	if c.index == nil {
		return
	}
	if err := c.index.RecordBuild(ctx, b); err != nil {
		logger.Warn("failed to record build", "error", err)
	}
}

func (c *Compiler) recordHit(ctx context.Context, logger *slog.Logger, fp string) {
	if c.index == nil {
		return
	}
	if err := c.index.RecordHit(ctx, fp); err != nil {
		logger.Warn("failed to record cache hit", "error", err)
	}
}
