package compiler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/weavster/flowc/internal/flowerr"
)

// Failure is one flow that did not compile.
type Failure struct {
	Path string
	Err  error
}

// BatchError lists every failure of a CollectAll run.
type BatchError struct {
	Failures []Failure
	Total    int
}

func (e *BatchError) Error() string {
	if len(e.Failures) == 1 {
		return fmt.Sprintf("1 of %d flows failed: %v", e.Total, e.Failures[0].Err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d flows failed:", len(e.Failures), e.Total)
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "\n  %v", f.Err)
	}
	return b.String()
}

// Unwrap exposes each failure to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// FindFlowFiles returns every .yaml and .yml file under dir, sorted.
// Hidden directories are skipped.
func FindFlowFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		switch filepath.Ext(path) {
		case ".yaml", ".yml":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		e := flowerr.Wrap(flowerr.ErrIO, err, "scan flows")
		e.Path = dir
		return nil, e
	}
	sort.Strings(files)
	return files, nil
}

// CompileAll compiles every flow file under dir, running up to Jobs builds
// at once. Results are ordered by path.
//
// In FailFast mode the first failure cancels the remaining flows and is
// returned alone. In CollectAll mode every flow is attempted; the
// successes are returned together with a *BatchError when any failed.
func (c *Compiler) CompileAll(ctx context.Context, dir string) ([]*CompiledFlow, error) {
	paths, err := FindFlowFiles(dir)
	if err != nil {
		return nil, err
	}
	c.logger.Info("compiling flows", "dir", dir, "count", len(paths), "jobs", c.opts.jobs(), "mode", c.opts.Mode.String())
	if c.opts.Mode == CollectAll {
		return c.collectAll(ctx, paths)
	}
	return c.failFast(ctx, paths)
}

func (c *Compiler) failFast(ctx context.Context, paths []string) ([]*CompiledFlow, error) {
	results := make([]*CompiledFlow, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.jobs())
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := c.CompileFile(gctx, path)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Compiler) collectAll(ctx context.Context, paths []string) ([]*CompiledFlow, error) {
	results := make([]*CompiledFlow, len(paths))
	errs := make([]error, len(paths))
	var g errgroup.Group
	g.SetLimit(c.opts.jobs())
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			results[i], errs[i] = c.CompileFile(ctx, path)
			return nil
		})
	}
	_ = g.Wait()

	compiled := make([]*CompiledFlow, 0, len(paths))
	batch := &BatchError{Total: len(paths)}
	for i, path := range paths {
		if errs[i] != nil {
			batch.Failures = append(batch.Failures, Failure{Path: path, Err: errs[i]})
			continue
		}
		compiled = append(compiled, results[i])
	}
	if len(batch.Failures) > 0 {
		c.logger.Warn("some flows failed", "failed", len(batch.Failures), "total", batch.Total)
		return compiled, batch
	}
	return compiled, nil
}

// IsBatchError reports whether err is a partial CollectAll failure.
func IsBatchError(err error) bool {
	var be *BatchError
	return errors.As(err, &be)
}
