package compiler

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weavster/flowc/internal/cache"
	"github.com/weavster/flowc/internal/flowerr"
	"github.com/weavster/flowc/internal/ir"
	"github.com/weavster/flowc/internal/metrics"
	"github.com/weavster/flowc/internal/parser"
	"github.com/weavster/flowc/internal/testutil"
	"github.com/weavster/flowc/internal/toolchain"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	opts := DefaultOptions().Rebase(t.TempDir())
	opts.Jobs = 2
	return opts
}

func newTestCompiler(t *testing.T, opts Options, tc toolchain.Toolchain, extra ...Option) *Compiler {
	t.Helper()
	c, err := New(opts, tc, append([]Option{WithLogger(testutil.NewLogger(t))}, extra...)...)
	require.NoError(t, err)
	return c
}

func namedFlow(name string) string {
	return "name: " + name + "\ninput: kafka." + name + "\ntransforms:\n  - add_fields: {flow: " + name + "}\noutputs: [sink]\n"
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, ".weavster/output", opts.OutputDir)
	assert.Equal(t, ".weavster/cache", opts.CacheDir)
	assert.Equal(t, "artifacts", opts.ArtifactsDir)
	assert.Equal(t, "s", opts.OptLevel)
	assert.Equal(t, 10*time.Minute, opts.Timeout)
	assert.Equal(t, FailFast, opts.Mode)
	assert.Positive(t, opts.Jobs)
	assert.NoError(t, opts.Validate())

	rebased := opts.Rebase("/srv/project")
	assert.Equal(t, filepath.Join("/srv/project", ".weavster/cache"), rebased.CacheDir)
	assert.Equal(t, filepath.Join("/srv/project", "artifacts"), rebased.ArtifactsDir)
}

func TestOptionsValidate(t *testing.T) {
	opts := DefaultOptions()
	opts.OptLevel = "4"
	assert.ErrorContains(t, opts.Validate(), "optimization level")

	opts = DefaultOptions()
	opts.CacheDir = ""
	assert.Error(t, opts.Validate())

	opts = DefaultOptions()
	opts.Timeout = -time.Second
	assert.Error(t, opts.Validate())

	_, err := New(Options{CacheDir: t.TempDir(), OptLevel: "fast"}, &testutil.FakeToolchain{})
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{FailFast, CollectAll} {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMode("sometimes")
	assert.Error(t, err)
}

func TestCompileFileBuildsThenHitsCache(t *testing.T) {
	tc := &testutil.FakeToolchain{}
	opts := testOptions(t)
	c := newTestCompiler(t, opts, tc)
	path := testutil.WriteFile(t, t.TempDir(), "orders.yaml", testutil.OrdersFlow)
	ctx := context.Background()

	first, err := c.CompileFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "orders", first.Name)
	assert.False(t, first.Cached)
	assert.Equal(t, path, first.SourcePath)
	assert.True(t, bytes.HasPrefix(first.Module, testutil.WasmMagic))
	assert.Len(t, first.Fingerprint, 64)

	builds := tc.Builds()
	require.Len(t, builds, 1)
	assert.Equal(t, filepath.Join(opts.CacheDir, "build_orders"), builds[0].Dir)
	assert.Equal(t, "s", builds[0].OptLevel)

	cached, err := os.ReadFile(filepath.Join(opts.CacheDir, first.Fingerprint+".wasm"))
	require.NoError(t, err)
	assert.Equal(t, first.Module, cached)

	// scratch unit is gone outside debug mode
	_, err = os.Stat(filepath.Join(opts.CacheDir, "build_orders"))
	assert.True(t, os.IsNotExist(err))

	second, err := c.CompileFile(ctx, path)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Module, second.Module)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Len(t, tc.Builds(), 1)
	assert.Equal(t, 1, tc.EnsureCalls())

	// the compiler never writes to the output directory
	_, err = os.Stat(opts.OutputDir)
	assert.True(t, os.IsNotExist(err))
}

func TestCompileForceRebuilds(t *testing.T) {
	tc := &testutil.FakeToolchain{}
	opts := testOptions(t)
	path := testutil.WriteFile(t, t.TempDir(), "orders.yaml", testutil.OrdersFlow)

	_, err := newTestCompiler(t, opts, tc).CompileFile(context.Background(), path)
	require.NoError(t, err)

	opts.Force = true
	out, err := newTestCompiler(t, opts, tc).CompileFile(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, out.Cached)
	assert.Len(t, tc.Builds(), 2)
}

func TestCompileChangedFlowMissesCache(t *testing.T) {
	tc := &testutil.FakeToolchain{}
	c := newTestCompiler(t, testOptions(t), tc)
	ctx := context.Background()

	a, err := parser.Parse([]byte(testutil.OrdersFlow))
	require.NoError(t, err)
	b, err := parser.Parse([]byte(strings.Replace(testutil.OrdersFlow, "Germany", "Deutschland", 1)))
	require.NoError(t, err)

	outA, err := c.CompileIR(ctx, a)
	require.NoError(t, err)
	outB, err := c.CompileIR(ctx, b)
	require.NoError(t, err)

	assert.NotEqual(t, outA.Fingerprint, outB.Fingerprint)
	assert.False(t, outB.Cached)
	assert.Len(t, tc.Builds(), 2)
	assert.Empty(t, outA.SourcePath)
}

func TestCompileDebugKeepsSources(t *testing.T) {
	tc := &testutil.FakeToolchain{}
	opts := testOptions(t)
	opts.Debug = true
	c := newTestCompiler(t, opts, tc)

	f, err := parser.Parse([]byte(testutil.AlertsFlow))
	require.NoError(t, err)
	_, err = c.CompileIR(context.Background(), f)
	require.NoError(t, err)

	src, err := os.ReadFile(filepath.Join(opts.CacheDir, "alerts.go"))
	require.NoError(t, err)
	assert.Contains(t, string(src), "// transforms[0]: filter")

	for _, name := range []string{"go.mod", "main.go", "flowrt/serve.go"} {
		_, err := os.Stat(filepath.Join(opts.CacheDir, "build_alerts", name))
		assert.NoError(t, err, name)
	}
}

func TestCompileLoadsArtifactFiles(t *testing.T) {
	tc := &testutil.FakeToolchain{}
	opts := testOptions(t)
	testutil.WriteFile(t, opts.ArtifactsDir, "rates.csv", "currency,rate\nEUR,0.92\nGBP,0.79\n")
	c := newTestCompiler(t, opts, tc)

	flow := `name: fx
input: kafka.payments
transforms:
  - lookup: {field: currency, table: rates, output: rate}
artifacts:
  - name: rates
    path: rates.csv
`
	f, err := parser.Parse([]byte(flow))
	require.NoError(t, err)
	require.False(t, f.Artifacts[0].Loaded())

	out, err := c.CompileIR(context.Background(), f)
	require.NoError(t, err)
	assert.False(t, f.Artifacts[0].Loaded(), "input flow must not be modified")

	fp, err := c.Fingerprint(f)
	require.NoError(t, err)
	assert.Equal(t, out.Fingerprint, fp)

	// changing the artifact file changes the fingerprint
	testutil.WriteFile(t, opts.ArtifactsDir, "rates.csv", "currency,rate\nEUR,0.93\n")
	fp2, err := c.Fingerprint(f)
	require.NoError(t, err)
	assert.NotEqual(t, fp, fp2)
}

func TestCompileArtifactErrors(t *testing.T) {
	c := newTestCompiler(t, testOptions(t), &testutil.FakeToolchain{})

	for _, path := range []string{"missing.csv", "../outside.csv", "/etc/hosts"} {
		flow := "name: fx\ninput: kafka.p\nartifacts:\n  - name: rates\n    kind: lookup_table\n    path: " + path + "\n"
		f, err := parser.Parse([]byte(flow))
		require.NoError(t, err, path)

		_, err = c.CompileIR(context.Background(), f)
		require.Error(t, err, path)
		assert.True(t, errors.Is(err, flowerr.ErrArtifactNotFound), "%s: %v", path, err)
	}
}

func TestCompileToolchainUnavailable(t *testing.T) {
	tc := &testutil.FakeToolchain{EnsureErr: flowerr.New(flowerr.ErrToolchain, "target wasip1/wasm is not available")}
	c := newTestCompiler(t, testOptions(t), tc)
	path := testutil.WriteFile(t, t.TempDir(), "alerts.yaml", testutil.AlertsFlow)

	for range 2 {
		_, err := c.CompileFile(context.Background(), path)
		require.Error(t, err)
		assert.True(t, errors.Is(err, flowerr.ErrToolchain))
	}
	assert.Equal(t, 1, tc.EnsureCalls(), "target check is not retried")
	assert.Empty(t, tc.Builds())
}

func TestCompileBuildFailure(t *testing.T) {
	stderr := "./main.go:12:2: undefined: flowrt.Nope\n"
	tc := &testutil.FakeToolchain{BuildErr: func(toolchain.BuildRequest) error {
		return flowerr.Compilation("go build failed", stderr, errors.New("exit status 1"))
	}}
	opts := testOptions(t)
	c := newTestCompiler(t, opts, tc)
	path := testutil.WriteFile(t, t.TempDir(), "alerts.yaml", testutil.AlertsFlow)

	_, err := c.CompileFile(context.Background(), path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, flowerr.ErrCompilation))

	var fe *flowerr.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, stderr, fe.Stderr)
	assert.Equal(t, "alerts", fe.Flow)
	assert.Equal(t, path, fe.Path)

	entries, err := os.ReadDir(opts.CacheDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".wasm"), "failed build must not be cached: %s", e.Name())
		assert.False(t, strings.HasPrefix(e.Name(), "build_"), "unit must be removed: %s", e.Name())
	}
}

func TestCompileTimeout(t *testing.T) {
	tc := &testutil.FakeToolchain{Gate: make(chan struct{})}
	opts := testOptions(t)
	opts.Timeout = 20 * time.Millisecond
	c := newTestCompiler(t, opts, tc)
	path := testutil.WriteFile(t, t.TempDir(), "alerts.yaml", testutil.AlertsFlow)

	_, err := c.CompileFile(context.Background(), path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	_, err = os.Stat(filepath.Join(opts.CacheDir, "build_alerts"))
	assert.True(t, os.IsNotExist(err))
}

func TestCompileCancelledBeforeStart(t *testing.T) {
	tc := &testutil.FakeToolchain{}
	c := newTestCompiler(t, testOptions(t), tc)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f, err := parser.Parse([]byte(testutil.AlertsFlow))
	require.NoError(t, err)
	_, err = c.CompileIR(ctx, f)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, tc.Builds())
}

func TestCompileSameFingerprintBuildsOnce(t *testing.T) {
	tc := &testutil.FakeToolchain{Gate: make(chan struct{})}
	c := newTestCompiler(t, testOptions(t), tc)
	f, err := parser.Parse([]byte(testutil.OrdersFlow))
	require.NoError(t, err)

	const callers = 4
	results := make([]*CompiledFlow, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.CompileIR(context.Background(), f)
		}()
	}

	require.Eventually(t, func() bool { return len(tc.Builds()) == 1 }, time.Second, time.Millisecond)
	close(tc.Gate)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Module, results[i].Module)
	}
	assert.Len(t, tc.Builds(), 1)
}

func TestCompileRecordsIndex(t *testing.T) {
	opts := testOptions(t)
	ix, err := cache.OpenIndex(filepath.Join(t.TempDir(), cache.IndexFile))
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })

	ids := testutil.NewSequentialIDs("")
	c := newTestCompiler(t, opts, &testutil.FakeToolchain{}, WithIndex(ix), WithBuildIDs(ids.Next))
	path := testutil.WriteFile(t, t.TempDir(), "orders.yaml", testutil.OrdersFlow)
	ctx := context.Background()

	built, err := c.CompileFile(ctx, path)
	require.NoError(t, err)
	_, err = c.CompileFile(ctx, path)
	require.NoError(t, err)

	entries, err := ix.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "orders", entries[0].Flow)
	assert.Equal(t, built.Fingerprint, entries[0].Fingerprint)
	assert.Equal(t, "build-1", entries[0].BuildID)
	assert.Equal(t, built.Size(), entries[0].Size)
	assert.Equal(t, ir.CompilerVersion, entries[0].CompilerVersion)
	assert.Equal(t, 1, entries[0].Hits)
}

func TestCompileRecordsMetrics(t *testing.T) {
	m := metrics.New()
	c := newTestCompiler(t, testOptions(t), &testutil.FakeToolchain{}, WithMetrics(m))
	dir := t.TempDir()
	good := testutil.WriteFile(t, dir, "alerts.yaml", testutil.AlertsFlow)
	bad := testutil.WriteFile(t, dir, "bad.yaml", "name: bad\n")
	ctx := context.Background()

	_, err := c.CompileFile(ctx, good)
	require.NoError(t, err)
	_, err = c.CompileFile(ctx, good)
	require.NoError(t, err)
	_, err = c.CompileFile(ctx, bad)
	require.Error(t, err)

	expected := `
# HELP flowc_cache_hits_total Compilations served from the module cache
# TYPE flowc_cache_hits_total counter
flowc_cache_hits_total 1
# HELP flowc_cache_misses_total Compilations that had to invoke the toolchain
# TYPE flowc_cache_misses_total counter
flowc_cache_misses_total 1
# HELP flowc_compilations_total Flow compilations by result (built, cached, failed)
# TYPE flowc_compilations_total counter
flowc_compilations_total{result="built"} 1
flowc_compilations_total{result="cached"} 1
flowc_compilations_total{result="failed"} 1
`
	require.NoError(t, promtestutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"flowc_cache_hits_total", "flowc_cache_misses_total", "flowc_compilations_total"))
}

func TestFindFlowFiles(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteFile(t, dir, "b.yml", testutil.AlertsFlow)
	testutil.WriteFile(t, dir, "a.yaml", testutil.OrdersFlow)
	testutil.WriteFile(t, dir, "nested/c.yaml", namedFlow("c"))
	testutil.WriteFile(t, dir, ".hidden/d.yaml", namedFlow("d"))
	testutil.WriteFile(t, dir, "README.md", "# flows\n")

	files, err := FindFlowFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.yaml"),
		filepath.Join(dir, "b.yml"),
		filepath.Join(dir, "nested", "c.yaml"),
	}, files)

	_, err = FindFlowFiles(filepath.Join(dir, "missing"))
	assert.True(t, errors.Is(err, flowerr.ErrIO))
}

func TestCompileAll(t *testing.T) {
	tc := &testutil.FakeToolchain{Gate: make(chan struct{})}
	opts := testOptions(t)
	opts.Jobs = 2
	c := newTestCompiler(t, opts, tc)

	dir := t.TempDir()
	names := []string{"delta", "alpha", "charlie", "bravo", "echo"}
	for _, name := range names {
		testutil.WriteFile(t, dir, name+".yaml", namedFlow(name))
	}

	go func() {
		for range names {
			tc.Gate <- struct{}{}
		}
	}()
	results, err := c.CompileAll(context.Background(), dir)
	require.NoError(t, err)

	got := make([]string, len(results))
	for i, r := range results {
		got[i] = r.Name
	}
	assert.Equal(t, []string{"alpha", "bravo", "charlie", "delta", "echo"}, got)
	assert.Len(t, tc.Builds(), len(names))
	assert.LessOrEqual(t, tc.MaxConcurrent(), 2)
}

func TestCompileAllEmpty(t *testing.T) {
	c := newTestCompiler(t, testOptions(t), &testutil.FakeToolchain{})
	results, err := c.CompileAll(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCompileAllFailFast(t *testing.T) {
	tc := &testutil.FakeToolchain{}
	opts := testOptions(t)
	opts.Jobs = 1
	c := newTestCompiler(t, opts, tc)

	dir := t.TempDir()
	testutil.WriteFile(t, dir, "a.yaml", "name: a\ninput: [not, a, string]\n")
	testutil.WriteFile(t, dir, "b.yaml", namedFlow("b"))

	results, err := c.CompileAll(context.Background(), dir)
	require.Error(t, err)
	assert.Nil(t, results)
	assert.True(t, errors.Is(err, flowerr.ErrParse), "%v", err)
	assert.False(t, IsBatchError(err))
	assert.Empty(t, tc.Builds(), "remaining flows are cancelled")
}

func TestCompileAllCollectAll(t *testing.T) {
	tc := &testutil.FakeToolchain{}
	opts := testOptions(t)
	opts.Mode = CollectAll
	c := newTestCompiler(t, opts, tc)

	dir := t.TempDir()
	bad := testutil.WriteFile(t, dir, "a.yaml", "name: a\ninput: [not, a, string]\n")
	testutil.WriteFile(t, dir, "b.yaml", namedFlow("b"))
	missing := testutil.WriteFile(t, dir, "c.yaml", "name: c\ninput: kafka.c\nartifacts:\n  - {name: t, kind: lookup_table, path: nope.csv}\n")
	testutil.WriteFile(t, dir, "d.yaml", namedFlow("d"))

	results, err := c.CompileAll(context.Background(), dir)
	require.Error(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "b", results[0].Name)
	assert.Equal(t, "d", results[1].Name)

	var batch *BatchError
	require.True(t, errors.As(err, &batch))
	assert.Equal(t, 4, batch.Total)
	require.Len(t, batch.Failures, 2)
	assert.Equal(t, bad, batch.Failures[0].Path)
	assert.Equal(t, missing, batch.Failures[1].Path)
	assert.True(t, errors.Is(err, flowerr.ErrParse))
	assert.True(t, errors.Is(err, flowerr.ErrArtifactNotFound))
	assert.Contains(t, err.Error(), "2 of 4 flows failed")
}

func TestCompileAllToolchainFailureNamesEachFlow(t *testing.T) {
	tc := &testutil.FakeToolchain{EnsureErr: flowerr.New(flowerr.ErrToolchain, "target wasip1/wasm is not available")}
	opts := testOptions(t)
	opts.Jobs = 1
	opts.Mode = CollectAll
	c := newTestCompiler(t, opts, tc)

	dir := t.TempDir()
	a := testutil.WriteFile(t, dir, "a.yaml", namedFlow("a"))
	b := testutil.WriteFile(t, dir, "b.yaml", namedFlow("b"))

	_, err := c.CompileAll(context.Background(), dir)
	var batch *BatchError
	require.True(t, errors.As(err, &batch))
	require.Len(t, batch.Failures, 2)

	for i, want := range []struct{ flow, path string }{{"a", a}, {"b", b}} {
		var fe *flowerr.Error
		require.True(t, errors.As(batch.Failures[i].Err, &fe))
		assert.Equal(t, flowerr.ErrToolchain, fe.Kind)
		assert.Equal(t, want.flow, fe.Flow)
		assert.Equal(t, want.path, fe.Path)
	}
	assert.Equal(t, 1, tc.EnsureCalls())
}

func TestEnsureTargetNotRememberedWhenCancelled(t *testing.T) {
	tc := &testutil.FakeToolchain{}
	c := newTestCompiler(t, testOptions(t), tc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, c.ensureTarget(ctx), context.Canceled)

	path := testutil.WriteFile(t, t.TempDir(), "alerts.yaml", testutil.AlertsFlow)
	_, err := c.CompileFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, tc.EnsureCalls())

	other := testutil.WriteFile(t, t.TempDir(), "other.yaml", namedFlow("other"))
	_, err = c.CompileFile(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, 2, tc.EnsureCalls(), "a completed check is remembered")
	assert.Len(t, tc.Builds(), 2)
}

func TestCompiledFlowSave(t *testing.T) {
	out := &CompiledFlow{Name: "orders", Module: []byte("\x00asm\x01\x00\x00\x00")}
	assert.Equal(t, 8, out.Size())

	path := filepath.Join(t.TempDir(), "output", "orders.wasm")
	require.NoError(t, out.Save(path))
	require.NoError(t, out.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, out.Module, data)

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	err = out.Save(filepath.Join(blocker, "orders.wasm"))
	assert.True(t, errors.Is(err, flowerr.ErrIO))
}
