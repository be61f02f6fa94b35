package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weavster/flowc/internal/flowerr"
	"github.com/weavster/flowc/internal/testutil"
)

var (
	fpA = strings.Repeat("a", 64)
	fpB = strings.Repeat("b", 64)
)

func createTestIndex(t *testing.T, opts ...IndexOption) *Index {
	t.Helper()
	ix, err := OpenIndex(filepath.Join(t.TempDir(), IndexFile), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestDirPutGet(t *testing.T) {
	d, err := Open(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)

	_, ok, err := d.Get(fpA)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Put(fpA, []byte("\x00asm")))
	data, ok, err := d.Get(fpA)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("\x00asm"), data)
	assert.Equal(t, filepath.Join(d.Root(), fpA+".wasm"), d.Path(fpA))

	// overwrite is idempotent
	require.NoError(t, d.Put(fpA, []byte("\x00asm2")))
	data, _, err = d.Get(fpA)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x00asm2"), data)

	// no temp files left behind
	entries, err := os.ReadDir(d.Root())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), e.Name())
	}
}

func TestDirRejectsBadFingerprint(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)

	for _, fp := range []string{"", "../../etc/passwd", strings.Repeat("A", 64), fpA[:63]} {
		err := d.Put(fp, []byte("x"))
		require.Error(t, err, fp)
		assert.True(t, errors.Is(err, flowerr.ErrCache))

		_, _, err = d.Get(fp)
		assert.True(t, errors.Is(err, flowerr.ErrCache))
	}
}

func TestDirConcurrentPut(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)

	payload := []byte(strings.Repeat("module", 4096))
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Put(fpA, payload))
		}()
	}
	wg.Wait()

	data, ok, err := d.Get(fpA)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, data)
}

func TestDirSourceAndClean(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, d.WriteSource("orders", []byte("package main\n")))
	src, err := os.ReadFile(filepath.Join(d.Root(), "orders.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(src))

	assert.Equal(t, filepath.Join(d.Root(), "build_orders"), d.UnitDir("orders"))
	require.NoError(t, os.MkdirAll(filepath.Join(d.UnitDir("orders"), "flowrt"), 0o755))
	require.NoError(t, d.Put(fpA, []byte("x")))
	require.NoError(t, os.WriteFile(filepath.Join(d.Root(), IndexFile), nil, 0o644))

	removed, err := d.Clean()
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	entries, err := os.ReadDir(d.Root())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, IndexFile, entries[0].Name())
}

func TestOpenIndexIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), IndexFile)
	for i := 0; i < 3; i++ {
		ix, err := OpenIndex(path)
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, ix.Close())
	}
}

func TestIndexRecordAndList(t *testing.T) {
	clock := testutil.NewStepClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), time.Second)
	ix := createTestIndex(t, WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, ix.RecordBuild(ctx, Build{
		ID: "b1", Fingerprint: fpA, Flow: "orders", Size: 100,
		Duration: 1500 * time.Millisecond, CompilerVersion: "0.1.0",
	}))
	require.NoError(t, ix.RecordBuild(ctx, Build{
		ID: "b2", Fingerprint: fpB, Flow: "alerts", Size: 50,
		Duration: time.Second, CompilerVersion: "0.1.0",
	}))
	require.NoError(t, ix.RecordHit(ctx, fpA))
	require.NoError(t, ix.RecordHit(ctx, fpA))
	require.NoError(t, ix.RecordHit(ctx, strings.Repeat("c", 64)))

	entries, err := ix.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "alerts", entries[0].Flow)
	assert.Equal(t, 0, entries[0].Hits)

	orders := entries[1]
	assert.Equal(t, fpA, orders.Fingerprint)
	assert.Equal(t, "b1", orders.BuildID)
	assert.Equal(t, 100, orders.Size)
	assert.Equal(t, 1500*time.Millisecond, orders.Duration)
	assert.Equal(t, 2, orders.Hits)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC), orders.BuiltAt)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 9, 0, time.UTC), orders.LastUsedAt)
}

func TestIndexRebuildKeepsHits(t *testing.T) {
	ix := createTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.RecordBuild(ctx, Build{ID: "b1", Fingerprint: fpA, Flow: "orders", Size: 1}))
	require.NoError(t, ix.RecordHit(ctx, fpA))
	require.NoError(t, ix.RecordBuild(ctx, Build{ID: "b2", Fingerprint: fpA, Flow: "orders", Size: 2}))

	entries, err := ix.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b2", entries[0].BuildID)
	assert.Equal(t, 2, entries[0].Size)
	assert.Equal(t, 1, entries[0].Hits)

	n, err := ix.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	entries, err = ix.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNewBuildID(t *testing.T) {
	id, err := uuid.Parse(NewBuildID())
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
	assert.NotEqual(t, NewBuildID(), NewBuildID())
}

func TestAtDoesNotCreate(t *testing.T) {
	root := filepath.Join(t.TempDir(), "missing")
	d := At(root)

	_, ok, err := d.Get(fpA)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = os.Stat(root)
	assert.True(t, os.IsNotExist(err))
}
