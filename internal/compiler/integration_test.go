package compiler

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weavster/flowc/internal/testutil"
	"github.com/weavster/flowc/internal/toolchain"
)

// TestRealToolchain builds every fixture with the installed go command.
// It downloads modules and can take a while, so it only runs when
// FLOWC_TOOLCHAIN_TESTS=1.
func TestRealToolchain(t *testing.T) {
	if os.Getenv("FLOWC_TOOLCHAIN_TESTS") != "1" {
		t.Skip("set FLOWC_TOOLCHAIN_TESTS=1 to build with the go toolchain")
	}

	opts := testOptions(t)
	opts.Debug = true
	opts.Timeout = 5 * time.Minute
	tc := toolchain.NewGo(toolchain.WithLogger(testutil.NewLogger(t)))
	c := newTestCompiler(t, opts, tc)

	dir := t.TempDir()
	testutil.WriteFile(t, dir, "orders.yaml", testutil.OrdersFlow)
	testutil.WriteFile(t, dir, "alerts.yaml", testutil.AlertsFlow)

	results, err := c.CompileAll(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, bytes.HasPrefix(r.Module, testutil.WasmMagic[:4]), r.Name)
		assert.False(t, r.Cached)
	}

	again, err := c.CompileAll(context.Background(), dir)
	require.NoError(t, err)
	for _, r := range again {
		assert.True(t, r.Cached, r.Name)
	}
}
