package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/weavster/flowc/internal/cache"
)

// NewCacheCommand creates the cache command and its subcommands.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the module cache",
	}
	cmd.AddCommand(newCacheListCommand(rootOpts))
	cmd.AddCommand(newCacheCleanCommand(rootOpts))
	return cmd
}

func newCacheListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "ls",
		Short:         "List cached builds",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheList(rootOpts, cmd)
		},
	}
}

func newCacheCleanCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "clean",
		Short:         "Remove cached modules, sources, and build units",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheClean(rootOpts, cmd)
		},
	}
}

// CacheEntry is one row of `cache ls`.
type CacheEntry struct {
	cache.Entry
	// Present is false when the index lists a module whose file is gone.
	Present bool `json:"present"`
}

func openCache(opts *RootOptions) *cache.Dir {
	return cache.At(opts.Config.CacheDir)
}

func indexPath(opts *RootOptions) string {
	return filepath.Join(opts.Config.CacheDir, cache.IndexFile)
}

func runCacheList(opts *RootOptions, cmd *cobra.Command) error {
	formatter, err := opts.load(cmd)
	if err != nil {
		return err
	}

	entries := []CacheEntry{}
	if _, err := os.Stat(indexPath(opts)); err == nil {
		ix, err := cache.OpenIndex(indexPath(opts))
		if err != nil {
			_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
			return WrapExitError(ExitCommandError, "opening build index", err)
		}
		defer ix.Close()

		rows, err := ix.List(cmd.Context())
		if err != nil {
			_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
			return WrapExitError(ExitCommandError, "listing builds", err)
		}
		dir := openCache(opts)
		for _, row := range rows {
			_, statErr := os.Stat(dir.Path(row.Fingerprint))
			entries = append(entries, CacheEntry{Entry: row, Present: statErr == nil})
		}
	}

	if formatter.Format == "json" {
		return formatter.Success(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(formatter.Writer, "Cache is empty")
		return nil
	}
	fmt.Fprintf(formatter.Writer, "%-24s %-12s %10s %5s  %s\n", "FLOW", "FINGERPRINT", "SIZE", "HITS", "BUILT")
	for _, e := range entries {
		fp := e.Fingerprint[:12]
		if !e.Present {
			fp = "(missing)"
		}
		fmt.Fprintf(formatter.Writer, "%-24s %-12s %10s %5d  %s\n",
			e.Flow, fp, formatSize(e.Size), e.Hits, e.BuiltAt.Local().Format(time.DateTime))
	}
	return nil
}

func runCacheClean(opts *RootOptions, cmd *cobra.Command) error {
	formatter, err := opts.load(cmd)
	if err != nil {
		return err
	}

	removed, err := openCache(opts).Clean()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		_ = formatter.Error(errorCode(err), err.Error(), nil)
		return WrapExitError(ExitCommandError, "cleaning cache", err)
	}

	var cleared int64
	if _, err := os.Stat(indexPath(opts)); err == nil {
		ix, err := cache.OpenIndex(indexPath(opts))
		if err != nil {
			_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
			return WrapExitError(ExitCommandError, "opening build index", err)
		}
		defer ix.Close()
		if cleared, err = ix.Clear(cmd.Context()); err != nil {
			_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
			return WrapExitError(ExitCommandError, "clearing build index", err)
		}
	}

	if formatter.Format == "json" {
		return formatter.Success(map[string]any{"removed": removed, "index_entries": cleared})
	}
	fmt.Fprintf(formatter.Writer, "✓ Removed %d cache entries (%d index rows)\n", removed, cleared)
	return nil
}
