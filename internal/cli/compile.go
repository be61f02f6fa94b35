package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/weavster/flowc/internal/cache"
	"github.com/weavster/flowc/internal/compiler"
	"github.com/weavster/flowc/internal/flowerr"
	"github.com/weavster/flowc/internal/metrics"
)

// CompileOptions holds flags for the compile command. The values only
// register the flags; the effective settings come from the merged
// configuration.
type CompileOptions struct {
	*RootOptions
	Output      string
	Cache       string
	Opt         string
	Debug       bool
	Force       bool
	Jobs        int
	Timeout     time.Duration
	Mode        string
	GoBinary    string
	MetricsFile string
}

// CompiledModule is one entry of the compile command's JSON output.
type CompiledModule struct {
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
	Size        int    `json:"size"`
	Cached      bool   `json:"cached"`
	Source      string `json:"source,omitempty"`
	Output      string `json:"output"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile [flow-file|dir ...]",
		Short: "Compile flows to WASM modules",
		Long: `Compile flow descriptions into WebAssembly modules for wasip1.

Each module is saved as <output>/<flow name>.wasm. Modules are cached by
content fingerprint, so unchanged flows are not rebuilt. Without arguments
every flow under the configured flows directory is compiled.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output directory for modules")
	cmd.Flags().StringVar(&opts.Cache, "cache", "", "module cache directory")
	cmd.Flags().StringVar(&opts.Opt, "opt", "", "optimization level (0|1|2|3|s|z)")
	cmd.Flags().BoolVar(&opts.Debug, "debug", false, "keep generated sources and build units in the cache")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "rebuild even when a cached module exists")
	cmd.Flags().IntVarP(&opts.Jobs, "jobs", "j", 0, "concurrent builds (default GOMAXPROCS)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "build timeout per flow")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "on failure: fail-fast or collect-all")
	cmd.Flags().StringVar(&opts.GoBinary, "go", "", "go command to build with")
	cmd.Flags().StringVar(&opts.MetricsFile, "metrics-file", "", "write prometheus textfile metrics to this path")

	return cmd
}

func runCompile(opts *CompileOptions, args []string, cmd *cobra.Command) error {
	formatter, err := opts.load(cmd)
	if err != nil {
		return err
	}
	cfg := opts.Config

	copts, err := cfg.CompilerOptions()
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid options", err)
	}

	m := metrics.New()
	compilerOpts := []compiler.Option{
		compiler.WithLogger(opts.Logger),
		compiler.WithMetrics(m),
	}
	if err := os.MkdirAll(copts.CacheDir, 0o755); err == nil {
		ix, err := cache.OpenIndex(filepath.Join(copts.CacheDir, cache.IndexFile))
		if err != nil {
			opts.Logger.Warn("build index unavailable", "error", err)
		} else {
			defer ix.Close()
			compilerOpts = append(compilerOpts, compiler.WithIndex(ix))
		}
	}

	c, err := compiler.New(copts, opts.toolchain(), compilerOpts...)
	if err != nil {
		_ = formatter.Error(errorCode(err), err.Error(), nil)
		return WrapExitError(ExitCommandError, "creating compiler", err)
	}

	targets := args
	if len(targets) == 0 {
		targets = []string{cfg.FlowsDir}
	}
	formatter.VerboseLog("Compiling %v (opt %s, jobs %d, %s)", targets, copts.OptLevel, copts.Jobs, copts.Mode)

	var (
		compiled []*compiler.CompiledFlow
		failures []compiler.Failure
	)
	for _, target := range targets {
		out, err := compileTarget(cmd, c, target)
		compiled = append(compiled, out...)
		if err != nil {
			var be *compiler.BatchError
			if errors.As(err, &be) {
				failures = append(failures, be.Failures...)
			} else {
				failures = append(failures, compiler.Failure{Path: target, Err: err})
			}
			if copts.Mode == compiler.FailFast {
				break
			}
		}
	}

	compiled, dups := rejectDuplicateNames(compiled)
	failures = append(failures, dups...)

	modules := make([]CompiledModule, 0, len(compiled))
	for _, cf := range compiled {
		dest := filepath.Join(copts.OutputDir, cf.Name+".wasm")
		if err := cf.Save(dest); err != nil {
			failures = append(failures, compiler.Failure{Path: cf.SourcePath, Err: err})
			continue
		}
		modules = append(modules, CompiledModule{
			Name:        cf.Name,
			Fingerprint: cf.Fingerprint,
			Size:        cf.Size(),
			Cached:      cf.Cached,
			Source:      cf.SourcePath,
			Output:      dest,
		})
	}

	if cfg.MetricsFile != "" {
		if err := m.WriteTextfile(cfg.MetricsFile); err != nil {
			opts.Logger.Warn("metrics not written", "path", cfg.MetricsFile, "error", err)
		}
	}

	if len(failures) > 0 {
		if formatter.Format != "json" {
			writeModules(formatter, modules)
		}
		return formatter.Failures("compilation", failures, modules)
	}
	return outputCompileSuccess(formatter, modules)
}

// compileTarget compiles a single flow file, or every flow under a
// directory.
func compileTarget(cmd *cobra.Command, c *compiler.Compiler, target string) ([]*compiler.CompiledFlow, error) {
	info, err := os.Stat(target)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "flow path", err)
	}
	if info.IsDir() {
		return c.CompileAll(cmd.Context(), target)
	}
	out, err := c.CompileFile(cmd.Context(), target)
	if err != nil {
		return nil, err
	}
	return []*compiler.CompiledFlow{out}, nil
}

// rejectDuplicateNames drops flows whose name is shared with a flow from
// another file, since both would be saved to the same output module. Each
// dropped flow is reported as a failure naming the other files.
func rejectDuplicateNames(compiled []*compiler.CompiledFlow) ([]*compiler.CompiledFlow, []compiler.Failure) {
	sources := make(map[string][]string)
	for _, cf := range compiled {
		if !slices.Contains(sources[cf.Name], cf.SourcePath) {
			sources[cf.Name] = append(sources[cf.Name], cf.SourcePath)
		}
	}

	var (
		kept     []*compiler.CompiledFlow
		failures []compiler.Failure
		seen     = make(map[string]bool)
	)
	for _, cf := range compiled {
		paths := sources[cf.Name]
		if len(paths) < 2 {
			kept = append(kept, cf)
			continue
		}
		key := cf.Name + "\x00" + cf.SourcePath
		if seen[key] {
			continue
		}
		seen[key] = true
		others := slices.DeleteFunc(slices.Clone(paths), func(p string) bool { return p == cf.SourcePath })
		err := flowerr.Parse("duplicate flow name %q, also defined in %s", cf.Name, strings.Join(others, ", "))
		err.Flow = cf.Name
		err.Path = cf.SourcePath
		failures = append(failures, compiler.Failure{Path: cf.SourcePath, Err: err})
	}
	return kept, failures
}

func outputCompileSuccess(formatter *OutputFormatter, modules []CompiledModule) error {
	if formatter.Format == "json" {
		return formatter.Success(modules)
	}
	if len(modules) == 0 {
		fmt.Fprintln(formatter.Writer, "No flows found")
		return nil
	}
	built := 0
	for _, m := range modules {
		if !m.Cached {
			built++
		}
	}
	fmt.Fprintf(formatter.Writer, "✓ Compiled %d flow(s) (%d built, %d cached)\n\n", len(modules), built, len(modules)-built)
	writeModules(formatter, modules)
	return nil
}

func writeModules(formatter *OutputFormatter, modules []CompiledModule) {
	for _, m := range modules {
		state := "built"
		if m.Cached {
			state = "cached"
		}
		fmt.Fprintf(formatter.Writer, "  %-24s %10s  %-6s  %s\n", m.Name, formatSize(m.Size), state, m.Output)
	}
	if len(modules) > 0 {
		fmt.Fprintln(formatter.Writer)
	}
}
