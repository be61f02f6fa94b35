package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/weavster/flowc/internal/config"
	"github.com/weavster/flowc/internal/ir"
	"github.com/weavster/flowc/internal/toolchain"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string
	ProjectDir string

	// Toolchain overrides the go command toolchain. Tests set a fake.
	Toolchain toolchain.Toolchain

	// Set by load.
	Config *config.Config
	Logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the flowc CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "flowc",
		Short:   "flowc - flow compiler",
		Long:    "Compile declarative YAML flows into sandboxed WebAssembly modules.",
		Version: fmt.Sprintf("%s (ir %s)", ir.CompilerVersion, ir.IRVersion),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "project file (default: weavster.yaml found upward)")
	cmd.PersistentFlags().StringVar(&opts.ProjectDir, "project-dir", "", "project root directory")

	cmd.AddCommand(NewCompileCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewGenerateCommand(opts))
	cmd.AddCommand(NewFingerprintCommand(opts))
	cmd.AddCommand(NewCacheCommand(opts))

	return cmd
}

// load resolves configuration for cmd and installs the logger. Values from
// the project file and environment apply to --format and --verbose too.
func (o *RootOptions) load(cmd *cobra.Command) (*OutputFormatter, error) {
	cfg, err := config.Load(o.ConfigFile, cmd.Flags())
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: loading configuration: %v\n", err)
		return nil, WrapExitError(ExitCommandError, "loading configuration", err)
	}
	o.Config = cfg
	o.Format = cfg.Format
	o.Verbose = cfg.Verbose
	if !isValidFormat(o.Format) {
		msg := fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats)
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", msg)
		return nil, NewExitError(ExitCommandError, msg)
	}

	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	o.Logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	formatter := &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
	if cfg.File != "" {
		formatter.VerboseLog("Using config file: %s", cfg.File)
	}
	return formatter, nil
}

func (o *RootOptions) toolchain() toolchain.Toolchain {
	if o.Toolchain != nil {
		return o.Toolchain
	}
	return toolchain.NewGo(
		toolchain.WithBinary(o.Config.GoBinary),
		toolchain.WithLogger(o.Logger),
	)
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
