package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/weavster/flowc/internal/codegen"
	"github.com/weavster/flowc/internal/compiler"
	"github.com/weavster/flowc/internal/flowerr"
	"github.com/weavster/flowc/internal/ir"
	"github.com/weavster/flowc/internal/parser"
)

// GenerateOptions holds flags for the generate command.
type GenerateOptions struct {
	*RootOptions
	Output string
	Debug  bool
}

// NewGenerateCommand creates the generate command.
func NewGenerateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GenerateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "generate <flow-file>",
		Short: "Print the Go program generated for a flow",
		Long: `Generate the Go source for a flow without building it.

The program imports flowmodule/flowrt, the runtime copied into every build
unit, so it is meant for reading rather than building on its own.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the source to this file instead of stdout")
	cmd.Flags().BoolVar(&opts.Debug, "debug", false, "annotate the source with transform positions")

	return cmd
}

func runGenerate(opts *GenerateOptions, path string, cmd *cobra.Command) error {
	formatter, err := opts.load(cmd)
	if err != nil {
		return err
	}

	f, err := loadFlow(opts.Config.ArtifactsDir, path)
	if err != nil {
		return formatter.Failures("generation", []compiler.Failure{{Path: path, Err: err}}, nil)
	}

	var genOpts []codegen.Option
	if opts.Debug {
		genOpts = append(genOpts, codegen.WithDebugComments())
	}
	src, err := codegen.New(genOpts...).Generate(f)
	if err != nil {
		return formatter.Failures("generation", []compiler.Failure{{Path: path, Err: flowerr.Annotate(err, f.Name, path)}}, nil)
	}

	if opts.Output == "" {
		_, err := cmd.OutOrStdout().Write(src)
		return err
	}
	if err := os.WriteFile(opts.Output, src, 0o644); err != nil {
		_ = formatter.Error(string(flowerr.ErrIO), err.Error(), nil)
		return WrapExitError(ExitCommandError, "writing source", err)
	}
	if formatter.Format == "json" {
		return formatter.Success(map[string]any{"name": f.Name, "output": opts.Output, "size": len(src)})
	}
	fmt.Fprintf(formatter.Writer, "Wrote %s source to %s\n", f.Name, opts.Output)
	return nil
}

// loadFlow parses a flow file and loads its artifacts.
func loadFlow(artifactsDir, path string) (*ir.Flow, error) {
	f, err := parser.ParseFile(path)
	if err != nil {
		return nil, err
	}
	if err := parser.ResolveArtifacts(f, compiler.ArtifactLoader(artifactsDir)); err != nil {
		return nil, flowerr.Annotate(err, f.Name, path)
	}
	return f, nil
}
