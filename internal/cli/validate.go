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

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Strict bool
}

// ValidatedFlow is one entry of the validate command's JSON output.
type ValidatedFlow struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint"`
	Transforms  int    `json:"transforms"`
	Outputs     int    `json:"outputs"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate [flow-file|dir ...]",
		Short: "Check flows without building them",
		Long: `Parse flow descriptions, load their artifacts, and report every error.

With --strict, templates, regex patterns, and filter expressions are also
checked the way the code generator would.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "also check templates, patterns, and filters")

	return cmd
}

func runValidate(opts *ValidateOptions, args []string, cmd *cobra.Command) error {
	formatter, err := opts.load(cmd)
	if err != nil {
		return err
	}

	paths, err := flowPaths(opts.RootOptions, args)
	if err != nil {
		_ = formatter.Error(errorCode(err), err.Error(), nil)
		return WrapExitError(ExitCommandError, "finding flows", err)
	}
	if len(paths) == 0 {
		_ = formatter.Error(ErrCodeGeneric, "no flow files found", nil)
		return NewExitError(ExitCommandError, "no flow files found")
	}

	var (
		valid    []ValidatedFlow
		failures []compiler.Failure
	)
	for _, path := range paths {
		formatter.VerboseLog("Validating %s", path)
		f, errs := validateFlow(opts.Config.ArtifactsDir, path, opts.Strict)
		if len(errs) > 0 {
			for _, err := range errs {
				failures = append(failures, compiler.Failure{Path: path, Err: err})
			}
			continue
		}
		fp, err := ir.Fingerprint(f)
		if err != nil {
			failures = append(failures, compiler.Failure{Path: path, Err: err})
			continue
		}
		valid = append(valid, ValidatedFlow{
			Name:        f.Name,
			Path:        path,
			Fingerprint: fp,
			Transforms:  len(f.Transforms),
			Outputs:     len(f.Outputs),
		})
	}

	if len(failures) > 0 {
		return formatter.Failures("validation", failures, valid)
	}
	if formatter.Format == "json" {
		return formatter.Success(valid)
	}
	fmt.Fprintf(formatter.Writer, "✓ All flows valid (%d)\n", len(valid))
	for _, v := range valid {
		formatter.VerboseLog("  %s: %d transform(s), %d output(s)", v.Name, v.Transforms, v.Outputs)
	}
	return nil
}

// validateFlow parses and resolves one flow. Strict checks report every
// problem rather than stopping at the first.
func validateFlow(artifactsDir, path string, strict bool) (*ir.Flow, []error) {
	f, err := parser.ParseFile(path)
	if err != nil {
		return nil, []error{err}
	}
	if err := parser.ResolveArtifacts(f, compiler.ArtifactLoader(artifactsDir)); err != nil {
		return nil, []error{flowerr.Annotate(err, f.Name, path)}
	}
	if strict {
		if errs := codegen.Validate(f); len(errs) > 0 {
			for i := range errs {
				errs[i] = flowerr.Annotate(errs[i], f.Name, path)
			}
			return nil, errs
		}
	}
	return f, nil
}

// flowPaths expands the arguments into flow files. Directories are
// searched recursively; no arguments means the configured flows directory.
func flowPaths(opts *RootOptions, args []string) ([]string, error) {
	if len(args) == 0 {
		args = []string{opts.Config.FlowsDir}
	}
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		found, err := compiler.FindFlowFiles(arg)
		if err != nil {
			return nil, err
		}
		paths = append(paths, found...)
	}
	return paths, nil
}
