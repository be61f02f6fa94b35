package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weavster/flowc/internal/compiler"
	"github.com/weavster/flowc/internal/ir"
)

// FlowFingerprint is one entry of the fingerprint command's output.
type FlowFingerprint struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint"`
	Cached      bool   `json:"cached"`
}

// NewFingerprintCommand creates the fingerprint command.
func NewFingerprintCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprint [flow-file|dir ...]",
		Short: "Print the cache key of each flow",
		Long: `Print the content fingerprint of each flow and whether the module
cache already holds a build for it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFingerprint(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runFingerprint(opts *RootOptions, args []string, cmd *cobra.Command) error {
	formatter, err := opts.load(cmd)
	if err != nil {
		return err
	}
	paths, err := flowPaths(opts, args)
	if err != nil {
		_ = formatter.Error(errorCode(err), err.Error(), nil)
		return WrapExitError(ExitCommandError, "finding flows", err)
	}

	var (
		prints   []FlowFingerprint
		failures []compiler.Failure
	)
	for _, path := range paths {
		f, err := loadFlow(opts.Config.ArtifactsDir, path)
		if err == nil {
			var fp string
			if fp, err = ir.Fingerprint(f); err == nil {
				prints = append(prints, FlowFingerprint{Name: f.Name, Path: path, Fingerprint: fp, Cached: cached(opts, fp)})
				continue
			}
		}
		failures = append(failures, compiler.Failure{Path: path, Err: err})
	}

	if len(failures) > 0 {
		return formatter.Failures("fingerprint", failures, prints)
	}
	if formatter.Format == "json" {
		return formatter.Success(prints)
	}
	for _, p := range prints {
		mark := " "
		if p.Cached {
			mark = "*"
		}
		fmt.Fprintf(formatter.Writer, "%s %s  %-24s %s\n", p.Fingerprint, mark, p.Name, p.Path)
	}
	return nil
}

func cached(opts *RootOptions, fp string) bool {
	_, ok, err := openCache(opts).Get(fp)
	return err == nil && ok
}
