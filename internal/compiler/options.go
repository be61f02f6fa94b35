package compiler

import (
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/weavster/flowc/internal/toolchain"
)

// Mode controls how CompileAll reacts to a failing flow.
type Mode int

const (
	// FailFast returns the first error and cancels the remaining flows.
	FailFast Mode = iota
	// CollectAll compiles every flow and reports all failures together.
	CollectAll
)

func (m Mode) String() string {
	switch m {
	case FailFast:
		return "fail-fast"
	case CollectAll:
		return "collect-all"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts the names printed by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "fail-fast", "":
		return FailFast, nil
	case "collect-all":
		return CollectAll, nil
	default:
		return FailFast, fmt.Errorf("unknown mode %q (expected fail-fast or collect-all)", s)
	}
}

// Default directory names, relative to the project base.
const (
	DefaultOutputDir    = ".weavster/output"
	DefaultCacheDir     = ".weavster/cache"
	DefaultArtifactsDir = "artifacts"
	DefaultOptLevel     = "s"
	DefaultTimeout      = 10 * time.Minute
)

// Options configures a Compiler.
type Options struct {
	// OutputDir is where callers save finished modules. The compiler
	// itself never writes there.
	OutputDir string
	// CacheDir holds modules by fingerprint plus scratch build units.
	CacheDir string
	// ArtifactsDir is the base for file-backed artifact paths.
	ArtifactsDir string
	// Debug keeps generated sources and build units in the cache and
	// annotates generated code with transform positions.
	Debug bool
	// OptLevel is one of toolchain.OptLevels.
	OptLevel string
	// Force skips the cache lookup and rebuilds.
	Force bool
	// Jobs bounds concurrent builds in CompileAll.
	Jobs int
	// Timeout bounds a single flow's build. Zero means no limit.
	Timeout time.Duration
	Mode    Mode
}

// DefaultOptions returns the defaults rooted at the current directory.
func DefaultOptions() Options {
	return Options{
		OutputDir:    DefaultOutputDir,
		CacheDir:     DefaultCacheDir,
		ArtifactsDir: DefaultArtifactsDir,
		OptLevel:     DefaultOptLevel,
		Jobs:         runtime.GOMAXPROCS(0),
		Timeout:      DefaultTimeout,
		Mode:         FailFast,
	}
}

// Rebase resolves the relative directories against base.
func (o Options) Rebase(base string) Options {
	join := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	o.OutputDir = join(o.OutputDir)
	o.CacheDir = join(o.CacheDir)
	o.ArtifactsDir = join(o.ArtifactsDir)
	return o
}

// Validate reports the first invalid setting.
func (o Options) Validate() error {
	if o.CacheDir == "" {
		return fmt.Errorf("cache directory is required")
	}
	if err := toolchain.ValidateOptLevel(o.OptLevel); err != nil {
		return err
	}
	if o.Jobs < 0 {
		return fmt.Errorf("jobs must not be negative, got %d", o.Jobs)
	}
	if o.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", o.Timeout)
	}
	if o.Mode != FailFast && o.Mode != CollectAll {
		return fmt.Errorf("unknown mode %s", o.Mode)
	}
	return nil
}

func (o Options) jobs() int {
	if o.Jobs <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return o.Jobs
}
