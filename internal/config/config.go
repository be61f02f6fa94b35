// Package config resolves flowc settings.
//
// Precedence, lowest to highest: built-in defaults, the project file
// (weavster.yaml or weavster.yml), WEAVSTER_* environment variables, and
// command-line flags that were explicitly set. Relative directories are
// resolved against the project root, which is the directory holding the
// project file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/weavster/flowc/internal/compiler"
)

// EnvPrefix marks the environment variables read as settings.
// WEAVSTER_OPT_LEVEL sets opt_level.
const EnvPrefix = "WEAVSTER_"

// ConfigNames are the project file names, in lookup order.
var ConfigNames = []string{"weavster.yaml", "weavster.yml"}

// DefaultFlowsDir is where flow descriptions live by default.
const DefaultFlowsDir = "flows"

// maxUpwardSearch limits how far up the tree the project file is searched.
const maxUpwardSearch = 10

// Config holds the resolved settings.
type Config struct {
	// ProjectRoot is not read from any source; Load fills it in.
	ProjectRoot  string        `koanf:"-"`
	FlowsDir     string        `koanf:"flows_dir"`
	OutputDir    string        `koanf:"output_dir"`
	CacheDir     string        `koanf:"cache_dir"`
	ArtifactsDir string        `koanf:"artifacts_dir"`
	OptLevel     string        `koanf:"opt_level"`
	Debug        bool          `koanf:"debug"`
	Force        bool          `koanf:"force"`
	Jobs         int           `koanf:"jobs"`
	Timeout      time.Duration `koanf:"timeout"`
	Mode         string        `koanf:"mode"`
	GoBinary     string        `koanf:"go"`
	Verbose      bool          `koanf:"verbose"`
	Format       string        `koanf:"format"`
	MetricsFile  string        `koanf:"metrics_file"`

	// File is the project file that was read, empty if none.
	File string `koanf:"-"`
}

func defaults() map[string]any {
	d := compiler.DefaultOptions()
	return map[string]any{
		"flows_dir":     DefaultFlowsDir,
		"output_dir":    d.OutputDir,
		"cache_dir":     d.CacheDir,
		"artifacts_dir": d.ArtifactsDir,
		"opt_level":     d.OptLevel,
		"debug":         false,
		"force":         false,
		"jobs":          d.Jobs,
		"timeout":       d.Timeout.String(),
		"mode":          d.Mode.String(),
		"go":            "go",
		"verbose":       false,
		"format":        "text",
	}
}

// flagKeys maps flag names whose setting key differs from the
// kebab-to-snake rule.
var flagKeys = map[string]string{
	"output": "output_dir",
	"cache":  "cache_dir",
	"opt":    "opt_level",
}

// Load resolves the configuration. cfgFile names an explicit project file;
// when empty the project file is searched upward from the working
// directory. flags may be nil.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	root, cfgFile, err := projectRoot(cfgFile, flags)
	if err != nil {
		return nil, err
	}
	if cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", cfgFile, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				key = strings.ReplaceAll(f.Name, "-", "_")
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.ProjectRoot = root
	cfg.File = cfgFile
	cfg.FlowsDir = resolve(cfg.FlowsDir, root)
	cfg.OutputDir = resolve(cfg.OutputDir, root)
	cfg.CacheDir = resolve(cfg.CacheDir, root)
	cfg.ArtifactsDir = resolve(cfg.ArtifactsDir, root)
	if cfg.MetricsFile != "" {
		cfg.MetricsFile = resolve(cfg.MetricsFile, root)
	}
	return &cfg, nil
}

// CompilerOptions converts the settings into compiler options.
func (c *Config) CompilerOptions() (compiler.Options, error) {
	mode, err := compiler.ParseMode(c.Mode)
	if err != nil {
		return compiler.Options{}, err
	}
	opts := compiler.Options{
		OutputDir:    c.OutputDir,
		CacheDir:     c.CacheDir,
		ArtifactsDir: c.ArtifactsDir,
		Debug:        c.Debug,
		OptLevel:     c.OptLevel,
		Force:        c.Force,
		Jobs:         c.Jobs,
		Timeout:      c.Timeout,
		Mode:         mode,
	}
	if err := opts.Validate(); err != nil {
		return compiler.Options{}, err
	}
	return opts, nil
}

// projectRoot picks the project root and the project file to read.
// An explicit --project-dir wins, then the directory of an explicit
// project file, then the nearest ancestor holding a project file, then
// the working directory.
func projectRoot(cfgFile string, flags *pflag.FlagSet) (string, string, error) {
	if flags != nil && flags.Lookup("project-dir") != nil && flags.Changed("project-dir") {
		dir, _ := flags.GetString("project-dir")
		abs, err := filepath.Abs(dir)
		if err != nil {
			return "", "", fmt.Errorf("resolve project directory: %w", err)
		}
		if cfgFile == "" {
			cfgFile = findIn(abs)
		}
		return abs, cfgFile, nil
	}
	if cfgFile != "" {
		abs, err := filepath.Abs(cfgFile)
		if err != nil {
			return "", "", fmt.Errorf("resolve config file: %w", err)
		}
		if _, err := os.Stat(abs); err != nil {
			return "", "", fmt.Errorf("config file: %w", err)
		}
		return filepath.Dir(abs), abs, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", "", fmt.Errorf("get working directory: %w", err)
	}
	dir := cwd
	for range maxUpwardSearch {
		if found := findIn(dir); found != "" {
			return dir, found, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return cwd, "", nil
}

func findIn(dir string) string {
	for _, name := range ConfigNames {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func resolve(path, base string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
