// Package config loads the buildctx configuration file.
//
// The file may be YAML (gopkg.in/yaml.v3), TOML (github.com/BurntSushi/toml)
// or JSON with comments (github.com/tidwall/jsonc); the format is chosen by
// extension. Values not present in the file keep the defaults, which
// reproduce the original build script: mirror ../py into ./py with the
// exclusions listed in exclude.lst, then build ./Dockerfile as app:latest
// without the layer cache.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/buildctx/internal/model"
)

// DefaultFileNames lists the config files looked up in the working
// directory when --config is not given, in priority order.
var DefaultFileNames = []string{
	"buildctx.yaml",
	"buildctx.yml",
	"buildctx.toml",
	"buildctx.jsonc",
	"buildctx.json",
}

// Config is the full buildctx configuration.
type Config struct {
	Sync  SyncConfig  `yaml:"sync" toml:"sync" json:"sync"`
	Build BuildConfig `yaml:"build" toml:"build" json:"build"`

	// HistoryPath is the bbolt file that records runs. Empty selects
	// $XDG_CACHE_HOME/buildctx/history.db.
	HistoryPath string `yaml:"history_path" toml:"history_path" json:"history_path"`

	// path is the file the config was loaded from; empty for defaults.
	path string
}

// SyncConfig configures the tree synchronizer.
type SyncConfig struct {
	Source      string `yaml:"source" toml:"source" json:"source"`
	Destination string `yaml:"destination" toml:"destination" json:"destination"`
	ExcludeFrom string `yaml:"exclude_from" toml:"exclude_from" json:"exclude_from"`
	Checksum    bool   `yaml:"checksum" toml:"checksum" json:"checksum"`
}

// BuildConfig configures the image builder.
type BuildConfig struct {
	Context    string `yaml:"context" toml:"context" json:"context"`
	Dockerfile string `yaml:"dockerfile" toml:"dockerfile" json:"dockerfile"`
	Tag        string `yaml:"tag" toml:"tag" json:"tag"`

	// NoCache is a pointer so that an explicit "false" in the file can be
	// told apart from an absent key, which defaults to true.
	NoCache *bool `yaml:"no_cache" toml:"no_cache" json:"no_cache"`
	Pull    bool  `yaml:"pull" toml:"pull" json:"pull"`

	BuildArgs map[string]string `yaml:"build_args" toml:"build_args" json:"build_args"`
	EnvFile   string            `yaml:"env_file" toml:"env_file" json:"env_file"`
	Labels    map[string]string `yaml:"labels" toml:"labels" json:"labels"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	noCache := true
	return &Config{
		Sync: SyncConfig{
			Source:      "../py",
			Destination: "py",
			ExcludeFrom: "exclude.lst",
		},
		Build: BuildConfig{
			Context:    ".",
			Dockerfile: "Dockerfile",
			Tag:        "app:latest",
			NoCache:    &noCache,
		},
	}
}

// Path returns the file the configuration was loaded from, or "" when
// the defaults are in use.
func (c *Config) Path() string {
	return c.path
}

// NoCacheEnabled reports whether the layer cache is disabled.
func (c *Config) NoCacheEnabled() bool {
	return c.Build.NoCache == nil || *c.Build.NoCache
}

// SetNoCache overrides the cache setting, typically from --cache.
func (c *Config) SetNoCache(v bool) {
	c.Build.NoCache = &v
}

// Find returns the first default config file present in dir.
func Find(dir string) (string, bool) {
	for _, name := range DefaultFileNames {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		}
	}
	return "", false
}

// Resolve loads the explicit config file when one is named, otherwise the
// first default file found in dir, otherwise the defaults. Only an
// explicitly named file is required to exist.
func Resolve(explicit, dir string) (*Config, error) {
	if explicit != "" {
		return Load(explicit)
	}
	if p, ok := Find(dir); ok {
		return Load(p)
	}
	return Default(), nil
}

// Load reads and decodes the file at path on top of Default(). Environment
// variables are expanded in the path fields and the tag only; build args
// and labels are passed to the daemon verbatim. Relative paths are
// resolved against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("configuration file not found: %s", path), err)
		}
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("failed to read configuration file %s", path), err)
	}

	cfg := Default()
	if err := decode(path, data, cfg); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("failed to parse configuration file %s", path), err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "failed to resolve configuration path", err)
	}
	cfg.path = abs
	cfg.expandEnv()
	cfg.resolvePaths(filepath.Dir(abs))

	return cfg, nil
}

// decode dispatches on the file extension.
func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	case ".json", ".jsonc":
		// Strip // and /* */ comments and trailing commas first.
		return json.Unmarshal(jsonc.ToJSON(data), cfg)
	default:
		return fmt.Errorf("unsupported configuration format %q (use .yaml, .toml or .jsonc)", ext)
	}
}

// expandEnv substitutes $VAR and ${VAR} in the fields that name paths or
// the image tag.
func (c *Config) expandEnv() {
	for _, f := range []*string{
		&c.Sync.Source,
		&c.Sync.Destination,
		&c.Sync.ExcludeFrom,
		&c.Build.Context,
		&c.Build.Dockerfile,
		&c.Build.Tag,
		&c.Build.EnvFile,
		&c.HistoryPath,
	} {
		*f = os.ExpandEnv(*f)
	}
}

// resolvePaths makes relative paths absolute against base.
func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	c.Sync.Source = abs(c.Sync.Source)
	c.Sync.Destination = abs(c.Sync.Destination)
	c.Sync.ExcludeFrom = abs(c.Sync.ExcludeFrom)
	c.Build.Context = abs(c.Build.Context)
	c.Build.EnvFile = abs(c.Build.EnvFile)
	c.HistoryPath = abs(c.HistoryPath)
}

// Validate checks the fields every pipeline step depends on.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Sync.Source) == "" {
		problems = append(problems, "sync.source must not be empty")
	}
	if strings.TrimSpace(c.Sync.Destination) == "" {
		problems = append(problems, "sync.destination must not be empty")
	}
	if strings.TrimSpace(c.Build.Context) == "" {
		problems = append(problems, "build.context must not be empty")
	}
	if strings.TrimSpace(c.Build.Dockerfile) == "" {
		problems = append(problems, "build.dockerfile must not be empty")
	}
	if strings.TrimSpace(c.Build.Tag) == "" {
		problems = append(problems, "build.tag must not be empty")
	} else if strings.ContainsAny(c.Build.Tag, " \t") {
		problems = append(problems, fmt.Sprintf("build.tag %q must not contain whitespace", c.Build.Tag))
	}

	if c.Sync.Source != "" && c.Sync.Destination != "" {
		src, _ := filepath.Abs(c.Sync.Source)
		dst, _ := filepath.Abs(c.Sync.Destination)
		if src == dst {
			problems = append(problems, "sync.destination must differ from sync.source")
		} else if rel, err := filepath.Rel(dst, src); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			problems = append(problems, "sync.destination must not contain sync.source")
		}
	}

	if len(problems) > 0 {
		return model.NewCLIError(model.ExitConfigError,
			"invalid configuration: "+strings.Join(problems, "; "))
	}
	return nil
}

// BuildArgs merges the env file (if any) with the explicit build args.
// Explicit entries win.
func (c *Config) BuildArgs() (map[string]string, error) {
	args := make(map[string]string)

	if c.Build.EnvFile != "" {
		env, err := godotenv.Read(c.Build.EnvFile)
		if err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("failed to read env file %s", c.Build.EnvFile), err)
		}
		for k, v := range env {
			args[k] = v
		}
	}
	for k, v := range c.Build.BuildArgs {
		args[k] = v
	}
	return args, nil
}

// HistoryDBPath returns the bbolt file for run history.
func (c *Config) HistoryDBPath() (string, error) {
	if c.HistoryPath != "" {
		return c.HistoryPath, nil
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user cache directory: %w", err)
	}
	return filepath.Join(dir, "buildctx", "history.db"), nil
}

// ParseKeyValues parses repeated KEY=VALUE flag values. A bare KEY takes
// its value from the process environment, as `docker build --build-arg`
// does.
func ParseKeyValues(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, model.NewCLIError(model.ExitConfigError,
				fmt.Sprintf("invalid KEY=VALUE pair %q", pair))
		}
		if !found {
			v, ok := os.LookupEnv(key)
			if !ok {
				continue
			}
			value = v
		}
		out[key] = value
	}
	return out, nil
}

// SortedKeys returns the keys of m in order, for stable output.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
