package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/buildctx/internal/config"
	"github.com/mmr-tortoise/buildctx/internal/model"
)

// pipelineFlags holds the flags shared by run, sync, build and watch.
// Each one overrides the matching configuration key, but only when it was
// given on the command line.
type pipelineFlags struct {
	source      string
	dest        string
	excludeFrom string
	checksum    bool

	context    string
	dockerfile string
	tag        string
	buildArgs  []string
	envFile    string
	pull       bool
	cache      bool
}

// addPipelineFlags registers the shared flags on cmd.
func addPipelineFlags(cmd *cobra.Command, f *pipelineFlags) {
	fs := cmd.Flags()

	fs.StringVar(&f.source, "source", "", "Source directory to mirror (default: ../py)")
	fs.StringVar(&f.dest, "dest", "", "Destination directory inside the build context (default: py)")
	fs.StringVar(&f.excludeFrom, "exclude-from", "", "rsync-style exclusion manifest (default: exclude.lst)")
	fs.BoolVar(&f.checksum, "checksum", false, "Compare file contents instead of size and modification time")

	fs.StringVar(&f.context, "context", "", "Build context directory (default: .)")
	fs.StringVarP(&f.dockerfile, "dockerfile", "f", "", "Dockerfile path relative to the context (default: Dockerfile)")
	fs.StringVarP(&f.tag, "tag", "t", "", "Image tag (default: app:latest)")
	fs.StringArrayVar(&f.buildArgs, "build-arg", nil, "Build-time variable KEY=VALUE (repeatable)")
	fs.StringVar(&f.envFile, "env-file", "", "Read build-time variables from a dotenv file")
	fs.BoolVar(&f.pull, "pull", false, "Always attempt to pull a newer version of the base image")
	fs.BoolVar(&f.cache, "cache", false, "Use the layer cache (disabled by default)")
}

// loadConfig resolves the configuration file, applies the flags that were
// set explicitly and validates the result.
func loadConfig(cmd *cobra.Command, f *pipelineFlags) (*config.Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "failed to get current directory", err)
	}

	cfg, err := config.Resolve(configPath, wd)
	if err != nil {
		return nil, err
	}
	if cfg.Path() != "" {
		VerboseLog("Loaded configuration from %s", cfg.Path())
	} else {
		// Defaults are relative to the working directory.
		cfg.Sync.Source = absPath(wd, cfg.Sync.Source)
		cfg.Sync.Destination = absPath(wd, cfg.Sync.Destination)
		cfg.Sync.ExcludeFrom = absPath(wd, cfg.Sync.ExcludeFrom)
		cfg.Build.Context = absPath(wd, cfg.Build.Context)
	}

	if err := applyFlags(cmd, f, wd, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFlags copies explicitly set flags into cfg. Paths given on the
// command line are relative to wd.
func applyFlags(cmd *cobra.Command, f *pipelineFlags, wd string, cfg *config.Config) error {
	fs := cmd.Flags()
	if fs.Changed("source") {
		cfg.Sync.Source = absPath(wd, f.source)
	}
	if fs.Changed("dest") {
		cfg.Sync.Destination = absPath(wd, f.dest)
	}
	if fs.Changed("exclude-from") {
		cfg.Sync.ExcludeFrom = absPath(wd, f.excludeFrom)
	}
	if fs.Changed("checksum") {
		cfg.Sync.Checksum = f.checksum
	}
	if fs.Changed("context") {
		cfg.Build.Context = absPath(wd, f.context)
	}
	if fs.Changed("dockerfile") {
		cfg.Build.Dockerfile = f.dockerfile
	}
	if fs.Changed("tag") {
		cfg.Build.Tag = f.tag
	}
	if fs.Changed("env-file") {
		cfg.Build.EnvFile = absPath(wd, f.envFile)
	}
	if fs.Changed("pull") {
		cfg.Build.Pull = f.pull
	}
	if fs.Changed("cache") {
		cfg.SetNoCache(!f.cache)
	}

	if len(f.buildArgs) > 0 {
		args, err := config.ParseKeyValues(f.buildArgs)
		if err != nil {
			return err
		}
		if cfg.Build.BuildArgs == nil {
			cfg.Build.BuildArgs = make(map[string]string, len(args))
		}
		for k, v := range args {
			cfg.Build.BuildArgs[k] = v
		}
	}
	return nil
}

// absPath resolves p against base. Empty stays empty.
func absPath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// describeConfig is a one-line summary for verbose output.
// Build arg values are left out since they often hold credentials.
func describeConfig(cfg *config.Config) string {
	return fmt.Sprintf("source=%s dest=%s exclude=%s context=%s dockerfile=%s tag=%s no-cache=%t build-args=[%s]",
		cfg.Sync.Source, cfg.Sync.Destination, cfg.Sync.ExcludeFrom,
		cfg.Build.Context, cfg.Build.Dockerfile, cfg.Build.Tag, cfg.NoCacheEnabled(),
		strings.Join(config.SortedKeys(cfg.Build.BuildArgs), ","))
}
