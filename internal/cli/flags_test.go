package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/buildctx/internal/config"
	"github.com/mmr-tortoise/buildctx/internal/model"
)

// newFlagCommand returns a command with the pipeline flags parsed from args.
func newFlagCommand(t *testing.T, args ...string) (*cobra.Command, *pipelineFlags) {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	f := &pipelineFlags{}
	addPipelineFlags(cmd, f)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd, f
}

func TestApplyFlags_OnlyChanged(t *testing.T) {
	cmd, f := newFlagCommand(t)
	cfg := config.Default()
	cfg.Build.Tag = "from-file:1"

	require.NoError(t, applyFlags(cmd, f, "/work", cfg))

	assert.Equal(t, "from-file:1", cfg.Build.Tag, "unset flags keep config values")
	assert.Equal(t, "../py", cfg.Sync.Source)
	assert.True(t, cfg.NoCacheEnabled())
}

func TestApplyFlags_Overrides(t *testing.T) {
	cmd, f := newFlagCommand(t,
		"--source", "src",
		"--dest", "/abs/dest",
		"--exclude-from", "ignore.lst",
		"--context", "ctx",
		"-f", "docker/Dockerfile",
		"-t", "app:dev",
		"--build-arg", "PYTHON_VERSION=3.12",
		"--build-arg", "EMPTY=",
		"--env-file", "build.env",
		"--pull",
		"--cache",
		"--checksum",
	)
	cfg := config.Default()
	cfg.Build.BuildArgs = map[string]string{"PYTHON_VERSION": "3.11", "KEEP": "yes"}

	require.NoError(t, applyFlags(cmd, f, "/work", cfg))

	assert.Equal(t, filepath.Join("/work", "src"), cfg.Sync.Source)
	assert.Equal(t, "/abs/dest", cfg.Sync.Destination)
	assert.Equal(t, filepath.Join("/work", "ignore.lst"), cfg.Sync.ExcludeFrom)
	assert.True(t, cfg.Sync.Checksum)
	assert.Equal(t, filepath.Join("/work", "ctx"), cfg.Build.Context)
	assert.Equal(t, "docker/Dockerfile", cfg.Build.Dockerfile, "the Dockerfile stays relative to the context")
	assert.Equal(t, "app:dev", cfg.Build.Tag)
	assert.Equal(t, filepath.Join("/work", "build.env"), cfg.Build.EnvFile)
	assert.True(t, cfg.Build.Pull)
	assert.False(t, cfg.NoCacheEnabled(), "--cache re-enables the layer cache")
	assert.Equal(t, map[string]string{"PYTHON_VERSION": "3.12", "EMPTY": "", "KEEP": "yes"}, cfg.Build.BuildArgs)
}

func TestApplyFlags_BadBuildArg(t *testing.T) {
	cmd, f := newFlagCommand(t, "--build-arg", "=oops")

	err := applyFlags(cmd, f, "/work", config.Default())
	require.Error(t, err)
	assert.Equal(t, model.ExitConfigError, model.ExitCodeOf(err))
}

// TestLoadConfig_Defaults verifies that without a config file the defaults
// resolve against the working directory.
func TestLoadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	configPath = ""
	wd, err := os.Getwd()
	require.NoError(t, err)

	cmd, f := newFlagCommand(t)
	cfg, err := loadConfig(cmd, f)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(filepath.Dir(wd), "py"), cfg.Sync.Source)
	assert.Equal(t, filepath.Join(wd, "py"), cfg.Sync.Destination)
	assert.Equal(t, filepath.Join(wd, "exclude.lst"), cfg.Sync.ExcludeFrom)
	assert.Equal(t, wd, cfg.Build.Context)
	assert.Equal(t, "app:latest", cfg.Build.Tag)
}

func TestLoadConfig_FileAndFlags(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "buildctx.yaml"), []byte(`
sync:
  source: ../src
  destination: app/src
build:
  tag: svc:1
`), 0o644))
	configPath = ""

	cmd, f := newFlagCommand(t, "-t", "svc:2")
	cfg, err := loadConfig(cmd, f)
	require.NoError(t, err)

	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "app", "src"), cfg.Sync.Destination)
	assert.Equal(t, "svc:2", cfg.Build.Tag, "flags win over the file")
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())
	configPath = ""

	cmd, f := newFlagCommand(t, "--tag", "")
	_, err := loadConfig(cmd, f)
	require.Error(t, err)
	assert.Equal(t, model.ExitConfigError, model.ExitCodeOf(err))
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	t.Chdir(t.TempDir())
	configPath = "nope.yaml"
	t.Cleanup(func() { configPath = "" })

	cmd, f := newFlagCommand(t)
	_, err := loadConfig(cmd, f)
	require.Error(t, err)
	assert.Equal(t, model.ExitConfigError, model.ExitCodeOf(err))
}

func TestWriteError(t *testing.T) {
	var buf bytes.Buffer
	writeError(&buf, false, "Dockerfile not found", nil)
	assert.Equal(t, "Error: Dockerfile not found\n", buf.String())

	buf.Reset()
	writeError(&buf, false, "image build failed", errors.New("exit code 1"))
	assert.Equal(t, "Error: image build failed: exit code 1\n", buf.String())

	buf.Reset()
	writeError(&buf, true, "image build failed", errors.New("exit code 1"))
	var doc map[string]map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "image build failed", doc["error"]["message"])
	assert.Equal(t, "exit code 1", doc["error"]["detail"])
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, true, false)
	log.Debug().Msg("hidden")
	log.Info().Str("tag", "app:latest").Msg("image built")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1, "debug is filtered without --verbose")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "image built", entry["message"])
	assert.Equal(t, "app:latest", entry["tag"])

	buf.Reset()
	debugLog := newLogger(&buf, false, true)
	debugLog.Debug().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := NewRootCommand()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"run", "sync", "build", "watch", "history", "list"})

	for _, flag := range []string{"json", "verbose", "config"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}
