// Package cli implements the cobra-based CLI commands for buildctx.
//
// Each subcommand (run, sync, build, watch, history, list) is defined in
// its own file within this package. This file defines the root command
// that serves as the parent for all subcommands and handles global flags,
// logging and error output.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/buildctx/internal/model"
)

// Global flag variables shared across all subcommands.
// These are bound to cobra persistent flags on the root command,
// which makes them available to every subcommand automatically.
var (
	// jsonOutput controls whether command output is formatted as JSON.
	// Results go to stdout; logs and build progress move to stderr.
	jsonOutput bool

	// verbose enables debug logging.
	verbose bool

	// configPath names the configuration file. Empty means the first
	// default file found in the working directory, if any.
	configPath string
)

// logger is the process-wide logger, configured from the global flags
// before any subcommand runs.
var logger = zerolog.Nop()

// Version, Commit and Date are set at build time via ldflags.
// They are injected from the main package to display version information.
var (
	// Version is the semantic version of the binary (e.g., "1.0.0").
	Version = "dev"

	// Commit is the Git commit hash the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// NewRootCommand creates and configures the root cobra command.
//
// The root command itself does not perform any action. It provides help
// text and global flags; the work is done by the subcommands.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "buildctx",
		Short: "Mirror a source tree into a build context and build a Docker image",
		Long: `buildctx mirrors a source directory into a Docker build context,
honoring an rsync-style exclusion manifest, and then builds an image from
that context with the layer cache disabled.

The build only starts once the mirror has fully succeeded, so an image is
never produced from a partially synchronized tree.`,

		// SilenceUsage prevents cobra from printing usage on every error.
		SilenceUsage: true,

		// SilenceErrors prevents cobra from printing errors automatically.
		// We format errors ourselves (text or JSON based on --json flag).
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = newLogger(os.Stderr, jsonOutput, verbose)
		},
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Configuration file (default: buildctx.yaml, .yml, .toml or .jsonc in the working directory)")

	rootCmd.AddCommand(NewRunCommand())
	rootCmd.AddCommand(NewSyncCommand())
	rootCmd.AddCommand(NewBuildCommand())
	rootCmd.AddCommand(NewWatchCommand())
	rootCmd.AddCommand(NewHistoryCommand())
	rootCmd.AddCommand(NewListCommand())

	return rootCmd
}

// newLogger builds the stderr logger: colored console lines for people,
// raw JSON lines when --json is set.
func newLogger(w io.Writer, jsonMode, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	if !jsonMode {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Execute runs the root command and handles exit codes.
// This is the main entry point called from main.go.
//
// CLIError values, also when wrapped, carry their own exit codes; other
// errors default to exit code 1.
func Execute(rootCmd *cobra.Command) {
	if err := rootCmd.Execute(); err != nil {
		var cliErr *model.CLIError
		if errors.As(err, &cliErr) {
			printError(cliErr.Message, cliErr.Err)
		} else {
			printError(err.Error(), nil)
		}
		os.Exit(int(model.ExitCodeOf(err)))
	}
}

// printError outputs an error message in the appropriate format
// (JSON or text) based on the --json global flag.
func printError(message string, underlying error) {
	writeError(os.Stderr, jsonOutput, message, underlying)
}

func writeError(w io.Writer, asJSON bool, message string, underlying error) {
	if asJSON {
		errObj := map[string]interface{}{
			"error": map[string]interface{}{
				"message": message,
			},
		}
		if underlying != nil {
			if errMap, ok := errObj["error"].(map[string]interface{}); ok {
				errMap["detail"] = underlying.Error()
			}
		}
		// stderr even in JSON mode: stdout is reserved for results.
		data, _ := json.MarshalIndent(errObj, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}

	if underlying != nil {
		fmt.Fprintf(w, "Error: %s: %v\n", message, underlying)
	} else {
		fmt.Fprintf(w, "Error: %s\n", message)
	}
}

// VerboseLog writes a debug message. It is shown only with --verbose.
func VerboseLog(format string, args ...interface{}) {
	logger.Debug().Msgf(format, args...)
}

// IsJSONOutput returns whether the --json flag is set.
// Subcommands use this to decide their output format.
func IsJSONOutput() bool {
	return jsonOutput
}

// printJSON writes v to stdout with 2-space indentation.
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
