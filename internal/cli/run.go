package cli

import (
	"github.com/spf13/cobra"
)

// NewRunCommand creates the "run" cobra command: mirror, then build.
func NewRunCommand() *cobra.Command {
	flags := &pipelineFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Mirror the source tree and build the image",
		Long: `Mirror the source directory into the build context, then build the
image with the layer cache disabled.

The build is only attempted after the mirror fully succeeded. The exit
code is that of the first failing step.

Examples:
  buildctx run
  buildctx run --source ../py --dest py -t app:latest
  buildctx run --build-arg PIP_INDEX_URL=https://pypi.example.com/simple
  buildctx run --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, flags)
		},
	}

	addPipelineFlags(cmd, flags)
	return cmd
}

// runRun is the main logic function for the run command.
func runRun(cmd *cobra.Command, flags *pipelineFlags) error {
	// Step 1: Resolve configuration and flag overrides.
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}
	VerboseLog("Configuration: %s", describeConfig(cfg))

	// Step 2: Mirror, then build. The daemon connection is opened only
	// once the mirror succeeded, so a missing source reports exit code 2
	// even when Docker is down.
	builder := &lazyBuilder{}
	defer builder.Close()

	runner := newRunner(cfg, builder)
	rec, err := runner.Run(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	// Step 3: Report.
	return printRunResult(rec)
}
