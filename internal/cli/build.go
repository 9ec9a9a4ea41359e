package cli

import (
	"github.com/spf13/cobra"
)

// NewBuildCommand creates the "build" cobra command, which builds the
// image from the context as it currently is on disk.
func NewBuildCommand() *cobra.Command {
	flags := &pipelineFlags{}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the image without mirroring first",
		Long: `Build the image from the build context as it is on disk, skipping the
mirror step. A missing Dockerfile fails before the daemon is contacted.

Examples:
  buildctx build
  buildctx build -f docker/Dockerfile -t app:dev
  buildctx build --cache`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, flags)
		},
	}

	addPipelineFlags(cmd, flags)
	return cmd
}

// runBuild is the main logic function for the build command.
func runBuild(cmd *cobra.Command, flags *pipelineFlags) error {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}
	VerboseLog("Configuration: %s", describeConfig(cfg))

	builder := &lazyBuilder{}
	defer builder.Close()

	runner := newRunner(cfg, builder)
	rec, err := runner.BuildOnly(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	return printRunResult(rec)
}
