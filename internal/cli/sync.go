package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/buildctx/internal/model"
)

// syncFlags holds the flag values for the sync command.
type syncFlags struct {
	pipelineFlags

	// dryRun reports the changes a mirror would make without making them.
	dryRun bool
}

// NewSyncCommand creates the "sync" cobra command.
func NewSyncCommand() *cobra.Command {
	flags := &syncFlags{}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Mirror the source tree into the build context",
		Long: `Mirror the source directory into the destination, the way
"rsync -a --delete --exclude-from" does: files are copied when their size
or modification time differ, entries missing from the source or matched by
the exclusion manifest are deleted, and symlinks are recreated as links.

Examples:
  buildctx sync
  buildctx sync --dry-run
  buildctx sync --source ../py --dest py --exclude-from exclude.lst`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, flags)
		},
	}

	addPipelineFlags(cmd, &flags.pipelineFlags)
	cmd.Flags().BoolVarP(&flags.dryRun, "dry-run", "n", false, "Show what would change without modifying the destination")
	return cmd
}

// syncResultJSON is the --json document for a dry run.
type syncResultJSON struct {
	DryRun  bool            `json:"dryRun"`
	Changes []model.Change  `json:"changes"`
	Stats   model.SyncStats `json:"stats"`
}

// runSync is the main logic function for the sync command.
func runSync(cmd *cobra.Command, flags *syncFlags) error {
	cfg, err := loadConfig(cmd, &flags.pipelineFlags)
	if err != nil {
		return err
	}
	VerboseLog("Configuration: %s", describeConfig(cfg))

	runner := newRunner(cfg, nil)

	changes := make([]model.Change, 0)
	if flags.dryRun {
		runner.OnChange = func(c model.Change) {
			changes = append(changes, c)
			if !IsJSONOutput() {
				fmt.Println(c)
			}
		}
	}

	rec, err := runner.SyncOnly(cmd.Context(), cfg, flags.dryRun)
	if err != nil {
		return err
	}

	if !flags.dryRun {
		return printRunResult(rec)
	}
	if IsJSONOutput() {
		return printJSON(syncResultJSON{DryRun: true, Changes: changes, Stats: rec.Sync})
	}
	if len(changes) == 0 {
		fmt.Println("Destination is up to date.")
		return nil
	}
	fmt.Printf("\n%d change(s) would be made (dry run).\n", len(changes))
	return nil
}
