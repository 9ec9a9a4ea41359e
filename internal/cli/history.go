package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/buildctx/internal/config"
	"github.com/mmr-tortoise/buildctx/internal/history"
	"github.com/mmr-tortoise/buildctx/internal/model"
	"github.com/mmr-tortoise/buildctx/internal/pipeline"
)

// historyFlags holds the flag values for the history command.
type historyFlags struct {
	// limit caps the number of runs shown. Zero shows all.
	limit int

	// status filters runs by outcome: succeeded, sync-failed,
	// build-failed or all (default).
	status string

	// prune, when set, deletes all but the newest N runs.
	prune int
}

// NewHistoryCommand creates the "history" cobra command.
func NewHistoryCommand() *cobra.Command {
	flags := &historyFlags{}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded pipeline runs",
		Long: `Show recorded pipeline runs, newest first.

Every run, build or sync (except dry runs) is recorded with its outcome,
mirror statistics and the image it produced.

Examples:
  buildctx history
  buildctx history --limit 5 --status build-failed
  buildctx history --prune 100
  buildctx history --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, flags)
		},
	}

	cmd.Flags().IntVar(&flags.limit, "limit", 20, "Maximum number of runs to show (0 for all)")
	cmd.Flags().StringVar(&flags.status, "status", "all",
		"Filter by status: succeeded, sync-failed, build-failed, all (default: all)")
	cmd.Flags().IntVar(&flags.prune, "prune", -1, "Delete all but the newest N runs")

	return cmd
}

// runHistory is the main logic function for the history command.
func runHistory(cmd *cobra.Command, flags *historyFlags) error {
	// Step 1: Validate the --status flag value.
	var statusFilter model.RunStatus
	if flags.status != "all" {
		s, err := model.ParseRunStatus(flags.status)
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "invalid --status value", err)
		}
		statusFilter = s
	}

	// Step 2: Locate the database through the configuration.
	wd, err := os.Getwd()
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to get current directory", err)
	}
	cfg, err := config.Resolve(configPath, wd)
	if err != nil {
		return err
	}
	path, err := cfg.HistoryDBPath()
	if err != nil {
		return model.WrapCLIError(model.ExitConfigError, "failed to locate run history", err)
	}
	VerboseLog("Reading run history from %s", path)

	store, err := history.Open(path)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to open run history", err)
	}
	defer func() { _ = store.Close() }()

	// Step 3: Optional pruning.
	if cmd.Flags().Changed("prune") {
		removed, err := store.Prune(flags.prune)
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to prune run history", err)
		}
		logger.Info().Int("removed", removed).Int("kept", flags.prune).Msg("pruned run history")
	}

	// Step 4: Read and filter. The limit applies after filtering.
	readLimit := flags.limit
	if statusFilter != "" {
		readLimit = 0
	}
	runs, err := store.List(readLimit)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to read run history", err)
	}
	runs = filterRuns(runs, statusFilter, flags.limit)

	// Step 5: Output results in the appropriate format.
	if IsJSONOutput() {
		type resultJSON struct {
			Runs []model.RunRecord `json:"runs"`
		}
		return printJSON(resultJSON{Runs: runs})
	}
	printHistoryText(os.Stdout, runs)
	return nil
}

// filterRuns keeps runs with the given status (all when empty), up to
// limit entries (all when limit <= 0). The result is never nil so that
// JSON output shows [] rather than null.
func filterRuns(runs []model.RunRecord, status model.RunStatus, limit int) []model.RunRecord {
	out := make([]model.RunRecord, 0, len(runs))
	for _, r := range runs {
		if status != "" && r.Status != status {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, r)
	}
	return out
}

// printHistoryText writes runs as a text table:
//
//	RUN       STARTED              STATUS        DURATION  CHANGES  IMAGE         TAG
//	7f1c2a44  2026-10-19 07:00:00  succeeded     41.2s     3        5d41402abc4b  app:latest
//	0b9e3d11  2026-10-18 16:12:09  sync-failed   12ms      -        -             app:latest
func printHistoryText(w io.Writer, runs []model.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}

	fmt.Fprintf(w, "%-9s %-20s %-13s %-9s %-8s %-13s %s\n",
		"RUN", "STARTED", "STATUS", "DURATION", "CHANGES", "IMAGE", "TAG")

	for _, r := range runs {
		changes := "-"
		if !skipped(&r, pipeline.StepSync) && r.Status != model.StatusSyncFailed {
			changes = fmt.Sprintf("%d", r.Sync.Mutations())
		}
		fmt.Fprintf(w, "%-9s %-20s %-13s %-9s %-8s %-13s %s\n",
			abbrev(r.ID, 8),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Status,
			formatDuration(r.Duration()),
			changes,
			dashIfEmpty(model.ShortID(r.ImageID)),
			dashIfEmpty(r.Tag),
		)
	}
}

// dashIfEmpty returns "-" for empty table cells.
func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
