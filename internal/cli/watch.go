package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/buildctx/internal/config"
	"github.com/mmr-tortoise/buildctx/internal/exclude"
	"github.com/mmr-tortoise/buildctx/internal/model"
	"github.com/mmr-tortoise/buildctx/internal/pipeline"
	"github.com/mmr-tortoise/buildctx/internal/watch"
)

// watchFlags holds the flag values for the watch command.
type watchFlags struct {
	pipelineFlags

	// debounce is the quiet period after the last change.
	debounce time.Duration

	// syncOnly skips the build on every change.
	syncOnly bool
}

// NewWatchCommand creates the "watch" cobra command.
func NewWatchCommand() *cobra.Command {
	flags := &watchFlags{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Rerun the pipeline whenever the source tree changes",
		Long: `Run the pipeline once, then watch the source directory and run it again
after every burst of changes. Excluded paths and the destination are not
watched. Runs never overlap; changes made during a run trigger the next one.

Stop with Ctrl-C.

Examples:
  buildctx watch
  buildctx watch --debounce 2s
  buildctx watch --sync-only`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, flags)
		},
	}

	addPipelineFlags(cmd, &flags.pipelineFlags)
	cmd.Flags().DurationVar(&flags.debounce, "debounce", watch.DefaultDebounce, "Quiet period before a rerun")
	cmd.Flags().BoolVar(&flags.syncOnly, "sync-only", false, "Only mirror on change, never build")
	return cmd
}

// runWatch is the main logic function for the watch command.
func runWatch(cmd *cobra.Command, flags *watchFlags) error {
	cfg, err := loadConfig(cmd, &flags.pipelineFlags)
	if err != nil {
		return err
	}
	VerboseLog("Configuration: %s", describeConfig(cfg))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The watcher needs the manifest up front; a missing one is fatal
	// here just as it is for a single run.
	matcher, err := exclude.Load(cfg.Sync.ExcludeFrom)
	if err != nil {
		return err
	}

	w, err := watch.New(watch.Options{
		Root:     cfg.Sync.Source,
		Exclude:  matcher,
		Skip:     []string{cfg.Sync.Destination},
		Debounce: flags.debounce,
	}, logger)
	if err != nil {
		return model.WrapCLIError(model.ExitSourceNotFound, "failed to watch source directory", err)
	}
	defer func() { _ = w.Close() }()

	builder := &lazyBuilder{}
	defer builder.Close()
	runner := newRunner(cfg, builder)

	var tally watchTally
	once := func(ctx context.Context) error {
		rec, err := runPipelineOnce(ctx, runner, cfg, flags.syncOnly)
		tally.add(rec)
		if rec != nil && err == nil {
			_ = printRunResult(rec)
		}
		return err
	}

	// A failing first run is reported but does not stop the watch: the
	// next edit may well fix it.
	if err := once(ctx); err != nil {
		logger.Error().Err(err).Msg("initial run failed")
	}

	logger.Info().Str("source", cfg.Sync.Source).Dur("debounce", flags.debounce).Msg("watching for changes")
	err = w.Run(ctx, func(ctx context.Context, changed []string) error {
		logger.Info().Int("paths", len(changed)).Strs("changed", firstN(changed, 5)).Msg("change detected, rerunning")
		return once(ctx)
	})
	logger.Info().
		Int("runs", tally.runs).
		Int("failed", tally.failed).
		Int("synced", tally.sync.Created+tally.sync.Updated).
		Int("deleted", tally.sync.Deleted).
		Int64("bytes", tally.sync.Bytes).
		Msg("watch stopped")
	return err
}

// watchTally accumulates the outcome of every run in a watch session.
type watchTally struct {
	runs   int
	failed int
	sync   model.SyncStats
}

func (t *watchTally) add(rec *model.RunRecord) {
	if rec == nil {
		return
	}
	t.runs++
	if rec.Status != model.StatusSucceeded {
		t.failed++
	}
	t.sync.Add(rec.Sync)
}

// runPipelineOnce runs either the full pipeline or only the mirror.
func runPipelineOnce(ctx context.Context, runner *pipeline.Runner, cfg *config.Config, syncOnly bool) (*model.RunRecord, error) {
	if syncOnly {
		return runner.SyncOnly(ctx, cfg, false)
	}
	return runner.Run(ctx, cfg)
}

// firstN returns at most n leading elements of s.
func firstN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
