// Package pipeline runs the two buildctx steps, mirror then build, and
// records every run in the history store.
//
// The build step only starts after the mirror returned without error, so
// an image is never built from a partially synchronized tree.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mmr-tortoise/buildctx/internal/config"
	"github.com/mmr-tortoise/buildctx/internal/docker"
	"github.com/mmr-tortoise/buildctx/internal/exclude"
	"github.com/mmr-tortoise/buildctx/internal/model"
	"github.com/mmr-tortoise/buildctx/internal/syncer"
	"github.com/mmr-tortoise/buildctx/internal/vcs"
)

// Step names recorded in RunRecord.Skipped.
const (
	StepSync  = "sync"
	StepBuild = "build"
)

// Mirrorer is the tree synchronizer. *syncer.Syncer satisfies it.
type Mirrorer interface {
	Mirror(ctx context.Context, opts syncer.Options) (model.SyncStats, error)
}

// ImageBuilder builds an image. *docker.Builder satisfies it.
type ImageBuilder interface {
	Build(ctx context.Context, req docker.BuildRequest) (docker.BuildResult, error)
}

// RunStore persists run records. *history.Store satisfies it.
type RunStore interface {
	Record(r *model.RunRecord) error
}

// RevisionFunc reports the git revision of a path. vcs.Revision
// satisfies it.
type RevisionFunc func(path string) (vcs.Info, bool, error)

// Runner executes pipeline runs. Syncer and Builder are required by the
// entry points that use them; History and Revision are optional.
type Runner struct {
	Syncer   Mirrorer
	Builder  ImageBuilder
	History  RunStore
	Revision RevisionFunc
	Log      zerolog.Logger

	// OnChange receives every mirror change as it is applied.
	OnChange func(model.Change)

	// Now and NewID are replaced in tests.
	Now   func() time.Time
	NewID func() string
}

// New returns a Runner with the production clock, ID source and
// revision lookup.
func New(s Mirrorer, b ImageBuilder, h RunStore, log zerolog.Logger) *Runner {
	return &Runner{
		Syncer:   s,
		Builder:  b,
		History:  h,
		Revision: vcs.Revision,
		Log:      log,
	}
}

// Run mirrors the source tree and, only if that succeeded, builds the
// image. The returned record is complete whether or not err is nil; err
// is the first failing step's error and carries its exit code.
func (r *Runner) Run(ctx context.Context, cfg *config.Config) (*model.RunRecord, error) {
	rec := r.start(cfg)
	log := r.Log.With().Str("run", rec.ID).Logger()

	if err := r.syncStep(ctx, log, cfg, rec, false); err != nil {
		rec.Skipped = append(rec.Skipped, StepBuild)
		return r.finish(log, rec, model.StatusSyncFailed, err)
	}

	if err := r.buildStep(ctx, log, cfg, rec); err != nil {
		return r.finish(log, rec, model.StatusBuildFailed, err)
	}
	return r.finish(log, rec, model.StatusSucceeded, nil)
}

// SyncOnly mirrors the source tree without building. A dry run reports
// changes through OnChange, mutates nothing and is not recorded.
func (r *Runner) SyncOnly(ctx context.Context, cfg *config.Config, dryRun bool) (*model.RunRecord, error) {
	rec := r.start(cfg)
	rec.Skipped = []string{StepBuild}
	rec.Tag, rec.Dockerfile = "", ""
	log := r.Log.With().Str("run", rec.ID).Logger()

	status := model.StatusSucceeded
	err := r.syncStep(ctx, log, cfg, rec, dryRun)
	if err != nil {
		status = model.StatusSyncFailed
	}

	if dryRun {
		rec.Status = status
		rec.FinishedAt = r.now()
		if err != nil {
			rec.Error = err.Error()
		}
		return rec, err
	}
	return r.finish(log, rec, status, err)
}

// BuildOnly builds the image from the context as it is on disk.
func (r *Runner) BuildOnly(ctx context.Context, cfg *config.Config) (*model.RunRecord, error) {
	rec := r.start(cfg)
	rec.Skipped = []string{StepSync}
	rec.Source, rec.Destination = "", ""
	log := r.Log.With().Str("run", rec.ID).Logger()

	if err := r.buildStep(ctx, log, cfg, rec); err != nil {
		return r.finish(log, rec, model.StatusBuildFailed, err)
	}
	return r.finish(log, rec, model.StatusSucceeded, nil)
}

func (r *Runner) start(cfg *config.Config) *model.RunRecord {
	return &model.RunRecord{
		ID:          r.newID(),
		StartedAt:   r.now(),
		Source:      cfg.Sync.Source,
		Destination: cfg.Sync.Destination,
		Tag:         cfg.Build.Tag,
		Dockerfile:  cfg.Build.Dockerfile,
	}
}

func (r *Runner) syncStep(ctx context.Context, log zerolog.Logger, cfg *config.Config, rec *model.RunRecord, dryRun bool) error {
	matcher, err := exclude.Load(cfg.Sync.ExcludeFrom)
	if err != nil {
		return err
	}

	log.Info().
		Str("source", cfg.Sync.Source).
		Str("destination", cfg.Sync.Destination).
		Bool("dry_run", dryRun).
		Msg("synchronizing")
	log.Debug().Strs("rules", matcher.Patterns()).Msg("exclusion rules")

	stats, err := r.Syncer.Mirror(ctx, syncer.Options{
		Source:      cfg.Sync.Source,
		Destination: cfg.Sync.Destination,
		Exclude:     matcher,
		Checksum:    cfg.Sync.Checksum,
		DryRun:      dryRun,
		OnChange:    r.OnChange,
	})
	rec.Sync = stats
	if err != nil {
		return err
	}

	log.Info().
		Int("created", stats.Created).
		Int("updated", stats.Updated).
		Int("deleted", stats.Deleted).
		Int("unchanged", stats.Unchanged).
		Int64("bytes", stats.Bytes).
		Msg("synchronized")
	return nil
}

func (r *Runner) buildStep(ctx context.Context, log zerolog.Logger, cfg *config.Config, rec *model.RunRecord) error {
	args, err := cfg.BuildArgs()
	if err != nil {
		return err
	}

	info := docker.BuildInfo{RunID: rec.ID, Source: rec.Source, CreatedAt: rec.StartedAt}
	if r.Revision != nil {
		revPath := rec.Source
		if revPath == "" {
			revPath = cfg.Build.Context
		}
		rev, ok, err := r.Revision(revPath)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("path", revPath).Msg("failed to read git revision")
		case ok:
			info.Revision = rev.Commit
			rec.Revision = rev.Commit
			rec.Branch = rev.Branch
			log.Debug().Str("revision", rev.Short()).Str("branch", rev.Branch).Msg("source revision")
		}
	}

	log.Info().
		Str("context", cfg.Build.Context).
		Str("dockerfile", cfg.Build.Dockerfile).
		Str("tag", cfg.Build.Tag).
		Bool("no_cache", cfg.NoCacheEnabled()).
		Msg("building image")

	res, err := r.Builder.Build(ctx, docker.BuildRequest{
		ContextDir: cfg.Build.Context,
		Dockerfile: cfg.Build.Dockerfile,
		Tag:        cfg.Build.Tag,
		NoCache:    cfg.NoCacheEnabled(),
		Pull:       cfg.Build.Pull,
		BuildArgs:  args,
		Labels:     docker.BuildLabels(info, cfg.Build.Labels),
	})
	if err != nil {
		return err
	}

	rec.ImageID = res.ImageID
	log.Info().Str("image", model.ShortID(res.ImageID)).Str("tag", res.Tag).Msg("image built")
	return nil
}

// finish stamps the record, stores it and hands err back. A history
// failure is logged and does not change the outcome of the run.
func (r *Runner) finish(log zerolog.Logger, rec *model.RunRecord, status model.RunStatus, err error) (*model.RunRecord, error) {
	rec.Status = status
	rec.FinishedAt = r.now()
	if err != nil {
		rec.Error = err.Error()
		log.Debug().Err(err).Str("status", status.String()).Msg("run failed")
	}

	if r.History != nil {
		if herr := r.History.Record(rec); herr != nil {
			log.Warn().Err(herr).Msg("failed to record run history")
		}
	}
	return rec, err
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

func (r *Runner) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}
