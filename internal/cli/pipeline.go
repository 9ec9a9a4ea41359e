package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mmr-tortoise/buildctx/internal/config"
	"github.com/mmr-tortoise/buildctx/internal/docker"
	"github.com/mmr-tortoise/buildctx/internal/history"
	"github.com/mmr-tortoise/buildctx/internal/model"
	"github.com/mmr-tortoise/buildctx/internal/pipeline"
	"github.com/mmr-tortoise/buildctx/internal/syncer"
)

// progressWriter is where the daemon's build output goes. In JSON mode
// stdout carries only the result document.
func progressWriter() io.Writer {
	if IsJSONOutput() {
		return os.Stderr
	}
	return os.Stdout
}

// connectDocker opens a daemon connection and verifies it answers.
func connectDocker(ctx context.Context) (*docker.Client, error) {
	c, err := docker.NewClient()
	if err != nil {
		return nil, err
	}
	if err := c.Ping(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	VerboseLog("Connected to Docker daemon")
	return c, nil
}

// historyStore returns the run recorder for cfg, or nil when the history
// location cannot be determined. History never blocks a run.
func historyStore(cfg *config.Config) pipeline.RunStore {
	path, err := cfg.HistoryDBPath()
	if err != nil {
		logger.Warn().Err(err).Msg("run history disabled")
		return nil
	}
	VerboseLog("Recording run history in %s", path)
	return history.Recorder{Path: path}
}

// lazyBuilder connects to the daemon on the first Build call.
type lazyBuilder struct {
	client  *docker.Client
	builder *docker.Builder
}

// Build connects if needed and delegates to docker.Builder.
func (l *lazyBuilder) Build(ctx context.Context, req docker.BuildRequest) (docker.BuildResult, error) {
	if l.builder == nil {
		// A missing Dockerfile is reported before any daemon error.
		if _, err := docker.ResolveDockerfile(req.ContextDir, req.Dockerfile); err != nil {
			return docker.BuildResult{}, err
		}
		c, err := connectDocker(ctx)
		if err != nil {
			return docker.BuildResult{}, err
		}
		l.client = c
		l.builder = docker.NewBuilder(c, progressWriter())
	}
	return l.builder.Build(ctx, req)
}

// Close releases the daemon connection, if one was opened.
func (l *lazyBuilder) Close() {
	if l.client != nil {
		_ = l.client.Close()
	}
}

// newRunner wires the real synchronizer, the given builder (nil for
// sync-only runs) and the history recorder.
func newRunner(cfg *config.Config, b pipeline.ImageBuilder) *pipeline.Runner {
	r := pipeline.New(syncer.New(logger), b, historyStore(cfg), logger)
	r.OnChange = func(c model.Change) {
		VerboseLog("%s", c)
	}
	return r
}

// printRunResult writes the outcome of a run to stdout.
func printRunResult(rec *model.RunRecord) error {
	if IsJSONOutput() {
		return printJSON(rec)
	}
	fmt.Println(formatRunSummary(rec))
	return nil
}

// formatRunSummary renders a finished run as a short block of text:
//
//	Run 7f1c2a44 succeeded in 41.2s
//	  sync:  2 created, 1 updated, 0 deleted, 37 unchanged (12.4 KiB)
//	  image: 5d41402abc4b tagged app:latest
func formatRunSummary(rec *model.RunRecord) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Run %s %s in %s", abbrev(rec.ID, 8), rec.Status, formatDuration(rec.Duration()))
	if !skipped(rec, pipeline.StepSync) {
		fmt.Fprintf(&b, "\n  sync:  %s", formatStats(rec.Sync))
	}
	if !skipped(rec, pipeline.StepBuild) && rec.ImageID != "" {
		fmt.Fprintf(&b, "\n  image: %s tagged %s", model.ShortID(rec.ImageID), rec.Tag)
	}
	if rec.Revision != "" {
		fmt.Fprintf(&b, "\n  rev:   %s", abbrev(rec.Revision, 8))
		if rec.Branch != "" {
			fmt.Fprintf(&b, " (%s)", rec.Branch)
		}
	}
	return b.String()
}

func skipped(rec *model.RunRecord, step string) bool {
	for _, s := range rec.Skipped {
		if s == step {
			return true
		}
	}
	return false
}

// formatStats summarizes a mirror pass in one line.
func formatStats(s model.SyncStats) string {
	return fmt.Sprintf("%d created, %d updated, %d deleted, %d unchanged (%s)",
		s.Created, s.Updated, s.Deleted, s.Unchanged, formatSize(s.Bytes))
}

// formatSize renders a byte count with binary units, as docker does for
// image sizes.
func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// formatDuration rounds to a precision that reads well for builds.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Minute:
		return d.Round(100 * time.Millisecond).String()
	default:
		return d.Round(time.Second).String()
	}
}

// abbrev truncates an identifier to n characters.
func abbrev(id string, n int) string {
	if len(id) > n {
		return id[:n]
	}
	return id
}
