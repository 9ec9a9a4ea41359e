package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/moby/term"

	"github.com/mmr-tortoise/buildctx/internal/model"
)

// BuildRequest describes one image build.
type BuildRequest struct {
	// ContextDir is the directory sent to the daemon as the build context.
	ContextDir string

	// Dockerfile is relative to ContextDir. Empty means "Dockerfile".
	Dockerfile string

	// Tag is applied to the image once every step succeeded. The daemon
	// never creates it for a failed build.
	Tag string

	NoCache   bool
	Pull      bool
	BuildArgs map[string]string
	Labels    map[string]string
}

// BuildResult is what a successful build produced.
type BuildResult struct {
	ImageID string
	Tag     string
}

// Builder runs image builds against a daemon and renders the progress
// stream to out.
type Builder struct {
	client *Client
	out    io.Writer
}

// NewBuilder returns a Builder that writes build output to out. A nil out
// discards it.
func NewBuilder(c *Client, out io.Writer) *Builder {
	if out == nil {
		out = io.Discard
	}
	return &Builder{client: c, out: out}
}

// Build checks the Dockerfile, streams the context and waits for the
// daemon to finish. A missing Dockerfile fails before the daemon is
// contacted. Errors reported inside the build stream are returned as
// ExitBuildFailed.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (BuildResult, error) {
	if req.Tag == "" {
		return BuildResult{}, model.NewCLIError(model.ExitConfigError, "image tag must not be empty")
	}

	dockerfile, err := ResolveDockerfile(req.ContextDir, req.Dockerfile)
	if err != nil {
		return BuildResult{}, err
	}

	buildCtx, err := ContextTar(req.ContextDir, dockerfile)
	if err != nil {
		return BuildResult{}, err
	}
	defer buildCtx.Close()

	resp, err := b.client.api.ImageBuild(ctx, buildCtx, buildOptions(req, dockerfile))
	if err != nil {
		if ctx.Err() != nil {
			return BuildResult{}, model.WrapCLIError(model.ExitBuildFailed, "build cancelled", ctx.Err())
		}
		return BuildResult{}, model.WrapCLIError(model.ExitBuildFailed,
			fmt.Sprintf("failed to start build of %s", req.Tag), err)
	}
	defer resp.Body.Close()

	imageID, err := b.render(resp.Body)
	if err != nil {
		return BuildResult{}, err
	}

	if imageID == "" {
		inspect, err := b.client.api.ImageInspect(ctx, req.Tag)
		if err != nil {
			return BuildResult{}, model.WrapCLIError(model.ExitBuildFailed,
				fmt.Sprintf("build finished but image %s could not be inspected", req.Tag), err)
		}
		imageID = inspect.ID
	}

	return BuildResult{ImageID: imageID, Tag: req.Tag}, nil
}

// render copies the daemon's JSON message stream to the terminal and
// returns the image ID announced in the aux message, if any.
func (b *Builder) render(body io.Reader) (string, error) {
	var imageID string
	aux := func(msg jsonmessage.JSONMessage) {
		if id := auxImageID(msg); id != "" {
			imageID = id
		}
	}

	fd, isTerm := term.GetFdInfo(b.out)
	if err := jsonmessage.DisplayJSONMessagesStream(body, b.out, fd, isTerm, aux); err != nil {
		var jerr *jsonmessage.JSONError
		if errors.As(err, &jerr) {
			return "", model.WrapCLIError(model.ExitBuildFailed, "image build failed", jerr)
		}
		return "", model.WrapCLIError(model.ExitBuildFailed, "failed to read build output", err)
	}
	return imageID, nil
}

// auxImageID extracts the image ID the classic builder reports as
// {"aux":{"ID":"sha256:..."}}.
func auxImageID(msg jsonmessage.JSONMessage) string {
	if msg.Aux == nil {
		return ""
	}
	var result struct {
		ID string `json:"ID"`
	}
	if err := json.Unmarshal(*msg.Aux, &result); err != nil {
		return ""
	}
	return result.ID
}

// buildOptions maps a request onto the Engine API options. Intermediate
// containers are always removed, also when a step fails.
func buildOptions(req BuildRequest, dockerfile string) build.ImageBuildOptions {
	opts := build.ImageBuildOptions{
		Tags:        []string{req.Tag},
		Dockerfile:  dockerfile,
		NoCache:     req.NoCache,
		Remove:      true,
		ForceRemove: true,
		PullParent:  req.Pull,
		Labels:      req.Labels,
	}

	if len(req.BuildArgs) > 0 {
		keys := make([]string, 0, len(req.BuildArgs))
		for k := range req.BuildArgs {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		opts.BuildArgs = make(map[string]*string, len(keys))
		for _, k := range keys {
			v := req.BuildArgs[k]
			opts.BuildArgs[k] = &v
		}
	}
	return opts
}
