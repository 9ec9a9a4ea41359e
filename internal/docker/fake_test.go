package docker

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// fakeEngine stands in for the daemon. ImageBuild drains the context tar
// and records the entry names it saw.
type fakeEngine struct {
	pingErr error

	buildStream string
	buildErr    error
	buildCalls  int
	buildOpts   build.ImageBuildOptions
	entries     []string

	inspectID    string
	inspectErr   error
	inspectCalls int

	images   []image.Summary
	listOpts image.ListOptions
}

func (f *fakeEngine) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.51"}, f.pingErr
}

func (f *fakeEngine) ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	f.buildCalls++
	f.buildOpts = options
	if f.buildErr != nil {
		return build.ImageBuildResponse{}, f.buildErr
	}

	tr := tar.NewReader(buildContext)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return build.ImageBuildResponse{}, err
		}
		f.entries = append(f.entries, hdr.Name)
	}

	return build.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(f.buildStream))}, nil
}

func (f *fakeEngine) ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error) {
	f.inspectCalls++
	if f.inspectErr != nil {
		return image.InspectResponse{}, f.inspectErr
	}
	return image.InspectResponse{ID: f.inspectID}, nil
}

func (f *fakeEngine) ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
	f.listOpts = options
	return f.images, nil
}

func newFakeClient(f *fakeEngine) *Client {
	return &Client{api: f}
}
