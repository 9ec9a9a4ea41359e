package docker

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/mmr-tortoise/buildctx/internal/model"
)

// defaultPingTimeout bounds the daemon health check. Docker Desktop on
// macOS can take a couple of seconds to answer after waking up.
const defaultPingTimeout = 5 * time.Second

// engineAPI is the subset of the Engine SDK that buildctx calls.
// *client.Client satisfies it.
type engineAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
}

// Client wraps the Docker Engine SDK client. It is the only type in
// buildctx that holds a daemon connection.
//
//	c, err := docker.NewClient()
//	if err != nil { /* handle */ }
//	defer c.Close()
//	if err := c.Ping(ctx); err != nil { /* daemon down */ }
type Client struct {
	// api is the SDK surface buildctx uses. Holding the interface rather
	// than *client.Client lets tests substitute a fake daemon.
	api engineAPI

	// closer releases the SDK client; nil for fakes.
	closer func() error
}

// NewClient connects to the daemon named by DOCKER_HOST, or to the first
// platform socket that exists:
//   - Linux: /var/run/docker.sock, then $XDG_RUNTIME_DIR/docker.sock (rootless)
//   - macOS: /var/run/docker.sock, then ~/.docker/run/docker.sock
//   - Windows: npipe:////./pipe/docker_engine
//
// Returns a model.CLIError with ExitDockerNotRunning when no daemon
// endpoint can be found.
func NewClient() (*Client, error) {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return newClientWithHost(host)
	}

	host, err := detectDockerHost()
	if err != nil {
		return nil, model.WrapCLIError(model.ExitDockerNotRunning, "Docker socket not found", err)
	}
	return newClientWithHost(host)
}

func newClientWithHost(host string) (*Client, error) {
	// FromEnv picks up DOCKER_CERT_PATH and DOCKER_TLS_VERIFY for TCP hosts;
	// WithHost then pins the endpoint we selected.
	c, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitDockerNotRunning,
			fmt.Sprintf("failed to create Docker client for host %q", host), err)
	}
	return &Client{api: c, closer: c.Close}, nil
}

// socketCandidates returns the Unix socket paths to probe on goos, most
// preferred first.
func socketCandidates(goos, home, runtimeDir string) []string {
	candidates := []string{"/var/run/docker.sock"}
	switch goos {
	case "linux":
		if runtimeDir != "" {
			candidates = append(candidates, filepath.Join(runtimeDir, "docker.sock"))
		}
	case "darwin":
		if home != "" {
			candidates = append(candidates, filepath.Join(home, ".docker", "run", "docker.sock"))
		}
	}
	return candidates
}

func detectDockerHost() (string, error) {
	if runtime.GOOS == "windows" {
		// os.Stat does not work on named pipes; a short dial does.
		const pipePath = `//./pipe/docker_engine`
		conn, err := net.DialTimeout("pipe", pipePath, time.Second)
		if err != nil {
			return "", fmt.Errorf("Docker named pipe not found at %s: %w", pipePath, err)
		}
		conn.Close()
		return "npipe://" + pipePath, nil
	}

	home, _ := os.UserHomeDir()
	return detectUnixSocket(socketCandidates(runtime.GOOS, home, os.Getenv("XDG_RUNTIME_DIR")))
}

// detectUnixSocket returns the host URI of the first path that exists.
// Existence does not prove the daemon is listening; Ping does that.
func detectUnixSocket(paths []string) (string, error) {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return "unix://" + p, nil
		}
	}
	return "", fmt.Errorf("Docker socket not found at any of: %v; is Docker running?", paths)
}

// Ping verifies the daemon answers within defaultPingTimeout.
func (c *Client) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	if _, err := c.api.Ping(pingCtx); err != nil {
		return model.WrapCLIError(model.ExitDockerNotRunning,
			"Docker daemon is not responding, is Docker running?", err)
	}
	return nil
}

// Close releases the SDK client. It is safe to call more than once.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	closer := c.closer
	c.closer = nil
	return closer()
}
