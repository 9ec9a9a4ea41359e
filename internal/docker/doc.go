// Package docker wraps the Docker Engine SDK for buildctx.
//
// This package handles:
//   - Docker client initialization with automatic socket detection
//     (Linux, macOS, Windows)
//   - Streaming a build context tar that honors .dockerignore
//   - Building an image with the daemon's progress rendered to a terminal
//   - Image labels that record which run produced an image, so "list"
//     needs no state outside the daemon
//
// The package uses github.com/docker/docker/client as the underlying
// Docker SDK, with version negotiation enabled for broad compatibility.
package docker
