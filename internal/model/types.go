package model

import (
	"fmt"
	"strings"
	"time"
)

// ChangeOp identifies the kind of mutation the synchronizer applied (or,
// in dry-run mode, would apply) to a destination path.
type ChangeOp string

const (
	// OpCreate copies a regular file that did not exist in the destination.
	OpCreate ChangeOp = "create"

	// OpUpdate overwrites a destination file whose size, mtime or content
	// differs from the source.
	OpUpdate ChangeOp = "update"

	// OpDelete removes a destination entry that is absent from, or
	// excluded in, the source.
	OpDelete ChangeOp = "delete"

	// OpMkdir creates a directory in the destination.
	OpMkdir ChangeOp = "mkdir"

	// OpSymlink creates or replaces a symbolic link in the destination.
	OpSymlink ChangeOp = "symlink"
)

// String returns the string representation of ChangeOp.
func (o ChangeOp) String() string {
	return string(o)
}

// Change is a single destination mutation. Path is slash-separated and
// relative to the destination root.
type Change struct {
	Op   ChangeOp `json:"op"`
	Path string   `json:"path"`
}

// String formats the change the way rsync's itemized output reads:
// an operation column followed by the path.
func (c Change) String() string {
	return fmt.Sprintf("%-8s %s", c.Op, c.Path)
}

// SyncStats summarizes a mirror pass.
type SyncStats struct {
	// Created counts regular files copied to paths that did not exist.
	Created int `json:"created"`

	// Updated counts regular files that were overwritten.
	Updated int `json:"updated"`

	// Deleted counts destination entries removed. A removed directory
	// counts once, regardless of how many entries it held.
	Deleted int `json:"deleted"`

	// Unchanged counts regular files that passed the change check.
	Unchanged int `json:"unchanged"`

	// Dirs counts directories created in the destination.
	Dirs int `json:"dirs"`

	// Links counts symbolic links created or replaced.
	Links int `json:"links"`

	// Bytes is the total payload copied.
	Bytes int64 `json:"bytes"`
}

// Mutations returns the number of filesystem changes the pass made.
// A second pass over an unchanged source reports zero.
func (s SyncStats) Mutations() int {
	return s.Created + s.Updated + s.Deleted + s.Dirs + s.Links
}

// Add accumulates other into s.
func (s *SyncStats) Add(other SyncStats) {
	s.Created += other.Created
	s.Updated += other.Updated
	s.Deleted += other.Deleted
	s.Unchanged += other.Unchanged
	s.Dirs += other.Dirs
	s.Links += other.Links
	s.Bytes += other.Bytes
}

// RunStatus is the terminal state of a pipeline run.
type RunStatus string

const (
	// StatusSucceeded means the sync and the build both completed.
	StatusSucceeded RunStatus = "succeeded"

	// StatusSyncFailed means the mirror step failed. The build was not
	// attempted.
	StatusSyncFailed RunStatus = "sync-failed"

	// StatusBuildFailed means the mirror completed but the image build
	// failed. No tag was created by this run.
	StatusBuildFailed RunStatus = "build-failed"
)

// String returns the string representation of RunStatus.
func (s RunStatus) String() string {
	return string(s)
}

// IsValid reports whether s is one of the defined statuses.
func (s RunStatus) IsValid() bool {
	switch s {
	case StatusSucceeded, StatusSyncFailed, StatusBuildFailed:
		return true
	default:
		return false
	}
}

// ParseRunStatus converts a string to a RunStatus.
func ParseRunStatus(s string) (RunStatus, error) {
	status := RunStatus(strings.ToLower(s))
	if !status.IsValid() {
		return "", fmt.Errorf("invalid run status: %q (valid: succeeded, sync-failed, build-failed)", s)
	}
	return status, nil
}

// RunRecord describes one pipeline execution. Records are persisted by
// the history store and printed by the "history" command.
type RunRecord struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Status     RunStatus `json:"status"`

	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Sync        SyncStats `json:"sync"`

	// Skipped names the steps that were not executed ("sync", "build").
	Skipped []string `json:"skipped,omitempty"`

	Tag        string `json:"tag,omitempty"`
	Dockerfile string `json:"dockerfile,omitempty"`
	ImageID    string `json:"imageId,omitempty"`
	Revision   string `json:"revision,omitempty"`
	Branch     string `json:"branch,omitempty"`

	// Error holds the failure message for failed runs.
	Error string `json:"error,omitempty"`
}

// Duration returns how long the run took.
func (r *RunRecord) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// ImageInfo holds what buildctx knows about an image it built, recovered
// from the image's labels.
type ImageInfo struct {
	ID        string    `json:"id"`
	Tags      []string  `json:"tags"`
	RunID     string    `json:"runId"`
	Revision  string    `json:"revision,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Size      int64     `json:"size"`
}

// ShortID returns the first 12 hex digits of an image ID, without the
// "sha256:" prefix, the same abbreviation the docker CLI prints.
func ShortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// ExitCode defines the CLI exit codes. Scripts wrapping buildctx can tell
// a sync failure apart from a build failure without parsing output.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitSourceNotFound indicates the sync source directory is missing.
	ExitSourceNotFound ExitCode = 2

	// ExitDockerNotRunning indicates the Docker daemon is not accessible.
	ExitDockerNotRunning ExitCode = 3

	// ExitSyncFailed indicates an I/O error while mirroring the tree.
	ExitSyncFailed ExitCode = 4

	// ExitBuildFailed indicates the daemon reported a build error.
	ExitBuildFailed ExitCode = 5

	// ExitDockerfileNotFound indicates the Dockerfile is not present in
	// the build context.
	ExitDockerfileNotFound ExitCode = 6

	// ExitConfigError indicates the configuration file or the exclusion
	// manifest could not be read or is invalid.
	ExitConfigError ExitCode = 7
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}

// ExitCodeOf returns the exit code carried by err. Errors that are not
// (and do not wrap) a CLIError map to ExitGeneralError; nil maps to
// ExitSuccess.
func ExitCodeOf(err error) ExitCode {
	if err == nil {
		return ExitSuccess
	}
	for e := err; e != nil; {
		if cliErr, ok := e.(*CLIError); ok {
			return cliErr.Code
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return ExitGeneralError
}
