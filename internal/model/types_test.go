package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRunStatus_IsValid checks that only defined status values pass validation.
func TestRunStatus_IsValid(t *testing.T) {
	assert.True(t, StatusSucceeded.IsValid())
	assert.True(t, StatusSyncFailed.IsValid())
	assert.True(t, StatusBuildFailed.IsValid())
	assert.False(t, RunStatus("running").IsValid())
	assert.False(t, RunStatus("").IsValid())
}

// TestParseRunStatus verifies string-to-status conversion,
// including case normalization and error cases.
func TestParseRunStatus(t *testing.T) {
	tests := []struct {
		input    string
		expected RunStatus
		hasError bool
	}{
		{"succeeded", StatusSucceeded, false},
		{"sync-failed", StatusSyncFailed, false},
		{"BUILD-FAILED", StatusBuildFailed, false},
		{"failed", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseRunStatus(tt.input)
			if tt.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestSyncStats_Mutations(t *testing.T) {
	assert.Zero(t, SyncStats{Unchanged: 42, Bytes: 0}.Mutations(),
		"unchanged files are not mutations")

	s := SyncStats{Created: 1, Updated: 2, Deleted: 3, Dirs: 4, Links: 5, Unchanged: 100}
	assert.Equal(t, 15, s.Mutations())
}

func TestSyncStats_Add(t *testing.T) {
	s := SyncStats{Created: 1, Bytes: 10}
	s.Add(SyncStats{Created: 2, Deleted: 1, Unchanged: 3, Bytes: 5})

	assert.Equal(t, SyncStats{Created: 3, Deleted: 1, Unchanged: 3, Bytes: 15}, s)
}

func TestChange_String(t *testing.T) {
	c := Change{Op: OpDelete, Path: "app/old.py"}
	assert.Equal(t, "delete   app/old.py", c.String())
}

func TestRunRecord_Duration(t *testing.T) {
	start := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	r := &RunRecord{StartedAt: start}
	assert.Zero(t, r.Duration(), "unfinished runs have no duration")

	r.FinishedAt = start.Add(90 * time.Second)
	assert.Equal(t, 90*time.Second, r.Duration())
}

func TestShortID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"sha256:0123456789abcdef0123", "0123456789ab"},
		{"0123456789abcdef", "0123456789ab"},
		{"abc", "abc"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ShortID(tt.in))
		})
	}
}

// TestCLIError verifies the error message format and unwrap chain.
func TestCLIError(t *testing.T) {
	t.Run("without underlying error", func(t *testing.T) {
		err := NewCLIError(ExitSourceNotFound, "source directory not found")
		assert.Equal(t, "source directory not found", err.Error())
		assert.Nil(t, err.Unwrap())
	})

	t.Run("with underlying error", func(t *testing.T) {
		inner := errors.New("permission denied")
		err := WrapCLIError(ExitSyncFailed, "copy app/main.py", inner)
		assert.Equal(t, "copy app/main.py: permission denied", err.Error())
		assert.True(t, errors.Is(err, inner))
	})
}

func TestExitCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ExitCode
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", errors.New("boom"), ExitGeneralError},
		{"cli error", NewCLIError(ExitBuildFailed, "build failed"), ExitBuildFailed},
		{
			"wrapped cli error",
			fmt.Errorf("run: %w", NewCLIError(ExitDockerfileNotFound, "missing Dockerfile")),
			ExitDockerfileNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCodeOf(tt.err))
		})
	}
}
