// list_test.go contains unit tests for the pure formatting functions used
// by the list and history commands. None of them need a Docker daemon.
package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mmr-tortoise/buildctx/internal/model"
)

// TestFormatTags verifies tag joining and the dangling-image placeholder.
func TestFormatTags(t *testing.T) {
	tests := []struct {
		name string
		tags []string
		want string
	}{
		{name: "nil tags", tags: nil, want: "<none>"},
		{name: "empty tags", tags: []string{}, want: "<none>"},
		{name: "single tag", tags: []string{"app:latest"}, want: "app:latest"},
		{name: "multiple tags", tags: []string{"app:dev", "app:latest"}, want: "app:dev,app:latest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatTags(tt.tags))
		})
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
		{3 * 1024 * 1024 * 1024, "3.0 GiB"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, formatSize(tt.in))
		})
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "12ms", formatDuration(12345*time.Microsecond))
	assert.Equal(t, "41.2s", formatDuration(41234*time.Millisecond))
	assert.Equal(t, "2m5s", formatDuration(125400*time.Millisecond))
}

func TestPrintImagesText(t *testing.T) {
	var buf bytes.Buffer
	printImagesText(&buf, nil)
	assert.Equal(t, "No images built by buildctx found.\n", buf.String())

	buf.Reset()
	printImagesText(&buf, []model.ImageInfo{{
		ID:        "sha256:5d41402abc4b2a76b9719d911017c592",
		Tags:      []string{"app:latest"},
		RunID:     "7f1c2a44-0000-4000-8000-000000000001",
		Revision:  "4b825dc642cb6eb9a060e54bf8d69288fbee4904",
		CreatedAt: time.Date(2026, 10, 19, 7, 0, 41, 0, time.UTC),
		Size:      412 * 1024 * 1024,
	}})

	out := buf.String()
	assert.Contains(t, out, "IMAGE ID")
	assert.Contains(t, out, "5d41402abc4b ")
	assert.Contains(t, out, "app:latest")
	assert.Contains(t, out, "412.0 MiB")
	assert.Contains(t, out, "7f1c2a44 ")
	assert.Contains(t, out, "4b825dc6")
}

func TestPrintHistoryText(t *testing.T) {
	var buf bytes.Buffer
	printHistoryText(&buf, nil)
	assert.Equal(t, "No runs recorded.\n", buf.String())

	start := time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC)
	buf.Reset()
	printHistoryText(&buf, []model.RunRecord{
		{
			ID:         "7f1c2a44-aaaa",
			StartedAt:  start,
			FinishedAt: start.Add(41200 * time.Millisecond),
			Status:     model.StatusSucceeded,
			Sync:       model.SyncStats{Created: 2, Deleted: 1, Unchanged: 9},
			ImageID:    "sha256:5d41402abc4b2a76",
			Tag:        "app:latest",
		},
		{
			ID:         "0b9e3d11-bbbb",
			StartedAt:  start.Add(-time.Hour),
			FinishedAt: start.Add(-time.Hour + 12*time.Millisecond),
			Status:     model.StatusSyncFailed,
			Tag:        "app:latest",
		},
	})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	assert.Len(t, lines, 3, "header plus one line per run")
	assert.Contains(t, string(lines[1]), "succeeded")
	assert.Contains(t, string(lines[1]), "41.2s")
	assert.Contains(t, string(lines[1]), "5d41402abc4b")
	assert.Regexp(t, `7f1c2a44 .* 3 `, string(lines[1]))
	assert.Contains(t, string(lines[2]), "sync-failed")
	assert.Regexp(t, `sync-failed\s+12ms\s+-\s+-\s+app:latest`, string(lines[2]))
}

func TestFilterRuns(t *testing.T) {
	runs := []model.RunRecord{
		{ID: "a", Status: model.StatusSucceeded},
		{ID: "b", Status: model.StatusBuildFailed},
		{ID: "c", Status: model.StatusSucceeded},
		{ID: "d", Status: model.StatusSucceeded},
	}

	tests := []struct {
		name   string
		status model.RunStatus
		limit  int
		want   []string
	}{
		{name: "all", want: []string{"a", "b", "c", "d"}},
		{name: "limit", limit: 2, want: []string{"a", "b"}},
		{name: "status", status: model.StatusSucceeded, want: []string{"a", "c", "d"}},
		{name: "status and limit", status: model.StatusSucceeded, limit: 2, want: []string{"a", "c"}},
		{name: "no match", status: model.StatusSyncFailed, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := filterRuns(runs, tt.status, tt.limit)
			ids := make([]string, 0, len(got))
			for _, r := range got {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestFormatRunSummary(t *testing.T) {
	start := time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC)
	rec := &model.RunRecord{
		ID:         "7f1c2a44-0000-4000-8000-000000000001",
		StartedAt:  start,
		FinishedAt: start.Add(41200 * time.Millisecond),
		Status:     model.StatusSucceeded,
		Sync:       model.SyncStats{Created: 2, Updated: 1, Unchanged: 37, Bytes: 12698},
		ImageID:    "sha256:5d41402abc4b2a76b9719d911017c592",
		Tag:        "app:latest",
		Revision:   "4b825dc642cb6eb9a060e54bf8d69288fbee4904",
		Branch:     "main",
	}

	want := "Run 7f1c2a44 succeeded in 41.2s\n" +
		"  sync:  2 created, 1 updated, 0 deleted, 37 unchanged (12.4 KiB)\n" +
		"  image: 5d41402abc4b tagged app:latest\n" +
		"  rev:   4b825dc6 (main)"
	assert.Equal(t, want, formatRunSummary(rec))

	rec.Skipped = []string{"build"}
	rec.ImageID, rec.Revision = "", ""
	assert.Equal(t,
		"Run 7f1c2a44 succeeded in 41.2s\n  sync:  2 created, 1 updated, 0 deleted, 37 unchanged (12.4 KiB)",
		formatRunSummary(rec))
}
