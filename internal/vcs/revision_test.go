package vcs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a repository with one commit and returns its hash.
func initRepo(t *testing.T, dir string) plumbing.Hash {
	t.Helper()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err, "failed to initialize git repo")

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "py"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "py", "main.py"), []byte("print('hi')\n"), 0o644))

	w, err := repo.Worktree()
	require.NoError(t, err)
	_, err = w.Add("py/main.py")
	require.NoError(t, err)

	hash, err := w.Commit("Initial commit", &git.CommitOptions{
		Author: &object.Signature{
			Name:  "Test",
			Email: "test@example.com",
			When:  time.Now(),
		},
	})
	require.NoError(t, err, "failed to create initial commit")
	return hash
}

func TestRevision(t *testing.T) {
	dir := t.TempDir()
	hash := initRepo(t, dir)

	info, ok, err := Revision(dir)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, hash.String(), info.Commit)
	assert.NotEmpty(t, info.Branch)
	assert.Equal(t, hash.String()[:8], info.Short())
}

// TestRevision_Subdirectory verifies that .git is found in a parent
// directory, which is how the synced source usually sits in a checkout.
func TestRevision_Subdirectory(t *testing.T) {
	dir := t.TempDir()
	hash := initRepo(t, dir)

	info, ok, err := Revision(filepath.Join(dir, "py"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, hash.String(), info.Commit)
}

func TestRevision_DetachedHead(t *testing.T) {
	dir := t.TempDir()
	hash := initRepo(t, dir)

	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	w, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, w.Checkout(&git.CheckoutOptions{Hash: hash}))

	info, ok, err := Revision(dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, hash.String(), info.Commit)
	assert.Empty(t, info.Branch, "detached HEAD has no branch")
}

func TestRevision_NotARepository(t *testing.T) {
	info, ok, err := Revision(t.TempDir())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, info.Commit)
}

func TestRevision_NoCommits(t *testing.T) {
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	_, ok, err := Revision(dir)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInfo_Short(t *testing.T) {
	assert.Equal(t, "abc", Info{Commit: "abc"}.Short())
	assert.Equal(t, "01234567", Info{Commit: "0123456789"}.Short())
}
