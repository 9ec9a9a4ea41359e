// Package vcs reads the git revision of a source tree so built images can
// carry the commit they were built from.
package vcs

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Info identifies the checked-out commit of a work tree.
type Info struct {
	// Commit is the full HEAD hash.
	Commit string `json:"commit"`

	// Branch is the short branch name, empty on a detached HEAD.
	Branch string `json:"branch,omitempty"`
}

// Short returns the first 8 characters of the commit hash.
func (i Info) Short() string {
	if len(i.Commit) > 8 {
		return i.Commit[:8]
	}
	return i.Commit
}

// Revision returns the HEAD of the repository containing path. The
// repository root may be any parent of path. ok is false when path is not
// inside a repository or the repository has no commits yet.
func Revision(path string) (info Info, ok bool, err error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return Info{}, false, nil
		}
		return Info{}, false, fmt.Errorf("open repository at %s: %w", path, err)
	}

	ref, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return Info{}, false, nil
		}
		return Info{}, false, fmt.Errorf("resolve HEAD at %s: %w", path, err)
	}

	info.Commit = ref.Hash().String()
	if ref.Name().IsBranch() {
		info.Branch = ref.Name().Short()
	}
	return info, true, nil
}
