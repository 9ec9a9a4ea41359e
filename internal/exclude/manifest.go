// Package exclude loads path exclusion lists and answers whether a
// relative path should be left out of a mirror or a build context.
//
// Two list formats are supported. Exclusion manifests follow rsync's
// --exclude-from conventions ('#' and ';' comments, optional "- " and
// "+ " rule prefixes, the first matching rule decides). Dockerignore
// files follow the Docker CLI, where every pattern is anchored at the
// context root and the last matching rule decides. Each rule is compiled
// with github.com/sabhiram/go-gitignore, so '*', '**' and trailing '/'
// behave as they do in .gitignore.
package exclude

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/mmr-tortoise/buildctx/internal/model"
)

// DockerignoreFile is the name of the Docker context ignore file.
const DockerignoreFile = ".dockerignore"

// Matcher decides whether a path is excluded. The zero value and a nil
// *Matcher both exclude nothing.
type Matcher struct {
	patterns []string
	rules    []rule

	// firstMatch selects rsync ordering; otherwise the last match wins.
	firstMatch bool
}

// rule is one compiled pattern. include is set for "!" patterns.
type rule struct {
	include  bool
	compiled *ignore.GitIgnore
}

func (r rule) matches(rel string, isDir bool) bool {
	return r.compiled.MatchesPath(rel) || (isDir && r.compiled.MatchesPath(rel+"/"))
}

// New compiles gitignore-syntax patterns into a Matcher where, as in
// .gitignore and .dockerignore, the last matching pattern decides.
func New(patterns ...string) *Matcher {
	return compile(false, patterns)
}

// NewManifest compiles patterns into a Matcher where, as in rsync's filter
// rules, the first matching pattern decides. "!pattern" re-includes.
func NewManifest(patterns ...string) *Matcher {
	return compile(true, patterns)
}

func compile(firstMatch bool, patterns []string) *Matcher {
	m := &Matcher{firstMatch: firstMatch}
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		line := unanchorDirPattern(p)
		include := strings.HasPrefix(line, "!")
		if include {
			line = line[1:]
		}
		if line == "" {
			continue
		}
		m.patterns = append(m.patterns, p)
		m.rules = append(m.rules, rule{include: include, compiled: ignore.CompileIgnoreLines(line)})
	}
	return m
}

// unanchorDirPattern rewrites "name/" as "**/name/" so that a bare
// directory pattern matches at any depth, as it does for rsync.
func unanchorDirPattern(p string) string {
	neg := ""
	if strings.HasPrefix(p, "!") {
		neg, p = "!", p[1:]
	}
	if strings.HasSuffix(p, "/") {
		name := strings.TrimSuffix(p, "/")
		if name != "" && !strings.Contains(name, "/") && !strings.HasPrefix(name, "**") {
			p = "**/" + p
		}
	}
	return neg + p
}

// Load reads an rsync-style exclusion manifest. An empty path yields a
// Matcher that excludes nothing; a path that does not exist is an error,
// matching rsync's refusal to run with a missing --exclude-from file.
func Load(manifestPath string) (*Matcher, error) {
	if manifestPath == "" {
		return New(), nil
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("exclusion manifest not found: %s", manifestPath), err)
		}
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("failed to read exclusion manifest %s", manifestPath), err)
	}

	return NewManifest(ParseManifest(data)...), nil
}

// ParseManifest converts rsync exclude-from lines into patterns for
// NewManifest, keeping their order.
//
//	# comment        ignored
//	; comment        ignored
//	+ keep.pyc       include keep.pyc (becomes "!keep.pyc")
//	- *.pyc          exclude *.pyc
//	__pycache__/     exclude every __pycache__ directory
//	!                clear every rule read so far
func ParseManifest(data []byte) []string {
	var patterns []string

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		raw := strings.TrimRight(scanner.Text(), "\r")
		if strings.HasPrefix(raw, "#") || strings.HasPrefix(raw, ";") {
			continue
		}

		var line string
		switch {
		case raw == "-" || strings.HasPrefix(raw, "- "):
			line = strings.TrimSpace(raw[1:])
		case raw == "+" || strings.HasPrefix(raw, "+ "):
			if p := strings.TrimSpace(raw[1:]); p != "" {
				line = "!" + p
			}
		case strings.TrimRight(raw, " \t") == "!":
			patterns = nil
			continue
		default:
			line = strings.TrimRight(raw, " \t")
		}

		if line == "" {
			continue
		}
		patterns = append(patterns, line)
	}

	return patterns
}

// LoadDockerignore reads <contextDir>/.dockerignore. A missing file is not
// an error and yields an empty Matcher.
func LoadDockerignore(contextDir string) (*Matcher, error) {
	data, err := os.ReadFile(filepath.Join(contextDir, DockerignoreFile))
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", DockerignoreFile, err)
	}
	return New(ParseDockerignore(data)...), nil
}

// ParseDockerignore converts .dockerignore lines into gitignore patterns.
// Docker anchors every pattern at the context root, so unanchored lines
// get a leading '/' unless they already start with "**".
func ParseDockerignore(data []byte) []string {
	var patterns []string

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		negate := strings.HasPrefix(line, "!")
		if negate {
			line = strings.TrimSpace(line[1:])
		}

		line = filepath.ToSlash(line)
		line = strings.TrimPrefix(line, "./")
		line = strings.TrimLeft(line, "/")
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "**") {
			line = "/" + line
		}
		if negate {
			line = "!" + line
		}
		patterns = append(patterns, line)
	}

	return patterns
}

// With returns a new Matcher holding m's patterns plus extra, with extra
// taking precedence over m's own patterns.
func (m *Matcher) With(extra ...string) *Matcher {
	if m == nil {
		return New(extra...)
	}
	var all []string
	if m.firstMatch {
		all = append(append(all, extra...), m.patterns...)
	} else {
		all = append(append(all, m.patterns...), extra...)
	}
	return compile(m.firstMatch, all)
}

// Patterns returns the patterns in the order they were given.
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.patterns))
	copy(out, m.patterns)
	return out
}

// Empty reports whether the Matcher has no patterns.
func (m *Matcher) Empty() bool {
	return m == nil || len(m.patterns) == 0
}

// Excluded reports whether rel (relative to the tree root, either
// separator style) is excluded. Directories are also tested with a
// trailing slash so that directory-only patterns such as "build/" match
// the directory entry itself and not only its children.
func (m *Matcher) Excluded(rel string, isDir bool) bool {
	if m.Empty() {
		return false
	}

	rel = path.Clean(filepath.ToSlash(rel))
	if rel == "." || rel == "" {
		return false
	}

	n := len(m.rules)
	for i := range n {
		r := m.rules[n-1-i]
		if m.firstMatch {
			r = m.rules[i]
		}
		if r.matches(rel, isDir) {
			return !r.include
		}
	}
	return false
}
