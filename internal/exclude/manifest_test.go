package exclude

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/buildctx/internal/model"
)

const sampleManifest = `# files that never belong in the image
; rsync also accepts semicolon comments

+ keep.pyc
- *.pyc
__pycache__/
/config/secrets.ini
*.log
`

func TestParseManifest(t *testing.T) {
	patterns := ParseManifest([]byte(sampleManifest))
	assert.Equal(t, []string{
		"!keep.pyc",
		"*.pyc",
		"__pycache__/",
		"/config/secrets.ini",
		"*.log",
	}, patterns)
}

func TestParseManifest_IgnoresBareRulePrefixes(t *testing.T) {
	assert.Empty(t, ParseManifest([]byte("- \n+ \n-\n+\n-   \n\n")))
}

func TestParseManifest_BangClearsRules(t *testing.T) {
	patterns := ParseManifest([]byte("*.pyc\n- *.log\n!\n*.tmp\n"))
	assert.Equal(t, []string{"*.tmp"}, patterns)
}

func TestNewManifest_FirstMatchWins(t *testing.T) {
	t.Run("include before exclude keeps the file", func(t *testing.T) {
		m := NewManifest(ParseManifest([]byte("+ keep.pyc\n- *.pyc\n"))...)
		assert.False(t, m.Excluded("keep.pyc", false))
		assert.False(t, m.Excluded("app/keep.pyc", false))
		assert.True(t, m.Excluded("other.pyc", false))
	})

	t.Run("exclude before include drops the file", func(t *testing.T) {
		m := NewManifest(ParseManifest([]byte("- *.pyc\n+ keep.pyc\n"))...)
		assert.True(t, m.Excluded("keep.pyc", false))
	})

	t.Run("gitignore order is the reverse", func(t *testing.T) {
		m := New("!keep.pyc", "*.pyc")
		assert.True(t, m.Excluded("keep.pyc", false))
		m = New("*.pyc", "!keep.pyc")
		assert.False(t, m.Excluded("keep.pyc", false))
	})
}

func TestMatcher_Excluded(t *testing.T) {
	m := NewManifest(ParseManifest([]byte(sampleManifest))...)

	tests := []struct {
		name  string
		rel   string
		isDir bool
		want  bool
	}{
		{"top-level bytecode", "main.pyc", false, true},
		{"nested bytecode", "app/models/user.pyc", false, true},
		{"re-included file", "keep.pyc", false, false},
		{"cache directory", "app/__pycache__", true, true},
		{"cache directory at root", "__pycache__", true, true},
		{"file named like the cache dir", "app/__pycache__", false, false},
		{"anchored secret", "config/secrets.ini", false, true},
		{"secret elsewhere", "app/config/secrets.ini", false, false},
		{"log file", "var/app.log", false, true},
		{"source file", "main.py", false, false},
		{"windows separators", filepath.Join("app", "x.pyc"), false, true},
		{"root", ".", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Excluded(tt.rel, tt.isDir))
		})
	}
}

func TestMatcher_NilAndEmpty(t *testing.T) {
	var nilMatcher *Matcher
	assert.True(t, nilMatcher.Empty())
	assert.False(t, nilMatcher.Excluded("anything", false))

	empty := New()
	assert.True(t, empty.Empty())
	assert.False(t, empty.Excluded("anything", true))
}

func TestMatcher_With(t *testing.T) {
	base := New("*.pyc")
	extended := base.With("/build_context/")

	assert.Equal(t, []string{"*.pyc"}, base.Patterns(), "With must not mutate the receiver")
	assert.Equal(t, []string{"*.pyc", "/build_context/"}, extended.Patterns())
	assert.True(t, extended.Excluded("build_context", true))
	assert.True(t, extended.Excluded("x.pyc", false))
	assert.False(t, base.Excluded("build_context", true))

	var nilMatcher *Matcher
	assert.Equal(t, []string{"*.tmp"}, nilMatcher.With("*.tmp").Patterns())
}

func TestMatcher_WithTakesPrecedenceInManifest(t *testing.T) {
	m := NewManifest(ParseManifest([]byte("+ build_context/\n"))...).With("/build_context/")

	assert.Equal(t, []string{"/build_context/", "!build_context/"}, m.Patterns())
	assert.True(t, m.Excluded("build_context", true), "the added rule is checked first")
}

func TestLoad(t *testing.T) {
	t.Run("empty path excludes nothing", func(t *testing.T) {
		m, err := Load("")
		require.NoError(t, err)
		assert.True(t, m.Empty())
	})

	t.Run("reads manifest from disk", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "exclude.lst")
		require.NoError(t, os.WriteFile(p, []byte(sampleManifest), 0o644))

		m, err := Load(p)
		require.NoError(t, err)
		assert.Len(t, m.Patterns(), 5)
		assert.True(t, m.Excluded("a.pyc", false))
	})

	t.Run("missing manifest is a config error", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.lst"))
		require.Error(t, err)
		assert.Equal(t, model.ExitConfigError, model.ExitCodeOf(err))
		assert.Contains(t, err.Error(), "exclusion manifest not found")
	})
}

func TestParseDockerignore(t *testing.T) {
	data := []byte("# deps\nnode_modules\n*.md\n!README.md\n./tmp/\n/dist\n**/*.bak\n\n")

	assert.Equal(t, []string{
		"/node_modules",
		"/*.md",
		"!/README.md",
		"/tmp/",
		"/dist",
		"**/*.bak",
	}, ParseDockerignore(data))
}

func TestLoadDockerignore(t *testing.T) {
	t.Run("absent file", func(t *testing.T) {
		m, err := LoadDockerignore(t.TempDir())
		require.NoError(t, err)
		assert.True(t, m.Empty())
	})

	t.Run("patterns are anchored at the context root", func(t *testing.T) {
		dir := t.TempDir()
		content := "node_modules\n*.md\n!README.md\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, DockerignoreFile), []byte(content), 0o644))

		m, err := LoadDockerignore(dir)
		require.NoError(t, err)

		assert.True(t, m.Excluded("node_modules", true))
		assert.True(t, m.Excluded("node_modules/left-pad/index.js", false))
		assert.True(t, m.Excluded("CHANGELOG.md", false))
		assert.False(t, m.Excluded("README.md", false), "negated pattern re-includes README.md")
		assert.False(t, m.Excluded("docs/guide.md", false), "root-anchored *.md does not reach subdirectories")
	})
}
