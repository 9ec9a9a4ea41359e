// Package watch reruns a callback when files under a source tree change.
// It recursively watches the tree with fsnotify, drops events for excluded
// paths, and debounces bursts (editors and git checkouts write many files
// per save) into a single callback.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/mmr-tortoise/buildctx/internal/exclude"
)

// DefaultDebounce is the quiet period that must follow the last event
// before the callback runs.
const DefaultDebounce = 500 * time.Millisecond

// Options configures a Watcher.
type Options struct {
	// Root is the directory to watch recursively.
	Root string

	// Exclude drops events for matching paths and keeps matching
	// directories out of the watch list.
	Exclude *exclude.Matcher

	// Skip lists absolute paths whose subtrees are never watched, such as
	// a mirror destination nested in Root.
	Skip []string

	// Debounce overrides DefaultDebounce when positive.
	Debounce time.Duration
}

// Func is called once per settled burst of changes. changed holds the
// slash-separated paths, relative to Root, that triggered the call.
type Func func(ctx context.Context, changed []string) error

// Watcher watches one source tree.
type Watcher struct {
	fw       *fsnotify.Watcher
	root     string
	exclude  *exclude.Matcher
	skip     []string
	debounce time.Duration
	log      zerolog.Logger
}

// New starts watching opts.Root. Call Close to release the watch handles.
func New(opts Options, log zerolog.Logger) (*Watcher, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root is not a directory: %s", root)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fw:       fw,
		root:     root,
		exclude:  opts.Exclude,
		debounce: opts.Debounce,
		log:      log,
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}
	for _, s := range opts.Skip {
		if abs, err := filepath.Abs(s); err == nil {
			w.skip = append(w.skip, abs)
		}
	}

	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fw.Close()
}

// WatchList returns the watched directories relative to the root.
func (w *Watcher) WatchList() []string {
	var out []string
	for _, p := range w.fw.WatchList() {
		rel, err := filepath.Rel(w.root, p)
		if err != nil {
			continue
		}
		out = append(out, filepath.ToSlash(rel))
	}
	sort.Strings(out)
	return out
}

// addTree adds dir and every non-ignored directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries can vanish between the event and the walk.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && w.ignored(p, true) {
			return filepath.SkipDir
		}
		if err := w.fw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

// ignored reports whether events for abs should be dropped. A path is
// ignored when it or any of its parent directories is skipped or excluded.
func (w *Watcher) ignored(abs string, isDir bool) bool {
	for _, s := range w.skip {
		if abs == s || strings.HasPrefix(abs, s+string(filepath.Separator)) {
			return true
		}
	}

	rel, err := filepath.Rel(w.root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true
	}
	if rel == "." || w.exclude.Empty() {
		return false
	}

	rel = filepath.ToSlash(rel)
	if w.exclude.Excluded(rel, isDir) {
		return true
	}
	for parent := pathDir(rel); parent != ""; parent = pathDir(parent) {
		if w.exclude.Excluded(parent, true) {
			return true
		}
	}
	return false
}

func pathDir(rel string) string {
	i := strings.LastIndex(rel, "/")
	if i < 0 {
		return ""
	}
	return rel[:i]
}

// Run blocks until ctx is done, calling fn after each quiet period that
// followed at least one relevant event. Calls never overlap: events that
// arrive while fn runs are collected and trigger the next call. An error
// from fn is logged and watching continues.
func (w *Watcher) Run(ctx context.Context, fn Func) error {
	pending := map[string]struct{}{}

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			rel, relevant := w.handle(event)
			if !relevant {
				continue
			}
			w.log.Debug().Str("path", rel).Str("op", event.Op.String()).Msg("change detected")
			pending[rel] = struct{}{}
			timer.Reset(w.debounce)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("watcher error")

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			sort.Strings(changed)
			pending = map[string]struct{}{}

			if err := fn(ctx, changed); err != nil {
				w.log.Error().Err(err).Msg("run after change failed")
			}
		}
	}
}

// handle extends the watch to new directories and reports whether the
// event should schedule a run.
func (w *Watcher) handle(event fsnotify.Event) (string, bool) {
	if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) ||
		event.Has(fsnotify.Chmod)) {
		return "", false
	}

	isDir := false
	if info, err := os.Lstat(event.Name); err == nil {
		isDir = info.IsDir()
	}
	if w.ignored(event.Name, isDir) {
		return "", false
	}

	if isDir && event.Has(fsnotify.Create) {
		if err := w.addTree(event.Name); err != nil {
			w.log.Warn().Err(err).Str("dir", event.Name).Msg("failed to watch new directory")
		}
	}

	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
