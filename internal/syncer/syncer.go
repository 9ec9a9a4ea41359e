// Package syncer mirrors a source directory into a destination directory.
//
// Mirror behaves like `rsync -a --delete --delete-excluded --exclude-from`:
// every source entry that the exclusion matcher lets through is copied,
// and every destination entry that is absent from the source or excluded
// is removed. Files are compared with rsync's quick check (size plus
// mtime at one-second resolution) unless Options.Checksum asks for a
// content comparison. Copying preserves mode and mtime, which is what
// makes a second pass over an unchanged tree a no-op.
package syncer

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mmr-tortoise/buildctx/internal/exclude"
	"github.com/mmr-tortoise/buildctx/internal/model"
)

// mtimeWindow is the resolution at which modification times are compared.
const mtimeWindow = time.Second

// Options configures a single Mirror call.
type Options struct {
	// Source is the directory to mirror. It must exist.
	Source string

	// Destination is created if missing.
	Destination string

	// Exclude filters source-relative paths. Nil excludes nothing.
	Exclude *exclude.Matcher

	// Checksum replaces the size+mtime quick check with a SHA-256
	// comparison of file contents.
	Checksum bool

	// DryRun reports changes without touching the destination.
	DryRun bool

	// OnChange, when set, receives every change in the order it is applied.
	OnChange func(model.Change)
}

// Syncer runs mirror passes. The zero value is not usable; call New.
type Syncer struct {
	log zerolog.Logger
}

// New returns a Syncer that logs through log.
func New(log zerolog.Logger) *Syncer {
	return &Syncer{log: log}
}

// Mirror makes opts.Destination an exact copy of the non-excluded subset
// of opts.Source. It returns the statistics of the pass. I/O errors abort
// the pass immediately; changes already applied are not rolled back.
func (s *Syncer) Mirror(ctx context.Context, opts Options) (model.SyncStats, error) {
	var stats model.SyncStats

	src, dst, err := resolveRoots(opts.Source, opts.Destination)
	if err != nil {
		return stats, err
	}

	matcher := opts.Exclude
	if rel, inside := within(src, dst); inside {
		// The destination lives in the source tree; never mirror it into itself.
		matcher = matcher.With("/" + filepath.ToSlash(rel) + "/")
		s.log.Debug().Str("path", rel).Msg("destination is inside source, excluding it")
	}

	m := &mirror{
		ctx:      ctx,
		opts:     opts,
		src:      src,
		dst:      dst,
		matcher:  matcher,
		keep:     make(map[string]struct{}),
		replaced: make(map[string]struct{}),
		stats:    &stats,
	}

	if err := m.ensureRoot(); err != nil {
		return stats, err
	}
	if err := m.copyPass(); err != nil {
		return stats, err
	}
	if err := m.deletePass(); err != nil {
		return stats, err
	}

	s.log.Debug().
		Int("created", stats.Created).
		Int("updated", stats.Updated).
		Int("deleted", stats.Deleted).
		Int("unchanged", stats.Unchanged).
		Int64("bytes", stats.Bytes).
		Bool("dry_run", opts.DryRun).
		Msg("mirror complete")

	return stats, nil
}

// resolveRoots validates the source and returns absolute source and
// destination paths.
func resolveRoots(source, destination string) (string, string, error) {
	if source == "" {
		return "", "", model.NewCLIError(model.ExitConfigError, "sync source is not set")
	}
	if destination == "" {
		return "", "", model.NewCLIError(model.ExitConfigError, "sync destination is not set")
	}

	src, err := filepath.Abs(source)
	if err != nil {
		return "", "", model.WrapCLIError(model.ExitSyncFailed, "failed to resolve source path", err)
	}
	dst, err := filepath.Abs(destination)
	if err != nil {
		return "", "", model.WrapCLIError(model.ExitSyncFailed, "failed to resolve destination path", err)
	}

	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", "", model.WrapCLIError(model.ExitSourceNotFound,
				fmt.Sprintf("source directory not found: %s", source), err)
		}
		return "", "", model.WrapCLIError(model.ExitSyncFailed,
			fmt.Sprintf("failed to stat source %s", source), err)
	}
	if !info.IsDir() {
		return "", "", model.NewCLIError(model.ExitSourceNotFound,
			fmt.Sprintf("source is not a directory: %s", source))
	}

	if src == dst {
		return "", "", model.NewCLIError(model.ExitConfigError,
			"source and destination are the same directory")
	}
	if _, inside := within(dst, src); inside {
		return "", "", model.NewCLIError(model.ExitConfigError,
			fmt.Sprintf("destination %s contains the source %s", destination, source))
	}

	return src, dst, nil
}

// within reports whether child is strictly below parent, and returns the
// relative path when it is.
func within(parent, child string) (string, bool) {
	rel, err := filepath.Rel(parent, child)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

// mirror carries the state of one Mirror call.
type mirror struct {
	ctx     context.Context
	opts    Options
	src     string
	dst     string
	matcher *exclude.Matcher

	// keep holds every slash-separated relative path that must survive
	// the delete pass.
	keep map[string]struct{}

	// replaced holds directories a dry run pretended to remove so that a
	// different entry type could take their place.
	replaced map[string]struct{}

	stats *model.SyncStats
}

func (m *mirror) emit(op model.ChangeOp, rel string) {
	if m.opts.OnChange != nil {
		m.opts.OnChange(model.Change{Op: op, Path: rel})
	}
}

func (m *mirror) ensureRoot() error {
	info, err := os.Lstat(m.dst)
	switch {
	case err == nil && info.IsDir():
		return nil
	case err == nil:
		// Something other than a directory occupies the destination root.
		if m.opts.DryRun {
			return nil
		}
		if err := os.Remove(m.dst); err != nil {
			return model.WrapCLIError(model.ExitSyncFailed, "failed to replace destination root", err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return model.WrapCLIError(model.ExitSyncFailed, "failed to stat destination", err)
	}

	if m.opts.DryRun {
		return nil
	}
	srcInfo, err := os.Stat(m.src)
	if err != nil {
		return model.WrapCLIError(model.ExitSyncFailed, "failed to stat source", err)
	}
	if err := os.MkdirAll(m.dst, srcInfo.Mode().Perm()); err != nil {
		return model.WrapCLIError(model.ExitSyncFailed, "failed to create destination", err)
	}
	return nil
}

// copyPass walks the source in lexical order and brings every kept entry
// up to date in the destination.
func (m *mirror) copyPass() error {
	return filepath.WalkDir(m.src, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return model.WrapCLIError(model.ExitSyncFailed, fmt.Sprintf("failed to read %s", p), walkErr)
		}
		if err := m.ctx.Err(); err != nil {
			return err
		}
		if p == m.src {
			return nil
		}

		rel, err := filepath.Rel(m.src, p)
		if err != nil {
			return model.WrapCLIError(model.ExitSyncFailed, "failed to relativize path", err)
		}
		slashRel := filepath.ToSlash(rel)

		if m.matcher.Excluded(slashRel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(m.dst, rel)
		typ := d.Type()

		switch {
		case typ.IsDir():
			m.keep[slashRel] = struct{}{}
			return m.syncDir(p, target, slashRel)
		case typ&fs.ModeSymlink != 0:
			m.keep[slashRel] = struct{}{}
			return m.syncSymlink(p, target, slashRel)
		case typ.IsRegular():
			m.keep[slashRel] = struct{}{}
			return m.syncFile(p, target, slashRel)
		default:
			// Devices, sockets and FIFOs are not part of a build context.
			return nil
		}
	})
}

func (m *mirror) syncDir(srcPath, target, rel string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		return model.WrapCLIError(model.ExitSyncFailed, fmt.Sprintf("failed to stat %s", rel), err)
	}

	info, err := os.Lstat(target)
	if err == nil && info.IsDir() {
		if info.Mode().Perm() != srcInfo.Mode().Perm() && !m.opts.DryRun {
			if err := os.Chmod(target, srcInfo.Mode().Perm()); err != nil {
				return model.WrapCLIError(model.ExitSyncFailed, fmt.Sprintf("failed to chmod %s", rel), err)
			}
		}
		return nil
	}
	if err != nil && !missing(err) {
		return model.WrapCLIError(model.ExitSyncFailed, fmt.Sprintf("failed to stat %s", rel), err)
	}

	if err == nil {
		// A file or link sits where the directory belongs.
		if err := m.removeEntry(target, rel); err != nil {
			return err
		}
	}

	m.stats.Dirs++
	m.emit(model.OpMkdir, rel)
	if m.opts.DryRun {
		return nil
	}
	if err := os.Mkdir(target, srcInfo.Mode().Perm()); err != nil {
		return model.WrapCLIError(model.ExitSyncFailed, fmt.Sprintf("failed to create directory %s", rel), err)
	}
	return nil
}

func (m *mirror) syncSymlink(srcPath, target, rel string) error {
	link, err := os.Readlink(srcPath)
	if err != nil {
		return model.WrapCLIError(model.ExitSyncFailed, fmt.Sprintf("failed to read link %s", rel), err)
	}

	info, err := os.Lstat(target)
	if err == nil {
		if info.Mode()&fs.ModeSymlink != 0 {
			if existing, rerr := os.Readlink(target); rerr == nil && existing == link {
				return nil
			}
		}
		if err := m.removeEntry(target, rel); err != nil {
			return err
		}
	} else if !missing(err) {
		return model.WrapCLIError(model.ExitSyncFailed, fmt.Sprintf("failed to stat %s", rel), err)
	}

	m.stats.Links++
	m.emit(model.OpSymlink, rel)
	if m.opts.DryRun {
		return nil
	}
	if err := os.Symlink(link, target); err != nil {
		return model.WrapCLIError(model.ExitSyncFailed, fmt.Sprintf("failed to create link %s", rel), err)
	}
	return nil
}

func (m *mirror) syncFile(srcPath, target, rel string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		return model.WrapCLIError(model.ExitSyncFailed, fmt.Sprintf("failed to stat %s", rel), err)
	}

	op := model.OpCreate
	info, err := os.Lstat(target)
	switch {
	case err == nil && info.Mode().IsRegular():
		same, err := m.sameFile(srcPath, srcInfo, target, info)
		if err != nil {
			return model.WrapCLIError(model.ExitSyncFailed, fmt.Sprintf("failed to compare %s", rel), err)
		}
		if same {
			if info.Mode().Perm() != srcInfo.Mode().Perm() && !m.opts.DryRun {
				if err := os.Chmod(target, srcInfo.Mode().Perm()); err != nil {
					return model.WrapCLIError(model.ExitSyncFailed, fmt.Sprintf("failed to chmod %s", rel), err)
				}
			}
			m.stats.Unchanged++
			return nil
		}
		op = model.OpUpdate
	case err == nil:
		if err := m.removeEntry(target, rel); err != nil {
			return err
		}
	case !missing(err):
		return model.WrapCLIError(model.ExitSyncFailed, fmt.Sprintf("failed to stat %s", rel), err)
	}

	if op == model.OpCreate {
		m.stats.Created++
	} else {
		m.stats.Updated++
	}
	m.stats.Bytes += srcInfo.Size()
	m.emit(op, rel)

	if m.opts.DryRun {
		return nil
	}
	if err := copyFile(srcPath, target, srcInfo); err != nil {
		return model.WrapCLIError(model.ExitSyncFailed, fmt.Sprintf("failed to copy %s", rel), err)
	}
	return nil
}

// sameFile implements the change check.
func (m *mirror) sameFile(srcPath string, srcInfo fs.FileInfo, dstPath string, dstInfo fs.FileInfo) (bool, error) {
	if srcInfo.Size() != dstInfo.Size() {
		return false, nil
	}
	if m.opts.Checksum {
		a, err := fileDigest(srcPath)
		if err != nil {
			return false, err
		}
		b, err := fileDigest(dstPath)
		if err != nil {
			return false, err
		}
		return a == b, nil
	}
	return srcInfo.ModTime().Truncate(mtimeWindow).Equal(dstInfo.ModTime().Truncate(mtimeWindow)), nil
}

// removeEntry deletes a destination entry that is in the way of a source
// entry of a different type. It is counted as a deletion.
func (m *mirror) removeEntry(target, rel string) error {
	m.stats.Deleted++
	m.emit(model.OpDelete, rel)
	if m.opts.DryRun {
		m.replaced[rel] = struct{}{}
		return nil
	}
	if err := os.RemoveAll(target); err != nil {
		return model.WrapCLIError(model.ExitSyncFailed, fmt.Sprintf("failed to remove %s", rel), err)
	}
	return nil
}

// deletePass removes every destination entry that the copy pass did not
// mark as kept. Removed directories are not descended into.
func (m *mirror) deletePass() error {
	if _, err := os.Lstat(m.dst); errors.Is(err, fs.ErrNotExist) {
		// Only reachable in dry-run mode, where the root was never created.
		return nil
	}

	var doomed []string
	err := filepath.WalkDir(m.dst, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return model.WrapCLIError(model.ExitSyncFailed, fmt.Sprintf("failed to read %s", p), walkErr)
		}
		if err := m.ctx.Err(); err != nil {
			return err
		}
		if p == m.dst {
			return nil
		}

		rel, err := filepath.Rel(m.dst, p)
		if err != nil {
			return model.WrapCLIError(model.ExitSyncFailed, "failed to relativize path", err)
		}
		slashRel := filepath.ToSlash(rel)

		if _, ok := m.replaced[slashRel]; ok && d.IsDir() {
			// A real run has already removed this directory with everything in it.
			return filepath.SkipDir
		}
		if _, ok := m.keep[slashRel]; ok {
			return nil
		}
		doomed = append(doomed, slashRel)
		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return err
	}

	sort.Strings(doomed)
	for _, rel := range doomed {
		if err := m.ctx.Err(); err != nil {
			return err
		}
		if err := m.removeEntry(filepath.Join(m.dst, filepath.FromSlash(rel)), rel); err != nil {
			return err
		}
	}
	return nil
}

// copyFile writes src to a temporary file next to dst and renames it into
// place, so a reader never sees a half-written file.
func copyFile(src, dst string, srcInfo fs.FileInfo) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpName, srcInfo.Mode().Perm()); err != nil {
		return err
	}
	if err = os.Chtimes(tmpName, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}

// missing reports whether err means the path does not exist. ENOTDIR
// shows up in dry runs, where a file still occupies a directory's place.
func missing(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func fileDigest(p string) ([sha256.Size]byte, error) {
	var sum [sha256.Size]byte

	f, err := os.Open(p)
	if err != nil {
		return sum, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}
