package docker

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/mmr-tortoise/buildctx/internal/exclude"
	"github.com/mmr-tortoise/buildctx/internal/model"
)

// ResolveDockerfile checks that dockerfile (relative to contextDir, or
// absolute) names a regular file inside the context and returns its
// slash-separated path relative to the context root.
func ResolveDockerfile(contextDir, dockerfile string) (string, error) {
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	full := dockerfile
	if !filepath.IsAbs(full) {
		full = filepath.Join(contextDir, dockerfile)
	}

	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", model.WrapCLIError(model.ExitDockerfileNotFound,
				fmt.Sprintf("Dockerfile not found: %s", full), err)
		}
		return "", model.WrapCLIError(model.ExitBuildFailed,
			fmt.Sprintf("failed to stat Dockerfile %s", full), err)
	}
	if info.IsDir() {
		return "", model.NewCLIError(model.ExitDockerfileNotFound,
			fmt.Sprintf("Dockerfile path is a directory: %s", full))
	}

	absContext, err := filepath.Abs(contextDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve build context: %w", err)
	}
	absFile, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("failed to resolve Dockerfile: %w", err)
	}
	rel, err := filepath.Rel(absContext, absFile)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", model.NewCLIError(model.ExitDockerfileNotFound,
			fmt.Sprintf("Dockerfile %s is outside the build context %s", absFile, absContext))
	}
	return filepath.ToSlash(rel), nil
}

// ContextTar streams the build context rooted at dir as a tar archive.
// Paths matched by the context's .dockerignore are left out, except the
// Dockerfile and .dockerignore themselves, which the daemon always needs.
// Entries are written in lexical order.
//
// The archive is produced by a goroutine writing into a pipe; the caller
// must Close the returned reader, which also stops the writer early.
func ContextTar(dir, dockerfile string) (io.ReadCloser, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve build context: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitBuildFailed,
			fmt.Sprintf("build context not found: %s", root), err)
	}
	if !info.IsDir() {
		return nil, model.NewCLIError(model.ExitBuildFailed,
			fmt.Sprintf("build context is not a directory: %s", root))
	}

	ignore, err := exclude.LoadDockerignore(root)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "failed to load .dockerignore", err)
	}

	keep := []string{exclude.DockerignoreFile}
	if dockerfile != "" {
		keep = append(keep, path.Clean(filepath.ToSlash(dockerfile)))
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeContext(pw, root, ignore, keep))
	}()
	return pr, nil
}

// writeContext walks root and writes every included entry to w.
func writeContext(w io.Writer, root string, ignore *exclude.Matcher, keep []string) error {
	tw := tar.NewWriter(w)

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if ignore.Excluded(rel, d.IsDir()) && !kept(rel, d.IsDir(), keep) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		return addEntry(tw, p, rel)
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

// kept reports whether rel is, or for directories leads to, a path that
// must stay in the context regardless of .dockerignore.
func kept(rel string, isDir bool, keep []string) bool {
	for _, k := range keep {
		if rel == k {
			return true
		}
		if isDir && strings.HasPrefix(k, rel+"/") {
			return true
		}
	}
	return false
}

// addEntry writes one filesystem entry. Ownership is reset to root, the
// same normalization the docker CLI applies. Special files are skipped.
func addEntry(tw *tar.Writer, p, rel string) error {
	info, err := os.Lstat(p)
	if err != nil {
		return err
	}

	var link string
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		if link, err = os.Readlink(p); err != nil {
			return err
		}
	case info.IsDir(), info.Mode().IsRegular():
	default:
		return nil
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("failed to create tar header for %s: %w", rel, err)
	}
	hdr.Name = rel
	if info.IsDir() {
		hdr.Name += "/"
	}
	hdr.Uid, hdr.Gid = 0, 0
	hdr.Uname, hdr.Gname = "", ""

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}
