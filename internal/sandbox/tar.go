package sandbox

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// seedExcludes are the directory and file names skipped when streaming a
// host workspace into a sandbox: version-control metadata, dependency
// directories, build outputs, caches, and OS junk.
var seedExcludes = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"target":       true,
	"dist":         true,
	"build":        true,
	"__pycache__":  true,
	".venv":        true,
	".cache":       true,
	".idea":        true,
	".vscode":      true,
	".DS_Store":    true,
	"Thumbs.db":    true,
}

// tarWorkspace streams the workspace directory as a tar archive, applying
// the standard excludes. Paths inside the archive are relative to the
// workspace root.
func tarWorkspace(workspacePath string, w io.Writer) error {
	tw := tar.NewWriter(w)
	defer tw.Close()

	root, err := filepath.Abs(workspacePath)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace path: %w", err)
	}

	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		if excluded(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		// Symlinks are carried as links, never followed.
		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return fmt.Errorf("failed to read symlink %s: %w", rel, err)
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("failed to build tar header for %s: %w", rel, err)
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write tar header for %s: %w", rel, err)
		}

		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", rel, err)
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return fmt.Errorf("failed to copy %s: %w", rel, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk workspace: %w", err)
	}
	return nil
}

// excluded reports whether a workspace-relative path falls under any
// excluded component.
func excluded(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if seedExcludes[part] {
			return true
		}
	}
	return false
}
