package adapter

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
)

// FilesArtifactName is the artifact file name for the application tree
// archive.
const FilesArtifactName = "files.tar.gz"

// DefaultFileExcludes lists entry names that never belong in a backup:
// ephemeral caches, virtual environments, version-control metadata and
// local secrets files.
var DefaultFileExcludes = []string{
	".git",
	".hg",
	".svn",
	"__pycache__",
	".cache",
	".pytest_cache",
	"venv",
	".venv",
	"node_modules",
	".env",
	"*.pyc",
}

// FilesConfig holds settings for the application file-tree adapter.
type FilesConfig struct {
	// Root is the directory subtree to capture and restore.
	Root string

	// Excludes are base-name patterns (filepath.Match syntax) skipped
	// during capture. Nil means DefaultFileExcludes.
	Excludes []string
}

// FilesAdapter archives the application tree into a compressed tarball and
// extracts it back over the live tree on restore.
type FilesAdapter struct {
	cfg FilesConfig
}

// NewFilesAdapter creates a file-tree adapter rooted at cfg.Root.
func NewFilesAdapter(cfg FilesConfig) *FilesAdapter {
	if cfg.Excludes == nil {
		cfg.Excludes = DefaultFileExcludes
	}
	return &FilesAdapter{cfg: cfg}
}

// Name implements Adapter.
func (a *FilesAdapter) Name() string { return "files" }

// Capture writes <destDir>/files.tar.gz containing the tree under Root,
// minus excluded entries. Paths inside the archive are relative to Root.
func (a *FilesAdapter) Capture(ctx context.Context, destDir string) (*Artifact, error) {
	if _, err := os.Stat(a.cfg.Root); err != nil {
		return nil, &CaptureError{Component: a.Name(), Path: a.cfg.Root, Err: err}
	}

	finalPath := filepath.Join(destDir, FilesArtifactName)
	tmpPath := finalPath + ".tmp"

	if err := a.archiveTree(ctx, tmpPath); err != nil {
		os.Remove(tmpPath)
		return nil, &CaptureError{Component: a.Name(), Path: finalPath, Err: err}
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, &CaptureError{Component: a.Name(), Path: finalPath, Err: err}
	}

	art, err := artifactFor(a.Name(), destDir, FilesArtifactName)
	if err != nil {
		return nil, &CaptureError{Component: a.Name(), Path: finalPath, Err: err}
	}
	return art, nil
}

// Apply extracts the archive over the live tree. Existing files are
// overwritten in place; files created after the backup are left alone.
func (a *FilesAdapter) Apply(ctx context.Context, artifactPath string) error {
	if err := ctx.Err(); err != nil {
		return &ApplyError{Component: a.Name(), Path: artifactPath, Err: err}
	}
	if err := os.MkdirAll(a.cfg.Root, 0755); err != nil {
		return &ApplyError{Component: a.Name(), Path: artifactPath, Err: err}
	}
	if err := extractTarGz(artifactPath, a.cfg.Root); err != nil {
		return &ApplyError{Component: a.Name(), Path: artifactPath, Err: err}
	}
	return nil
}

func (a *FilesAdapter) archiveTree(ctx context.Context, dest string) error {
	w, err := newTarGzWriter(dest)
	if err != nil {
		return err
	}

	walkErr := filepath.WalkDir(a.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, err := filepath.Rel(a.cfg.Root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		if a.excluded(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.addDir(rel, info)
		}
		if !info.Mode().IsRegular() {
			// Sockets, pipes and symlinks are runtime artifacts, not
			// durable state.
			return nil
		}
		return w.addFile(path, rel, info)
	})

	closeErr := w.Close()
	if walkErr != nil {
		return walkErr
	}
	return closeErr
}

// excluded reports whether a base name matches the exclude list.
func (a *FilesAdapter) excluded(name string) bool {
	for _, pattern := range a.cfg.Excludes {
		if ok, err := filepath.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}
