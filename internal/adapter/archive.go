package adapter

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// tarGzWriter wraps the tar-inside-gzip writer pair used by the files and
// config adapters.
type tarGzWriter struct {
	file *os.File
	gz   *gzip.Writer
	tw   *tar.Writer
}

func newTarGzWriter(path string) (*tarGzWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	gz := gzip.NewWriter(f)
	return &tarGzWriter{file: f, gz: gz, tw: tar.NewWriter(gz)}, nil
}

// addFile appends the file at srcPath to the archive under the given
// member name (slash-separated, relative).
func (w *tarGzWriter) addFile(srcPath, name string, info os.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(name)

	if err := w.tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(w.tw, f)
	return err
}

func (w *tarGzWriter) addDir(name string, info os.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(name) + "/"
	return w.tw.WriteHeader(hdr)
}

// Close flushes the tar and gzip streams and syncs the file.
func (w *tarGzWriter) Close() error {
	if err := w.tw.Close(); err != nil {
		return err
	}
	if err := w.gz.Close(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// extractTarGz unpacks the archive at srcPath into destRoot. Member names
// are validated so an entry can never escape destRoot.
func extractTarGz(srcPath, destRoot string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", srcPath, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive %s: %w", srcPath, err)
		}

		target, err := securePath(destRoot, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := writeFileAtomic(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		default:
			// Symlinks and special files are not captured, so nothing
			// else should appear here; skip rather than fail.
		}
	}
}

// securePath joins name onto root and rejects entries that would resolve
// outside of it.
func securePath(root, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes extraction root", name)
	}
	return filepath.Join(root, cleaned), nil
}

// writeFileAtomic streams r to path via a temporary file and rename.
func writeFileAtomic(path string, r io.Reader, mode os.FileMode) error {
	tmp := path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
