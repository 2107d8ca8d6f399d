package registry

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafeArchive is returned when a package entry would land outside
// the destination directory.
var ErrUnsafeArchive = errors.New("archive entry escapes destination")

// maxEntrySize caps a single extracted file. Plugin packages are small;
// anything bigger is suspect.
const maxEntrySize = 32 << 20

// Extract unpacks a downloaded plugin package (gzipped tar) into destDir.
// Entry paths are confined to destDir; absolute paths, .. traversal and
// links are rejected.
func Extract(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open package: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("read package: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create plugin dir: %w", err)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read package: %w", err)
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeEntry(target, tr, hdr.Size); err != nil {
				return err
			}
		default:
			// Symlinks and devices have no business in a plugin package.
			return fmt.Errorf("%w: %q has unsupported type %c",
				ErrUnsafeArchive, hdr.Name, hdr.Typeflag)
		}
	}
}

func writeEntry(target string, r io.Reader, size int64) error {
	if size > maxEntrySize {
		return fmt.Errorf("entry %s exceeds size limit", filepath.Base(target))
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, io.LimitReader(r, maxEntrySize)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// safeJoin resolves an archive entry name under dest, rejecting anything
// that would escape it.
func safeJoin(dest, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeArchive, name)
	}
	target := filepath.Join(dest, filepath.FromSlash(name))
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeArchive, name)
	}
	return target, nil
}
