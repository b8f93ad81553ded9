// Package archive produces and validates the compressed archives the
// backup pipeline writes: a tar stream through a zstd writer. Validation
// is structural, listing every entry without extracting anything.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/kebairia/hostsave/internal/logger"
)

// Extension is the suffix of every archive the pipeline produces.
const Extension = ".tar.zst"

// ErrCorrupted indicates an archive that failed the structural read.
var ErrCorrupted = errors.New("archive is corrupted")

// Archiver creates and validates tar.zst archives.
type Archiver struct {
	log logger.Logger
}

func New(log logger.Logger) *Archiver {
	return &Archiver{log: log}
}

// Create archives sourceDir into destPath. Entries are stored relative
// to the source directory under its base name, so extraction recreates
// a single top-level directory.
func (a *Archiver) Create(ctx context.Context, sourceDir, destPath string) (err error) {
	info, err := os.Stat(sourceDir)
	if err != nil {
		return fmt.Errorf("stat source %q: %w", sourceDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source %q is not a directory", sourceDir)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", filepath.Dir(destPath), err)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create archive %q: %w", destPath, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close archive: %w", cerr)
		}
		// Don't leave a half-written archive behind.
		if err != nil {
			_ = os.Remove(destPath)
		}
	}()

	zw, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}

	tw := tar.NewWriter(zw)
	if err := a.addTree(ctx, tw, sourceDir, filepath.Base(sourceDir)); err != nil {
		tw.Close()
		zw.Close()
		return err
	}
	if err := tw.Close(); err != nil {
		zw.Close()
		return fmt.Errorf("finalize tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize zstd: %w", err)
	}

	a.log.Debug("archive created", "source", sourceDir, "path", destPath)
	return nil
}

// addTree walks sourceDir and writes each entry into the tar stream.
func (a *Archiver) addTree(ctx context.Context, tw *tar.Writer, sourceDir, baseInArchive string) error {
	return filepath.Walk(sourceDir, func(path string, info os.FileInfo, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			// Files vanishing mid-walk are tolerated; everything else is not.
			if os.IsNotExist(walkErr) {
				a.log.Warn("file vanished during archive", "path", path)
				return nil
			}
			return walkErr
		}

		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return fmt.Errorf("relativize %q: %w", path, err)
		}
		name := filepath.ToSlash(filepath.Join(baseInArchive, rel))

		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				a.log.Warn("unreadable symlink skipped", "path", path, "error", err)
				return nil
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("tar header for %q: %w", path, err)
		}
		header.Name = name

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header %q: %w", name, err)
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				a.log.Warn("file vanished during archive", "path", path)
				return nil
			}
			return fmt.Errorf("open %q: %w", path, err)
		}
		defer f.Close()

		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("archive %q: %w", path, err)
		}
		return nil
	})
}

// List reads every entry of the archive without extracting it and
// returns the entry names. Any decode failure reports ErrCorrupted.
func (a *Archiver) List(ctx context.Context, path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive %q: %w", path, err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, path, err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	var names []string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, path, err)
		}
		names = append(names, header.Name)
		// Drain the entry body so payload corruption is detected, not
		// just header corruption.
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, path, err)
		}
	}
	return names, nil
}
