// Package ziputil extracts and builds the zip archives exchanged between the
// Requester and the Executor: datasets going in, results coming out.
package ziputil

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/phrazzld/discover-tasks/internal/joblog"
)

// ErrUnsafePath is returned for archive entries that would land outside the
// extraction directory.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// Extract unpacks archivePath into dest, reporting one progress step per
// entry. It stops between entries once ctx is done.
func Extract(ctx context.Context, archivePath, dest string, log joblog.Reporter) (int, error) {
	r, err := zip.OpenReader(archivePath)
	if errors.Is(err, zip.ErrInsecurePath) {
		_ = r.Close()
		return 0, fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() { _ = r.Close() }()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", dest, err)
	}
	root, err := filepath.Abs(dest)
	if err != nil {
		return 0, err
	}

	n := 0
	for f := range joblog.Iterate(log, joblog.Slice(r.File), "Extracting archive", len(r.File)) {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := extractFile(f, root); err != nil {
			return n, err
		}
		if !f.FileInfo().IsDir() {
			n++
		}
	}
	return n, nil
}

func extractFile(f *zip.File, root string) error {
	target := filepath.Join(root, filepath.FromSlash(f.Name))
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return fmt.Errorf("%w: %s", ErrUnsafePath, f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return out.Close()
}

// Write archives the regular files under srcDir into dest. When patterns is
// non-empty only files whose slash-separated relative path, or base name,
// matches one of the globs are kept. The archive is written to a temporary
// file and renamed into place, so dest is either absent or complete.
func Write(ctx context.Context, dest, srcDir string, patterns []string) (int, error) {
	if err := validatePatterns(patterns); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".partial-*.zip")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	zw := zip.NewWriter(tmp)
	n := 0
	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !Matches(rel, patterns) {
			return nil
		}
		if err := addFile(zw, path, rel); err != nil {
			return err
		}
		n++
		return nil
	})
	if walkErr != nil {
		_ = zw.Close()
		_ = tmp.Close()
		return 0, fmt.Errorf("failed to build archive: %w", walkErr)
	}
	if err := zw.Close(); err != nil {
		_ = tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return 0, err
	}
	return n, nil
}

func addFile(zw *zip.Writer, path, name string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, in)
	return err
}

// Matches reports whether rel is selected by patterns. No patterns selects everything.
func Matches(rel string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	base := rel[strings.LastIndex(rel, "/")+1:]
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}

func validatePatterns(patterns []string) error {
	for _, p := range patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return fmt.Errorf("invalid pattern %q: %w", p, err)
		}
	}
	return nil
}
