package actors

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Marker file names. Retention keys each directory on its marker's mtime.
const (
	ReadyMarker = "ready.meta"
	RunMarker   = "run.meta"
)

// ErrInvalidName is returned for ids that cannot be used as a path element.
var ErrInvalidName = errors.New("invalid path name")

// Workspace lays out the Executor's data root:
//
//	{root}/{kind}/datasets/{dataset_id}/ready.meta
//	{root}/{kind}/runs/{tracking_id}/run.meta
//	{root}/{kind}/results/{tracking_id}.zip
type Workspace struct {
	Root string
}

// KindDir is the per-kind directory.
func (w Workspace) KindDir(kind string) string {
	return filepath.Join(w.Root, Slug(kind))
}

// DatasetsDir holds one directory per cached dataset.
func (w Workspace) DatasetsDir(kind string) string {
	return filepath.Join(w.KindDir(kind), "datasets")
}

// DatasetDir is the cache directory of one dataset.
func (w Workspace) DatasetDir(kind, datasetID string) string {
	return filepath.Join(w.DatasetsDir(kind), Slug(datasetID))
}

// RunsDir holds one working directory per job.
func (w Workspace) RunsDir(kind string) string {
	return filepath.Join(w.KindDir(kind), "runs")
}

// RunDir is the working directory of one job.
func (w Workspace) RunDir(kind, trackingID string) string {
	return filepath.Join(w.RunsDir(kind), Slug(trackingID))
}

// ResultsDir holds the packaged results of a kind.
func (w Workspace) ResultsDir(kind string) string {
	return filepath.Join(w.KindDir(kind), "results")
}

// ResultPath is the packaged result of one job.
func (w Workspace) ResultPath(kind, trackingID string) string {
	return filepath.Join(w.ResultsDir(kind), Slug(trackingID)+".zip")
}

// Slug maps s onto a safe single path element: characters outside
// [A-Za-z0-9._-] become '-'. Dot-only names become empty.
func Slug(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := b.String()
	if strings.Trim(out, ".") == "" {
		return ""
	}
	return out
}

// ValidName reports whether s survives Slug unchanged and non-empty.
func ValidName(s string) error {
	if s == "" || Slug(s) != s {
		return fmt.Errorf("%w: %q", ErrInvalidName, s)
	}
	return nil
}

// Touch creates path or bumps its modification time.
func Touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	now := time.Now()
	if err := os.Chtimes(path, now, now); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
