package retention

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Day is the unit of retention windows.
const Day = 24 * time.Hour

// Window converts a number of days into a duration.
func Window(days int) time.Duration {
	return time.Duration(days) * Day
}

// LastUsed returns the modification time of dir's marker file, falling back
// to dir itself while the marker has not been written yet.
func LastUsed(dir, marker string) (time.Time, error) {
	info, err := os.Stat(filepath.Join(dir, marker))
	if errors.Is(err, os.ErrNotExist) {
		info, err = os.Stat(dir)
	}
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// DirSize returns the total size of the regular files under dir. A missing
// dir has size zero.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// Run calls sweep immediately and then every interval until ctx is done.
func Run(ctx context.Context, interval time.Duration, sweep func(ctx context.Context) error, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := sweep(ctx); err != nil && ctx.Err() == nil {
			logger.Error("retention sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// entries lists dir, treating a missing dir as empty.
func entries(dir string) ([]os.DirEntry, error) {
	list, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return list, err
}
