// Package retention tiers database dumps and ages out old artifacts.
// Daily dumps are pruned by age, weekly and monthly copies are pruned
// by count, and promotion copies this run's dumps into the slower tiers
// on calendar boundaries.
package retention

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kebairia/hostsave/internal/logger"
)

// Engine applies the retention policy to a destination tree.
type Engine struct {
	log logger.Logger
}

func NewEngine(log logger.Logger) *Engine {
	return &Engine{log: log}
}

// PruneByAge deletes every regular file in dir whose modification time
// is strictly older than the window. A file exactly at the boundary is
// retained. Missing directories are fine: there is nothing to prune.
// Returns the number of files deleted.
func (e *Engine) PruneByAge(dir string, window time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read retention dir %q: %w", dir, err)
	}

	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // vanished between readdir and stat
		}
		if now.Sub(info.ModTime()) <= window {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			return deleted, fmt.Errorf("prune %q: %w", path, err)
		}
		e.log.Info("artifact pruned", "path", path, "age", now.Sub(info.ModTime()).String())
		deleted++
	}
	return deleted, nil
}

// PruneByCount keeps the `keep` newest regular files in dir (by
// modification time) and deletes the rest. keep <= 0 deletes nothing.
func (e *Engine) PruneByCount(dir string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read retention dir %q: %w", dir, err)
	}

	type candidate struct {
		path  string
		mtime time.Time
	}
	var files []candidate
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{filepath.Join(dir, entry.Name()), info.ModTime()})
	}
	if len(files) <= keep {
		return 0, nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mtime.After(files[j].mtime) })

	deleted := 0
	for _, f := range files[keep:] {
		if err := os.Remove(f.path); err != nil {
			return deleted, fmt.Errorf("prune %q: %w", f.path, err)
		}
		e.log.Info("artifact pruned", "path", f.path, "kept", keep)
		deleted++
	}
	return deleted, nil
}

// Promote copies the given artifacts into tierDir. Copy, never move:
// the daily tier keeps its file. Promotion is limited to artifacts
// produced by the current run; the caller passes exactly those paths.
func (e *Engine) Promote(artifacts []string, tierDir string) error {
	if len(artifacts) == 0 {
		return nil
	}
	if err := os.MkdirAll(tierDir, 0o755); err != nil {
		return fmt.Errorf("create tier dir %q: %w", tierDir, err)
	}
	for _, src := range artifacts {
		dest := filepath.Join(tierDir, filepath.Base(src))
		if err := copyFile(src, dest); err != nil {
			return fmt.Errorf("promote %q: %w", src, err)
		}
		e.log.Info("artifact promoted", "source", src, "dest", dest)
	}
	return nil
}

// IsWeeklyBoundary reports whether now falls on the configured weekly
// promotion day.
func IsWeeklyBoundary(now time.Time, day time.Weekday) bool {
	return now.Weekday() == day
}

// IsMonthlyBoundary reports whether now is the first day of the month.
func IsMonthlyBoundary(now time.Time) bool {
	return now.Day() == 1
}

func copyFile(src, dest string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dest)
		}
	}()

	_, err = io.Copy(out, in)
	return err
}
