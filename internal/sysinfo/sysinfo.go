// Package sysinfo captures point-in-time system facts alongside the
// configuration archives. Every capture is best-effort: a missing tool
// or a failing command is recorded and skipped, never fatal.
package sysinfo

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/kebairia/hostsave/internal/logger"
)

// CommandRunner abstracts command execution for tests.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// snapshot is one capture: the output file name and the command that
// produces its content.
type snapshot struct {
	file string
	name string
	args []string
}

var snapshots = []snapshot{
	{"disk-usage.txt", "df", []string{"-h"}},
	{"routes.txt", "ip", []string{"route"}},
	{"interfaces.txt", "ip", []string{"-br", "addr"}},
	{"mounts.txt", "mount", nil},
	{"packages.txt", "dpkg", []string{"-l"}},
	{"kernel.txt", "uname", []string{"-a"}},
	{"services.txt", "systemctl", []string{"list-unit-files", "--state=enabled", "--no-pager"}},
	{"crontab.txt", "crontab", []string{"-l"}},
}

// Collector writes system-fact snapshots into a destination directory.
type Collector struct {
	log    logger.Logger
	runner CommandRunner
}

// Option customizes a Collector.
type Option func(*Collector)

// WithRunner replaces the command runner, mainly for tests.
func WithRunner(r CommandRunner) Option {
	return func(c *Collector) { c.runner = r }
}

func NewCollector(log logger.Logger, opts ...Option) *Collector {
	c := &Collector{log: log, runner: execRunner{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect runs every snapshot command and writes its output under
// destDir. It returns the number of captures that failed; the caller
// treats that as soft. os-release is copied directly since it is a
// plain file, not a command.
func (c *Collector) Collect(ctx context.Context, destDir string) (failed int) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		c.log.Warn("system snapshot directory not created", "path", destDir, "error", err)
		return len(snapshots) + 1
	}

	for _, s := range snapshots {
		if err := ctx.Err(); err != nil {
			c.log.Warn("system snapshots aborted", "error", err)
			return failed + 1
		}
		out, err := c.runner.Run(ctx, s.name, s.args...)
		if err != nil {
			c.log.Warn("system snapshot failed", "command", s.name, "error", err)
			failed++
			continue
		}
		path := filepath.Join(destDir, s.file)
		if err := os.WriteFile(path, out, 0o644); err != nil {
			c.log.Warn("system snapshot not written", "path", path, "error", err)
			failed++
		}
	}

	if err := copyFile("/etc/os-release", filepath.Join(destDir, "os-release.txt")); err != nil {
		c.log.Warn("os-release not captured", "error", err)
		failed++
	}
	return failed
}

func copyFile(src, dest string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %q: %w", src, err)
	}
	return os.WriteFile(dest, data, 0o644)
}
