// Package mount establishes and tears down the connection to the remote
// backup share. Connect is idempotent and performs three checks in order:
// endpoint reachability, the mount itself (with limited retries), and a
// write-then-delete probe at the mount root. Disconnect tolerates an
// already-unmounted target and reports -- but does not escalate -- a busy one.
package mount

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kebairia/hostsave/internal/config"
	"github.com/kebairia/hostsave/internal/logger"
)

var (
	// ErrUnreachable indicates the remote endpoint did not answer the probe.
	ErrUnreachable = errors.New("remote endpoint unreachable")
	// ErrMountFailed indicates the mount command failed after retries.
	ErrMountFailed = errors.New("mount failed")
	// ErrNotWritable indicates the mounted share rejected the write probe.
	ErrNotWritable = errors.New("mount is not writable")
	// ErrTargetBusy indicates unmount failed because the target is in use.
	ErrTargetBusy = errors.New("mount target busy")
)

// Runner executes an external command and returns its combined output.
// It exists so tests can fault-inject mount/umount without a kernel.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Manager handles the lifecycle of the remote share mount.
type Manager struct {
	log logger.Logger
	cfg config.RemoteConfig

	runner     Runner
	mountsFile string
	dial       func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// Option overrides a Manager collaborator, used by tests.
type Option func(*Manager)

func WithRunner(r Runner) Option {
	return func(m *Manager) { m.runner = r }
}

func WithMountsFile(path string) Option {
	return func(m *Manager) { m.mountsFile = path }
}

func WithDialer(dial func(network, addr string, timeout time.Duration) (net.Conn, error)) Option {
	return func(m *Manager) { m.dial = dial }
}

func NewManager(log logger.Logger, cfg config.RemoteConfig, opts ...Option) *Manager {
	m := &Manager{
		log:        log,
		cfg:        cfg,
		runner:     execRunner{},
		mountsFile: "/proc/self/mounts",
		dial:       net.DialTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect makes the remote share available at the configured mount point.
// Already-mounted is a successful no-op. Every failure is fatal for the
// run and mapped to one of the package sentinel errors.
func (m *Manager) Connect(ctx context.Context) error {
	if m.IsMounted() {
		m.log.Info("mount already established", "mountpoint", m.cfg.MountPoint)
		return nil
	}

	if err := m.probeReachable(); err != nil {
		return err
	}

	if err := os.MkdirAll(m.cfg.MountPoint, 0o755); err != nil {
		return fmt.Errorf("%w: create mount point %q: %v", ErrMountFailed, m.cfg.MountPoint, err)
	}

	if err := m.mountWithRetry(ctx); err != nil {
		return err
	}

	if err := m.probeWritable(); err != nil {
		return err
	}

	m.log.Info("mount established",
		"source", m.mountSource(),
		"mountpoint", m.cfg.MountPoint,
		"fstype", m.cfg.FSType,
	)
	return nil
}

// Disconnect unmounts the share. Called unconditionally during cleanup:
// not-mounted is success, a busy target is reported as ErrTargetBusy so
// the caller can log it without treating the run as failed.
func (m *Manager) Disconnect(ctx context.Context) error {
	if !m.IsMounted() {
		m.log.Debug("mount already removed", "mountpoint", m.cfg.MountPoint)
		return nil
	}

	out, err := m.runner.Run(ctx, "umount", m.cfg.MountPoint)
	if err != nil {
		if strings.Contains(strings.ToLower(string(out)), "busy") {
			return fmt.Errorf("%w: %s", ErrTargetBusy, m.cfg.MountPoint)
		}
		return fmt.Errorf("umount %q: %w (output: %s)", m.cfg.MountPoint, err, strings.TrimSpace(string(out)))
	}

	m.log.Info("mount removed", "mountpoint", m.cfg.MountPoint)
	return nil
}

// IsMounted reports whether the mount point appears in the mount table.
func (m *Manager) IsMounted() bool {
	f, err := os.Open(m.mountsFile)
	if err != nil {
		return false
	}
	defer f.Close()

	want := filepath.Clean(m.cfg.MountPoint)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && unescapeMountPath(fields[1]) == want {
			return true
		}
	}
	return false
}

// probeReachable dials the remote endpoint with a short bounded timeout.
func (m *Manager) probeReachable() error {
	addr := net.JoinHostPort(m.probeHost(), fmt.Sprintf("%d", m.probePort()))
	conn, err := m.dial("tcp", addr, m.cfg.ProbeTimeout)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}
	_ = conn.Close()
	return nil
}

func (m *Manager) mountWithRetry(ctx context.Context) error {
	args := []string{"-t", m.cfg.FSType}
	if m.cfg.Options != "" {
		args = append(args, "-o", m.cfg.Options)
	}
	args = append(args, m.mountSource(), m.cfg.MountPoint)

	attempt := 0
	operation := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.MountTimeout)
		defer cancel()

		out, err := m.runner.Run(attemptCtx, "mount", args...)
		if err != nil {
			m.log.Warn("mount attempt failed",
				"attempt", attempt,
				"error", err,
				"output", strings.TrimSpace(string(out)),
			)
			return err
		}
		return nil
	}

	retries := m.cfg.MountRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), uint64(retries)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("%w: %s on %s: %v", ErrMountFailed, m.mountSource(), m.cfg.MountPoint, err)
	}
	return nil
}

// probeWritable performs the write-then-delete sentinel check at the
// mount root.
func (m *Manager) probeWritable() error {
	sentinel := filepath.Join(m.cfg.MountPoint, fmt.Sprintf(".hostsave-write-test-%d", os.Getpid()))
	if err := os.WriteFile(sentinel, []byte("probe"), 0o600); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotWritable, m.cfg.MountPoint, err)
	}
	if err := os.Remove(sentinel); err != nil {
		return fmt.Errorf("%w: sentinel cleanup on %s: %v", ErrNotWritable, m.cfg.MountPoint, err)
	}
	return nil
}

func (m *Manager) mountSource() string {
	if m.cfg.FSType == "cifs" {
		return "//" + m.cfg.Address + m.cfg.Export
	}
	return m.cfg.Address + ":" + m.cfg.Export
}

func (m *Manager) probeHost() string {
	if host, _, err := net.SplitHostPort(m.cfg.Address); err == nil {
		return host
	}
	return m.cfg.Address
}

func (m *Manager) probePort() int {
	if m.cfg.ProbePort != 0 {
		return m.cfg.ProbePort
	}
	if m.cfg.FSType == "cifs" {
		return 445
	}
	return 2049
}

// unescapeMountPath decodes the octal escapes (\040 and friends) that
// the kernel uses for whitespace in /proc mount entries.
func unescapeMountPath(path string) string {
	if !strings.Contains(path, `\`) {
		return path
	}
	var b strings.Builder
	for i := 0; i < len(path); i++ {
		if path[i] == '\\' && i+3 < len(path) {
			var c byte
			valid := true
			for j := 1; j <= 3; j++ {
				d := path[i+j]
				if d < '0' || d > '7' {
					valid = false
					break
				}
				c = c*8 + (d - '0')
			}
			if valid {
				b.WriteByte(c)
				i += 3
				continue
			}
		}
		b.WriteByte(path[i])
	}
	return b.String()
}
