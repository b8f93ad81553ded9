package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/kebairia/hostsave/internal/config"
	"github.com/kebairia/hostsave/internal/database"
	"github.com/kebairia/hostsave/internal/lock"
	"github.com/kebairia/hostsave/internal/logger"
	"github.com/kebairia/hostsave/internal/mount"
	"github.com/kebairia/hostsave/internal/notify"
	"github.com/kebairia/hostsave/internal/sysinfo"
)

type fakeMounter struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	connectErr  error
}

func (f *fakeMounter) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeMounter) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	summaries []notify.Summary
}

func (f *fakeNotifier) Send(_ context.Context, s notify.Summary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, s)
	return nil
}

func (f *fakeNotifier) last(t *testing.T) notify.Summary {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.summaries) == 0 {
		t.Fatal("no notification sent")
	}
	return f.summaries[len(f.summaries)-1]
}

// fakeDB writes a valid zstd file so verification passes.
type fakeDB struct {
	name string
	fail bool
}

func (f *fakeDB) Name() string   { return f.name }
func (f *fakeDB) Engine() string { return "postgres" }

func (f *fakeDB) Dump(_ context.Context, destDir, date string) (string, error) {
	if f.fail {
		return "", fmt.Errorf("%w: connection refused", database.ErrDumpFailed)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(destDir, f.name+"-"+date+database.Extension)
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	zw, err := zstd.NewWriter(out)
	if err != nil {
		return "", err
	}
	if _, err := zw.Write([]byte("SELECT 1;\n")); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return path, out.Close()
}

type sysinfoRunner struct{}

func (sysinfoRunner) Run(_ context.Context, name string, _ ...string) ([]byte, error) {
	return []byte(name + " output\n"), nil
}

func writeConfigRoot(t *testing.T, files ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("content of "+f), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func testRunnerConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Config{
		Host: "web7",
		Site: "fra1",
		Remote: config.RemoteConfig{
			Address:    "nas.internal",
			Export:     "/export/backups",
			MountPoint: root,
		},
		Backup: config.BackupConfig{Root: root, Timeout: time.Minute},
		Lock:   config.LockConfig{Path: filepath.Join(t.TempDir(), "hostsave.lock")},
		Retention: config.RetentionConfig{
			DailyAge:    72 * time.Hour,
			DataAge:     720 * time.Hour,
			WeeklyDay:   "Sunday",
			WeeklyKeep:  4,
			MonthlyKeep: 12,
		},
		ConfigStep: config.ConfigStepConfig{PrimaryRoot: writeConfigRoot(t, "app.conf")},
	}
	return cfg
}

// saturday is a non-boundary day for both tiers; sunday triggers the
// weekly promotion but not the monthly one.
var (
	saturday = time.Date(2026, 8, 22, 2, 0, 0, 0, time.UTC)
	sunday   = time.Date(2026, 8, 23, 2, 0, 0, 0, time.UTC)
)

func newTestRunner(t *testing.T, cfg config.Config, now time.Time, dbs []database.Database, opts ...Option) (*Runner, *fakeMounter, *fakeNotifier) {
	t.Helper()
	mounter := &fakeMounter{}
	notifier := &fakeNotifier{}
	base := []Option{
		WithMounter(mounter),
		WithNotifier(notifier),
		WithClock(func() time.Time { return now }),
		WithCollector(sysinfo.NewCollector(logger.Global(), sysinfo.WithRunner(sysinfoRunner{}))),
		WithDatabases(func(context.Context) ([]database.Database, []database.InitError, error) {
			return dbs, nil, nil
		}),
	}
	r := NewRunner(logger.Global(), cfg, append(base, opts...)...)
	return r, mounter, notifier
}

func TestExecute_CleanRun(t *testing.T) {
	cfg := testRunnerConfig(t)
	dataRoot := writeConfigRoot(t, "index.html")
	cfg.DataStep.Roots = map[string]string{"www": dataRoot}

	r, mounter, notifier := newTestRunner(t, cfg, saturday,
		[]database.Database{&fakeDB{name: "app"}})

	code := r.Execute(context.Background())
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (summary: %+v)", code, notifier.last(t))
	}

	host := filepath.Join(cfg.Backup.Root, "web7")
	wantFiles := []string{
		filepath.Join(host, "config", filepath.Base(cfg.ConfigStep.PrimaryRoot)+"-web7-2026-08-22.tar.zst"),
		filepath.Join(host, "db", "daily", "app-2026-08-22.sql.zst"),
		filepath.Join(host, "data", "www-web7-2026-08-22.tar.zst"),
		filepath.Join(host, "run-2026-08-22.json"),
		filepath.Join(host, "config", "system-2026-08-22", "disk-usage.txt"),
	}
	for _, f := range wantFiles {
		if _, err := os.Stat(f); err != nil {
			t.Errorf("expected artifact missing: %s (%v)", f, err)
		}
	}

	// Non-boundary day: no promotion.
	if entries, _ := os.ReadDir(filepath.Join(host, "db", "weekly")); len(entries) != 0 {
		t.Errorf("weekly tier populated on a non-boundary day: %v", entries)
	}

	if mounter.connects != 1 || mounter.disconnects != 1 {
		t.Errorf("mounter calls = %d/%d, want 1/1", mounter.connects, mounter.disconnects)
	}
	if s := notifier.last(t); s.Status != notify.StatusSuccess {
		t.Errorf("notification status = %q, want success", s.Status)
	}
}

func TestExecute_WeeklyPromotion(t *testing.T) {
	cfg := testRunnerConfig(t)
	r, _, _ := newTestRunner(t, cfg, sunday, []database.Database{&fakeDB{name: "app"}})

	if code := r.Execute(context.Background()); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	host := filepath.Join(cfg.Backup.Root, "web7")
	promoted := filepath.Join(host, "db", "weekly", "app-2026-08-23.sql.zst")
	if _, err := os.Stat(promoted); err != nil {
		t.Errorf("weekly promotion missing: %v", err)
	}
	// Copy, not move.
	if _, err := os.Stat(filepath.Join(host, "db", "daily", "app-2026-08-23.sql.zst")); err != nil {
		t.Errorf("daily original gone after promotion: %v", err)
	}
	// 2026-08-23 is not the first of the month.
	if entries, _ := os.ReadDir(filepath.Join(host, "db", "monthly")); len(entries) != 0 {
		t.Errorf("monthly tier populated mid-month: %v", entries)
	}
}

func TestExecute_MountFailureCreatesNothing(t *testing.T) {
	cfg := testRunnerConfig(t)
	r, mounter, notifier := newTestRunner(t, cfg, saturday, nil)
	mounter.connectErr = mount.ErrUnreachable

	if code := r.Execute(context.Background()); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	if entries, err := os.ReadDir(filepath.Join(cfg.Backup.Root, "web7")); err == nil {
		t.Errorf("destination tree created despite mount failure: %v", entries)
	}
	if mounter.disconnects != 0 {
		t.Errorf("disconnect called after failed connect")
	}
	if s := notifier.last(t); s.Status != notify.StatusFailed {
		t.Errorf("notification status = %q, want failed", s.Status)
	}
}

func TestExecute_ContendedLock(t *testing.T) {
	cfg := testRunnerConfig(t)
	held, err := lock.Acquire(cfg.Lock.Path)
	if err != nil {
		t.Fatalf("pre-acquire lock: %v", err)
	}
	defer held.Release()

	r, mounter, notifier := newTestRunner(t, cfg, saturday, nil)
	if code := r.Execute(context.Background()); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if mounter.connects != 0 {
		t.Error("mount attempted without the run lock")
	}
	if s := notifier.last(t); s.Status != notify.StatusFailed {
		t.Errorf("notification status = %q, want failed", s.Status)
	}
}

func TestExecute_SoftErrorsAreIsolated(t *testing.T) {
	cfg := testRunnerConfig(t)
	cfg.ConfigStep.ExtraRoots = []string{filepath.Join(t.TempDir(), "absent")}
	cfg.DataStep.Roots = map[string]string{
		"missing": filepath.Join(t.TempDir(), "also-absent"),
		"www":     writeConfigRoot(t, "index.html"),
	}

	r, mounter, notifier := newTestRunner(t, cfg, saturday, []database.Database{
		&fakeDB{name: "app"},
		&fakeDB{name: "broken", fail: true},
	})

	if code := r.Execute(context.Background()); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	host := filepath.Join(cfg.Backup.Root, "web7")
	// Healthy work still landed.
	for _, f := range []string{
		filepath.Join(host, "db", "daily", "app-2026-08-22.sql.zst"),
		filepath.Join(host, "data", "www-web7-2026-08-22.tar.zst"),
	} {
		if _, err := os.Stat(f); err != nil {
			t.Errorf("healthy artifact missing after sibling failures: %s", f)
		}
	}

	s := notifier.last(t)
	if s.Status != notify.StatusWithErrors {
		t.Errorf("notification status = %q, want completed with errors", s.Status)
	}
	if s.SoftErrors != 3 {
		t.Errorf("soft errors = %d, want 3 (extra root, data root, dump)", s.SoftErrors)
	}
	if mounter.disconnects != 1 {
		t.Errorf("disconnects = %d, want exactly 1", mounter.disconnects)
	}
}

func TestExecute_PrimaryConfigRootIsFatal(t *testing.T) {
	cfg := testRunnerConfig(t)
	cfg.ConfigStep.PrimaryRoot = filepath.Join(t.TempDir(), "absent")

	r, mounter, notifier := newTestRunner(t, cfg, saturday, []database.Database{&fakeDB{name: "app"}})

	if code := r.Execute(context.Background()); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	// Pipeline stops before the database step.
	host := filepath.Join(cfg.Backup.Root, "web7")
	if _, err := os.Stat(filepath.Join(host, "db", "daily")); !os.IsNotExist(err) {
		t.Error("database step ran after fatal config failure")
	}
	// Cleanup still happens.
	if mounter.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", mounter.disconnects)
	}
	if s := notifier.last(t); s.Status != notify.StatusFailed {
		t.Errorf("notification status = %q, want failed", s.Status)
	}
}

func TestExecute_RunsWithoutDatabases(t *testing.T) {
	cfg := testRunnerConfig(t)
	r, _, notifier := newTestRunner(t, cfg, saturday, nil)

	if code := r.Execute(context.Background()); code != 0 {
		t.Fatalf("exit code = %d, want 0 (summary: %+v)", code, notifier.last(t))
	}
	if entries, _ := os.ReadDir(filepath.Join(cfg.Backup.Root, "web7", "db", "daily")); len(entries) != 0 {
		t.Errorf("daily tier populated without configured databases: %v", entries)
	}
}

func TestExecute_DatabaseInitFailureIsSoft(t *testing.T) {
	cfg := testRunnerConfig(t)
	r, _, notifier := newTestRunner(t, cfg, saturday, nil,
		WithDatabases(func(context.Context) ([]database.Database, []database.InitError, error) {
			return nil, nil, errors.New("vault sealed")
		}))

	if code := r.Execute(context.Background()); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	// Config archive still produced.
	host := filepath.Join(cfg.Backup.Root, "web7")
	base := filepath.Base(cfg.ConfigStep.PrimaryRoot)
	if _, err := os.Stat(filepath.Join(host, "config", base+"-web7-2026-08-22.tar.zst")); err != nil {
		t.Errorf("config archive missing after database init failure: %v", err)
	}
	if s := notifier.last(t); s.Status != notify.StatusWithErrors {
		t.Errorf("notification status = %q, want completed with errors", s.Status)
	}
}

func TestExecute_CredentialFailureDoesNotBlockSiblings(t *testing.T) {
	cfg := testRunnerConfig(t)
	r, _, notifier := newTestRunner(t, cfg, saturday, nil,
		WithDatabases(func(context.Context) ([]database.Database, []database.InitError, error) {
			failures := []database.InitError{{
				Instance: "legacy",
				Engine:   "postgres",
				Err:      errors.New("no secret data at path"),
			}}
			return []database.Database{&fakeDB{name: "app"}}, failures, nil
		}))

	if code := r.Execute(context.Background()); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	// The healthy instance still dumped.
	host := filepath.Join(cfg.Backup.Root, "web7")
	if _, err := os.Stat(filepath.Join(host, "db", "daily", "app-2026-08-22.sql.zst")); err != nil {
		t.Errorf("healthy dump missing after sibling credential failure: %v", err)
	}

	s := notifier.last(t)
	if s.Status != notify.StatusWithErrors {
		t.Errorf("notification status = %q, want completed with errors", s.Status)
	}
	if s.SoftErrors != 1 {
		t.Errorf("soft errors = %d, want 1", s.SoftErrors)
	}
	if len(s.StepErrors) != 1 || s.StepErrors[0].Step != "database:legacy" {
		t.Errorf("step errors = %+v", s.StepErrors)
	}
}

func TestExecute_ArchiveTimeoutIsEnforced(t *testing.T) {
	cfg := testRunnerConfig(t)
	cfg.Backup.Timeout = time.Nanosecond

	r, mounter, notifier := newTestRunner(t, cfg, saturday, nil)

	if code := r.Execute(context.Background()); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	// The expired archive deadline makes the primary config root fatal.
	if s := notifier.last(t); s.Status != notify.StatusFailed {
		t.Errorf("notification status = %q, want failed", s.Status)
	}
	if mounter.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", mounter.disconnects)
	}
}
