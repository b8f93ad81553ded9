// Package pipeline sequences a full backup run: lock, mount, the three
// backup categories, retention, verification, notification, and the
// guaranteed unmount. Step failures are classified fatal or soft here;
// the leaf packages only report what went wrong.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kebairia/hostsave/internal/archive"
	"github.com/kebairia/hostsave/internal/config"
	"github.com/kebairia/hostsave/internal/database"
	"github.com/kebairia/hostsave/internal/lock"
	"github.com/kebairia/hostsave/internal/logger"
	"github.com/kebairia/hostsave/internal/mount"
	"github.com/kebairia/hostsave/internal/notify"
	"github.com/kebairia/hostsave/internal/retention"
	"github.com/kebairia/hostsave/internal/sysinfo"
	"github.com/kebairia/hostsave/internal/vault"
	"github.com/kebairia/hostsave/internal/verify"
)

// dbConcurrency bounds the database dump fan-out.
const dbConcurrency = 4

// disconnectTimeout bounds the cleanup unmount, which must run even
// when the run context is already canceled.
const disconnectTimeout = 30 * time.Second

// Mounter is the slice of mount.Manager the pipeline needs.
type Mounter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Runner executes the backup pipeline.
type Runner struct {
	log       logger.Logger
	cfg       config.Config
	mounter   Mounter
	archiver  *archive.Archiver
	collector *sysinfo.Collector
	retention *retention.Engine
	verifier  *verify.Verifier
	notifier  notify.Notifier

	// databases builds the configured dump producers; injected in tests.
	databases func(ctx context.Context) ([]database.Database, []database.InitError, error)
	clock     func() time.Time

	disconnectOnce sync.Once
}

// Option customizes a Runner, mainly for tests.
type Option func(*Runner)

func WithMounter(m Mounter) Option {
	return func(r *Runner) { r.mounter = m }
}

func WithNotifier(n notify.Notifier) Option {
	return func(r *Runner) { r.notifier = n }
}

func WithCollector(c *sysinfo.Collector) Option {
	return func(r *Runner) { r.collector = c }
}

func WithDatabases(fn func(ctx context.Context) ([]database.Database, []database.InitError, error)) Option {
	return func(r *Runner) { r.databases = fn }
}

func WithClock(fn func() time.Time) Option {
	return func(r *Runner) { r.clock = fn }
}

func NewRunner(log logger.Logger, cfg config.Config, opts ...Option) *Runner {
	r := &Runner{
		log:       log,
		cfg:       cfg,
		mounter:   mount.NewManager(log, cfg.Remote),
		archiver:  archive.New(log),
		collector: sysinfo.NewCollector(log),
		retention: retention.NewEngine(log),
		verifier:  verify.NewVerifier(log),
		notifier:  notify.New(log, cfg.Notify),
		clock:     time.Now,
	}
	r.databases = r.initDatabases
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs the whole pipeline and returns the process exit code.
// The share is unmounted exactly once on every path that mounted it.
func (r *Runner) Execute(ctx context.Context) int {
	rc := NewRunContext(r.cfg, r.clock())
	outcome := NewOutcome(rc.Now)

	r.log.Info("run started", "host", rc.Cfg.Host, "date", rc.Date)

	lk, err := lock.Acquire(r.cfg.Lock.Path)
	if err != nil {
		outcome.SetFatal("lock", err)
		r.log.Error("run lock not acquired", "path", r.cfg.Lock.Path, "error", err)
		r.sendNotification(rc, outcome, 0)
		return outcome.ExitCode()
	}
	defer func() {
		if err := lk.Release(); err != nil {
			r.log.Warn("run lock release failed", "error", err)
		}
	}()

	if err := r.mounter.Connect(ctx); err != nil {
		outcome.SetFatal("mount", err)
		r.log.Error("mount not established", "error", err)
		r.sendNotification(rc, outcome, 0)
		return outcome.ExitCode()
	}
	defer r.disconnect()

	var artifacts []verify.Artifact

	artifacts = append(artifacts, r.configStep(ctx, rc, outcome)...)
	if outcome.Fatal() == nil {
		dumps := r.databaseStep(ctx, rc, outcome)
		artifacts = append(artifacts, dumps...)
		r.retentionStep(rc, outcome, dumps)
		artifacts = append(artifacts, r.dataStep(ctx, rc, outcome)...)

		if failed := r.verifier.Verify(ctx, artifacts); failed > 0 {
			outcome.AddSoftCount("verify", failed)
		}
	}

	completedAt := r.clock()
	report := buildReport(rc, outcome, len(artifacts), completedAt)
	if err := report.Write(rc.HostRoot(), rc.Date); err != nil {
		r.log.Warn("run report not written", "error", err)
	}

	r.sendNotification(rc, outcome, len(artifacts))

	r.log.Info("run finished",
		"status", string(outcome.Status()),
		"soft_errors", outcome.SoftCount(),
		"artifacts", len(artifacts),
		"duration", completedAt.Sub(rc.Now).Round(time.Millisecond).String(),
	)
	return outcome.ExitCode()
}

// disconnect unmounts at most once, on a fresh context so cleanup
// still happens after cancellation.
func (r *Runner) disconnect() {
	r.disconnectOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		if err := r.mounter.Disconnect(ctx); err != nil {
			r.log.Error("unmount failed", "error", err)
		}
	})
}

// configStep archives the configuration roots and captures system
// snapshots. The primary root is the one must-succeed target of the
// whole step.
func (r *Runner) configStep(ctx context.Context, rc *RunContext, outcome *RunOutcome) []verify.Artifact {
	var artifacts []verify.Artifact

	primary := rc.Cfg.ConfigStep.PrimaryRoot
	dest := r.configArchivePath(rc, primary)
	if err := r.createArchive(ctx, primary, dest); err != nil {
		outcome.SetFatal("config:"+primary, err)
		r.log.Error("primary config root not archived", "root", primary, "error", err)
		return artifacts
	}
	artifacts = append(artifacts, verify.Artifact{Path: dest, Kind: verify.KindArchive})
	r.log.Info("config root archived", "root", primary, "path", dest)

	for _, root := range rc.Cfg.ConfigStep.ExtraRoots {
		dest := r.configArchivePath(rc, root)
		if err := r.createArchive(ctx, root, dest); err != nil {
			outcome.AddSoft("config:"+root, err)
			r.log.Warn("optional config root skipped", "root", root, "error", err)
			continue
		}
		artifacts = append(artifacts, verify.Artifact{Path: dest, Kind: verify.KindArchive})
		r.log.Info("config root archived", "root", root, "path", dest)
	}

	// Snapshots are informational; failures are logged by the collector
	// and do not count against the run.
	snapDir := filepath.Join(rc.ConfigDir(), "system-"+rc.Date)
	if failed := r.collector.Collect(ctx, snapDir); failed > 0 {
		r.log.Warn("system snapshots incomplete", "failed", failed)
	}

	return artifacts
}

// createArchive runs one archive operation under the configured backup
// timeout, so a hung share read cannot stall the run forever.
func (r *Runner) createArchive(ctx context.Context, sourceDir, destPath string) error {
	if t := r.cfg.Backup.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	return r.archiver.Create(ctx, sourceDir, destPath)
}

// Archive names carry the host so files stay unambiguous if they are
// ever moved out of the per-host subtree.
func (r *Runner) configArchivePath(rc *RunContext, root string) string {
	base := filepath.Base(filepath.Clean(root))
	return filepath.Join(rc.ConfigDir(), fmt.Sprintf("%s-%s-%s%s", base, rc.Cfg.Host, rc.Date, archive.Extension))
}

// databaseStep dumps every configured database into the daily tier.
// One failed dump or unresolvable credential set is soft and does not
// block its siblings.
func (r *Runner) databaseStep(ctx context.Context, rc *RunContext, outcome *RunOutcome) []verify.Artifact {
	dbs, failures, err := r.databases(ctx)
	if err != nil {
		outcome.AddSoft("database:init", err)
		r.log.Error("database initialization failed", "error", err)
		return nil
	}
	for _, f := range failures {
		outcome.AddSoft("database:"+f.Instance, f)
		r.log.Error("database credentials not resolved",
			"database", f.Instance, "engine", f.Engine, "error", f.Err)
	}
	if len(dbs) == 0 {
		return nil
	}

	dailyDir := rc.DBDir(TierDaily)

	var (
		mu        sync.Mutex
		artifacts []verify.Artifact
		wg        sync.WaitGroup
		sem       = make(chan struct{}, dbConcurrency)
	)
	for _, db := range dbs {
		wg.Add(1)
		go func(db database.Database) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			path, err := db.Dump(ctx, dailyDir, rc.Date)
			if err != nil {
				outcome.AddSoft("database:"+db.Name(), err)
				r.log.Error("database dump failed", "database", db.Name(), "engine", db.Engine(), "error", err)
				return
			}
			mu.Lock()
			artifacts = append(artifacts, verify.Artifact{Path: path, Kind: verify.KindDump})
			mu.Unlock()
		}(db)
	}
	wg.Wait()
	return artifacts
}

// retentionStep promotes this run's dumps on calendar boundaries and
// ages out old daily artifacts. dumps holds only artifacts produced by
// this run, so stale files never get promoted.
func (r *Runner) retentionStep(rc *RunContext, outcome *RunOutcome, dumps []verify.Artifact) {
	paths := make([]string, 0, len(dumps))
	for _, d := range dumps {
		paths = append(paths, d.Path)
	}

	weeklyDay, err := rc.Cfg.WeeklyDay()
	if err != nil {
		// Unreachable after config validation, but don't guess a day.
		outcome.AddSoft("retention:weekly", err)
		return
	}

	if retention.IsWeeklyBoundary(rc.Now, weeklyDay) {
		if err := r.retention.Promote(paths, rc.DBDir(TierWeekly)); err != nil {
			outcome.AddSoft("retention:weekly", err)
		} else if _, err := r.retention.PruneByCount(rc.DBDir(TierWeekly), rc.Cfg.Retention.WeeklyKeep); err != nil {
			outcome.AddSoft("retention:weekly", err)
		}
	}
	if retention.IsMonthlyBoundary(rc.Now) {
		if err := r.retention.Promote(paths, rc.DBDir(TierMonthly)); err != nil {
			outcome.AddSoft("retention:monthly", err)
		} else if _, err := r.retention.PruneByCount(rc.DBDir(TierMonthly), rc.Cfg.Retention.MonthlyKeep); err != nil {
			outcome.AddSoft("retention:monthly", err)
		}
	}

	if _, err := r.retention.PruneByAge(rc.DBDir(TierDaily), rc.Cfg.Retention.DailyAge, rc.Now); err != nil {
		outcome.AddSoft("retention:daily", err)
	}
}

// dataStep archives the application data roots. A missing root is soft:
// hosts differ in which applications they carry.
func (r *Runner) dataStep(ctx context.Context, rc *RunContext, outcome *RunOutcome) []verify.Artifact {
	roots := rc.Cfg.DataStep.Roots
	names := make([]string, 0, len(roots))
	for name := range roots {
		names = append(names, name)
	}
	sort.Strings(names)

	var artifacts []verify.Artifact
	for _, name := range names {
		root := roots[name]
		if _, err := os.Stat(root); err != nil {
			outcome.AddSoft("data:"+root, fmt.Errorf("root does not exist: %w", err))
			r.log.Warn("data root skipped", "name", name, "root", root, "error", err)
			continue
		}
		dest := filepath.Join(rc.DataDir(), fmt.Sprintf("%s-%s-%s%s", name, rc.Cfg.Host, rc.Date, archive.Extension))
		if err := r.createArchive(ctx, root, dest); err != nil {
			outcome.AddSoft("data:"+root, err)
			r.log.Error("data root not archived", "name", name, "root", root, "error", err)
			continue
		}
		artifacts = append(artifacts, verify.Artifact{Path: dest, Kind: verify.KindArchive})
		r.log.Info("data root archived", "name", name, "path", dest)
	}

	if _, err := r.retention.PruneByAge(rc.DataDir(), rc.Cfg.Retention.DataAge, rc.Now); err != nil {
		outcome.AddSoft("retention:data", err)
	}
	return artifacts
}

// initDatabases builds the configured dump producers, fetching
// credentials from Vault. Skipped entirely when nothing is configured
// so hosts without databases never need a Vault reachable. The error
// covers client construction only; per-instance credential failures
// come back itemized so one bad secret cannot block the rest.
func (r *Runner) initDatabases(ctx context.Context) ([]database.Database, []database.InitError, error) {
	if len(r.cfg.Postgres.Instances) == 0 && len(r.cfg.MySQL.Instances) == 0 {
		return nil, nil, nil
	}

	client, err := vault.NewClient(ctx,
		vault.WithAddress(r.cfg.Vault.Address),
		vault.WithAppRole(r.cfg.Vault.RoleID, r.cfg.Vault.RoleName),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("vault client: %w", err)
	}
	dbs, failures := database.InitializeDatabases(ctx, r.log, r.cfg, client)
	return dbs, failures, nil
}

// sendNotification posts the end-of-run summary; delivery problems are
// logged and never change the outcome.
func (r *Runner) sendNotification(rc *RunContext, outcome *RunOutcome, artifacts int) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	status := outcome.Status()
	summary := notify.Summary{
		Status:     status,
		Subject:    fmt.Sprintf("backup %s: %s", rc.Cfg.Host, status),
		Body:       fmt.Sprintf("%d artifacts, %d soft errors", artifacts, outcome.SoftCount()),
		Host:       rc.Cfg.Host,
		Site:       rc.Cfg.Site,
		StartedAt:  rc.Now,
		Duration:   r.clock().Sub(rc.Now).Round(time.Millisecond).String(),
		SoftErrors: outcome.SoftCount(),
		StepErrors: outcome.StepErrors(),
	}
	if err := r.notifier.Send(ctx, summary); err != nil {
		r.log.Warn("notification not delivered", "error", err)
	}
}
