package pipeline

import (
	"path/filepath"
	"time"

	"github.com/kebairia/hostsave/internal/config"
)

// Tier names the retention directories under {root}/{host}/db.
type Tier string

const (
	TierDaily   Tier = "daily"
	TierWeekly  Tier = "weekly"
	TierMonthly Tier = "monthly"
)

// RunContext fixes the destination layout and the calendar for one run.
// It is built once at the start and never mutated, so every step sees
// the same date even across midnight.
type RunContext struct {
	Cfg  config.Config
	Now  time.Time
	Date string
}

func NewRunContext(cfg config.Config, now time.Time) *RunContext {
	return &RunContext{Cfg: cfg, Now: now, Date: now.Format("2006-01-02")}
}

// HostRoot is {root}/{host}, the per-host subtree on the share.
func (r *RunContext) HostRoot() string {
	return filepath.Join(r.Cfg.Backup.Root, r.Cfg.Host)
}

// ConfigDir holds configuration archives and system snapshots.
func (r *RunContext) ConfigDir() string {
	return filepath.Join(r.HostRoot(), "config")
}

// DBDir holds database dumps for one retention tier.
func (r *RunContext) DBDir(tier Tier) string {
	return filepath.Join(r.HostRoot(), "db", string(tier))
}

// DataDir holds application data archives.
func (r *RunContext) DataDir() string {
	return filepath.Join(r.HostRoot(), "data")
}
