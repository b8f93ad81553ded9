package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("failed to write YAML: %v", err)
	}
	return path
}

func TestLoadConfig_ParsesFullPipeline(t *testing.T) {
	yaml := `
host: "web01"
site: "acme"
remote:
  address: "nas.internal"
  export: "/export/backups"
  mount_point: "/mnt/backup"
  fstype: "nfs"
  probe_timeout: 2s
backup:
  timeout: 10m
retention:
  daily_age: 72h
  weekly_day: "Sunday"
  weekly_keep: 4
  monthly_keep: 12
config_step:
  primary_root: "/etc"
  extra_roots: ["/usr/local/etc"]
data_step:
  roots:
    www: "/var/www"
    certs: "/etc/ssl/private"
postgres:
  host: "db.internal"
  port: "5432"
  vault:
    role_base: "database/creds"
  instances:
    - name: "main"
      database: "app"
      role_name: "app-backup"
`
	var cfg Config
	if err := cfg.Load(writeConfig(t, yaml)); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Host != "web01" {
		t.Errorf("host = %q, want web01", cfg.Host)
	}
	if cfg.Backup.Timeout != 10*time.Minute {
		t.Errorf("backup.timeout = %v, want 10m", cfg.Backup.Timeout)
	}
	if cfg.Remote.ProbeTimeout != 2*time.Second {
		t.Errorf("remote.probe_timeout = %v, want 2s", cfg.Remote.ProbeTimeout)
	}
	if cfg.Retention.DailyAge != 72*time.Hour {
		t.Errorf("retention.daily_age = %v, want 72h", cfg.Retention.DailyAge)
	}
	if len(cfg.Postgres.Instances) != 1 || cfg.Postgres.Instances[0].Database != "app" {
		t.Errorf("postgres instances not parsed: %+v", cfg.Postgres.Instances)
	}
	if cfg.DataStep.Roots["www"] != "/var/www" {
		t.Errorf("data_step.roots not parsed: %+v", cfg.DataStep.Roots)
	}
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	yaml := `
host: "web01"
remote:
  address: "nas.internal"
  export: "/export/backups"
  mount_point: "/mnt/backup"
config_step:
  primary_root: "/etc"
`
	var cfg Config
	if err := cfg.Load(writeConfig(t, yaml)); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Backup.Root != "/mnt/backup" {
		t.Errorf("backup.root default = %q, want mount point", cfg.Backup.Root)
	}
	if cfg.Retention.WeeklyKeep != 4 {
		t.Errorf("retention.weekly_keep default = %d, want 4", cfg.Retention.WeeklyKeep)
	}
	if cfg.Retention.DataAge != 30*24*time.Hour {
		t.Errorf("retention.data_age default = %v, want 720h", cfg.Retention.DataAge)
	}
	day, err := cfg.WeeklyDay()
	if err != nil {
		t.Fatalf("WeeklyDay: %v", err)
	}
	if day != time.Sunday {
		t.Errorf("weekly day default = %v, want Sunday", day)
	}
}

func TestLoadConfig_ClampsNegativeMountRetries(t *testing.T) {
	yaml := `
host: "web01"
remote:
  address: "nas.internal"
  export: "/export/backups"
  mount_point: "/mnt/backup"
  mount_retries: -3
config_step:
  primary_root: "/etc"
`
	var cfg Config
	if err := cfg.Load(writeConfig(t, yaml)); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Remote.MountRetries != 2 {
		t.Errorf("mount_retries = %d, want default 2 for a negative value", cfg.Remote.MountRetries)
	}
}

func TestLoadConfig_MissingPrimaryRoot(t *testing.T) {
	yaml := `
host: "web01"
remote:
  address: "nas.internal"
  export: "/export/backups"
  mount_point: "/mnt/backup"
`
	var cfg Config
	err := cfg.Load(writeConfig(t, yaml))
	if !errors.Is(err, ErrValidateConfig) {
		t.Fatalf("err = %v, want ErrValidateConfig", err)
	}
}

func TestLoadConfig_BadWeekday(t *testing.T) {
	yaml := `
host: "web01"
remote:
  address: "nas.internal"
  export: "/export/backups"
  mount_point: "/mnt/backup"
retention:
  weekly_day: "Caturday"
config_step:
  primary_root: "/etc"
`
	var cfg Config
	err := cfg.Load(writeConfig(t, yaml))
	if !errors.Is(err, ErrValidateConfig) {
		t.Fatalf("err = %v, want ErrValidateConfig", err)
	}
}
