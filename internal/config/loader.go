package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrLoadConfig indicates a failure to read or parse the YAML configuration.
var ErrLoadConfig = errors.New("config load failed")

// ErrValidateConfig indicates that the loaded configuration is invalid.
var ErrValidateConfig = errors.New("configuration validation failed")

// Config represents the top-level YAML configuration file.
type Config struct {
	Include []string `mapstructure:"include" yaml:"include,omitempty"`

	Host string `mapstructure:"host" yaml:"host,omitempty"`
	Site string `mapstructure:"site" yaml:"site,omitempty"`

	Remote    RemoteConfig    `mapstructure:"remote"    yaml:"remote"`
	Backup    BackupConfig    `mapstructure:"backup"    yaml:"backup"`
	Lock      LockConfig      `mapstructure:"lock"      yaml:"lock"`
	Retention RetentionConfig `mapstructure:"retention" yaml:"retention"`
	Vault     VaultConfig     `mapstructure:"vault"     yaml:"vault"`
	Notify    NotifyConfig    `mapstructure:"notify"    yaml:"notify"`

	ConfigStep ConfigStepConfig `mapstructure:"config_step" yaml:"config_step"`
	DataStep   DataStepConfig   `mapstructure:"data_step"   yaml:"data_step"`

	// Per-engine database groups
	Postgres DBGroupConfig `mapstructure:"postgres" yaml:"postgres"`
	MySQL    DBGroupConfig `mapstructure:"mysql"    yaml:"mysql"`
}

// RemoteConfig describes the network share that receives the backups.
type RemoteConfig struct {
	Address      string        `mapstructure:"address"       yaml:"address"`
	Export       string        `mapstructure:"export"        yaml:"export"`
	MountPoint   string        `mapstructure:"mount_point"   yaml:"mount_point"`
	FSType       string        `mapstructure:"fstype"        yaml:"fstype,omitempty"`
	Options      string        `mapstructure:"options"       yaml:"options,omitempty"`
	ProbePort    int           `mapstructure:"probe_port"    yaml:"probe_port,omitempty"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout,omitempty"`
	MountTimeout time.Duration `mapstructure:"mount_timeout" yaml:"mount_timeout,omitempty"`
	MountRetries int           `mapstructure:"mount_retries" yaml:"mount_retries,omitempty"`
}

// BackupConfig contains global backup options.
type BackupConfig struct {
	// Root of the destination tree. Defaults to the mount point; the
	// per-host layout {root}/{host}/... hangs below it.
	Root    string        `mapstructure:"root"    yaml:"root,omitempty"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

// LockConfig locates the single-instance run lock.
type LockConfig struct {
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// RetentionConfig holds the per-tier retention limits.
type RetentionConfig struct {
	DailyAge    time.Duration `mapstructure:"daily_age"    yaml:"daily_age,omitempty"`
	DataAge     time.Duration `mapstructure:"data_age"     yaml:"data_age,omitempty"`
	WeeklyDay   string        `mapstructure:"weekly_day"   yaml:"weekly_day,omitempty"`
	WeeklyKeep  int           `mapstructure:"weekly_keep"  yaml:"weekly_keep,omitempty"`
	MonthlyKeep int           `mapstructure:"monthly_keep" yaml:"monthly_keep,omitempty"`
}

// VaultConfig holds connection settings for HashiCorp Vault.
type VaultConfig struct {
	Address  string `mapstructure:"address"   yaml:"address"`
	RoleID   string `mapstructure:"role_id"   yaml:"role_id,omitempty"`
	RoleName string `mapstructure:"role_name" yaml:"role_name,omitempty"`
}

// NotifyConfig configures the run-end notification webhook.
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url" yaml:"webhook_url,omitempty"`
	Timeout    time.Duration `mapstructure:"timeout"     yaml:"timeout,omitempty"`
	Retries    int           `mapstructure:"retries"     yaml:"retries,omitempty"`
}

// ConfigStepConfig lists the configuration roots to archive. PrimaryRoot
// is the must-succeed target; ExtraRoots are optional and skipped with a
// soft error when absent.
type ConfigStepConfig struct {
	PrimaryRoot string   `mapstructure:"primary_root" yaml:"primary_root"`
	ExtraRoots  []string `mapstructure:"extra_roots"  yaml:"extra_roots,omitempty"`
}

// DataStepConfig lists the application data roots to archive.
type DataStepConfig struct {
	Roots map[string]string `mapstructure:"roots" yaml:"roots,omitempty"`
}

// EngineDefaults provides common settings for a DB engine.
type EngineDefaults struct {
	Host    string        `mapstructure:"host"    yaml:"host,omitempty"`
	Port    string        `mapstructure:"port"    yaml:"port,omitempty"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

// DBGroupConfig groups common engine settings and Vault prefixes.
type DBGroupConfig struct {
	EngineDefaults `mapstructure:",squash" yaml:",inline"`

	Vault     VaultPaths   `mapstructure:"vault"     yaml:"vault"`
	Instances []DBInstance `mapstructure:"instances" yaml:"instances"`
}

// VaultPaths holds the KV and role prefixes under the Vault mount.
type VaultPaths struct {
	KVBase   string `mapstructure:"kv_base"   yaml:"kv_base,omitempty"`
	RoleBase string `mapstructure:"role_base" yaml:"role_base"`
}

// DBInstance represents a single database within a group.
type DBInstance struct {
	Name     string `mapstructure:"name"      yaml:"name"`
	Host     string `mapstructure:"host"      yaml:"host,omitempty"`
	Port     string `mapstructure:"port"      yaml:"port,omitempty"`
	Database string `mapstructure:"database"  yaml:"database,omitempty"`
	RoleName string `mapstructure:"role_name" yaml:"role_name,omitempty"`
}

// Load reads the configuration from the given YAML file using Viper,
// merges any included files, and unmarshals into the Config struct.
func (c *Config) Load(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: read base config %s: %v", ErrLoadConfig, path, err)
	}

	// Merge include files (if any)
	for _, inc := range v.GetStringSlice("include") {
		data, err := os.ReadFile(inc)
		if err != nil {
			return fmt.Errorf("%w: read include %s: %v", ErrLoadConfig, inc, err)
		}
		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("%w: merge include %s: %v", ErrLoadConfig, inc, err)
		}
	}

	if err := v.UnmarshalExact(c); err != nil {
		return fmt.Errorf("%w: unmarshal config: %v", ErrLoadConfig, err)
	}

	c.applyDefaults()
	return c.validate()
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		if h, err := os.Hostname(); err == nil {
			c.Host = h
		}
	}
	if c.Backup.Root == "" {
		c.Backup.Root = c.Remote.MountPoint
	}
	if c.Backup.Timeout == 0 {
		c.Backup.Timeout = 15 * time.Minute
	}
	if c.Lock.Path == "" {
		c.Lock.Path = "/var/run/hostsave.lock"
	}
	if c.Remote.FSType == "" {
		c.Remote.FSType = "nfs"
	}
	if c.Remote.ProbeTimeout == 0 {
		c.Remote.ProbeTimeout = 5 * time.Second
	}
	if c.Remote.MountTimeout == 0 {
		c.Remote.MountTimeout = 30 * time.Second
	}
	// Negative values would overflow the retry counter downstream.
	if c.Remote.MountRetries <= 0 {
		c.Remote.MountRetries = 2
	}
	if c.Retention.DailyAge == 0 {
		c.Retention.DailyAge = 3 * 24 * time.Hour
	}
	if c.Retention.DataAge == 0 {
		c.Retention.DataAge = 30 * 24 * time.Hour
	}
	if c.Retention.WeeklyDay == "" {
		c.Retention.WeeklyDay = "Sunday"
	}
	if c.Retention.WeeklyKeep == 0 {
		c.Retention.WeeklyKeep = 4
	}
	if c.Retention.MonthlyKeep == 0 {
		c.Retention.MonthlyKeep = 12
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = 10 * time.Second
	}
	if c.Notify.Retries == 0 {
		c.Notify.Retries = 3
	}
}

func (c *Config) validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is empty and could not be detected", ErrValidateConfig)
	}
	if c.Remote.Address == "" {
		return fmt.Errorf("%w: remote.address is required", ErrValidateConfig)
	}
	if c.Remote.Export == "" {
		return fmt.Errorf("%w: remote.export is required", ErrValidateConfig)
	}
	if c.Remote.MountPoint == "" {
		return fmt.Errorf("%w: remote.mount_point is required", ErrValidateConfig)
	}
	if c.ConfigStep.PrimaryRoot == "" {
		return fmt.Errorf("%w: config_step.primary_root is required", ErrValidateConfig)
	}
	if _, err := c.WeeklyDay(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidateConfig, err)
	}
	return nil
}

// WeeklyDay parses retention.weekly_day into a time.Weekday.
func (c *Config) WeeklyDay() (time.Weekday, error) {
	want := strings.ToLower(strings.TrimSpace(c.Retention.WeeklyDay))
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.ToLower(d.String()) == want {
			return d, nil
		}
	}
	return time.Sunday, fmt.Errorf("unknown weekday %q", c.Retention.WeeklyDay)
}
