package database

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/kebairia/hostsave/internal/logger"
)

const EnginePostgres = "postgres"

// PostgresOption lets you override default settings on a Postgres.
type PostgresOption func(*Postgres)

// Postgres holds configuration for dumping one PostgreSQL database.
type Postgres struct {
	Username string
	Password string
	Database string
	Host     string
	Port     string
	Timeout  time.Duration
	Logger   logger.Logger
}

// NewPostgres returns a Postgres configured with the given overrides.
func NewPostgres(log logger.Logger, opts ...PostgresOption) *Postgres {
	p := &Postgres{
		Host:    "localhost",
		Port:    "5432",
		Timeout: 15 * time.Minute,
		Logger:  log,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithPostgresHost overrides the host.
func WithPostgresHost(host string) PostgresOption {
	return func(p *Postgres) {
		if host != "" {
			p.Host = host
		}
	}
}

// WithPostgresPort overrides the port.
func WithPostgresPort(port string) PostgresOption {
	return func(p *Postgres) {
		if port != "" {
			p.Port = port
		}
	}
}

// WithPostgresCredentials sets username and password.
func WithPostgresCredentials(user, pass string) PostgresOption {
	return func(p *Postgres) {
		if user != "" {
			p.Username = user
		}
		if pass != "" {
			p.Password = pass
		}
	}
}

// WithPostgresDatabase sets the database name.
func WithPostgresDatabase(db string) PostgresOption {
	return func(p *Postgres) {
		if db != "" {
			p.Database = db
		}
	}
}

// WithPostgresTimeout bounds how long one dump may run.
func WithPostgresTimeout(timeout time.Duration) PostgresOption {
	return func(p *Postgres) {
		if timeout > 0 {
			p.Timeout = timeout
		}
	}
}

// Dump runs `pg_dump`, compressing its output into
// {database}-{date}.sql.zst under destDir.
func (p *Postgres) Dump(ctx context.Context, destDir, date string) (string, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, p.Timeout, ErrTimeout)
	defer cancel()

	dumpPath := filepath.Join(destDir, fmt.Sprintf("%s-%s%s", p.Database, date, Extension))

	args := []string{
		"-h", p.Host,
		"-p", p.Port,
		"-U", p.Username,
		"-d", p.Database,
		"-F", "plain",
	}

	cmd := exec.CommandContext(ctx, "pg_dump", args...)
	// Pass PGPASSWORD for non-interactive auth; never on the command line.
	cmd.Env = append(os.Environ(), "PGPASSWORD="+p.Password)

	p.Logger.Info("dump started",
		"database", p.Database,
		"engine", EnginePostgres,
		"path", dumpPath,
	)

	start := time.Now()
	if err := runDump(ctx, cmd, dumpPath); err != nil {
		return "", fmt.Errorf("pg_dump %q: %w", p.Database, err)
	}

	p.Logger.Info("dump completed",
		"database", p.Database,
		"engine", EnginePostgres,
		"path", dumpPath,
		"duration", time.Since(start).String(),
	)
	return dumpPath, nil
}

func (p *Postgres) Name() string { return p.Database }

// Engine returns the engine name.
func (p *Postgres) Engine() string { return EnginePostgres }
