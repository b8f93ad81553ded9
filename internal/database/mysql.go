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

const EngineMySQL = "mysql"

// MySQLOption lets you override default settings on a MySQL.
type MySQLOption func(*MySQL)

// MySQL holds configuration for dumping one MySQL database.
type MySQL struct {
	Username string
	Password string
	Database string
	Host     string
	Port     string
	Timeout  time.Duration
	Logger   logger.Logger
}

// NewMySQL returns a MySQL configured with the given overrides.
func NewMySQL(log logger.Logger, opts ...MySQLOption) *MySQL {
	m := &MySQL{
		Host:    "localhost",
		Port:    "3306",
		Timeout: 15 * time.Minute,
		Logger:  log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithMySQLCredentials sets username and password.
func WithMySQLCredentials(user, pass string) MySQLOption {
	return func(m *MySQL) {
		if user != "" {
			m.Username = user
		}
		if pass != "" {
			m.Password = pass
		}
	}
}

// WithMySQLHost overrides the host.
func WithMySQLHost(host string) MySQLOption {
	return func(m *MySQL) {
		if host != "" {
			m.Host = host
		}
	}
}

// WithMySQLPort overrides the port.
func WithMySQLPort(port string) MySQLOption {
	return func(m *MySQL) {
		if port != "" {
			m.Port = port
		}
	}
}

// WithMySQLDatabase sets the database name.
func WithMySQLDatabase(db string) MySQLOption {
	return func(m *MySQL) {
		if db != "" {
			m.Database = db
		}
	}
}

// WithMySQLTimeout bounds how long one dump may run.
func WithMySQLTimeout(timeout time.Duration) MySQLOption {
	return func(m *MySQL) {
		if timeout > 0 {
			m.Timeout = timeout
		}
	}
}

// Dump runs `mysqldump`, compressing its output into
// {database}-{date}.sql.zst under destDir.
func (m *MySQL) Dump(ctx context.Context, destDir, date string) (string, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, m.Timeout, ErrTimeout)
	defer cancel()

	dumpPath := filepath.Join(destDir, fmt.Sprintf("%s-%s%s", m.Database, date, Extension))

	args := []string{
		"-h", m.Host,
		"-P", m.Port,
		"-u", m.Username,
		"--single-transaction",
		"--routines",
		m.Database,
	}

	cmd := exec.CommandContext(ctx, "mysqldump", args...)
	// Pass MYSQL_PWD for non-interactive auth; never on the command line.
	cmd.Env = append(os.Environ(), "MYSQL_PWD="+m.Password)

	m.Logger.Info("dump started",
		"database", m.Database,
		"engine", EngineMySQL,
		"path", dumpPath,
	)

	start := time.Now()
	if err := runDump(ctx, cmd, dumpPath); err != nil {
		return "", fmt.Errorf("mysqldump %q: %w", m.Database, err)
	}

	m.Logger.Info("dump completed",
		"database", m.Database,
		"engine", EngineMySQL,
		"path", dumpPath,
		"duration", time.Since(start).String(),
	)
	return dumpPath, nil
}

func (m *MySQL) Name() string { return m.Database }

// Engine returns the engine name.
func (m *MySQL) Engine() string { return EngineMySQL }
