package database

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/kebairia/hostsave/internal/config"
	"github.com/kebairia/hostsave/internal/logger"
	"github.com/kebairia/hostsave/internal/vault"
)

// InitError records one instance whose credentials could not be
// resolved. Other instances keep dumping; the caller reports these as
// soft failures.
type InitError struct {
	Instance string
	Engine   string
	Err      error
}

func (e InitError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Engine, e.Instance, e.Err)
}

func (e InitError) Unwrap() error { return e.Err }

// resolved is the credential set an instance dumps with, whichever
// Vault path produced it.
type resolved struct {
	username string
	password string
	host     string
	port     string
}

// resolveCredentials fetches an instance's account from Vault: a
// dynamic lease when the instance names a role, otherwise the static
// KV secret stored under the group's kv_base by instance name.
func resolveCredentials(
	ctx context.Context,
	vaultClient *vault.Client,
	group config.DBGroupConfig,
	instance config.DBInstance,
) (resolved, error) {
	if instance.RoleName != "" {
		creds, err := vaultClient.GetDynamicCredentials(ctx,
			filepath.Join(group.Vault.RoleBase, instance.RoleName))
		if err != nil {
			return resolved{}, fmt.Errorf("dynamic credentials: %w", err)
		}
		return resolved{username: creds.Username, password: creds.Password}, nil
	}

	static, err := vaultClient.GetStaticCredentials(ctx,
		filepath.Join(group.Vault.KVBase, instance.Name))
	if err != nil {
		return resolved{}, fmt.Errorf("static credentials: %w", err)
	}
	return resolved{
		username: static.Username,
		password: static.Password,
		host:     static.Host,
		port:     static.Port,
	}, nil
}

// InitPostgresInstances builds one Postgres per configured instance.
// An instance whose credentials cannot be resolved becomes an
// InitError and does not block its siblings. Later options win, so
// instance settings override the secret's, which override the group
// defaults.
func InitPostgresInstances(
	ctx context.Context,
	log logger.Logger,
	group config.DBGroupConfig,
	vaultClient *vault.Client,
) ([]Database, []InitError) {
	var (
		dbs      []Database
		failures []InitError
	)
	for _, instance := range group.Instances {
		creds, err := resolveCredentials(ctx, vaultClient, group, instance)
		if err != nil {
			failures = append(failures, InitError{Instance: instance.Name, Engine: EnginePostgres, Err: err})
			continue
		}

		opts := []PostgresOption{
			WithPostgresHost(group.Host),
			WithPostgresPort(group.Port),
			WithPostgresTimeout(group.Timeout),
			WithPostgresHost(creds.host),
			WithPostgresPort(creds.port),
			WithPostgresHost(instance.Host),
			WithPostgresPort(instance.Port),
			WithPostgresCredentials(creds.username, creds.password),
			WithPostgresDatabase(instance.Database),
		}
		dbs = append(dbs, NewPostgres(log, opts...))
	}
	return dbs, failures
}

// InitMySQLInstances builds one MySQL per configured instance, with
// the same per-instance failure isolation as the Postgres initializer.
func InitMySQLInstances(
	ctx context.Context,
	log logger.Logger,
	group config.DBGroupConfig,
	vaultClient *vault.Client,
) ([]Database, []InitError) {
	var (
		dbs      []Database
		failures []InitError
	)
	for _, instance := range group.Instances {
		creds, err := resolveCredentials(ctx, vaultClient, group, instance)
		if err != nil {
			failures = append(failures, InitError{Instance: instance.Name, Engine: EngineMySQL, Err: err})
			continue
		}

		opts := []MySQLOption{
			WithMySQLHost(group.Host),
			WithMySQLPort(group.Port),
			WithMySQLTimeout(group.Timeout),
			WithMySQLHost(creds.host),
			WithMySQLPort(creds.port),
			WithMySQLHost(instance.Host),
			WithMySQLPort(instance.Port),
			WithMySQLCredentials(creds.username, creds.password),
			WithMySQLDatabase(instance.Database),
		}
		dbs = append(dbs, NewMySQL(log, opts...))
	}
	return dbs, failures
}

// InitializeDatabases assembles every configured database across all
// engine groups, collecting per-instance credential failures instead
// of aborting on the first one.
func InitializeDatabases(
	ctx context.Context,
	log logger.Logger,
	cfg config.Config,
	vaultClient *vault.Client,
) ([]Database, []InitError) {
	dbs := make([]Database, 0)
	failures := make([]InitError, 0)

	pg, pgFail := InitPostgresInstances(ctx, log, cfg.Postgres, vaultClient)
	dbs = append(dbs, pg...)
	failures = append(failures, pgFail...)

	my, myFail := InitMySQLInstances(ctx, log, cfg.MySQL, vaultClient)
	dbs = append(dbs, my...)
	failures = append(failures, myFail...)

	return dbs, failures
}
