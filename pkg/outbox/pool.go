package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const poolLogPrefix = "outbox:pool"

// PoolOptions sizes the connection pool. Zero values use defaults.
type PoolOptions struct {
	MaxConns int32
	MinConns int32
}

// NewPool creates a pgx connection pool from the given database URL and
// verifies connectivity. Pass nil opts for defaults.
func NewPool(ctx context.Context, databaseURL string, opts *PoolOptions) (*pgxpool.Pool, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to database", poolLogPrefix))

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", poolLogPrefix, err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	if opts != nil {
		if opts.MaxConns > 0 {
			config.MaxConns = opts.MaxConns
		}
		if opts.MinConns > 0 {
			config.MinConns = opts.MinConns
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", poolLogPrefix, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", poolLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Database connection established", poolLogPrefix))
	return pool, nil
}

// safeIdent matches allowed database and table names.
var safeIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// EnsureDatabase creates the database named in databaseURL if it does not
// exist, connecting through the server's postgres database.
func EnsureDatabase(ctx context.Context, databaseURL string) error {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return fmt.Errorf("%s - invalid database URL: %w", poolLogPrefix, err)
	}
	dbname := strings.TrimSpace(strings.TrimPrefix(u.Path, "/"))
	if dbname == "" {
		return fmt.Errorf("%s - database name empty in URL", poolLogPrefix)
	}
	if !safeIdent.MatchString(dbname) {
		return fmt.Errorf("%s - database name %q contains invalid characters", poolLogPrefix, dbname)
	}

	config, err := pgxpool.ParseConfig(buildPostgresURL(u))
	if err != nil {
		return fmt.Errorf("%s - failed to parse postgres URL: %w", poolLogPrefix, err)
	}
	config.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to postgres: %w", poolLogPrefix, err)
	}
	defer pool.Close()

	var exists bool
	err = pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, dbname).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%s - failed to check database: %w", poolLogPrefix, err)
	}
	if exists {
		return nil
	}

	slog.Info(fmt.Sprintf("%s - Creating database %q", poolLogPrefix, dbname))
	if _, err := pool.Exec(ctx, "CREATE DATABASE "+quoteIdent(dbname)); err != nil {
		return fmt.Errorf("%s - CREATE DATABASE failed: %w", poolLogPrefix, err)
	}
	return nil
}

func buildPostgresURL(u *url.URL) string {
	postgres := *u
	postgres.Path = "/postgres"
	return postgres.String()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
