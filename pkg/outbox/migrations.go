package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

const migrationsLogPrefix = "outbox:migrations"

// SchemaStatements returns the statements creating the outbox table and its
// pending-row index. They are idempotent.
func SchemaStatements(table string) ([]string, error) {
	if !safeIdent.MatchString(table) {
		return nil, fmt.Errorf("%s - invalid table name %q", migrationsLogPrefix, table)
	}
	t := quoteIdent(table)
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id            UUID PRIMARY KEY,
	type          TEXT NOT NULL,
	payload       JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	dispatched_at TIMESTAMPTZ,
	attempts      INT NOT NULL DEFAULT 0,
	last_error    TEXT
)`, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (created_at) WHERE dispatched_at IS NULL`,
			quoteIdent(table+"_pending_idx"), t),
	}, nil
}

// LoadMigrationFiles reads all .sql files from dir, sorted by name, and
// returns their contents. A missing dir yields no migrations.
func LoadMigrationFiles(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s - failed to read migration dir %s: %w", migrationsLogPrefix, dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]string, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to read %s: %w", migrationsLogPrefix, path, err)
		}
		out = append(out, string(data))
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d migration files from %s", migrationsLogPrefix, len(out), dir))
	return out, nil
}

// Migrate creates the outbox schema for table, then applies the .sql files
// in dir in name order.
func Migrate(ctx context.Context, db DB, table, dir string) error {
	statements, err := SchemaStatements(table)
	if err != nil {
		return err
	}
	extra, err := LoadMigrationFiles(dir)
	if err != nil {
		return err
	}
	statements = append(statements, extra...)

	slog.Info(fmt.Sprintf("%s - Running %d migrations", migrationsLogPrefix, len(statements)))
	for i, sql := range statements {
		if _, err := db.Exec(ctx, sql); err != nil {
			return fmt.Errorf("%s - migration %d failed: %w", migrationsLogPrefix, i+1, err)
		}
	}
	slog.Info(fmt.Sprintf("%s - Migrations complete", migrationsLogPrefix))
	return nil
}

// Status reports whether the outbox table exists and how many rows are
// still pending.
type Status struct {
	Applied bool
	Pending int64
}

// MigrationStatus inspects the schema for table.
func MigrationStatus(ctx context.Context, db DB, table string) (Status, error) {
	if !safeIdent.MatchString(table) {
		return Status{}, fmt.Errorf("%s - invalid table name %q", migrationsLogPrefix, table)
	}
	var st Status
	err := db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1)`,
		table).Scan(&st.Applied)
	if err != nil {
		return Status{}, fmt.Errorf("%s - failed to check schema: %w", migrationsLogPrefix, err)
	}
	if !st.Applied {
		return st, nil
	}
	err = db.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE dispatched_at IS NULL`, quoteIdent(table))).Scan(&st.Pending)
	if err != nil {
		return Status{}, fmt.Errorf("%s - failed to count pending rows: %w", migrationsLogPrefix, err)
	}
	return st, nil
}
