package sessions

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Migration is one embedded schema change. Files are named
// <id>.up.sql and <id>.down.sql under migrations/<dialect>/.
type Migration struct {
	ID      string
	UpSQL   string
	DownSQL string
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	ID        string
	AppliedAt time.Time
}

func (d Dialect) supported() bool {
	return d == DialectSQLite || d == DialectPostgres
}

// historyTable creates schema_migrations with the dialect's timestamp type.
func (d Dialect) historyTable() string {
	stamp := "TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP"
	if d == DialectPostgres {
		stamp = "TIMESTAMPTZ NOT NULL DEFAULT now()"
	}
	return "CREATE TABLE IF NOT EXISTS schema_migrations (id TEXT PRIMARY KEY, applied_at " + stamp + ")"
}

// Migrator moves the sessions schema of one database up and down.
type Migrator struct {
	db         *sql.DB
	dialect    Dialect
	migrations []Migration
}

// NewMigrator loads the migrations embedded for dialect.
func NewMigrator(db *sql.DB, dialect Dialect) (*Migrator, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	migrations, err := loadMigrations(dialect)
	if err != nil {
		return nil, err
	}
	return &Migrator{db: db, dialect: dialect, migrations: migrations}, nil
}

// Status returns the applied migrations in id order and the embedded ones
// still pending. It creates schema_migrations when missing.
func (m *Migrator) Status(ctx context.Context) ([]AppliedMigration, []Migration, error) {
	if _, err := m.db.ExecContext(ctx, m.dialect.historyTable()); err != nil {
		return nil, nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	rows, err := m.db.QueryContext(ctx, `SELECT id, applied_at FROM schema_migrations ORDER BY id`)
	if err != nil {
		return nil, nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	var applied []AppliedMigration
	done := map[string]bool{}
	for rows.Next() {
		var entry AppliedMigration
		if err := rows.Scan(&entry.ID, &entry.AppliedAt); err != nil {
			return nil, nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied = append(applied, entry)
		done[entry.ID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("schema_migrations: %w", err)
	}

	var pending []Migration
	for _, migration := range m.migrations {
		if !done[migration.ID] {
			pending = append(pending, migration)
		}
	}
	return applied, pending, nil
}

// Up applies up to steps pending migrations, all of them when steps <= 0,
// and returns the ids it applied.
func (m *Migrator) Up(ctx context.Context, steps int) ([]string, error) {
	_, pending, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	if steps > 0 && steps < len(pending) {
		pending = pending[:steps]
	}

	var ids []string
	for _, migration := range pending {
		if err := m.step(ctx, migration.ID, migration.UpSQL, `INSERT INTO schema_migrations (id) VALUES (?)`); err != nil {
			return ids, fmt.Errorf("apply migration %s: %w", migration.ID, err)
		}
		ids = append(ids, migration.ID)
	}
	return ids, nil
}

// Down rolls back the latest steps applied migrations, at least one.
func (m *Migrator) Down(ctx context.Context, steps int) ([]string, error) {
	steps = max(steps, 1)
	applied, _, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}

	var ids []string
	for i := len(applied) - 1; i >= 0 && len(ids) < steps; i-- {
		id := applied[i].ID
		idx := slices.IndexFunc(m.migrations, func(mg Migration) bool { return mg.ID == id })
		if idx < 0 {
			return ids, fmt.Errorf("migration %s is applied but not embedded in this build", id)
		}
		if err := m.step(ctx, id, m.migrations[idx].DownSQL, `DELETE FROM schema_migrations WHERE id = ?`); err != nil {
			return ids, fmt.Errorf("roll back migration %s: %w", id, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// step runs body and the schema_migrations bookkeeping for id in one
// transaction.
func (m *Migrator) step(ctx context.Context, id, body, record string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, rebind(m.dialect, record), id); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}

// loadMigrations reads the dialect's migration pairs in id order.
func loadMigrations(dialect Dialect) ([]Migration, error) {
	if !dialect.supported() {
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	dir := path.Join("migrations", string(dialect))
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	// ReadDir sorts by file name, so ids arrive in order.
	var migrations []Migration
	for _, entry := range entries {
		id, direction, _ := strings.Cut(entry.Name(), ".")
		if direction != "up.sql" && direction != "down.sql" {
			return nil, fmt.Errorf("unexpected migration file %s", entry.Name())
		}
		data, err := migrationsFS.ReadFile(path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if n := len(migrations); n == 0 || migrations[n-1].ID != id {
			migrations = append(migrations, Migration{ID: id})
		}
		current := &migrations[len(migrations)-1]
		if direction == "up.sql" {
			current.UpSQL = string(data)
		} else {
			current.DownSQL = string(data)
		}
	}

	for _, migration := range migrations {
		if strings.TrimSpace(migration.UpSQL) == "" || strings.TrimSpace(migration.DownSQL) == "" {
			return nil, fmt.Errorf("migration %s needs both up and down sql", migration.ID)
		}
	}
	return migrations, nil
}
