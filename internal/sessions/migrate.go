package sessions

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations
var migrationsFS embed.FS

// Migration is one embedded schema step.
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

// MigrationError reports a failed schema step.
type MigrationError struct {
	Version string
	Message string
	Cause   error
}

func (e *MigrationError) Error() string {
	if e.Version == "" {
		if e.Cause != nil {
			return fmt.Sprintf("migration: %s: %v", e.Message, e.Cause)
		}
		return "migration: " + e.Message
	}
	if e.Cause != nil {
		return fmt.Sprintf("migration %s: %s: %v", e.Version, e.Message, e.Cause)
	}
	return fmt.Sprintf("migration %s: %s", e.Version, e.Message)
}

func (e *MigrationError) Unwrap() error {
	return e.Cause
}

// Migrator applies the embedded migrations for one dialect.
type Migrator struct {
	db         *sql.DB
	dialect    Dialect
	migrations []Migration
	now        func() time.Time
}

// NewMigrator creates a migrator backed by the given db.
func NewMigrator(db *sql.DB, dialect Dialect) (*Migrator, error) {
	if db == nil {
		return nil, &MigrationError{Message: "db is required"}
	}
	migrations, err := loadMigrations(dialect)
	if err != nil {
		return nil, err
	}
	return &Migrator{db: db, dialect: dialect, migrations: migrations, now: time.Now}, nil
}

// Migrations lists the known migrations in apply order.
func (m *Migrator) Migrations() []Migration {
	return append([]Migration(nil), m.migrations...)
}

// EnsureSchema ensures the schema_migrations table exists.
func (m *Migrator) EnsureSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)
	`)
	if err != nil {
		return &MigrationError{Message: "create schema_migrations", Cause: err}
	}
	return nil
}

// Up applies pending migrations. If steps <= 0, apply all.
func (m *Migrator) Up(ctx context.Context, steps int) ([]string, error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	applied, err := m.appliedMigrationList(ctx)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, entry := range applied {
		done[entry.ID] = true
	}
	var pending []Migration
	for _, migration := range m.migrations {
		if !done[migration.ID] {
			pending = append(pending, migration)
		}
	}
	if steps > 0 && steps < len(pending) {
		pending = pending[:steps]
	}

	var appliedIDs []string
	for _, migration := range pending {
		if strings.TrimSpace(migration.UpSQL) == "" {
			return appliedIDs, &MigrationError{Version: migration.ID, Message: "missing up migration"}
		}
		err := m.step(ctx, migration.ID, migration.UpSQL,
			rebind(m.dialect, `INSERT INTO schema_migrations (id, applied_at) VALUES (?, ?)`),
			migration.ID, m.now().UTC().UnixNano())
		if err != nil {
			return appliedIDs, err
		}
		appliedIDs = append(appliedIDs, migration.ID)
	}
	return appliedIDs, nil
}

// Down rolls back the last N applied migrations.
func (m *Migrator) Down(ctx context.Context, steps int) ([]string, error) {
	if steps <= 0 {
		steps = 1
	}
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	applied, err := m.appliedMigrationList(ctx)
	if err != nil {
		return nil, err
	}
	if steps > len(applied) {
		steps = len(applied)
	}
	toRollback := applied[len(applied)-steps:]

	var rolled []string
	for i := len(toRollback) - 1; i >= 0; i-- {
		migration, ok := m.migrationByID(toRollback[i].ID)
		if !ok {
			return rolled, &MigrationError{Version: toRollback[i].ID, Message: "unknown applied migration"}
		}
		if strings.TrimSpace(migration.DownSQL) == "" {
			return rolled, &MigrationError{Version: migration.ID, Message: "missing down migration"}
		}
		err := m.step(ctx, migration.ID, migration.DownSQL,
			rebind(m.dialect, `DELETE FROM schema_migrations WHERE id = ?`), migration.ID)
		if err != nil {
			return rolled, err
		}
		rolled = append(rolled, migration.ID)
	}
	return rolled, nil
}

// Status returns applied and pending migrations.
func (m *Migrator) Status(ctx context.Context) ([]AppliedMigration, []Migration, error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	applied, err := m.appliedMigrationList(ctx)
	if err != nil {
		return nil, nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, entry := range applied {
		done[entry.ID] = true
	}
	var pending []Migration
	for _, migration := range m.migrations {
		if !done[migration.ID] {
			pending = append(pending, migration)
		}
	}
	return applied, pending, nil
}

// step runs body and the bookkeeping statement in one transaction.
func (m *Migrator) step(ctx context.Context, version, body, record string, args ...any) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return &MigrationError{Version: version, Message: "begin", Cause: err}
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return &MigrationError{Version: version, Message: "execute", Cause: err}
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		_ = tx.Rollback()
		return &MigrationError{Version: version, Message: "record", Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return &MigrationError{Version: version, Message: "commit", Cause: err}
	}
	return nil
}

func (m *Migrator) appliedMigrationList(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, applied_at FROM schema_migrations ORDER BY id`)
	if err != nil {
		return nil, &MigrationError{Message: "query schema_migrations", Cause: err}
	}
	defer rows.Close()

	var applied []AppliedMigration
	for rows.Next() {
		var (
			entry AppliedMigration
			at    int64
		)
		if err := rows.Scan(&entry.ID, &at); err != nil {
			return nil, &MigrationError{Message: "scan schema_migrations", Cause: err}
		}
		entry.AppliedAt = time.Unix(0, at).UTC()
		applied = append(applied, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, &MigrationError{Message: "read schema_migrations", Cause: err}
	}
	return applied, nil
}

func (m *Migrator) migrationByID(id string) (Migration, bool) {
	for _, migration := range m.migrations {
		if migration.ID == id {
			return migration, true
		}
	}
	return Migration{}, false
}

func loadMigrations(dialect Dialect) ([]Migration, error) {
	dir := path.Join("migrations", string(dialect))
	paths, err := fs.Glob(migrationsFS, dir+"/*.sql")
	if err != nil {
		return nil, &MigrationError{Message: "list migrations", Cause: err}
	}
	if len(paths) == 0 {
		return nil, &MigrationError{Message: fmt.Sprintf("no migrations for dialect %q", dialect)}
	}

	entries := map[string]*Migration{}
	for _, p := range paths {
		base := path.Base(p)
		var suffix string
		switch {
		case strings.HasSuffix(base, ".up.sql"):
			suffix = ".up.sql"
		case strings.HasSuffix(base, ".down.sql"):
			suffix = ".down.sql"
		default:
			continue
		}
		id := strings.TrimSuffix(base, suffix)
		entry := entries[id]
		if entry == nil {
			entry = &Migration{ID: id}
			entries[id] = entry
		}
		data, err := migrationsFS.ReadFile(p)
		if err != nil {
			return nil, &MigrationError{Version: id, Message: "read " + p, Cause: err}
		}
		if suffix == ".up.sql" {
			entry.UpSQL = string(data)
		} else {
			entry.DownSQL = string(data)
		}
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	migrations := make([]Migration, 0, len(ids))
	for _, id := range ids {
		migrations = append(migrations, *entries[id])
	}
	return migrations, nil
}
