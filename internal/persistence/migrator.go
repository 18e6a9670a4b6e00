package persistence

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

//go:embed migrations
var embeddedMigrations embed.FS

// Migrator runs SQL migration files in order. File naming follows
// golang-migrate: {version}_{name}.up.sql / .down.sql, one directory per
// dialect.
type Migrator struct {
	db      *sql.DB
	dialect Dialect
	files   fs.FS
	dir     string
	logger  zerolog.Logger
}

// NewMigrator uses the migrations embedded in the binary.
func NewMigrator(db *sql.DB, d Dialect, logger zerolog.Logger) *Migrator {
	return &Migrator{
		db:      db,
		dialect: d,
		files:   embeddedMigrations,
		dir:     path.Join("migrations", d.Name),
		logger:  logger,
	}
}

// Up applies all pending up-migrations in order and returns how many ran.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return 0, fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return 0, fmt.Errorf("applied versions: %w", err)
	}
	files, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		return 0, fmt.Errorf("list migrations: %w", err)
	}

	ran := 0
	for _, f := range files {
		version := extractVersion(f)
		if applied[version] {
			continue
		}
		m.logger.Info().Str("file", f).Msg("applying migration")
		record := fmt.Sprintf(`INSERT INTO schema_migrations (version, filename) VALUES (%s, %s)`,
			m.dialect.Ph(1), m.dialect.Ph(2))
		if err := m.runFile(ctx, f, record, version, f); err != nil {
			return ran, err
		}
		ran++
	}

	m.logger.Debug().Int("applied", ran).Int("total", len(files)).Msg("migrations checked")
	return ran, nil
}

// Down rolls back the most recent migration. It is a no-op on an empty
// schema.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}

	var version, filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		m.logger.Info().Msg("nothing to roll back")
		return nil
	case err != nil:
		return fmt.Errorf("latest migration: %w", err)
	}

	down := strings.TrimSuffix(filename, ".up.sql") + ".down.sql"
	forget := fmt.Sprintf(`DELETE FROM schema_migrations WHERE version = %s`, m.dialect.Ph(1))
	if err := m.runFile(ctx, down, forget, version); err != nil {
		return err
	}
	m.logger.Info().Str("file", down).Msg("rolled back migration")
	return nil
}

// runFile executes one migration file and the bookkeeping statement in a
// single transaction.
func (m *Migrator) runFile(ctx context.Context, name, bookkeeping string, args ...any) error {
	body, err := fs.ReadFile(m.files, path.Join(m.dir, name))
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("exec %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return fmt.Errorf("record %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}

// Applied returns the applied versions in ascending order.
func (m *Migrator) Applied(ctx context.Context) ([]string, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return nil, err
	}
	set, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (m *Migrator) listMigrationFiles(suffix string) ([]string, error) {
	entries, err := fs.ReadDir(m.files, m.dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// extractVersion returns the numeric prefix of a migration file name.
func extractVersion(filename string) string {
	if i := strings.Index(filename, "_"); i > 0 {
		return filename[:i]
	}
	return filename
}
