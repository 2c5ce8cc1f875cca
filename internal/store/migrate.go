package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migration is one embedded schema change.
// Filenames follow YYYYMMDD_HHMMSS_description.{up,down}.sql.
type migration struct {
	Version string
	Name    string
	UpSQL   string
	DownSQL string
}

// migrate applies pending migrations in version order, each in its own
// transaction.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("applying migration %s (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// MigrateDown rolls back the most recently applied migration. It is a no-op
// on an empty schema.
func (s *Store) MigrateDown(ctx context.Context) (string, error) {
	var latest string
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), '') FROM schema_migrations",
	).Scan(&latest)
	if err != nil {
		return "", fmt.Errorf("querying migrations: %w", err)
	}
	if latest == "" {
		return "", nil
	}

	migrations, err := loadMigrations()
	if err != nil {
		return "", fmt.Errorf("loading migrations: %w", err)
	}
	var m *migration
	for i := range migrations {
		if migrations[i].Version == latest {
			m = &migrations[i]
			break
		}
	}
	if m == nil {
		return "", fmt.Errorf("migration %s not found", latest)
	}
	if m.DownSQL == "" {
		return "", fmt.Errorf("migration %s has no down SQL", latest)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
		return "", fmt.Errorf("executing down SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.Version); err != nil {
		return "", fmt.Errorf("removing migration record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing rollback: %w", err)
	}
	return m.Version + "_" + m.Name, nil
}

func (s *Store) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("querying migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning migration row: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating migrations: %w", err)
	}
	return applied, nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
		return fmt.Errorf("executing SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
		m.Version, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit()
}

func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}

	byVersion := make(map[string]*migration)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		version, desc, up, ok := parseMigrationFilename(name)
		if !ok {
			continue
		}
		body, err := fs.ReadFile(migrationsFS, path.Join("migrations", name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		m, exists := byVersion[version]
		if !exists {
			m = &migration{Version: version, Name: desc}
			byVersion[version] = m
		}
		if up {
			m.UpSQL = string(body)
		} else {
			m.DownSQL = string(body)
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" {
			return nil, fmt.Errorf("migration %s has no up SQL", m.Version)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// parseMigrationFilename splits "20260301_120000_config_entries.up.sql" into
// version "20260301_120000", name "config_entries" and direction.
func parseMigrationFilename(name string) (version, desc string, up, ok bool) {
	var base string
	switch {
	case strings.HasSuffix(name, ".up.sql"):
		base, up = strings.TrimSuffix(name, ".up.sql"), true
	case strings.HasSuffix(name, ".down.sql"):
		base = strings.TrimSuffix(name, ".down.sql")
	default:
		return "", "", false, false
	}
	parts := strings.SplitN(base, "_", 3)
	if len(parts) < 3 {
		return "", "", false, false
	}
	return parts[0] + "_" + parts[1], parts[2], up, true
}
