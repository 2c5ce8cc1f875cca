package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

const (
	// dirPermissions is the permission mode for the database directory.
	dirPermissions = 0750

	// busyTimeoutMS bounds waits on the SQLite write lock.
	busyTimeoutMS = 5000

	connectionTimeout = 5 * time.Second
)

// Entry is a configured light.
type Entry struct {
	ID        int64
	Domain    string
	UniqueID  string
	Title     string
	Address   string
	CreatedAt time.Time
}

// State is the last known state of a light.
type State struct {
	On        bool
	R, G, B   uint8
	UpdatedAt time.Time
}

// Store wraps the SQLite database holding entries and light state.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		path, busyTimeoutMS)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the filesystem path to the database file.
func (s *Store) Path() string { return s.path }

// Add creates a config entry. An entry with the same domain and unique id
// yields ErrAlreadyConfigured.
func (s *Store) Add(ctx context.Context, e Entry) (Entry, error) {
	if e.Domain == "" || e.UniqueID == "" || e.Address == "" {
		return Entry{}, errors.New("store: domain, unique id and address are required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.UniqueID = NormaliseID(e.UniqueID)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO config_entries (domain, unique_id, title, address, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.Domain, e.UniqueID, e.Title, e.Address, e.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return Entry{}, fmt.Errorf("%w: %s", ErrAlreadyConfigured, e.UniqueID)
		}
		return Entry{}, fmt.Errorf("inserting entry: %w", err)
	}
	e.ID, err = res.LastInsertId()
	if err != nil {
		return Entry{}, fmt.Errorf("reading entry id: %w", err)
	}
	return e, nil
}

// Get returns the entry with the given unique id.
func (s *Store) Get(ctx context.Context, domain, uniqueID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, domain, unique_id, title, address, created_at
		 FROM config_entries WHERE domain = ? AND unique_id = ?`,
		domain, NormaliseID(uniqueID),
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, uniqueID)
	}
	return e, err
}

// List returns all entries for domain ordered by creation.
func (s *Store) List(ctx context.Context, domain string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, domain, unique_id, title, address, created_at
		 FROM config_entries WHERE domain = ? ORDER BY id`,
		domain,
	)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entries: %w", err)
	}
	return entries, nil
}

// CurrentIDs returns the set of configured unique ids for domain.
func (s *Store) CurrentIDs(ctx context.Context, domain string) (map[string]bool, error) {
	entries, err := s.List(ctx, domain)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(entries))
	for _, e := range entries {
		ids[e.UniqueID] = true
	}
	return ids, nil
}

// Remove deletes the entry and the stored state for its address.
func (s *Store) Remove(ctx context.Context, domain, uniqueID string) error {
	e, err := s.Get(ctx, domain, uniqueID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM config_entries WHERE id = ?`, e.ID); err != nil {
		return fmt.Errorf("deleting entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM light_state WHERE address = ?`, NormaliseID(e.Address)); err != nil {
		return fmt.Errorf("deleting state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing removal: %w", err)
	}
	return nil
}

// SaveState upserts the last known state of the light at address.
func (s *Store) SaveState(ctx context.Context, address string, st State) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO light_state (address, is_on, red, green, blue, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET
		   is_on = excluded.is_on, red = excluded.red, green = excluded.green,
		   blue = excluded.blue, updated_at = excluded.updated_at`,
		NormaliseID(address), st.On, st.R, st.G, st.B, st.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving state: %w", err)
	}
	return nil
}

// LoadState returns the last known state of the light at address.
func (s *Store) LoadState(ctx context.Context, address string) (State, error) {
	var (
		st        State
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT is_on, red, green, blue, updated_at FROM light_state WHERE address = ?`,
		NormaliseID(address),
	).Scan(&st.On, &st.R, &st.G, &st.B, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, fmt.Errorf("%w: state for %s", ErrNotFound, address)
	}
	if err != nil {
		return State{}, fmt.Errorf("loading state: %w", err)
	}
	st.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled
	return st, nil
}

// NormaliseID makes BLE addresses comparable regardless of case.
func NormaliseID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var (
		e         Entry
		createdAt string
	)
	if err := r.Scan(&e.ID, &e.Domain, &e.UniqueID, &e.Title, &e.Address, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("scanning entry: %w", err)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	return e, nil
}
