package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS services (
	name              TEXT PRIMARY KEY,
	url               TEXT NOT NULL,
	healthy           INTEGER NOT NULL,
	registered_at     INTEGER NOT NULL,
	last_health_check INTEGER,
	pid               INTEGER NOT NULL
)`

// SQLiteStore keeps records in a SQLite file that several processes may open
// at once. Transactions are opened IMMEDIATE so the write lock is taken before
// the current row is read.
type SQLiteStore struct {
	db *sql.DB
	// serialises writers of this process so they queue here instead of
	// spinning on SQLITE_BUSY
	mu sync.Mutex
}

func DefaultSQLitePath() string {
	return "./data/registry.db"
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultSQLitePath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type recordColumns struct {
	url          string
	healthy      int
	registeredAt int64
	lastCheck    sql.NullInt64
	pid          int
}

func (c recordColumns) record(name string) *Record {
	rec := &Record{
		Name:         name,
		URL:          c.url,
		Healthy:      c.healthy != 0,
		RegisteredAt: time.UnixMilli(c.registeredAt).UTC(),
		PID:          c.pid,
	}
	if c.lastCheck.Valid {
		t := time.UnixMilli(c.lastCheck.Int64).UTC()
		rec.LastHealthCheck = &t
	}
	return rec
}

func scanRecord(name string, row rowScanner) (*Record, error) {
	var c recordColumns
	if err := row.Scan(&c.url, &c.healthy, &c.registeredAt, &c.lastCheck, &c.pid); err != nil {
		return nil, err
	}
	return c.record(name), nil
}

func (s *SQLiteStore) Get(ctx context.Context, name string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT url, healthy, registered_at, last_health_check, pid FROM services WHERE name = ?`, name)

	rec, err := scanRecord(name, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrServiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read service %s: %w", name, err)
	}
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, url, healthy, registered_at, last_health_check, pid FROM services ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			name string
			c    recordColumns
		)
		if err := rows.Scan(&name, &c.url, &c.healthy, &c.registeredAt, &c.lastCheck, &c.pid); err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		out = append(out, *c.record(name))
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Update(ctx context.Context, name string, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT url, healthy, registered_at, last_health_check, pid FROM services WHERE name = ?`, name)
	current, err := scanRecord(name, row)
	if errors.Is(err, sql.ErrNoRows) {
		current = nil
	} else if err != nil {
		return fmt.Errorf("failed to read service %s: %w", name, err)
	}

	next, err := fn(current)
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}

	if next == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM services WHERE name = ?`, name); err != nil {
			return fmt.Errorf("failed to delete service %s: %w", name, err)
		}
		return tx.Commit()
	}

	var lastCheck sql.NullInt64
	if next.LastHealthCheck != nil {
		lastCheck = sql.NullInt64{Int64: next.LastHealthCheck.UnixMilli(), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO services (name, url, healthy, registered_at, last_health_check, pid)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			url = excluded.url,
			healthy = excluded.healthy,
			registered_at = excluded.registered_at,
			last_health_check = excluded.last_health_check,
			pid = excluded.pid`,
		name, next.URL, boolToInt(next.Healthy), next.RegisteredAt.UnixMilli(), lastCheck, next.PID)
	if err != nil {
		return fmt.Errorf("failed to write service %s: %w", name, err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
