// package store persists contact-form submissions in a single sqlite file.
//
// Rows are immutable once written: there is no update or delete. The file
// is created on first run, and sqlite serializes concurrent writers, so
// callers never need their own locking.
package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// TimeFormat is the stored created_at layout (UTC). Kept as sqlite DATETIME
// text so DATE(created_at) grouping works in the analytics queries.
const TimeFormat = "2006-01-02 15:04:05"

// Contact is one stored submission. Free-text fields arrive already
// sanitized; the store does not escape anything itself.
type Contact struct {
	ID         int64  `db:"id" json:"id"`
	Name       string `db:"name" json:"name"`
	Email      string `db:"email" json:"email"`
	Business   string `db:"business" json:"business"`
	Revenue    string `db:"revenue" json:"revenue"`
	Automation string `db:"automation" json:"automation"`
	CreatedAt  string `db:"created_at" json:"created_at"`
	IPAddress  string `db:"ip_address" json:"ip_address"`
	UserAgent  string `db:"user_agent" json:"user_agent"`
}

// BusinessCount is one row of the per-business aggregate.
type BusinessCount struct {
	Business string `db:"business" json:"business"`
	Count    int    `db:"count" json:"count"`
}

// DateCount is one row of the per-day aggregate.
type DateCount struct {
	Date  string `db:"date" json:"date"`
	Count int    `db:"count" json:"count"`
}

// StorageError wraps any sqlite failure. The detail is for logs only and
// is never shown to a client.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

type Store struct {
	db *sqlx.DB
}

const schema = `CREATE TABLE IF NOT EXISTS contacts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	email TEXT NOT NULL,
	business TEXT NOT NULL,
	revenue TEXT NOT NULL DEFAULT '',
	automation TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	ip_address TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT ''
)`

// Open opens or creates the submissions database and ensures the schema
// exists. Safe to call once at startup; the schema statement is idempotent.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, &StorageError{"open", fmt.Errorf("store path is required")}
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, &StorageError{"open", err}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &StorageError{"create table", err}
	}
	return &Store{db: db}, nil
}

// Close releases the file handle. Must run before exit so buffered WAL
// pages reach the main database file.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert appends one submission, assigning id and created_at. The assigned
// id is returned and also written back to c.
func (s *Store) Insert(ctx context.Context, c *Contact) (int64, error) {
	if c.Name == "" || c.Email == "" || c.Business == "" || c.Automation == "" {
		return 0, &StorageError{"insert", fmt.Errorf("missing required fields")}
	}
	if c.CreatedAt == "" {
		c.CreatedAt = time.Now().UTC().Format(TimeFormat)
	}
	res, err := s.db.NamedExecContext(ctx, `INSERT INTO contacts
		(name, email, business, revenue, automation, created_at, ip_address, user_agent)
		VALUES (:name, :email, :business, :revenue, :automation, :created_at, :ip_address, :user_agent)`, c)
	if err != nil {
		return 0, &StorageError{"insert", err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, &StorageError{"insert id", err}
	}
	c.ID = id
	return id, nil
}

// ListAll returns every submission, newest first.
func (s *Store) ListAll(ctx context.Context) ([]Contact, error) {
	contacts := []Contact{}
	err := s.db.SelectContext(ctx, &contacts, `SELECT
		id, name, email, business, revenue, automation, created_at, ip_address, user_agent
		FROM contacts ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, &StorageError{"list", err}
	}
	return contacts, nil
}

// CountAll returns the total number of submissions.
func (s *Store) CountAll(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM contacts`); err != nil {
		return 0, &StorageError{"count", err}
	}
	return n, nil
}

// CountByBusiness returns submission counts grouped by business type.
func (s *Store) CountByBusiness(ctx context.Context) ([]BusinessCount, error) {
	counts := []BusinessCount{}
	err := s.db.SelectContext(ctx, &counts, `SELECT business, COUNT(*) AS count
		FROM contacts GROUP BY business ORDER BY count DESC, business ASC`)
	if err != nil {
		return nil, &StorageError{"count by business", err}
	}
	return counts, nil
}

// CountByDate returns submission counts for the most recent 30 calendar
// dates that have any submissions, newest date first.
func (s *Store) CountByDate(ctx context.Context) ([]DateCount, error) {
	counts := []DateCount{}
	err := s.db.SelectContext(ctx, &counts, `SELECT DATE(created_at) AS date, COUNT(*) AS count
		FROM contacts GROUP BY DATE(created_at) ORDER BY date DESC LIMIT 30`)
	if err != nil {
		return nil, &StorageError{"count by date", err}
	}
	return counts, nil
}
