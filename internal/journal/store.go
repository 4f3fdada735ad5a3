// Package journal persists operational events (state transitions,
// message drops, presence changes) in SQLite so they survive restarts
// and can be inspected after the fact through the diagnostics API.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Entry is one journaled event.
type Entry struct {
	ID     int64     `json:"id"`
	At     time.Time `json:"at"`
	Source string    `json:"source"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// Store is an append-only SQLite journal. All public methods are safe
// for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a journal store over an open database, running
// migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id     INTEGER PRIMARY KEY AUTOINCREMENT,
			at     TEXT NOT NULL,
			source TEXT NOT NULL,
			kind   TEXT NOT NULL,
			detail TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);
		CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	`)
	return err
}

// Append persists one entry. A zero At defaults to the current time;
// the ID is assigned by the database.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (at, source, kind, detail) VALUES (?, ?, ?, ?)`,
		e.At.UTC().Format(time.RFC3339Nano),
		e.Source,
		e.Kind,
		e.Detail,
	)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries, newest first. A non-positive
// limit defaults to 50.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, source, kind, COALESCE(detail, '')
		 FROM events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&e.ID, &at, &e.Source, &e.Kind, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse entry timestamp %q: %w", at, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountByKind returns per-kind entry counts for entries at or after
// since.
func (s *Store) CountByKind(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM events WHERE at >= ? GROUP BY kind`,
		since.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("count entries by kind: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan kind count: %w", err)
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// Prune deletes entries older than keepDays and returns how many were
// removed. keepDays below 1 is clamped to 1.
func (s *Store) Prune(ctx context.Context, keepDays int) (int64, error) {
	if keepDays < 1 {
		keepDays = 1
	}
	cutoff := time.Now().AddDate(0, 0, -keepDays)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return res.RowsAffected()
}
