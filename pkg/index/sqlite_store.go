package index

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/castellan-io/castellan/pkg/canonicalize"
	"github.com/castellan-io/castellan/pkg/tiers"
)

// SQLiteStore persists committed index entries so the trust index
// survives restarts. The in-memory snapshot stays the read path; the
// store is written through on commit and replayed on start.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and migrates) an index database at path.
// Use ":memory:" for tests.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing handle, migrating the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS index_entries (
		path TEXT PRIMARY KEY,
		fingerprint TEXT,
		admitted INTEGER NOT NULL,
		required_tier TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrate index db: %w", err)
	}
	return nil
}

// Put upserts one entry.
func (s *SQLiteStore) Put(ctx context.Context, e Entry) error {
	query := `
	INSERT INTO index_entries (path, fingerprint, admitted, required_tier, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		fingerprint = excluded.fingerprint,
		admitted = excluded.admitted,
		required_tier = excluded.required_tier,
		updated_at = excluded.updated_at`

	admitted := 0
	if e.Admitted {
		admitted = 1
	}
	_, err := s.db.ExecContext(ctx, query,
		string(e.Path), e.Fingerprint, admitted, string(e.RequiredTier),
		e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put index entry: %w", err)
	}
	return nil
}

// Delete removes one entry by path.
func (s *SQLiteStore) Delete(ctx context.Context, p canonicalize.CanonicalPath) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM index_entries WHERE path = ?`, string(p))
	if err != nil {
		return fmt.Errorf("delete index entry: %w", err)
	}
	return nil
}

// Load reads back every persisted entry.
func (s *SQLiteStore) Load(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, fingerprint, admitted, required_tier, updated_at FROM index_entries`)
	if err != nil {
		return nil, fmt.Errorf("load index entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			path, tier, ts string
			fingerprint    sql.NullString
			admitted       int
		)
		if err := rows.Scan(&path, &fingerprint, &admitted, &tier, &ts); err != nil {
			return nil, fmt.Errorf("scan index entry: %w", err)
		}
		updatedAt, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse index entry timestamp: %w", err)
		}
		entries = append(entries, Entry{
			Path:         canonicalize.CanonicalPath(path),
			Fingerprint:  fingerprint.String,
			Admitted:     admitted == 1,
			RequiredTier: tiers.Tier(tier),
			UpdatedAt:    updatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load index entries: %w", err)
	}
	return entries, nil
}

// Restore populates an index from the persisted entries.
func (s *SQLiteStore) Restore(ctx context.Context, idx *Index, authority string) error {
	entries, err := s.Load(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := idx.Apply(Change{Entry: e, Authority: authority}); err != nil {
			return fmt.Errorf("restore %q: %w", e.Path, err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
