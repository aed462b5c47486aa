package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLBackend persists governance log entries via database/sql.
// It works against both Postgres and SQLite using standard drivers.
type SQLBackend struct {
	db *sql.DB
}

// NewSQLBackend wraps an existing handle.
func NewSQLBackend(db *sql.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

// OpenPostgresBackend connects to Postgres and migrates the schema.
func OpenPostgresBackend(dsn string) (*SQLBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres ledger: %w", err)
	}
	b := &SQLBackend{db: db}
	if err := b.Init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// OpenSQLiteBackend opens a SQLite ledger database and migrates the
// schema. Use ":memory:" for tests.
func OpenSQLiteBackend(path string) (*SQLBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	b := &SQLBackend{db: db}
	if err := b.Init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS governance_log (
	sequence BIGINT PRIMARY KEY,
	entry_type TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	actor TEXT,
	data TEXT NOT NULL
);
`

// Init creates the schema if missing.
func (b *SQLBackend) Init(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate governance log: %w", err)
	}
	return nil
}

// Persist writes one entry. An existing sequence is a chain violation,
// surfaced by the primary key constraint rather than silently replaced.
func (b *SQLBackend) Persist(e Entry) error {
	dataJSON, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal entry data: %w", err)
	}
	query := `
		INSERT INTO governance_log (sequence, entry_type, content_hash, prev_hash, timestamp, actor, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = b.db.ExecContext(context.Background(), query,
		e.Sequence, string(e.EntryType), e.ContentHash, e.PrevHash,
		e.Timestamp.UTC(), e.Actor, string(dataJSON),
	)
	if err != nil {
		return fmt.Errorf("insert governance log entry: %w", err)
	}
	return nil
}

// Load reads back every persisted entry in sequence order.
func (b *SQLBackend) Load(ctx context.Context) ([]Entry, error) {
	query := `
		SELECT sequence, entry_type, content_hash, prev_hash, timestamp, actor, data
		FROM governance_log
		ORDER BY sequence ASC
	`
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load governance log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			ts       time.Time
			actor    sql.NullString
			dataJSON string
		)
		if err := rows.Scan(&e.Sequence, &e.EntryType, &e.ContentHash, &e.PrevHash, &ts, &actor, &dataJSON); err != nil {
			return nil, fmt.Errorf("scan governance log entry: %w", err)
		}
		e.Timestamp = ts
		e.Actor = actor.String
		if err := json.Unmarshal([]byte(dataJSON), &e.Data); err != nil {
			return nil, fmt.Errorf("decode entry %d data: %w", e.Sequence, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load governance log: %w", err)
	}
	return entries, nil
}

// Close releases the database handle.
func (b *SQLBackend) Close() error {
	return b.db.Close()
}
