package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLSnapshotStore persists the whole Snapshot as one versioned blob per
// write, the same shape receipt_store.go and receipt_store_sqlite.go use
// for their row-per-record tables, but collapsed to a single logical
// resource since the state tree is always read and written as a unit (see
// §4.12: "the SQL backend is a durability option, not a query surface").
type SQLSnapshotStore struct {
	db     *sql.DB
	dialect string // "postgres" | "sqlite"
}

// OpenSQLSnapshotStore opens db (already connected by the caller via
// sql.Open("postgres", dsn) or sql.Open("sqlite", dsn)) and ensures the
// snapshots table exists.
func OpenSQLSnapshotStore(db *sql.DB, dialect string) (*SQLSnapshotStore, error) {
	s := &SQLSnapshotStore{db: db, dialect: dialect}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLSnapshotStore) migrate(ctx context.Context) error {
	query := `
        CREATE TABLE IF NOT EXISTS state_snapshots (
            id INTEGER PRIMARY KEY,
            schema_version TEXT NOT NULL,
            payload TEXT NOT NULL,
            saved_at TIMESTAMP NOT NULL
        );`
	if s.dialect == "postgres" {
		query = strings.Replace(query, "INTEGER PRIMARY KEY", "SERIAL PRIMARY KEY", 1)
	}
	_, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("sql snapshot store: migrate: %w", err)
	}
	return nil
}

func (s *SQLSnapshotStore) placeholder(n int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Save inserts snap as the newest row. Old rows are kept for forensic
// replay (§8's tamper-detection scenario reads the prior checkpoint row
// when an export payload fails verification).
func (s *SQLSnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("sql snapshot store: marshal: %w", err)
	}
	query := fmt.Sprintf(
		"INSERT INTO state_snapshots (schema_version, payload, saved_at) VALUES (%s, %s, %s)",
		s.placeholder(1), s.placeholder(2), s.placeholder(3),
	)
	_, err = s.db.ExecContext(ctx, query, snap.SchemaVersion, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sql snapshot store: insert: %w", err)
	}
	return nil
}

// Latest returns the most recently saved snapshot, or ok=false on an empty
// table (cold first boot against a fresh database).
func (s *SQLSnapshotStore) Latest(ctx context.Context) (snap Snapshot, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT payload FROM state_snapshots ORDER BY id DESC LIMIT 1
    `)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("sql snapshot store: query latest: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("sql snapshot store: unmarshal: %w", err)
	}
	return snap, true, nil
}
