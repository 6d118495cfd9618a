package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentworkforce/tootsync/internal/archive"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cursor (
	cursor_key     TEXT PRIMARY KEY,
	last_synced_id TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
	id         TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	block      TEXT NOT NULL
);`

func openSQLite(path string) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is empty", ErrInvalidInput)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

type SQLiteCursorStore struct {
	db *sql.DB
}

func NewSQLiteCursorStore(path string) (*SQLiteCursorStore, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteCursorStore{db: db}, nil
}

func (s *SQLiteCursorStore) Load() (Cursor, error) {
	var id string
	err := s.db.QueryRow(`SELECT last_synced_id FROM cursor WHERE cursor_key = ?`, postgresCursorKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, err
	}
	return decodeStoredID(id)
}

func (s *SQLiteCursorStore) Save(cursor Cursor) error {
	_, err := s.db.Exec(`
		INSERT INTO cursor (cursor_key, last_synced_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (cursor_key) DO UPDATE SET last_synced_id = excluded.last_synced_id, updated_at = excluded.updated_at`,
		postgresCursorKey, cursor.LastSyncedID, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteCursorStore) Reset() error {
	_, err := s.db.Exec(`DELETE FROM cursor WHERE cursor_key = ?`, postgresCursorKey)
	return err
}

func (s *SQLiteCursorStore) Close() error {
	return s.db.Close()
}

// SQLiteRecordStore keeps the record set in a table instead of recovering it
// from the archive text on every run.
type SQLiteRecordStore struct {
	db *sql.DB
}

func NewSQLiteRecordStore(path string) (*SQLiteRecordStore, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteRecordStore{db: db}, nil
}

func (s *SQLiteRecordStore) Load() (archive.Records, error) {
	rows, err := s.db.Query(`SELECT id, created_at, block FROM records`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := archive.Records{}
	for rows.Next() {
		var (
			rec       archive.Record
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &createdAt, &rec.Block); err != nil {
			return nil, err
		}
		rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.ID, err)
		}
		records[rec.ID] = rec
	}
	return records, rows.Err()
}

// Commit replaces the stored set with records in one transaction.
func (s *SQLiteRecordStore) Commit(records archive.Records) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM records`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO records (id, created_at, block) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range records.IDs() {
		rec := records[id]
		if _, err := stmt.Exec(rec.ID, rec.CreatedAt.UTC().Format(time.RFC3339Nano), rec.Block); err != nil {
			return fmt.Errorf("insert record %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteRecordStore) Exists() (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteRecordStore) Reset() error {
	_, err := s.db.Exec(`DELETE FROM records`)
	return err
}

func (s *SQLiteRecordStore) Close() error {
	return s.db.Close()
}
