package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresCursorTableName  = "tootsync_cursor"
	postgresCursorKey        = "default"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresCursorStore keeps the cursor in one row of a Postgres table that is
// created on first use.
type PostgresCursorStore struct {
	dsn       string
	tableName string
	cursorKey string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresCursorStore(dsn string) (*PostgresCursorStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresCursorStore{
		dsn:       dsn,
		tableName: postgresCursorTableName,
		cursorKey: postgresCursorKey,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresCursorStore) Load() (Cursor, error) {
	if err := s.ensureReady(); err != nil {
		return Cursor{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT last_synced_id FROM %s WHERE cursor_key = $1", postgresQuoteIdentifier(s.tableName))
	var id string
	err := s.db.QueryRowContext(ctx, query, s.cursorKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, err
	}
	return decodeStoredID(id)
}

func (s *PostgresCursorStore) Save(cursor Cursor) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (cursor_key, last_synced_id, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (cursor_key)
		DO UPDATE SET last_synced_id = EXCLUDED.last_synced_id, updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, s.cursorKey, cursor.LastSyncedID)
	return err
}

func (s *PostgresCursorStore) Reset() error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE cursor_key = $1", postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, s.cursorKey)
	return err
}

func (s *PostgresCursorStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresCursorStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				cursor_key TEXT PRIMARY KEY,
				last_synced_id TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

// decodeStoredID validates an id read from a database column.
func decodeStoredID(id string) (Cursor, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Cursor{}, nil
	}
	return decodeCursor([]byte(fmt.Sprintf(`{"last_synced_id":%q}`, id)))
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
