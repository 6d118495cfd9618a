// Package state persists the sync cursor and, optionally, the record set.
package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/tootsync/internal/feed"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	// ErrCorruptCursor is returned by Load when a stored cursor exists but
	// cannot be decoded.
	ErrCorruptCursor = errors.New("corrupt cursor")
	// ErrUnreadableCursor is returned by file-backed stores when the cursor
	// file exists but cannot be read.
	ErrUnreadableCursor = errors.New("unreadable cursor")
)

// Cursor is the newest status id already reflected in the archive. The zero
// value means no successful sync happened yet.
type Cursor struct {
	LastSyncedID string `json:"last_synced_id"`
}

func (c Cursor) Empty() bool {
	return strings.TrimSpace(c.LastSyncedID) == ""
}

// Advance returns the cursor moved to the largest of its id and ids. It never
// moves backwards.
func (c Cursor) Advance(ids ...string) Cursor {
	return Cursor{LastSyncedID: feed.MaxID(append([]string{c.LastSyncedID}, ids...)...)}
}

type CursorStore interface {
	Load() (Cursor, error)
	Save(cursor Cursor) error
	Reset() error
}

func encodeCursor(cursor Cursor) ([]byte, error) {
	data, err := json.MarshalIndent(cursor, "", "    ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// decodeCursor accepts the id as a JSON string or a bare number. A null or
// missing id decodes to the empty cursor.
func decodeCursor(data []byte) (Cursor, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Cursor{}, nil
	}
	var raw struct {
		LastSyncedID json.RawMessage `json:"last_synced_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrCorruptCursor, err)
	}
	value := strings.TrimSpace(string(raw.LastSyncedID))
	if value == "" || value == "null" {
		return Cursor{}, nil
	}
	if strings.HasPrefix(value, `"`) {
		var s string
		if err := json.Unmarshal(raw.LastSyncedID, &s); err != nil {
			return Cursor{}, fmt.Errorf("%w: %v", ErrCorruptCursor, err)
		}
		value = strings.TrimSpace(s)
		if value == "" {
			return Cursor{}, nil
		}
	}
	if !feed.IsValidID(value) {
		return Cursor{}, fmt.Errorf("%w: last_synced_id %q is not a status id", ErrCorruptCursor, value)
	}
	return Cursor{LastSyncedID: value}, nil
}
