// Package archive renders mirrored statuses into the Markdown archive and
// parses a previously written archive back into records.
package archive

import (
	"errors"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/tootsync/internal/feed"
)

// Record is the local form of one status: the block it occupies in the
// archive and, when it was rendered in the current run, its standalone
// document.
type Record struct {
	ID        string
	CreatedAt time.Time
	Block     string
	Document  string
}

// Records maps status id to record.
type Records map[string]Record

func (r Records) Clone() Records {
	out := make(Records, len(r))
	for id, rec := range r {
		out[id] = rec
	}
	return out
}

// IDs returns the keys in ascending numeric order.
func (r Records) IDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return feed.CompareIDs(ids[i], ids[j]) < 0
	})
	return ids
}

func (r Records) MaxID() string {
	return feed.MaxID(r.IDs()...)
}

// Day is one calendar day of the archive with its records newest first.
type Day struct {
	Date    string
	Records []Record
}

// GroupByDay orders records for rendering. Days are newest first. Within a
// day records are ordered by creation minute, newest first, then by id
// descending; the archive only keeps minute precision so this order is the
// same whether a record was fetched or parsed back from disk.
func GroupByDay(records Records, loc *time.Location) []Day {
	if loc == nil {
		loc = time.UTC
	}
	byDate := map[string][]Record{}
	for _, rec := range records {
		date := rec.CreatedAt.In(loc).Format("2006-01-02")
		byDate[date] = append(byDate[date], rec)
	}
	days := make([]Day, 0, len(byDate))
	for date, recs := range byDate {
		sort.Slice(recs, func(i, j int) bool {
			a := recs[i].CreatedAt.Truncate(time.Minute)
			b := recs[j].CreatedAt.Truncate(time.Minute)
			if !a.Equal(b) {
				return a.After(b)
			}
			return feed.CompareIDs(recs[i].ID, recs[j].ID) > 0
		})
		days = append(days, Day{Date: date, Records: recs})
	}
	sort.Slice(days, func(i, j int) bool {
		return days[i].Date > days[j].Date
	})
	return days
}

// Store persists the record set between runs.
type Store interface {
	Load() (Records, error)
	// Commit persists the records after the archive was materialized.
	Commit(records Records) error
	// Exists reports whether a previous run left records behind.
	Exists() (bool, error)
	Reset() error
}

// FileStore uses the archive file itself as the record store. Commit is a
// no-op because the materializer writes the archive.
type FileStore struct {
	path string
	loc  *time.Location
}

func NewFileStore(path string, loc *time.Location) *FileStore {
	if loc == nil {
		loc = time.UTC
	}
	return &FileStore{path: strings.TrimSpace(path), loc: loc}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load() (Records, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Records{}, nil
		}
		return nil, err
	}
	return ParseArchive(string(data), s.loc), nil
}

func (s *FileStore) Commit(Records) error {
	return nil
}

func (s *FileStore) Exists() (bool, error) {
	_, err := os.Stat(s.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *FileStore) Reset() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
