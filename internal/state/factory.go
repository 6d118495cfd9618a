package state

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/agentworkforce/tootsync/internal/archive"
)

type CursorStoreFactory func(dsn string) (CursorStore, error)

var cursorFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]CursorStoreFactory
}{
	factories: map[string]CursorStoreFactory{},
}

// RegisterCursorStoreFactory makes BuildCursorStoreFromDSN hand DSNs with the
// given scheme to factory. Registered schemes take precedence over the
// built-in ones.
func RegisterCursorStoreFactory(scheme string, factory CursorStoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	cursorFactoryRegistry.mu.Lock()
	defer cursorFactoryRegistry.mu.Unlock()
	cursorFactoryRegistry.factories[scheme] = factory
}

func lookupCursorStoreFactory(scheme string) (CursorStoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	cursorFactoryRegistry.mu.RLock()
	defer cursorFactoryRegistry.mu.RUnlock()
	factory, ok := cursorFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildCursorStoreFromDSN picks a cursor backend: file://path (or a bare
// path), memory://, postgres://... or sqlite://path.
func BuildCursorStoreFromDSN(dsn string) (CursorStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: cursor dsn is empty", ErrInvalidInput)
	}
	scheme := dsnScheme(dsn)
	if factory, ok := lookupCursorStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, err := dsnPath(dsn, scheme)
		if err != nil {
			return nil, err
		}
		return NewJSONFileCursorStore(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryCursorStore(), nil
	case "postgres", "postgresql":
		return NewPostgresCursorStore(dsn)
	case "sqlite", "sqlite3":
		path, err := dsnPath(dsn, scheme)
		if err != nil {
			return nil, err
		}
		return NewSQLiteCursorStore(path)
	case "mysql":
		return nil, fmt.Errorf("%w: cursor store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported cursor store scheme: %s", scheme)
	}
}

// BuildRecordStoreFromDSN picks the record store. archive:// (or an empty
// DSN) keeps records in the archive file itself, which is fileStore.
func BuildRecordStoreFromDSN(dsn string, fileStore *archive.FileStore) (archive.Store, error) {
	dsn = strings.TrimSpace(dsn)
	scheme := dsnScheme(dsn)
	switch scheme {
	case "", "archive":
		if fileStore == nil {
			return nil, fmt.Errorf("%w: archive record store needs the archive file", ErrInvalidInput)
		}
		if scheme == "" && dsn != "" {
			return nil, fmt.Errorf("%w: record store dsn %q has no scheme", ErrInvalidInput, dsn)
		}
		return fileStore, nil
	case "sqlite", "sqlite3":
		path, err := dsnPath(dsn, scheme)
		if err != nil {
			return nil, err
		}
		return NewSQLiteRecordStore(path)
	case "postgres", "postgresql", "mysql":
		return nil, fmt.Errorf("%w: record store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported record store scheme: %s", scheme)
	}
}

func dsnScheme(dsn string) string {
	if !strings.Contains(dsn, "://") {
		return ""
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		scheme, _, _ := strings.Cut(dsn, "://")
		return normalizeScheme(scheme)
	}
	return normalizeScheme(parsed.Scheme)
}

// dsnPath returns everything after "scheme://", so relative paths survive.
func dsnPath(dsn, scheme string) (string, error) {
	path := dsn
	if scheme != "" {
		_, rest, found := strings.Cut(dsn, "://")
		if !found {
			return "", ErrInvalidInput
		}
		path = rest
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: dsn %q has no path", ErrInvalidInput, dsn)
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
