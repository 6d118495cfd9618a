package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/tootsync/internal/archive"
	"github.com/agentworkforce/tootsync/internal/feed"
	"github.com/agentworkforce/tootsync/internal/state"
)

const defaultEditWindow = 40

// ErrLocked is returned by Run when another run holds the archive lock.
var ErrLocked = errors.New("another sync run holds the lock")

type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeFull        Mode = "full"
)

// Fetcher walks the account timeline. *feed.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, opts feed.FetchOptions) (feed.FetchResult, error)
}

// MediaFetcher makes attachments available locally and returns their file
// names by attachment id. *media.Downloader implements it.
type MediaFetcher interface {
	Fetch(ctx context.Context, attachments []feed.Attachment) map[string]string
}

type SyncerOptions struct {
	Fetcher      Fetcher
	Media        MediaFetcher
	Cursor       state.CursorStore
	Store        archive.Store
	Renderer     *archive.Renderer
	Materializer *archive.Materializer
	// EditWindow is how many of the newest statuses an incremental run
	// re-fetches to pick up edits and deletions.
	EditWindow int
	// PageLimit bounds the pages a full run walks. Zero walks everything.
	PageLimit int
	// LockPath defaults to .tootsync.lock next to the archive.
	LockPath string
	Logger   *slog.Logger
	NewRunID func() string
	Now      func() time.Time
}

type RunOptions struct {
	ForceFull bool
}

// Report describes one completed run.
type Report struct {
	RunID          string
	Mode           Mode
	Reason         string
	Fetched        int
	Skipped        int
	Added          []string
	Updated        []string
	Removed        []string
	Unchanged      int
	Records        int
	ArchiveChanged bool
	FilesWritten   int
	FilesRemoved   int
	FilesFailed    int
	PreviousCursor string
	Cursor         string
	Duration       time.Duration
}

type Syncer struct {
	fetcher      Fetcher
	media        MediaFetcher
	cursor       state.CursorStore
	store        archive.Store
	renderer     *archive.Renderer
	materializer *archive.Materializer
	editWindow   int
	pageLimit    int
	lockPath     string
	logger       *slog.Logger
	newRunID     func() string
	now          func() time.Time

	mu      sync.Mutex
	deleted map[string]struct{}
}

func NewSyncer(opts SyncerOptions) (*Syncer, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if opts.Cursor == nil {
		return nil, fmt.Errorf("cursor store is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if opts.Materializer == nil {
		return nil, fmt.Errorf("materializer is required")
	}
	renderer := opts.Renderer
	if renderer == nil {
		renderer = archive.NewRenderer(nil, "mastodon", "media")
	}
	editWindow := opts.EditWindow
	if editWindow <= 0 {
		editWindow = defaultEditWindow
	}
	pageLimit := opts.PageLimit
	if pageLimit < 0 {
		pageLimit = 0
	}
	lockPath := strings.TrimSpace(opts.LockPath)
	if lockPath == "" {
		lockPath = filepath.Join(filepath.Dir(opts.Materializer.ArchivePath()), ".tootsync.lock")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	newRunID := opts.NewRunID
	if newRunID == nil {
		newRunID = uuid.NewString
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Syncer{
		fetcher:      opts.Fetcher,
		media:        opts.Media,
		cursor:       opts.Cursor,
		store:        opts.Store,
		renderer:     renderer,
		materializer: opts.Materializer,
		editWindow:   editWindow,
		pageLimit:    pageLimit,
		lockPath:     lockPath,
		logger:       logger,
		newRunID:     newRunID,
		now:          now,
		deleted:      map[string]struct{}{},
	}, nil
}

// NoteDeleted records that the remote deleted a status. When the status is
// archived it reports true and the next incremental run removes it, even when
// it lies outside the edit window.
func (s *Syncer) NoteDeleted(id string) (bool, error) {
	records, err := s.store.Load()
	if err != nil {
		return false, fmt.Errorf("load records: %w", err)
	}
	if _, ok := records[id]; !ok {
		return false, nil
	}
	s.mu.Lock()
	s.deleted[id] = struct{}{}
	s.mu.Unlock()
	return true, nil
}

func (s *Syncer) pendingDeletions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.deleted))
	for id := range s.deleted {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

func (s *Syncer) clearDeletions(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.deleted, id)
	}
}

// Run performs one sync. On error nothing past the failing step is written
// and the cursor keeps its previous value.
func (s *Syncer) Run(ctx context.Context, opts RunOptions) (Report, error) {
	started := s.now()
	lock, err := acquireLock(s.lockPath)
	if err != nil {
		return Report{}, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			s.logger.Warn("cannot release lock", "path", s.lockPath, "error", err)
		}
	}()

	report := Report{RunID: s.newRunID()}
	logger := s.logger.With("run_id", report.RunID)
	ctx = feed.WithCorrelationID(ctx, report.RunID)

	pending := s.pendingDeletions()
	cursor, cursorProblem, err := s.loadCursor(logger)
	if err != nil {
		return report, err
	}
	report.PreviousCursor = cursor.LastSyncedID

	report.Mode, report.Reason, err = s.chooseMode(opts, cursor, cursorProblem)
	if err != nil {
		return report, err
	}
	logger.Info("sync started", "mode", report.Mode, "reason", report.Reason, "cursor", cursor.LastSyncedID)

	var (
		prev   archive.Records
		fresh  []feed.Item
		window Window
	)
	switch report.Mode {
	case ModeFull:
		if err := s.reset(); err != nil {
			return report, err
		}
		cursor = state.Cursor{}
		prev = archive.Records{}
		result, err := s.fetcher.Fetch(ctx, feed.FetchOptions{PageLimit: s.pageLimit})
		if err != nil {
			return report, fmt.Errorf("fetch timeline: %w", err)
		}
		report.Skipped = result.Skipped
		fresh = result.Items
		window = WindowFrom(result)
	default:
		prev, err = s.store.Load()
		if err != nil {
			return report, fmt.Errorf("load records: %w", err)
		}
		since, err := s.fetcher.Fetch(ctx, feed.FetchOptions{SinceID: cursor.LastSyncedID})
		if err != nil {
			return report, fmt.Errorf("fetch statuses since %s: %w", cursor.LastSyncedID, err)
		}
		recent, err := s.fetcher.Fetch(ctx, feed.FetchOptions{MaxItems: s.editWindow})
		if err != nil {
			return report, fmt.Errorf("fetch edit window: %w", err)
		}
		report.Skipped = since.Skipped + recent.Skipped
		fresh = append(append(fresh, since.Items...), recent.Items...)
		window = WindowFrom(recent)
		window.Seen = append(window.Seen, since.SkippedIDs...)
		logger.Info("statuses fetched", "new", len(since.Items), "window", len(recent.Items), "floor", window.Floor)
	}
	report.Fetched = len(fresh)

	mediaFiles := s.fetchMedia(ctx, fresh)
	next, changes, err := Reconcile(prev, fresh, window, func(item feed.Item) (archive.Record, error) {
		return s.renderer.Render(item, mediaFiles)
	})
	if err != nil {
		return report, fmt.Errorf("reconcile: %w", err)
	}
	if report.Mode == ModeIncremental && len(pending) > 0 {
		if forgotten := Forget(next, pending, fresh); len(forgotten) > 0 {
			changes.Removed = append(changes.Removed, forgotten...)
			sortIDs(changes.Removed)
		}
	}
	report.Added = changes.Added
	report.Updated = changes.Updated
	report.Removed = changes.Removed
	report.Unchanged = changes.Unchanged
	report.Records = len(next)
	for _, id := range changes.Removed {
		logger.Info("status removed", "id", id)
	}

	result, err := s.materializer.Materialize(next)
	if err != nil {
		return report, err
	}
	report.ArchiveChanged = result.ArchiveChanged
	report.FilesWritten = result.Written
	report.FilesRemoved = result.Removed
	report.FilesFailed = result.Failed

	if err := s.store.Commit(next); err != nil {
		return report, fmt.Errorf("commit records: %w", err)
	}
	s.clearDeletions(pending)

	ids := make([]string, len(fresh))
	for i, item := range fresh {
		ids[i] = item.ID
	}
	advanced := cursor.Advance(ids...)
	if !advanced.Empty() && (advanced != cursor || report.Mode == ModeFull) {
		if err := s.cursor.Save(advanced); err != nil {
			return report, fmt.Errorf("save cursor: %w", err)
		}
	}
	report.Cursor = advanced.LastSyncedID
	report.Duration = s.now().Sub(started)

	logger.Info("sync finished",
		"mode", report.Mode,
		"fetched", report.Fetched,
		"added", len(report.Added),
		"updated", len(report.Updated),
		"removed", len(report.Removed),
		"records", report.Records,
		"archive_changed", report.ArchiveChanged,
		"files_written", report.FilesWritten,
		"files_removed", report.FilesRemoved,
		"cursor", report.Cursor,
	)
	return report, nil
}

// loadCursor returns the stored cursor, or the reason it cannot be used. A
// corrupt or unreadable cursor file forces a full run; other failures, such
// as an unreachable database, end the run.
func (s *Syncer) loadCursor(logger *slog.Logger) (state.Cursor, string, error) {
	cursor, err := s.cursor.Load()
	switch {
	case err == nil:
		return cursor, "", nil
	case errors.Is(err, state.ErrCorruptCursor):
		logger.Warn("cursor is corrupt, running a full sync", "error", err)
		return state.Cursor{}, "corrupt cursor", nil
	case errors.Is(err, state.ErrUnreadableCursor):
		logger.Warn("cursor is unreadable, running a full sync", "error", err)
		return state.Cursor{}, "unreadable cursor", nil
	default:
		return state.Cursor{}, "", fmt.Errorf("load cursor: %w", err)
	}
}

func (s *Syncer) chooseMode(opts RunOptions, cursor state.Cursor, cursorProblem string) (Mode, string, error) {
	if opts.ForceFull {
		return ModeFull, "requested", nil
	}
	if cursorProblem != "" {
		return ModeFull, cursorProblem, nil
	}
	exists, err := s.store.Exists()
	if err != nil {
		return "", "", fmt.Errorf("check records: %w", err)
	}
	if !exists {
		return ModeFull, "no archive", nil
	}
	if cursor.Empty() {
		return ModeFull, "no cursor", nil
	}
	return ModeIncremental, "cursor", nil
}

// reset drops every artifact of the previous generation.
func (s *Syncer) reset() error {
	if err := s.cursor.Reset(); err != nil {
		return fmt.Errorf("reset cursor: %w", err)
	}
	if err := s.store.Reset(); err != nil {
		return fmt.Errorf("reset records: %w", err)
	}
	if err := s.materializer.Purge(); err != nil {
		return err
	}
	return nil
}

func (s *Syncer) fetchMedia(ctx context.Context, items []feed.Item) map[string]string {
	if s.media == nil {
		return map[string]string{}
	}
	var attachments []feed.Attachment
	for _, item := range items {
		attachments = append(attachments, item.Attachments...)
	}
	return s.media.Fetch(ctx, attachments)
}
