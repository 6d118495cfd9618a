package mirror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/tootsync/internal/archive"
	"github.com/agentworkforce/tootsync/internal/feed"
	"github.com/agentworkforce/tootsync/internal/state"
)

// fakeTimeline serves a mutable set of statuses the way the remote does.
type fakeTimeline struct {
	mu    sync.Mutex
	items map[string]feed.Item
	err   error
	calls []feed.FetchOptions
}

func newFakeTimeline(items ...feed.Item) *fakeTimeline {
	f := &fakeTimeline{items: map[string]feed.Item{}}
	f.put(items...)
	return f
}

func (f *fakeTimeline) put(items ...feed.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range items {
		f.items[item.ID] = item
	}
}

func (f *fakeTimeline) remove(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.items, id)
	}
}

func (f *fakeTimeline) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeTimeline) Fetch(_ context.Context, opts feed.FetchOptions) (feed.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	if f.err != nil {
		return feed.FetchResult{}, f.err
	}
	var items []feed.Item
	for _, item := range f.items {
		if opts.SinceID != "" && feed.CompareIDs(item.ID, opts.SinceID) <= 0 {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return feed.CompareIDs(items[i].ID, items[j].ID) < 0 })
	exhausted := true
	if opts.MaxItems > 0 && len(items) > opts.MaxItems {
		items = items[len(items)-opts.MaxItems:]
		exhausted = false
	}
	return feed.FetchResult{Items: items, Pages: 1, Exhausted: exhausted}, nil
}

type syncFixture struct {
	root        string
	archivePath string
	cursorPath  string
	cursor      *state.JSONFileCursorStore
	syncer      *Syncer
}

func newSyncFixture(t *testing.T, fetcher Fetcher, editWindow int) *syncFixture {
	t.Helper()
	root := t.TempDir()
	renderer := archive.NewRenderer(testZone, "mastodon", "media")
	materializer, err := archive.NewMaterializer(archive.MaterializerOptions{
		Root:        root,
		ArchiveName: "archive.md",
		PostsDir:    "mastodon",
		Renderer:    renderer,
	})
	if err != nil {
		t.Fatalf("new materializer: %v", err)
	}
	cursorPath := filepath.Join(root, "sync_state.json")
	cursor := state.NewJSONFileCursorStore(cursorPath)
	syncer, err := NewSyncer(SyncerOptions{
		Fetcher:      fetcher,
		Cursor:       cursor,
		Store:        archive.NewFileStore(materializer.ArchivePath(), testZone),
		Renderer:     renderer,
		Materializer: materializer,
		EditWindow:   editWindow,
		NewRunID:     func() string { return "run-test" },
	})
	if err != nil {
		t.Fatalf("new syncer: %v", err)
	}
	return &syncFixture{
		root:        root,
		archivePath: materializer.ArchivePath(),
		cursorPath:  cursorPath,
		cursor:      cursor,
		syncer:      syncer,
	}
}

func (f *syncFixture) run(t *testing.T, opts RunOptions) Report {
	t.Helper()
	report, err := f.syncer.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	return report
}

func (f *syncFixture) archiveText(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(f.archivePath)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	return string(data)
}

func (f *syncFixture) archiveIDs(t *testing.T) string {
	t.Helper()
	return strings.Join(archive.ParseArchive(f.archiveText(t), testZone).IDs(), ",")
}

func (f *syncFixture) cursorID(t *testing.T) string {
	t.Helper()
	cursor, err := f.cursor.Load()
	if err != nil {
		t.Fatalf("load cursor: %v", err)
	}
	return cursor.LastSyncedID
}

func (f *syncFixture) documents(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(f.root, "mastodon"))
	if err != nil {
		t.Fatalf("read documents: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func TestRunStartsFullAndThenGoesIncremental(t *testing.T) {
	timeline := newFakeTimeline(status("10", "ten"), status("11", "eleven"))
	fx := newSyncFixture(t, timeline, 40)

	report := fx.run(t, RunOptions{})
	if report.Mode != ModeFull || report.Reason != "no archive" {
		t.Fatalf("expected full run without archive, got %s (%s)", report.Mode, report.Reason)
	}
	if report.RunID != "run-test" {
		t.Fatalf("expected run id to be reported, got %q", report.RunID)
	}
	if got := fx.cursorID(t); got != "11" {
		t.Fatalf("expected cursor 11, got %q", got)
	}
	if got := fx.archiveIDs(t); got != "10,11" {
		t.Fatalf("expected archive 10,11, got %s", got)
	}
	if len(fx.documents(t)) != 2 {
		t.Fatalf("expected 2 documents, got %v", fx.documents(t))
	}

	timeline.put(status("12", "twelve"), status("10", "ten edited"))
	report = fx.run(t, RunOptions{})
	if report.Mode != ModeIncremental {
		t.Fatalf("expected incremental run, got %s", report.Mode)
	}
	if strings.Join(report.Added, ",") != "12" || strings.Join(report.Updated, ",") != "10" {
		t.Fatalf("unexpected changes added=%v updated=%v", report.Added, report.Updated)
	}
	if report.PreviousCursor != "11" || report.Cursor != "12" {
		t.Fatalf("expected cursor 11 -> 12, got %q -> %q", report.PreviousCursor, report.Cursor)
	}
	if !strings.Contains(fx.archiveText(t), "ten edited") {
		t.Fatalf("expected edit to reach the archive")
	}

	calls := timeline.calls[len(timeline.calls)-2:]
	if calls[0].SinceID != "11" || calls[1].MaxItems != 40 {
		t.Fatalf("expected since and edit-window fetches, got %+v", calls)
	}
}

func TestRunIsByteIdenticalWhenNothingChanged(t *testing.T) {
	timeline := newFakeTimeline(status("1", "a"), status("2", "b"), status("3", "c"))
	fx := newSyncFixture(t, timeline, 40)
	fx.run(t, RunOptions{})
	first := fx.archiveText(t)

	report := fx.run(t, RunOptions{})
	if report.ArchiveChanged || report.FilesWritten != 0 {
		t.Fatalf("expected no writes, got archive=%v written=%d", report.ArchiveChanged, report.FilesWritten)
	}
	if report.Unchanged != 3 {
		t.Fatalf("expected 3 unchanged statuses, got %d", report.Unchanged)
	}
	if second := fx.archiveText(t); second != first {
		t.Fatalf("archive changed between identical runs:\n%s\n---\n%s", first, second)
	}
}

func TestRunKeepsCursorOnTransportFailure(t *testing.T) {
	timeline := newFakeTimeline(status("10", "ten"), status("11", "eleven"))
	fx := newSyncFixture(t, timeline, 40)
	fx.run(t, RunOptions{})
	before := fx.archiveText(t)

	boom := &feed.HTTPError{StatusCode: 502, Message: "bad gateway"}
	timeline.fail(boom)
	_, err := fx.syncer.Run(context.Background(), RunOptions{})
	if err == nil {
		t.Fatalf("expected run to fail")
	}
	var httpErr *feed.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected http error, got %v", err)
	}
	if got := fx.cursorID(t); got != "11" {
		t.Fatalf("cursor must stay 11 after a failed fetch, got %q", got)
	}
	if after := fx.archiveText(t); after != before {
		t.Fatalf("archive must not change after a failed fetch")
	}
}

func TestRunFullResyncReplacesEverything(t *testing.T) {
	timeline := newFakeTimeline(status("5", "five"), status("6", "six"))
	fx := newSyncFixture(t, timeline, 40)
	fx.run(t, RunOptions{})
	if got := fx.archiveIDs(t); got != "5,6" {
		t.Fatalf("expected archive 5,6, got %s", got)
	}

	timeline.remove("5")
	timeline.put(status("7", "seven"))
	report := fx.run(t, RunOptions{ForceFull: true})
	if report.Mode != ModeFull || report.Reason != "requested" {
		t.Fatalf("expected requested full run, got %s (%s)", report.Mode, report.Reason)
	}
	if got := fx.archiveIDs(t); got != "6,7" {
		t.Fatalf("expected archive 6,7, got %s", got)
	}
	docs := fx.documents(t)
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %v", docs)
	}
	for _, name := range docs {
		if strings.HasSuffix(name, "_5.md") {
			t.Fatalf("document of status 5 must be gone, got %v", docs)
		}
	}
	if got := fx.cursorID(t); got != "7" {
		t.Fatalf("expected cursor 7, got %q", got)
	}
}

func TestRunInfersDeletionInsideEditWindowOnly(t *testing.T) {
	timeline := newFakeTimeline(status("1", "a"), status("2", "b"), status("3", "c"), status("4", "d"), status("5", "e"))
	fx := newSyncFixture(t, timeline, 2)
	fx.run(t, RunOptions{})

	timeline.remove("2", "5")
	report := fx.run(t, RunOptions{})
	if strings.Join(report.Removed, ",") != "5" {
		t.Fatalf("expected only 5 removed, got %v", report.Removed)
	}
	if got := fx.archiveIDs(t); got != "1,2,3,4" {
		t.Fatalf("status 2 lies outside the edit window and must stay, got %s", got)
	}
	if got := fx.cursorID(t); got != "5" {
		t.Fatalf("cursor must not move backwards after a deletion, got %q", got)
	}
}

func TestRunCursorIsMonotonic(t *testing.T) {
	timeline := newFakeTimeline(status("3", "c"))
	fx := newSyncFixture(t, timeline, 40)
	last := ""
	for i, next := range []string{"4", "9", "12"} {
		report := fx.run(t, RunOptions{})
		if feed.CompareIDs(report.Cursor, last) < 0 {
			t.Fatalf("run %d moved cursor back from %s to %s", i, last, report.Cursor)
		}
		last = report.Cursor
		timeline.put(status(next, "n"))
	}
	if report := fx.run(t, RunOptions{}); report.Cursor != "12" {
		t.Fatalf("expected cursor 12, got %q", report.Cursor)
	}
	timeline.remove("12", "9")
	report := fx.run(t, RunOptions{})
	if report.Cursor != "12" {
		t.Fatalf("expected cursor to stay at 12, got %q", report.Cursor)
	}
}

func TestRunTreatsCorruptCursorAsFull(t *testing.T) {
	timeline := newFakeTimeline(status("1", "a"))
	fx := newSyncFixture(t, timeline, 40)
	fx.run(t, RunOptions{})

	if err := os.WriteFile(fx.cursorPath, []byte(`{"last_synced_id": "1`), 0o644); err != nil {
		t.Fatalf("write cursor: %v", err)
	}
	report := fx.run(t, RunOptions{})
	if report.Mode != ModeFull || report.Reason != "corrupt cursor" {
		t.Fatalf("expected full run on corrupt cursor, got %s (%s)", report.Mode, report.Reason)
	}
	if got := fx.cursorID(t); got != "1" {
		t.Fatalf("expected cursor rewritten to 1, got %q", got)
	}
}

func TestRunFailsFastWhenLocked(t *testing.T) {
	timeline := newFakeTimeline(status("1", "a"))
	fx := newSyncFixture(t, timeline, 40)

	lock, err := acquireLock(filepath.Join(fx.root, ".tootsync.lock"))
	if err != nil {
		t.Fatalf("acquire lock: %v", err)
	}
	_, err = fx.syncer.Run(context.Background(), RunOptions{})
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if len(timeline.calls) != 0 {
		t.Fatalf("a locked run must not fetch")
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("release lock: %v", err)
	}
	fx.run(t, RunOptions{})
}

type fakeMedia struct {
	seen []feed.Attachment
}

func (m *fakeMedia) Fetch(_ context.Context, attachments []feed.Attachment) map[string]string {
	m.seen = append(m.seen, attachments...)
	out := map[string]string{}
	for _, att := range attachments {
		if att.ID != "gone" {
			out[att.ID] = att.ID + ".png"
		}
	}
	return out
}

func TestRunLinksDownloadedMediaOnly(t *testing.T) {
	item := status("1", "pics")
	item.Attachments = []feed.Attachment{
		{ID: "m1", Type: "image", URL: "https://files.example/m1.png", Description: "kept"},
		{ID: "gone", Type: "image", URL: "https://files.example/gone.png"},
	}
	timeline := newFakeTimeline(item)
	fx := newSyncFixture(t, timeline, 40)
	media := &fakeMedia{}
	fx.syncer.media = media

	fx.run(t, RunOptions{})
	if len(media.seen) != 2 {
		t.Fatalf("expected both attachments requested, got %d", len(media.seen))
	}
	text := fx.archiveText(t)
	if !strings.Contains(text, "![kept](media/m1.png)") {
		t.Fatalf("expected downloaded image link, got:\n%s", text)
	}
	if strings.Contains(text, "gone") {
		t.Fatalf("missing media must be left out, got:\n%s", text)
	}
}

// remoteTimeline serves raw statuses newest first on a single page, honouring
// since_id, as the instance API does for a small account.
type remoteTimeline struct {
	mu  sync.Mutex
	raw map[string]string
}

func (r *remoteTimeline) set(id, raw string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raw[id] = raw
}

func (r *remoteTimeline) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	since := req.URL.Query().Get("since_id")
	var ids []string
	for id := range r.raw {
		if since != "" && feed.CompareIDs(id, since) <= 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return feed.CompareIDs(ids[i], ids[j]) > 0 })
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = r.raw[id]
	}
	_, _ = w.Write([]byte("[" + strings.Join(parts, ",") + "]"))
}

func rawStatus(id, mediaURL string) string {
	item := status(id, "post "+id)
	return fmt.Sprintf(`{"id":%q,"created_at":%q,"url":%q,"content":%q,"media_attachments":[{"id":"m%s","type":"image","url":%s}],"account":{"id":"42"}}`,
		id, item.CreatedAt.Format(time.RFC3339), item.URL, item.Body, id, mediaURL)
}

func TestRunKeepsStatusThatFailsValidationInsideEditWindow(t *testing.T) {
	remote := &remoteTimeline{raw: map[string]string{}}
	for _, id := range []string{"1", "2", "3"} {
		remote.set(id, rawStatus(id, `"https://files.example/m`+id+`.png"`))
	}
	server := httptest.NewServer(remote)
	defer server.Close()

	client, err := feed.NewClient(feed.ClientOptions{
		InstanceURL: server.URL,
		AccountID:   "42",
		HTTPClient:  server.Client(),
		Budget:      feed.NewRateBudget(feed.RateBudgetOptions{Sleep: func(context.Context, time.Duration) error { return nil }}),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	fx := newSyncFixture(t, client, 40)
	fx.run(t, RunOptions{})
	if got := fx.archiveIDs(t); got != "1,2,3" {
		t.Fatalf("expected archive 1,2,3 after full run, got %s", got)
	}

	// media still processing: the attachment has no url yet
	remote.set("2", rawStatus("2", "null"))
	report := fx.run(t, RunOptions{})
	if report.Mode != ModeIncremental {
		t.Fatalf("expected incremental run, got %s", report.Mode)
	}
	if report.Skipped != 1 {
		t.Fatalf("expected 1 skipped status, got %d", report.Skipped)
	}
	if len(report.Removed) != 0 {
		t.Fatalf("a status that failed validation must not be removed, got %v", report.Removed)
	}
	if got := fx.archiveIDs(t); got != "1,2,3" {
		t.Fatalf("expected archive 1,2,3, got %s", got)
	}
	if len(fx.documents(t)) != 3 {
		t.Fatalf("expected 3 documents, got %v", fx.documents(t))
	}
}

func TestRunTreatsUnreadableCursorAsFull(t *testing.T) {
	timeline := newFakeTimeline(status("1", "a"))
	fx := newSyncFixture(t, timeline, 40)
	fx.run(t, RunOptions{})

	if err := os.Remove(fx.cursorPath); err != nil {
		t.Fatalf("remove cursor: %v", err)
	}
	if err := os.Mkdir(fx.cursorPath, 0o755); err != nil {
		t.Fatalf("replace cursor with a directory: %v", err)
	}
	report := fx.run(t, RunOptions{})
	if report.Mode != ModeFull || report.Reason != "unreadable cursor" {
		t.Fatalf("expected full run on unreadable cursor, got %s (%s)", report.Mode, report.Reason)
	}
	if got := fx.cursorID(t); got != "1" {
		t.Fatalf("expected cursor rewritten to 1, got %q", got)
	}
}

// memStore keeps records in memory and counts commits.
type memStore struct {
	records archive.Records
	commits int
}

func (m *memStore) Load() (archive.Records, error) {
	if m.records == nil {
		return archive.Records{}, nil
	}
	return m.records.Clone(), nil
}

func (m *memStore) Commit(records archive.Records) error {
	m.commits++
	m.records = records.Clone()
	return nil
}

func (m *memStore) Exists() (bool, error) {
	return m.records != nil, nil
}

func (m *memStore) Reset() error {
	m.records = nil
	return nil
}

func TestRunFailsWhenArchiveCannotBeWritten(t *testing.T) {
	timeline := newFakeTimeline(status("10", "ten"), status("11", "eleven"))
	fx := newSyncFixture(t, timeline, 40)
	store := &memStore{}
	fx.syncer.store = store
	fx.run(t, RunOptions{})
	if store.commits != 1 || fx.cursorID(t) != "11" {
		t.Fatalf("expected one commit and cursor 11, got commits=%d cursor=%q", store.commits, fx.cursorID(t))
	}

	if err := os.Remove(fx.archivePath); err != nil {
		t.Fatalf("remove archive: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(fx.archivePath, "blocker"), 0o755); err != nil {
		t.Fatalf("block archive path: %v", err)
	}
	timeline.put(status("12", "twelve"))
	_, err := fx.syncer.Run(context.Background(), RunOptions{})
	if err == nil || !strings.Contains(err.Error(), "write archive") {
		t.Fatalf("expected archive write failure, got %v", err)
	}
	if store.commits != 1 {
		t.Fatalf("records must not be committed after a failed write, got %d commits", store.commits)
	}
	if got := strings.Join(store.records.IDs(), ","); got != "10,11" {
		t.Fatalf("expected stored records 10,11, got %s", got)
	}
	if got := fx.cursorID(t); got != "11" {
		t.Fatalf("cursor must stay 11 after a failed write, got %q", got)
	}
}

func TestRunRemovesStatusReportedDeletedOutsideEditWindow(t *testing.T) {
	timeline := newFakeTimeline(status("1", "a"), status("2", "b"), status("3", "c"), status("4", "d"))
	fx := newSyncFixture(t, timeline, 2)
	fx.run(t, RunOptions{})

	timeline.remove("1")
	known, err := fx.syncer.NoteDeleted("1")
	if err != nil || !known {
		t.Fatalf("expected archived status 1 to be known, got %v %v", known, err)
	}
	if known, err := fx.syncer.NoteDeleted("99"); err != nil || known {
		t.Fatalf("expected status 99 to be unknown, got %v %v", known, err)
	}

	report := fx.run(t, RunOptions{})
	if strings.Join(report.Removed, ",") != "1" {
		t.Fatalf("expected 1 removed, got %v", report.Removed)
	}
	if got := fx.archiveIDs(t); got != "2,3,4" {
		t.Fatalf("expected archive 2,3,4, got %s", got)
	}
	for _, name := range fx.documents(t) {
		if strings.HasSuffix(name, "_1.md") {
			t.Fatalf("document of status 1 must be gone, got %v", fx.documents(t))
		}
	}
	if report := fx.run(t, RunOptions{}); len(report.Removed) != 0 {
		t.Fatalf("deletion must be applied once, got %v", report.Removed)
	}
}
