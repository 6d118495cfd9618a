package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var documentID = regexp.MustCompile(`_(\d+)\.md$`)

type MaterializerOptions struct {
	// Root is the backup directory; ArchiveName and PostsDir are relative
	// to it.
	Root        string
	ArchiveName string
	PostsDir    string
	Renderer    *Renderer
	Logger      *slog.Logger
}

// Materializer writes the archive file and per-item documents for a record
// set. Files whose content would not change are left untouched.
type Materializer struct {
	archivePath string
	postsPath   string
	renderer    *Renderer
	logger      *slog.Logger
}

type Result struct {
	ArchiveChanged bool
	Written        int
	Removed        int
	Unchanged      int
	// Failed counts per-item documents that could not be written or
	// removed. They do not fail the run.
	Failed int
}

func NewMaterializer(opts MaterializerOptions) (*Materializer, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, errors.New("materializer root is required")
	}
	archiveName := strings.TrimSpace(opts.ArchiveName)
	if archiveName == "" {
		archiveName = "archive.md"
	}
	postsDir := strings.TrimSpace(opts.PostsDir)
	if postsDir == "" {
		postsDir = "mastodon"
	}
	renderer := opts.Renderer
	if renderer == nil {
		renderer = NewRenderer(nil, postsDir, "media")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Materializer{
		archivePath: filepath.Join(root, archiveName),
		postsPath:   filepath.Join(root, postsDir),
		renderer:    renderer,
		logger:      logger,
	}, nil
}

func (m *Materializer) ArchivePath() string {
	return m.archivePath
}

func (m *Materializer) PostsPath() string {
	return m.postsPath
}

// Materialize regenerates the archive from records and brings the per-item
// documents in line with them. Failing to write the archive is an error;
// per-item failures are logged and counted.
func (m *Materializer) Materialize(records Records) (Result, error) {
	var result Result
	text := RenderArchive(records, m.renderer.Location())
	err := withPermissionRepair(m.archivePath, func() error {
		changed, err := writeIfChanged(m.archivePath, []byte(text))
		result.ArchiveChanged = changed
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("write archive %s: %w", m.archivePath, err)
	}
	if result.ArchiveChanged {
		m.logger.Info("archive written", "path", m.archivePath, "records", len(records))
	} else {
		m.logger.Info("archive unchanged", "path", m.archivePath, "records", len(records))
	}

	existing, err := m.scanDocuments()
	if err != nil {
		m.logger.Warn("cannot list per-item documents", "dir", m.postsPath, "error", err)
	}

	for _, id := range records.IDs() {
		rec := records[id]
		if rec.Document == "" {
			continue
		}
		name := m.renderer.DocumentName(rec)
		target := filepath.Join(m.postsPath, name)
		var wrote bool
		err := withPermissionRepair(target, func() error {
			var err error
			wrote, err = writeIfChanged(target, []byte(rec.Document))
			return err
		})
		switch {
		case err != nil:
			result.Failed++
			m.logger.Error("cannot write document", "id", id, "path", target, "error", err)
		case wrote:
			result.Written++
			m.logger.Debug("document written", "id", id, "path", target)
		default:
			result.Unchanged++
		}
		for _, stale := range existing[id] {
			if stale != name {
				m.removeDocument(id, stale, &result)
			}
		}
	}

	for id, names := range existing {
		if _, ok := records[id]; ok {
			continue
		}
		for _, name := range names {
			m.removeDocument(id, name, &result)
		}
	}
	return result, nil
}

func (m *Materializer) removeDocument(id, name string, result *Result) {
	target := filepath.Join(m.postsPath, name)
	err := withPermissionRepair(target, func() error {
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	})
	if err != nil {
		result.Failed++
		m.logger.Error("cannot remove document", "id", id, "path", target, "error", err)
		return
	}
	result.Removed++
	m.logger.Info("document removed", "id", id, "path", target)
}

// scanDocuments maps status id to the document files present for it.
func (m *Materializer) scanDocuments() (map[string][]string, error) {
	entries, err := os.ReadDir(m.postsPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string][]string{}, nil
		}
		return map[string][]string{}, err
	}
	out := map[string][]string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := documentID.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		out[match[1]] = append(out[match[1]], entry.Name())
	}
	return out, nil
}

// Purge removes the archive file and every per-item document.
func (m *Materializer) Purge() error {
	if err := os.Remove(m.archivePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove archive: %w", err)
	}
	if err := os.RemoveAll(m.postsPath); err != nil {
		return fmt.Errorf("remove documents: %w", err)
	}
	m.logger.Info("artifacts purged", "archive", m.archivePath, "documents", m.postsPath)
	return nil
}
