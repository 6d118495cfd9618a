// Package media downloads status attachments into the backup's media folder.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/tootsync/internal/feed"
)

const defaultWorkers = 4

type DownloaderOptions struct {
	Dir        string
	Workers    int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Downloader stores each attachment once under "{id}-{basename}". Files
// already on disk are never fetched again.
type Downloader struct {
	dir        string
	workers    int
	httpClient *http.Client
	logger     *slog.Logger
}

func NewDownloader(opts DownloaderOptions) (*Downloader, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, errors.New("media dir is required")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Downloader{dir: dir, workers: workers, httpClient: httpClient, logger: logger}, nil
}

// FileName is the local name of an attachment.
func FileName(att feed.Attachment) string {
	base := ""
	if parsed, err := url.Parse(att.URL); err == nil {
		base = path.Base(parsed.Path)
	}
	base = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, base)
	if base == "" || base == "." || base == "/" || base == "_" {
		return att.ID
	}
	return att.ID + "-" + base
}

type job struct {
	att  feed.Attachment
	name string
}

// Fetch makes every attachment available locally and returns the file name
// per attachment id. Attachments that fail to download are logged and left
// out of the map.
func (d *Downloader) Fetch(ctx context.Context, attachments []feed.Attachment) map[string]string {
	out := make(map[string]string, len(attachments))
	if len(attachments) == 0 {
		return out
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		d.logger.Error("cannot create media dir", "dir", d.dir, "error", err)
		return out
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		jobs = make(chan job)
	)
	workers := d.workers
	if workers > len(attachments) {
		workers = len(attachments)
	}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := d.download(ctx, j); err != nil {
					d.logger.Error("media download failed", "id", j.att.ID, "url", j.att.URL, "error", err)
					continue
				}
				mu.Lock()
				out[j.att.ID] = j.name
				mu.Unlock()
			}
		}()
	}

	seen := map[string]bool{}
	for _, att := range attachments {
		if att.ID == "" || att.URL == "" || seen[att.ID] {
			continue
		}
		seen[att.ID] = true
		name := FileName(att)
		if _, err := os.Stat(filepath.Join(d.dir, name)); err == nil {
			mu.Lock()
			out[att.ID] = name
			mu.Unlock()
			continue
		}
		select {
		case jobs <- job{att: att, name: name}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()
	return out
}

func (d *Downloader) download(ctx context.Context, j job) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.att.URL, nil)
	if err != nil {
		return err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("http %d", resp.StatusCode)
	}

	target := filepath.Join(d.dir, j.name)
	tmp, err := os.CreateTemp(d.dir, "."+j.name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if _, err := os.Stat(target); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		return err
	}
	committed = true
	d.logger.Info("media downloaded", "id", j.att.ID, "file", j.name)
	return nil
}
