package main

import (
	"errors"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/agentworkforce/tootsync/internal/archive"
	"github.com/agentworkforce/tootsync/internal/config"
	"github.com/agentworkforce/tootsync/internal/feed"
	"github.com/agentworkforce/tootsync/internal/media"
	"github.com/agentworkforce/tootsync/internal/mirror"
	"github.com/agentworkforce/tootsync/internal/state"
)

// app holds the components of one process, built once from the config.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	client  *feed.Client
	syncer  *mirror.Syncer
	store   archive.Store
	closers []io.Closer
}

func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	client, err := feed.NewClient(feed.ClientOptions{
		InstanceURL:   cfg.InstanceURL,
		AccountID:     cfg.AccountID,
		AccessToken:   cfg.AccessToken,
		PageSize:      cfg.PageSize,
		Budget:        feed.NewRateBudget(feed.RateBudgetOptions{}),
		Logger:        logger,
		CorrelationID: "tootsync-" + uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}
	a.client = client

	downloader, err := media.NewDownloader(media.DownloaderOptions{
		Dir:     cfg.MediaPath(),
		Workers: cfg.MediaWorkers,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	store, err := buildRecordStore(cfg)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.track(store)

	cursor, err := state.BuildCursorStoreFromDSN(cfg.CursorDSN)
	if err != nil {
		return nil, err
	}
	a.track(cursor)

	renderer := archive.NewRenderer(cfg.Location, cfg.PostsDir, cfg.MediaDir)
	materializer, err := archive.NewMaterializer(archive.MaterializerOptions{
		Root:        cfg.Root,
		ArchiveName: cfg.ArchiveName,
		PostsDir:    cfg.PostsDir,
		Renderer:    renderer,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	syncer, err := mirror.NewSyncer(mirror.SyncerOptions{
		Fetcher:      client,
		Media:        downloader,
		Cursor:       cursor,
		Store:        store,
		Renderer:     renderer,
		Materializer: materializer,
		EditWindow:   cfg.EditWindow,
		PageLimit:    cfg.PageLimit,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	a.syncer = syncer
	ok = true
	return a, nil
}

func buildRecordStore(cfg *config.Config) (archive.Store, error) {
	return state.BuildRecordStoreFromDSN(cfg.RecordStoreDSN, archive.NewFileStore(cfg.ArchivePath(), cfg.Location))
}

func (a *app) track(v any) {
	if closer, ok := v.(io.Closer); ok {
		a.closers = append(a.closers, closer)
	}
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
