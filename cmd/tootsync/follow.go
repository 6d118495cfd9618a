package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/tootsync/internal/feed"
	"github.com/agentworkforce/tootsync/internal/httpapi"
	"github.com/agentworkforce/tootsync/internal/mirror"
)

type followOptions struct {
	FullSync bool
	Window   int
	Interval time.Duration
	Jitter   float64
	Timeout  time.Duration
	Stream   bool
	Watch    bool
	Listen   string
}

func newFollowCommand(root *rootOptions) *cobra.Command {
	opts := &followOptions{}
	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Keep the archive in sync until interrupted",
		Long: `Run a sync now, then again on a jittered interval. With --stream a
status posted, edited or deleted on the account triggers a run right away;
with --watch removing the archive or cursor file triggers a rebuild.
With --listen the archive and the run status are served over HTTP.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, opts.Window)
			if err != nil {
				return err
			}
			secret := os.Getenv("TOOTSYNC_API_SECRET")
			if opts.Listen != "" && secret == "" {
				return errors.New("--listen requires TOOTSYNC_API_SECRET")
			}
			if opts.Interval <= 0 {
				opts.Interval = 15 * time.Minute
			}
			a, err := buildApp(cfg, root.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			triggers := mirror.NewTriggers()
			var wg sync.WaitGroup
			if opts.Stream {
				stream, err := feed.NewStream(feed.StreamOptions{
					InstanceURL: cfg.InstanceURL,
					AccountID:   cfg.AccountID,
					AccessToken: cfg.AccessToken,
					Logger:      root.logger,
				})
				if err != nil {
					return err
				}
				events := make(chan feed.Event, 16)
				wg.Add(2)
				go func() {
					defer wg.Done()
					if err := stream.Run(ctx, events); err != nil {
						root.logger.Error("stream stopped", "error", err)
					}
				}()
				go func() {
					defer wg.Done()
					mirror.ForwardEvents(ctx, events, triggers, a.syncer)
				}()
			}
			if opts.Watch {
				if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
					return err
				}
				watched := []string{cfg.ArchivePath()}
				if path, ok := cursorFilePath(cfg.CursorDSN); ok {
					watched = append(watched, path)
				}
				watcher, err := mirror.NewArchiveWatcher(root.logger, watched...)
				if err != nil {
					return fmt.Errorf("watch archive: %w", err)
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := watcher.Run(ctx, triggers); err != nil {
						root.logger.Error("watcher stopped", "error", err)
					}
				}()
			}

			status := httpapi.NewRunStatus(nil)
			if opts.Listen != "" {
				api := httpapi.NewServer(a.store, status, triggers, httpapi.ServerConfig{
					JWTSecret:       secret,
					RateLimitMax:    intEnv("TOOTSYNC_API_RATE_LIMIT_MAX", 0),
					RateLimitWindow: durationEnv("TOOTSYNC_API_RATE_LIMIT_WINDOW", time.Minute),
					Location:        cfg.Location,
					Logger:          root.logger,
				})
				srv := &http.Server{Addr: opts.Listen, Handler: api, ReadHeaderTimeout: 10 * time.Second}
				wg.Add(2)
				go func() {
					defer wg.Done()
					root.logger.Info("api listening", "addr", opts.Listen)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						root.logger.Error("api server failed", "error", err)
					}
				}()
				go func() {
					defer wg.Done()
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			out := cmd.OutOrStdout()
			err = mirror.Follow(ctx, a.syncer, mirror.FollowOptions{
				Interval: opts.Interval,
				Jitter:   opts.Jitter,
				Triggers: triggers,
				Initial:  mirror.RunOptions{ForceFull: cfg.ForceFull || opts.FullSync},
				Timeout:  opts.Timeout,
				Logger:   root.logger,
				OnReport: func(report mirror.Report, err error) {
					status.Observe(report, err)
					if err == nil {
						printReport(out, report)
					}
				},
			})
			stop()
			wg.Wait()
			return err
		},
	}
	cmd.Flags().BoolVar(&opts.FullSync, "full-sync", false, "rebuild everything on the first run")
	cmd.Flags().IntVar(&opts.Window, "window", 0, "number of newest statuses re-checked for edits and deletions (default from EDIT_WINDOW)")
	cmd.Flags().DurationVar(&opts.Interval, "interval", durationEnv("TOOTSYNC_FOLLOW_INTERVAL", 15*time.Minute), "time between scheduled runs")
	cmd.Flags().Float64Var(&opts.Jitter, "interval-jitter", floatEnv("TOOTSYNC_FOLLOW_INTERVAL_JITTER", 0.2), "interval jitter ratio (0.0-1.0)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", durationEnv("TOOTSYNC_RUN_TIMEOUT", 10*time.Minute), "per-run timeout (0 disables)")
	cmd.Flags().BoolVar(&opts.Stream, "stream", false, "listen on the streaming API for account activity")
	cmd.Flags().BoolVar(&opts.Watch, "watch", true, "rebuild when the archive or cursor file is removed")
	cmd.Flags().StringVar(&opts.Listen, "listen", envOrDefault("TOOTSYNC_API_ADDR", ""), "serve the archive API on this address")
	return cmd
}

// cursorFilePath returns the file behind a file:// or bare-path cursor DSN.
func cursorFilePath(dsn string) (string, bool) {
	dsn = strings.TrimSpace(dsn)
	if path, ok := strings.CutPrefix(dsn, "file://"); ok && path != "" {
		return path, true
	}
	if dsn != "" && !strings.Contains(dsn, "://") {
		return dsn, true
	}
	return "", false
}
