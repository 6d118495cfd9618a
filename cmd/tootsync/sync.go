package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/tootsync/internal/config"
	"github.com/agentworkforce/tootsync/internal/mirror"
)

type syncOptions struct {
	FullSync bool
	Window   int
	Timeout  time.Duration
}

func newSyncCommand(root *rootOptions) *cobra.Command {
	opts := &syncOptions{}
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync and exit",
		Long: `Fetch new and recently edited statuses, reconcile them with the archive
and rewrite the archive and per-status files that changed.

The first run, a run with --full-sync (or FORCE_FULL_SYNC=true) and a run
that finds a corrupt cursor rebuild everything from scratch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, opts.Window)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, root.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if opts.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
				defer cancel()
			}
			report, err := a.syncer.Run(ctx, mirror.RunOptions{ForceFull: cfg.ForceFull || opts.FullSync})
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.FullSync, "full-sync", false, "discard the archive and cursor and rebuild everything")
	cmd.Flags().IntVar(&opts.Window, "window", 0, "number of newest statuses re-checked for edits and deletions (default from EDIT_WINDOW)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", durationEnv("TOOTSYNC_RUN_TIMEOUT", 0), "abort the run after this long (0 disables)")
	return cmd
}

func loadConfig(root *rootOptions, window int) (*config.Config, error) {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return nil, err
	}
	if window > 0 {
		cfg.EditWindow = window
	}
	root.logger.Debug("configuration loaded", "source", cfg.Source, "root", cfg.Root, "timezone", cfg.Timezone)
	return cfg, nil
}

func printReport(w io.Writer, report mirror.Report) {
	fmt.Fprintf(w, "run %s: %s sync (%s)\n", report.RunID, report.Mode, report.Reason)
	fmt.Fprintf(w, "fetched %d, added %d, updated %d, removed %d, unchanged %d\n",
		report.Fetched, len(report.Added), len(report.Updated), len(report.Removed), report.Unchanged)
	if len(report.Removed) > 0 {
		fmt.Fprintf(w, "removed ids: %s\n", strings.Join(report.Removed, ", "))
	}
	archiveState := "unchanged"
	if report.ArchiveChanged {
		archiveState = "rewritten"
	}
	fmt.Fprintf(w, "archive %s, %d records; files written %d, removed %d, failed %d\n",
		archiveState, report.Records, report.FilesWritten, report.FilesRemoved, report.FilesFailed)
	previous := report.PreviousCursor
	if previous == "" {
		previous = "none"
	}
	fmt.Fprintf(w, "cursor %s -> %s\n", previous, report.Cursor)
}
