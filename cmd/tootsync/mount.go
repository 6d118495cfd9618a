package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/tootsync/internal/mount"
)

func newMountCommand(root *rootOptions) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "mount DIR",
		Short: "Mount the archive read-only, one file per status",
		Long: `Expose the current record set at DIR as /{YYYY-MM-DD}/{HHMM}_{id}.md
until interrupted. The view is a snapshot taken at mount time.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, 0)
			if err != nil {
				return err
			}
			store, err := buildRecordStore(cfg)
			if err != nil {
				return err
			}
			records, err := store.Load()
			if closer, ok := store.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
			if err != nil {
				return fmt.Errorf("load records: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return mount.Serve(ctx, records, mount.Options{
				Dir:      args[0],
				Location: cfg.Location,
				Debug:    debug,
				Logger:   root.logger,
			})
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "log FUSE requests")
	return cmd
}
