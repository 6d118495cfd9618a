package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tootsync:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	logger     *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "tootsync",
		Short:         "Mirror a Mastodon account into a Markdown archive",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), opts.LogLevel, opts.LogFormat)
			if err != nil {
				return err
			}
			opts.logger = logger
			slog.SetDefault(logger)
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", envOrDefault("TOOTSYNC_CONFIG", "config.yaml"), "config file used when the environment lacks credentials")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", envOrDefault("TOOTSYNC_LOG_LEVEL", "info"), "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", envOrDefault("TOOTSYNC_LOG_FORMAT", "text"), "log format (text|json)")

	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newFollowCommand(opts))
	cmd.AddCommand(newMountCommand(opts))
	cmd.AddCommand(newVerifyCommand(opts))
	return cmd
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q: must be text or json", format)
	}
}
