package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/tootsync/internal/archive"
	"github.com/agentworkforce/tootsync/internal/config"
)

var errNotCanonical = errors.New("archive does not re-render byte for byte")

type verifyResult struct {
	Path      string
	Records   int
	Days      int
	Canonical bool
}

func newVerifyCommand(root *rootOptions) *cobra.Command {
	var (
		timezone string
		strict   bool
	)
	cmd := &cobra.Command{
		Use:   "verify [ARCHIVE]",
		Short: "Parse an archive and check that it re-renders unchanged",
		Long: `Parse the archive (the configured one when ARCHIVE is omitted), report
how many records and days it holds and whether rendering the parsed records
reproduces the file exactly.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				path string
				loc  *time.Location
			)
			if len(args) == 1 {
				path = args[0]
				parsed, err := config.ParseLocation(timezone)
				if err != nil {
					return err
				}
				loc = parsed
			} else {
				cfg, err := loadConfig(root, 0)
				if err != nil {
					return err
				}
				path, loc = cfg.ArchivePath(), cfg.Location
			}
			result, err := verifyArchive(path, loc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d records over %d days, canonical: %t\n",
				result.Path, result.Records, result.Days, result.Canonical)
			if strict && !result.Canonical {
				return errNotCanonical
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&timezone, "timezone", envOrDefault("TIMEZONE", "+08:00"), "archive timezone when ARCHIVE is given")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail when the archive does not re-render unchanged")
	return cmd
}

func verifyArchive(path string, loc *time.Location) (verifyResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return verifyResult{}, err
	}
	records := archive.ParseArchive(string(data), loc)
	return verifyResult{
		Path:      path,
		Records:   len(records),
		Days:      len(archive.GroupByDay(records, loc)),
		Canonical: archive.RenderArchive(records, loc) == string(data),
	}, nil
}
