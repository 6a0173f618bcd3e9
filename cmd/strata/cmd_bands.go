package main

import (
	"github.com/spf13/cobra"

	"github.com/strata-backup/strata/internal/archive"
	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/manifest"
)

func newBandsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bands ARCHIVE-DIR",
		Short: "List the committed bands of an archive",
		Long: `
The "bands" command lists all committed bands of the archive in ascending
order, with their start and end times and entry counts. Leftover uncommitted
bands from interrupted runs are mentioned separately.

EXIT STATUS
===========

Exit status is 0 if the command was successful, and non-zero if there was any
error.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBands(args)
		},
	}

	return cmd
}

func runBands(args []string) error {
	if len(args) != 1 {
		return errors.Fatal("the bands command expects one argument, the archive directory")
	}

	arch, err := archive.Open(args[0])
	if err != nil {
		return err
	}

	bands, err := arch.ListBands()
	if err != nil {
		return err
	}

	Printf("%-8s %-19s %-19s %s\n", "band", "started", "finished", "entries")
	for _, n := range bands {
		band, err := arch.OpenBand(n)
		if err != nil {
			return err
		}

		Printf("%-8v %-19s %-19s %d\n", n,
			band.Head().StartTime.Format(manifest.TimeFormat),
			band.Tail().EndTime.Format(manifest.TimeFormat),
			band.Tail().EntryCount)
	}
	Printf("%d bands\n", len(bands))

	open, err := arch.ListOpenBands()
	if err != nil {
		return err
	}
	for _, n := range open {
		Warnf("band %v is incomplete (interrupted run?)\n", n)
	}

	return nil
}
