package main

import (
	"github.com/spf13/cobra"

	"github.com/strata-backup/strata/internal/archive"
	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/manifest"
)

func newDumpCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump ARCHIVE-DIR BAND",
		Short: "Print the decoded manifest of a band",
		Long: `
The "dump" command decodes the manifest of one committed band and prints it
in a human-readable form, including the block digests every file's content is
assembled from. It is a read-only diagnostic and changes nothing.

EXIT STATUS
===========

Exit status is 0 if the command was successful, and non-zero if there was any
error.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(args)
		},
	}

	return cmd
}

func runDump(args []string) error {
	if len(args) != 2 {
		return errors.Fatal("the dump command expects two arguments, the archive directory and the band")
	}

	arch, err := archive.Open(args[0])
	if err != nil {
		return err
	}

	n, err := parseBandNumber(arch, args[1])
	if err != nil {
		return err
	}

	band, err := arch.OpenBand(n)
	if err != nil {
		return err
	}

	entries, err := band.Manifest()
	if err != nil {
		return err
	}

	return manifest.Render(globalOptions.stdout, entries)
}
