package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/strata-backup/strata/internal/archive"
	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/restorer"
)

func newRestoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore ARCHIVE-DIR BAND TARGET-DIR",
		Short: "Extract a band to a directory",
		Long: `
The "restore" command extracts one committed band of the archive into the
target directory. BAND is a band number, a band directory name like "b0002",
or "latest".

EXIT STATUS
===========

Exit status is 0 if the command was successful, and non-zero if there was any
error.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(cmd.Context(), args)
		},
	}

	return cmd
}

func runRestore(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return errors.Fatal("the restore command expects three arguments, the archive, the band and the target directory")
	}

	arch, err := archive.Open(args[0])
	if err != nil {
		return err
	}

	n, err := parseBandNumber(arch, args[1])
	if err != nil {
		return err
	}

	res, err := restorer.New(arch, n)
	if err != nil {
		return err
	}

	Verbosef("restoring band %v to %v\n", n, args[2])
	if err := res.RestoreTo(ctx, args[2]); err != nil {
		return err
	}

	Printf("restored band %v to %v\n", n, args[2])
	return nil
}
