package main

import (
	"github.com/spf13/cobra"

	"github.com/strata-backup/strata/internal/archive"
	"github.com/strata-backup/strata/internal/errors"
)

func newInitArchiveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init-archive ARCHIVE-DIR",
		Short: "Initialize a new archive",
		Long: `
The "init-archive" command initializes a new, empty archive at the given
directory. The directory is created if it does not exist.

EXIT STATUS
===========

Exit status is 0 if the command was successful, and non-zero if there was any
error.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInitArchive(args)
		},
	}

	return cmd
}

func runInitArchive(args []string) error {
	if len(args) != 1 {
		return errors.Fatal("the init-archive command expects one argument, the archive directory")
	}

	arch, err := archive.Create(args[0])
	if err != nil {
		if errors.Is(err, archive.ErrAlreadyExists) {
			return errors.Fatalf("%v already contains an archive", args[0])
		}
		return err
	}

	Verbosef("created strata archive at %v\n", arch.Path())
	return nil
}
