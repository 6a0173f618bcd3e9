package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/strata-backup/strata/internal/archive"
	"github.com/strata-backup/strata/internal/checker"
	"github.com/strata-backup/strata/internal/errors"
)

func newCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check ARCHIVE-DIR",
		Short: "Verify the integrity of an archive",
		Long: `
The "check" command reads back every stored block and verifies it against its
digest, and checks that every committed band has a decodable manifest whose
referenced blocks all exist.

EXIT STATUS
===========

Exit status is 0 if the archive is intact, and non-zero if there was any
error or the archive contains damage.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), args)
		},
	}

	return cmd
}

func runCheck(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.Fatal("the check command expects one argument, the archive directory")
	}

	arch, err := archive.Open(args[0])
	if err != nil {
		return err
	}

	chk := checker.New(arch)
	chk.Report = func(err error) {
		Warnf("error: %v\n", err)
	}

	stats, ok, err := chk.Check(ctx)
	if err != nil {
		return err
	}

	Verbosef("checked %d blocks in %d bands\n", stats.Blocks, stats.Bands)
	if stats.OpenBands > 0 {
		Warnf("%d incomplete bands found (interrupted runs?)\n", stats.OpenBands)
	}

	if !ok {
		return errors.Fatal("archive contains errors")
	}

	Printf("no errors were found\n")
	return nil
}
