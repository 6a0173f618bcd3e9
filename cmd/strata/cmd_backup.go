package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/strata-backup/strata/internal/archive"
	"github.com/strata-backup/strata/internal/archiver"
	"github.com/strata-backup/strata/internal/errors"
)

func newBackupCommand() *cobra.Command {
	var opts BackupOptions

	cmd := &cobra.Command{
		Use:   "backup ARCHIVE-DIR SOURCE-DIR",
		Short: "Create a new band from a directory tree",
		Long: `
The "backup" command walks the source directory, stores new content as
deduplicated blocks and commits the result as the archive's next band.

Source files that cannot be read are skipped; every skipped file is listed in
the summary at the end of the run. Failures in the archive itself always
abort the run, and an aborted run never leaves a committed band behind.

EXIT STATUS
===========

Exit status is 0 if the command was successful, and non-zero if there was any
error.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(cmd.Context(), opts, args)
		},
	}

	opts.AddFlags(cmd.Flags())
	return cmd
}

// BackupOptions bundles all options for the backup command.
type BackupOptions struct {
	ReadConcurrency uint
}

func (opts *BackupOptions) AddFlags(f *pflag.FlagSet) {
	f.UintVar(&opts.ReadConcurrency, "read-concurrency", 0, "read `n` file(s) concurrently (default: number of CPUs)")
}

func runBackup(ctx context.Context, opts BackupOptions, args []string) error {
	if len(args) != 2 {
		return errors.Fatal("the backup command expects two arguments, the archive and the source directory")
	}

	arch, err := archive.Open(args[0])
	if err != nil {
		return err
	}

	eng := archiver.New(arch, archiver.Options{
		FileReadConcurrency: opts.ReadConcurrency,
	})

	if globalOptions.Verbose >= 2 {
		eng.CompleteItem = func(item string) {
			Printf("%v\n", item)
		}
	}

	n, summary, err := eng.Snapshot(ctx, args[1])
	if err != nil {
		return err
	}

	for _, item := range summary.Skipped {
		Warnf("skipped %v: %v\n", item.Path, item.Err)
	}

	Verbosef("processed %d files, %d dirs, %d symlinks\n",
		summary.Files, summary.Dirs, summary.Symlinks)
	Verbosef("stored %d new blocks (%d bytes), %d deduplicated\n",
		summary.NewBlocks, summary.BytesStored, summary.KnownBlocks)
	if len(summary.Skipped) > 0 {
		Printf("%d items could not be read and were skipped\n", len(summary.Skipped))
	}
	Printf("band %v committed\n", n)

	return nil
}
