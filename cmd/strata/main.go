package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/errors"
)

func init() {
	// don't import `go.uber.org/automaxprocs` directly to disable the log output
	_, _ = maxprocs.Set()
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strata",
		Short: "Incremental deduplicating backup",
		Long: `
strata is a backup program which saves snapshots of a directory tree as
numbered bands in a content-addressed archive. Identical content is stored
only once, no matter how often or where it appears.
`,
		SilenceErrors:     true,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
	}

	globalOptions.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newBackupCommand(),
		newBandsCommand(),
		newCheckCommand(),
		newDumpCommand(),
		newInitArchiveCommand(),
		newRestoreCommand(),
		newVersionCommand(),
	)

	return cmd
}

func createGlobalContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx
}

func main() {
	debug.Log("main %#v", os.Args)
	debug.Log("strata %s compiled with %v on %v/%v",
		version, runtime.Version(), runtime.GOOS, runtime.GOARCH)

	ctx := createGlobalContext()
	err := newRootCommand().ExecuteContext(ctx)
	if err == nil {
		err = ctx.Err()
	}

	var exitCode int
	switch {
	case err == nil:
		exitCode = 0
	case errors.Is(err, context.Canceled):
		exitCode = 130
	default:
		exitCode = 1
	}

	if err != nil && exitCode != 130 {
		if errors.IsFatal(err) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "%+v\n", err)
		}
	}

	os.Exit(exitCode)
}
