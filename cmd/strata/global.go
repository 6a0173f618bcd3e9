package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/strata-backup/strata/internal/archive"
	"github.com/strata-backup/strata/internal/errors"
)

var version = "0.1.0-dev (compiled manually)"

// GlobalOptions hold all global options for strata.
type GlobalOptions struct {
	Quiet   bool
	Verbose int

	stdout io.Writer
	stderr io.Writer
}

var globalOptions = GlobalOptions{
	stdout: os.Stdout,
	stderr: os.Stderr,
}

func (opts *GlobalOptions) AddFlags(f *pflag.FlagSet) {
	f.BoolVarP(&opts.Quiet, "quiet", "q", false, "do not output comprehensive progress report")
	f.CountVarP(&opts.Verbose, "verbose", "v", "be verbose (specify multiple times or a level using --verbose=n)")
}

// Printf writes the message to the configured stdout stream.
func Printf(format string, args ...interface{}) {
	_, err := fmt.Fprintf(globalOptions.stdout, format, args...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to write to stdout: %v\n", err)
	}
}

// Verbosef calls Printf to write the message when the verbose flag is set.
func Verbosef(format string, args ...interface{}) {
	if globalOptions.Verbose >= 1 {
		Printf(format, args...)
	}
}

// Warnf writes the message to the configured stderr stream.
func Warnf(format string, args ...interface{}) {
	_, err := fmt.Fprintf(globalOptions.stderr, format, args...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to write to stderr: %v\n", err)
	}
}

// parseBandNumber parses a band argument: a plain number, the band directory
// spelling "b0003", or "latest".
func parseBandNumber(arch *archive.Archive, s string) (archive.BandNumber, error) {
	if s == "latest" {
		n, ok, err := arch.LatestBandNumber()
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, errors.Fatal("archive has no bands")
		}
		return n, nil
	}

	num := s
	if len(num) > 1 && num[0] == 'b' {
		num = num[1:]
	}

	n, err := strconv.ParseUint(num, 10, 32)
	if err != nil {
		return 0, errors.Fatalf("invalid band number %q", s)
	}

	return archive.BandNumber(n), nil
}
