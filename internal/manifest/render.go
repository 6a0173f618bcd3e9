package manifest

import (
	"fmt"
	"io"

	"github.com/strata-backup/strata/internal/strata"
)

// TimeFormat is the format used for timestamps in rendered manifests.
const TimeFormat = "2006-01-02 15:04:05"

// Render writes a human-readable listing of entries to wr, one line per
// entry plus one indented line per referenced block. It is purely for
// inspection, nothing parses it back.
func Render(wr io.Writer, entries []strata.Entry) error {
	for _, e := range entries {
		var extra string
		switch e.Kind {
		case strata.KindFile:
			extra = fmt.Sprintf(" %d", e.Size)
		case strata.KindSymlink:
			extra = " -> " + e.LinkTarget
		}

		_, err := fmt.Fprintf(wr, "%-7s %04o %s %s%s\n",
			e.Kind, e.Mode, e.ModTime.Format(TimeFormat), e.Path, extra)
		if err != nil {
			return err
		}

		for _, id := range e.Blocks {
			if _, err := fmt.Fprintf(wr, "        %s\n", id.String()); err != nil {
				return err
			}
		}
	}

	return nil
}
