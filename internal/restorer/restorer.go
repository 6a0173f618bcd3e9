// Package restorer materializes a committed band back into a directory tree.
// It is the mirror of the write path: entries are applied in manifest order,
// so directories exist before their children, and file contents pass through
// the block store's digest verification on every read.
package restorer

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/strata-backup/strata/internal/archive"
	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/strata"
)

// Restorer restores one band of an archive.
type Restorer struct {
	arch *archive.Archive
	band *archive.Band
}

// New returns a Restorer for the committed band n of arch.
func New(arch *archive.Archive, n archive.BandNumber) (*Restorer, error) {
	band, err := arch.OpenBand(n)
	if err != nil {
		return nil, err
	}

	return &Restorer{arch: arch, band: band}, nil
}

// Band returns the band being restored.
func (r *Restorer) Band() *archive.Band {
	return r.band
}

// deferred metadata for a restored directory; applied after the directory's
// children exist, in reverse manifest order, so a read-only directory does
// not block the files inside it.
type dirMeta struct {
	path    string
	mode    os.FileMode
	modTime time.Time
}

// RestoreTo writes the band's tree to target, creating it if necessary.
// Entries of kind other are skipped, they carry no content to restore.
func (r *Restorer) RestoreTo(ctx context.Context, target string) error {
	entries, err := r.band.Manifest()
	if err != nil {
		return err
	}

	var dirs []dirMeta

	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		path := filepath.Join(target, filepath.FromSlash(e.Path))

		switch e.Kind {
		case strata.KindDir:
			if err := os.MkdirAll(path, 0700); err != nil {
				return errors.WithStack(err)
			}
			dirs = append(dirs, dirMeta{path: path, mode: e.Mode, modTime: e.ModTime})

		case strata.KindFile:
			if err := r.restoreFile(ctx, path, e); err != nil {
				return err
			}

		case strata.KindSymlink:
			if err := os.Symlink(e.LinkTarget, path); err != nil {
				return errors.WithStack(err)
			}

		default:
			debug.Log("not restoring %v of kind %v", e.Path, e.Kind)
		}
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		d := dirs[i]
		if err := os.Chmod(d.path, d.mode); err != nil {
			return errors.WithStack(err)
		}
		if err := os.Chtimes(d.path, d.modTime, d.modTime); err != nil {
			return errors.WithStack(err)
		}
	}

	return nil
}

// restoreFile reassembles one file from its blocks. An integrity failure in
// any block aborts the restore, it is never papered over.
func (r *Restorer) restoreFile(ctx context.Context, path string, e strata.Entry) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errors.WithStack(err)
	}

	for _, id := range e.Blocks {
		data, err := r.arch.Blocks().Get(ctx, id)
		if err != nil {
			_ = f.Close()
			return err
		}

		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return errors.WithStack(err)
		}
	}

	if err := f.Close(); err != nil {
		return errors.WithStack(err)
	}

	if err := os.Chmod(path, e.Mode); err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(os.Chtimes(path, e.ModTime, e.ModTime))
}
