// Package archive manages the on-disk layout of an archive: the header that
// marks a directory as an archive, the shared block store under data/, and
// the ordered sequence of bands under bands/. An archive is append-only;
// committed bands and stored blocks are never rewritten.
package archive

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/restic/chunker"

	"github.com/strata-backup/strata/internal/blockstore"
	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/errors"
)

// ErrAlreadyExists is returned by Create when the path already holds an
// archive.
var ErrAlreadyExists = errors.New("archive already exists")

// ErrNotAnArchive is returned by Open when the path does not hold a readable
// archive header.
var ErrNotAnArchive = errors.New("not an archive")

// ErrUnsupportedVersion is returned by Open for an archive written by an
// incompatible format version.
var ErrUnsupportedVersion = errors.New("unsupported archive format version")

// FormatVersion is the archive format version written by Create.
const FormatVersion = 1

const (
	headerName  = "STRATA-ARCHIVE"
	dataDirName = "data"
	bandDirName = "bands"
)

// Header is the content of the archive header file. It marks a directory as
// an archive and carries everything a later run must agree on, in particular
// the chunker polynomial: all runs against one archive must split files
// identically or deduplication between bands would be lost.
type Header struct {
	Version           uint        `json:"version"`
	ChunkerPolynomial chunker.Pol `json:"chunker_polynomial"`
}

// Archive is an opened archive.
type Archive struct {
	path   string
	header Header
	blocks *blockstore.Store
}

// Create initializes a new archive at path. The directory is created if
// needed; a path that already holds an archive, or any other content, is
// refused.
func Create(path string) (*Archive, error) {
	debug.Log("create archive at %v", path)

	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, errors.WithStack(err)
	}

	if _, err := os.Lstat(filepath.Join(path, headerName)); err == nil {
		return nil, errors.Wrapf(ErrAlreadyExists, "%v", path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(entries) > 0 {
		return nil, errors.Wrapf(ErrAlreadyExists, "%v is not empty", path)
	}

	pol, err := chunker.RandomPolynomial()
	if err != nil {
		return nil, errors.Wrap(err, "chunker.RandomPolynomial")
	}

	hdr := Header{
		Version:           FormatVersion,
		ChunkerPolynomial: pol,
	}

	buf, err := json.MarshalIndent(hdr, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "json.Marshal")
	}

	for _, d := range []string{dataDirName, bandDirName} {
		if err := os.MkdirAll(filepath.Join(path, d), 0700); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	// the header is written last: only a directory with a header is an
	// archive, everything before this is invisible to Open
	if err := writeFileAtomic(path, headerName, append(buf, '\n')); err != nil {
		return nil, err
	}

	return Open(path)
}

// Open opens the archive at path.
func Open(path string) (*Archive, error) {
	buf, err := os.ReadFile(filepath.Join(path, headerName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(ErrNotAnArchive, "%v", path)
		}
		return nil, errors.WithStack(err)
	}

	var hdr Header
	if err := json.Unmarshal(buf, &hdr); err != nil {
		return nil, errors.Wrapf(ErrNotAnArchive, "%v: malformed header", path)
	}

	if hdr.Version != FormatVersion {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "version %d, supported version is %d", hdr.Version, FormatVersion)
	}

	if !hdr.ChunkerPolynomial.Irreducible() {
		return nil, errors.Wrapf(ErrNotAnArchive, "%v: invalid chunker polynomial", path)
	}

	blocks, err := blockstore.Open(filepath.Join(path, dataDirName))
	if err != nil {
		return nil, err
	}

	debug.Log("opened archive at %v", path)

	return &Archive{
		path:   path,
		header: hdr,
		blocks: blocks,
	}, nil
}

// Path returns the archive's root directory.
func (a *Archive) Path() string {
	return a.path
}

// Blocks returns the archive's block store.
func (a *Archive) Blocks() *blockstore.Store {
	return a.blocks
}

// ChunkerPolynomial returns the polynomial all backups into this archive
// chunk with.
func (a *Archive) ChunkerPolynomial() chunker.Pol {
	return a.header.ChunkerPolynomial
}
