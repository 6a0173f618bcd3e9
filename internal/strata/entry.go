package strata

import (
	"os"
	"time"
)

// Kind classifies a filesystem object in a manifest. It is a closed set: a
// backup records files, directories and symlinks, and anything else (sockets,
// devices, fifos) as KindOther with metadata only.
type Kind string

const (
	KindFile    Kind = "file"
	KindDir     Kind = "dir"
	KindSymlink Kind = "symlink"
	KindOther   Kind = "other"
)

// Entry is one row of a manifest: a single filesystem object visited during a
// backup. Paths are slash-separated and relative to the backup root, the root
// itself is recorded as ".". Only the fields relevant to the entry's kind are
// set: Size and Blocks for regular files, LinkTarget for symlinks.
type Entry struct {
	Path       string      `cbor:"1,keyasint" json:"path"`
	Kind       Kind        `cbor:"2,keyasint" json:"kind"`
	Mode       os.FileMode `cbor:"3,keyasint" json:"mode"`
	ModTime    time.Time   `cbor:"4,keyasint" json:"mtime"`
	Size       uint64      `cbor:"5,keyasint,omitempty" json:"size,omitempty"`
	Blocks     []ID        `cbor:"6,keyasint,omitempty" json:"blocks,omitempty"`
	LinkTarget string      `cbor:"7,keyasint,omitempty" json:"link_target,omitempty"`
}

// NewEntry fills an Entry from the result of an Lstat. Blocks and LinkTarget
// are left for the caller.
func NewEntry(path string, fi os.FileInfo) Entry {
	e := Entry{
		Path:    path,
		Mode:    fi.Mode() & os.ModePerm,
		ModTime: fi.ModTime(),
	}

	switch {
	case fi.Mode().IsRegular():
		e.Kind = KindFile
		e.Size = uint64(fi.Size())
	case fi.IsDir():
		e.Kind = KindDir
	case fi.Mode()&os.ModeSymlink != 0:
		e.Kind = KindSymlink
	default:
		e.Kind = KindOther
	}

	return e
}
