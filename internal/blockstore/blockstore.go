// Package blockstore implements the content-addressed block store of an
// archive. Blocks are opaque byte sequences addressed by the SHA-256 digest of
// their uncompressed content and stored zstd-compressed under
// <two hex digits>/<full hex digest>, so that directory fan-out stays bounded
// no matter how many blocks the archive holds. A block is written at most
// once: writes go to a temporary file first and are moved into place with an
// atomic rename, so a racing or interrupted Put can never make a partial
// block visible.
package blockstore

import (
	"context"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/strata"
)

// ErrNotFound is returned by Get for a digest that has no stored block.
var ErrNotFound = errors.New("block not found")

// ErrIntegrity is returned by Get when the stored bytes do not match the
// block's digest, meaning the block was corrupted on disk.
var ErrIntegrity = errors.New("block does not match its digest")

// number of recently read blocks kept in memory.
const cacheSize = 32

const tmpSuffix = "-tmp-"

// Store is a deduplicating block store rooted at a directory.
type Store struct {
	path string

	// digests observed present during this process, to skip repeated stats
	// when the same content is put again.
	known *xsync.MapOf[strata.ID, struct{}]

	// digests currently being written; racing Puts of one digest wait here
	// instead of writing a second copy.
	inflight *xsync.MapOf[strata.ID, chan struct{}]

	cache *lru.Cache[strata.ID, []byte]

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open returns a Store for the directory path, which must exist.
func Open(path string) (*Store, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("block store path %v is not a directory", path)
	}

	cache, err := lru.New[strata.ID, []byte](cacheSize)
	if err != nil {
		return nil, err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}

	return &Store{
		path:     path,
		known:    xsync.NewMapOf[strata.ID, struct{}](),
		inflight: xsync.NewMapOf[strata.ID, chan struct{}](),
		cache:    cache,
		enc:      enc,
		dec:      dec,
	}, nil
}

// subdir returns the fan-out subdirectory for id.
func (s *Store) subdir(id strata.ID) string {
	return filepath.Join(s.path, id.String()[:2])
}

// filename returns the path of the block file for id.
func (s *Store) filename(id strata.ID) string {
	return filepath.Join(s.subdir(id), id.String())
}

// Contains reports whether a block with the given digest is stored.
func (s *Store) Contains(id strata.ID) (bool, error) {
	if _, ok := s.known.Load(id); ok {
		return true, nil
	}

	_, err := os.Stat(s.filename(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, errors.WithStack(err)
	}

	s.known.Store(id, struct{}{})
	return true, nil
}

// Put stores data and returns its digest. If a block with the same digest
// already exists, nothing is written and known is true. Put may be called
// concurrently, also with identical data: racing Puts of one digest elect a
// single writer, the others wait for it and report the block as known.
func (s *Store) Put(ctx context.Context, data []byte) (id strata.ID, known bool, err error) {
	id = strata.Hash(data)

	var gate chan struct{}
	for {
		known, err = s.Contains(id)
		if err != nil {
			return strata.ID{}, false, err
		}
		if known {
			debug.Log("block %v already present", &id)
			return id, true, nil
		}

		gate = make(chan struct{})
		other, inFlight := s.inflight.LoadOrStore(id, gate)
		if !inFlight {
			break
		}

		// another Put of the same content holds the gate; wait for it,
		// then re-check. If the other writer failed, the next round of
		// the loop takes over the write.
		select {
		case <-other:
		case <-ctx.Done():
			return strata.ID{}, false, ctx.Err()
		}
	}

	defer func() {
		s.inflight.Delete(id)
		close(gate)
	}()

	if ctx.Err() != nil {
		return strata.ID{}, false, ctx.Err()
	}

	if err := s.write(id, data); err != nil {
		return strata.ID{}, false, err
	}

	debug.Log("stored block %v (%d bytes)", &id, len(data))
	s.known.Store(id, struct{}{})
	return id, false, nil
}

// write compresses data and moves it into place under the name for id.
func (s *Store) write(id strata.ID, data []byte) (err error) {
	dir := s.subdir(id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.WithStack(err)
	}

	f, err := os.CreateTemp(dir, id.Str()+tmpSuffix)
	if err != nil {
		return errors.WithStack(err)
	}

	defer func(f *os.File) {
		if err != nil {
			_ = f.Close() // Double Close is harmless.
			_ = os.Remove(f.Name())
		}
	}(f)

	if _, err = f.Write(s.enc.EncodeAll(data, nil)); err != nil {
		return errors.WithStack(err)
	}

	// Ignore error if the filesystem does not support fsync.
	err = f.Sync()
	syncNotSup := err != nil && ignoreSyncError(err)
	if err != nil && !syncNotSup {
		return errors.WithStack(err)
	}

	// Close, then rename. Windows doesn't like the reverse order.
	if err = f.Close(); err != nil {
		return errors.WithStack(err)
	}
	// A plain rename, not a link dance: if another writer got there first the
	// rename replaces one valid copy of the block with another.
	if err = os.Rename(f.Name(), s.filename(id)); err != nil {
		return errors.WithStack(err)
	}

	// Now sync the directory to commit the rename.
	if !syncNotSup {
		if err = fsyncDir(dir); err != nil {
			return errors.WithStack(err)
		}
	}

	return nil
}

// Get returns the content of the block with the given digest. The content is
// verified against the digest before it is returned.
func (s *Store) Get(ctx context.Context, id strata.ID) ([]byte, error) {
	if data, ok := s.cache.Get(id); ok {
		return append([]byte(nil), data...), nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	buf, err := os.ReadFile(s.filename(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(ErrNotFound, "block %v", id.String())
		}
		return nil, errors.WithStack(err)
	}

	data, err := s.dec.DecodeAll(buf, nil)
	if err != nil {
		// an unreadable frame is corruption just like a digest mismatch
		return nil, errors.Wrapf(ErrIntegrity, "block %v: %v", id.String(), err)
	}

	if actual := strata.Hash(data); !actual.Equal(id) {
		return nil, errors.Wrapf(ErrIntegrity, "block %v has digest %v", id.String(), actual.String())
	}

	s.cache.Add(id, data)
	return append([]byte(nil), data...), nil
}

// List calls fn for every stored block digest, in no particular order.
// Temporary files from interrupted writes and foreign names are skipped.
func (s *Store) List(ctx context.Context, fn func(id strata.ID) error) error {
	subdirs, err := os.ReadDir(s.path)
	if err != nil {
		return errors.WithStack(err)
	}

	for _, sub := range subdirs {
		if !sub.IsDir() || len(sub.Name()) != 2 {
			continue
		}

		files, err := os.ReadDir(filepath.Join(s.path, sub.Name()))
		if err != nil {
			return errors.WithStack(err)
		}

		for _, file := range files {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			id, err := strata.ParseID(file.Name())
			if err != nil {
				debug.Log("skipping foreign file %v in block store", file.Name())
				continue
			}

			if err := fn(id); err != nil {
				return err
			}
		}
	}

	return nil
}

// fsyncDir flushes changes to the directory dir.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}

	err = d.Sync()
	if err != nil && ignoreSyncError(err) {
		err = nil
	}

	cerr := d.Close()
	if err == nil {
		err = cerr
	}

	return err
}
