package blockstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/strata"
	rtest "github.com/strata-backup/strata/internal/test"
)

func setupStore(t testing.TB) *Store {
	store, err := Open(rtest.TempDir(t))
	rtest.OK(t, err)
	return store
}

func TestPutGet(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	data := rtest.Random(23, 12345)

	id, known, err := store.Put(ctx, data)
	rtest.OK(t, err)
	rtest.Equals(t, strata.Hash(data), id)
	rtest.Assert(t, !known, "first Put reported the block as known")

	back, err := store.Get(ctx, id)
	rtest.OK(t, err)
	rtest.Equals(t, data, back)

	// the block must live in the fan-out subdirectory named after the
	// first two hex digits of its digest
	fi, err := os.Lstat(store.filename(id))
	rtest.OK(t, err)
	rtest.Assert(t, fi.Mode().IsRegular(), "block is not a regular file")
	rtest.Equals(t, id.String()[:2], filepath.Base(filepath.Dir(store.filename(id))))
}

func TestPutIsIdempotent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	data := rtest.Random(5, 2048)

	id1, known, err := store.Put(ctx, data)
	rtest.OK(t, err)
	rtest.Assert(t, !known, "first Put reported the block as known")

	size1, err := os.Lstat(store.filename(id1))
	rtest.OK(t, err)

	id2, known, err := store.Put(ctx, data)
	rtest.OK(t, err)
	rtest.Equals(t, id1, id2)
	rtest.Assert(t, known, "second Put of identical bytes was not deduplicated")

	size2, err := os.Lstat(store.filename(id1))
	rtest.OK(t, err)
	rtest.Equals(t, size1.Size(), size2.Size())

	// still exactly one file below the store
	count := 0
	rtest.OK(t, store.List(ctx, func(strata.ID) error {
		count++
		return nil
	}))
	rtest.Equals(t, 1, count)
}

func TestContains(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	data := rtest.Random(9, 100)

	ok, err := store.Contains(strata.Hash(data))
	rtest.OK(t, err)
	rtest.Assert(t, !ok, "empty store contains the block")

	id, _, err := store.Put(ctx, data)
	rtest.OK(t, err)

	ok, err = store.Contains(id)
	rtest.OK(t, err)
	rtest.Assert(t, ok, "store does not contain the block after Put")

	// a second store over the same directory sees it too
	store2, err := Open(store.path)
	rtest.OK(t, err)
	ok, err = store2.Contains(id)
	rtest.OK(t, err)
	rtest.Assert(t, ok, "fresh store does not see the stored block")
}

func TestGetNotFound(t *testing.T) {
	store := setupStore(t)

	_, err := store.Get(context.Background(), strata.Hash([]byte("never stored")))
	rtest.Assert(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)
}

func TestGetDetectsCorruption(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	a := rtest.Random(1, 4096)
	b := rtest.Random(2, 4096)

	idA, _, err := store.Put(ctx, a)
	rtest.OK(t, err)
	idB, _, err := store.Put(ctx, b)
	rtest.OK(t, err)

	// replace A's block file with B's: a valid compressed frame whose
	// content hashes to the wrong digest
	buf, err := os.ReadFile(store.filename(idB))
	rtest.OK(t, err)
	rtest.OK(t, os.WriteFile(store.filename(idA), buf, 0600))

	_, err = store.Get(ctx, idA)
	rtest.Assert(t, errors.Is(err, ErrIntegrity), "expected ErrIntegrity, got %v", err)

	// flipped bits inside the frame are corruption as well
	buf, err = os.ReadFile(store.filename(idB))
	rtest.OK(t, err)
	for i := range buf {
		buf[i] ^= 0xff
	}
	rtest.OK(t, os.WriteFile(store.filename(idB), buf, 0600))

	_, err = store.Get(ctx, idB)
	rtest.Assert(t, errors.Is(err, ErrIntegrity), "expected ErrIntegrity, got %v", err)
}

func TestConcurrentPut(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	data := rtest.Random(42, 256*1024)
	want := strata.Hash(data)

	errs := make(chan error, 8)
	writers := make(chan bool, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, known, err := store.Put(ctx, data)
			if err == nil && !id.Equal(want) {
				err = errors.Errorf("wrong digest %v", id.String())
			}
			errs <- err
			writers <- !known
		}()
	}
	wg.Wait()
	close(errs)
	close(writers)
	for err := range errs {
		rtest.OK(t, err)
	}

	// racing Puts of one digest elect exactly one writer, the rest wait on
	// the in-flight gate and see the block as known
	wrote := 0
	for w := range writers {
		if w {
			wrote++
		}
	}
	rtest.Equals(t, 1, wrote)

	back, err := store.Get(ctx, want)
	rtest.OK(t, err)
	rtest.Equals(t, data, back)

	count := 0
	rtest.OK(t, store.List(ctx, func(strata.ID) error {
		count++
		return nil
	}))
	rtest.Equals(t, 1, count)
}

func TestListSkipsTempFiles(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	id, _, err := store.Put(ctx, rtest.Random(7, 512))
	rtest.OK(t, err)

	// simulate the leftover of an interrupted write
	leftover := filepath.Join(store.subdir(id), id.Str()+tmpSuffix+"123")
	rtest.OK(t, os.WriteFile(leftover, []byte("partial"), 0600))

	var ids []strata.ID
	rtest.OK(t, store.List(ctx, func(id strata.ID) error {
		ids = append(ids, id)
		return nil
	}))
	rtest.Equals(t, []strata.ID{id}, ids)

	// the partial write is invisible to Contains as well
	ok, err := store.Contains(strata.Hash([]byte("partial")))
	rtest.OK(t, err)
	rtest.Assert(t, !ok, "partial write is visible to Contains")
}
