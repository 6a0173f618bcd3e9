package archiver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/strata-backup/strata/internal/archive"
	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/strata"
	rtest "github.com/strata-backup/strata/internal/test"
)

func setupArchive(t testing.TB) *archive.Archive {
	arch, err := archive.Create(filepath.Join(rtest.TempDir(t), "archive"))
	rtest.OK(t, err)
	return arch
}

// createTestFiles writes the given files below dir, creating parent
// directories as needed. A nil value creates an empty directory instead.
func createTestFiles(t testing.TB, dir string, files map[string][]byte) {
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if content == nil {
			rtest.OK(t, os.MkdirAll(p, 0755))
			continue
		}
		rtest.OK(t, os.MkdirAll(filepath.Dir(p), 0755))
		rtest.OK(t, os.WriteFile(p, content, 0644))
	}
}

func snapshot(t testing.TB, arch *archive.Archive, source string) (archive.BandNumber, Summary, []strata.Entry) {
	n, summary, err := New(arch, Options{}).Snapshot(context.Background(), source)
	rtest.OK(t, err)

	band, err := arch.OpenBand(n)
	rtest.OK(t, err)
	entries, err := band.Manifest()
	rtest.OK(t, err)

	return n, summary, entries
}

func entryPaths(entries []strata.Entry) []string {
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	return paths
}

func TestSnapshot(t *testing.T) {
	arch := setupArchive(t)
	source := rtest.TempDir(t)

	createTestFiles(t, source, map[string][]byte{
		"sub/inner.txt": []byte("inner content"),
		"sub/empty":     {},
		"aaa.txt":       rtest.Random(23, 2048),
		"zzz":           nil,
	})
	rtest.OK(t, os.Symlink("aaa.txt", filepath.Join(source, "link")))

	n, summary, entries := snapshot(t, arch, source)
	rtest.Equals(t, archive.BandNumber(0), n)

	// directories before children, children in sorted name order
	want := []string{".", "aaa.txt", "link", "sub", "sub/empty", "sub/inner.txt", "zzz"}
	rtest.Equals(t, want, entryPaths(entries))

	rtest.Equals(t, uint(3), summary.Files)
	rtest.Equals(t, uint(3), summary.Dirs)
	rtest.Equals(t, uint(1), summary.Symlinks)
	rtest.Equals(t, 0, len(summary.Skipped))
	rtest.Equals(t, uint64(2048+13), summary.BytesRead)

	byPath := make(map[string]strata.Entry, len(entries))
	for _, e := range entries {
		byPath[e.Path] = e
	}

	rtest.Equals(t, strata.KindSymlink, byPath["link"].Kind)
	rtest.Equals(t, "aaa.txt", byPath["link"].LinkTarget)

	// empty files carry no blocks at all
	rtest.Equals(t, uint64(0), byPath["sub/empty"].Size)
	rtest.Equals(t, 0, len(byPath["sub/empty"].Blocks))

	rtest.Equals(t, uint64(2048), byPath["aaa.txt"].Size)
	rtest.Assert(t, len(byPath["aaa.txt"].Blocks) > 0, "file entry without blocks")

	// every referenced block must be retrievable
	for _, id := range byPath["aaa.txt"].Blocks {
		_, err := arch.Blocks().Get(context.Background(), id)
		rtest.OK(t, err)
	}
}

func TestSnapshotIsDeterministic(t *testing.T) {
	arch := setupArchive(t)
	source := rtest.TempDir(t)

	createTestFiles(t, source, map[string][]byte{
		"b/one": rtest.Random(1, 4096),
		"b/two": rtest.Random(2, 100),
		"a":     rtest.Random(3, 512),
		"c/d/e": rtest.Random(4, 9000),
	})

	_, first, entries1 := snapshot(t, arch, source)
	_, second, entries2 := snapshot(t, arch, source)

	rtest.Assert(t, cmp.Diff(entries1, entries2) == "", "manifests differ between identical runs:\n%v", cmp.Diff(entries1, entries2))

	// the second run reads the same bytes but stores nothing new
	rtest.Equals(t, first.BytesRead, second.BytesRead)
	rtest.Equals(t, uint(0), second.NewBlocks)
	rtest.Equals(t, first.NewBlocks, second.KnownBlocks)
	rtest.Equals(t, uint64(0), second.BytesStored)

	bands, err := arch.ListBands()
	rtest.OK(t, err)
	rtest.Equals(t, []archive.BandNumber{0, 1}, bands)
}

func TestSnapshotDeduplicatesWithinRun(t *testing.T) {
	arch := setupArchive(t)
	source := rtest.TempDir(t)

	content := rtest.Random(42, 8192)
	createTestFiles(t, source, map[string][]byte{
		"copy1": content,
		"copy2": content,
	})

	// a single worker, so the second copy is guaranteed to see the blocks
	// of the first one as known
	n, summary, err := New(arch, Options{FileReadConcurrency: 1}).Snapshot(context.Background(), source)
	rtest.OK(t, err)

	band, err := arch.OpenBand(n)
	rtest.OK(t, err)
	entries, err := band.Manifest()
	rtest.OK(t, err)

	byPath := make(map[string]strata.Entry, len(entries))
	for _, e := range entries {
		byPath[e.Path] = e
	}
	rtest.Equals(t, byPath["copy1"].Blocks, byPath["copy2"].Blocks)

	rtest.Equals(t, summary.NewBlocks, summary.KnownBlocks)
	rtest.Equals(t, summary.BytesRead, 2*summary.BytesStored)
}

func TestSnapshotSkipsUnreadable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root, file permissions are not enforced")
	}

	arch := setupArchive(t)
	source := rtest.TempDir(t)

	createTestFiles(t, source, map[string][]byte{
		"good":   []byte("readable"),
		"broken": []byte("unreadable"),
	})
	rtest.OK(t, os.Chmod(filepath.Join(source, "broken"), 0000))

	_, summary, entries := snapshot(t, arch, source)

	// the unreadable file is absent from the manifest, not an abort
	rtest.Equals(t, []string{".", "good"}, entryPaths(entries))
	rtest.Equals(t, 1, len(summary.Skipped))
	rtest.Equals(t, "broken", summary.Skipped[0].Path)
	rtest.Assert(t, summary.Skipped[0].Err != nil, "skipped item without error")
}

func TestSnapshotErrorFuncAborts(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root, file permissions are not enforced")
	}

	arch := setupArchive(t)
	source := rtest.TempDir(t)

	createTestFiles(t, source, map[string][]byte{
		"broken": []byte("unreadable"),
	})
	rtest.OK(t, os.Chmod(filepath.Join(source, "broken"), 0000))

	a := New(arch, Options{})
	a.Error = func(item string, err error) error {
		return errors.Fatalf("%v: %v", item, err)
	}

	_, _, err := a.Snapshot(context.Background(), source)
	rtest.Assert(t, err != nil, "expected the run to abort")

	// an aborted run leaves no committed band behind
	bands, err := arch.ListBands()
	rtest.OK(t, err)
	rtest.Equals(t, 0, len(bands))

	open, err := arch.ListOpenBands()
	rtest.OK(t, err)
	rtest.Equals(t, []archive.BandNumber{0}, open)
}

func TestSnapshotRejectsFileSource(t *testing.T) {
	arch := setupArchive(t)
	dir := rtest.TempDir(t)

	file := filepath.Join(dir, "file")
	rtest.OK(t, os.WriteFile(file, []byte("x"), 0644))

	_, _, err := New(arch, Options{}).Snapshot(context.Background(), file)
	rtest.Assert(t, err != nil, "expected an error for a non-directory source")

	_, _, err = New(arch, Options{}).Snapshot(context.Background(), filepath.Join(dir, "missing"))
	rtest.Assert(t, err != nil, "expected an error for a missing source")
}

func TestSnapshotCancel(t *testing.T) {
	arch := setupArchive(t)
	source := rtest.TempDir(t)

	createTestFiles(t, source, map[string][]byte{
		"file": rtest.Random(0, 1024),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := New(arch, Options{}).Snapshot(ctx, source)
	rtest.Assert(t, errors.Is(err, context.Canceled), "expected context.Canceled, got %v", err)
}
