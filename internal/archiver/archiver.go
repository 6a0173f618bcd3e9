// Package archiver implements the backup engine: it walks a source tree in
// deterministic order, stores file contents as deduplicated blocks, and
// commits the result as a new band of the archive.
package archiver

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/restic/chunker"
	"golang.org/x/sync/errgroup"

	"github.com/strata-backup/strata/internal/archive"
	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/strata"
)

// ErrorFunc is called for errors reading a source object. When nil is
// returned, the object is skipped and recorded in the run summary, and the
// walk continues; otherwise the run aborts with the returned error. Errors
// from the storage layer never pass through here, they always abort: a band
// with missing blocks underneath its manifest would be unrestorable.
type ErrorFunc func(item string, err error) error

// Options configures the archiver.
type Options struct {
	// FileReadConcurrency sets how many files are read, chunked and stored
	// concurrently. If it's set to zero, the number of CPUs is used.
	FileReadConcurrency uint
}

// ApplyDefaults returns a copy of o with the default options set for all
// unset fields.
func (o Options) ApplyDefaults() Options {
	if o.FileReadConcurrency == 0 {
		o.FileReadConcurrency = uint(runtime.NumCPU())
	}

	return o
}

// Archiver writes snapshots of a source tree into an archive.
type Archiver struct {
	Archive *archive.Archive
	Options Options

	// Error is called for all errors that occur while reading the source.
	Error ErrorFunc

	// CompleteItem is called once per manifest entry, after the entry is
	// fully assembled. It may be called from several goroutines.
	CompleteItem func(item string)

	mu      sync.Mutex
	summary Summary
}

// New initializes a new archiver writing into arch.
func New(arch *archive.Archive, opts Options) *Archiver {
	return &Archiver{
		Archive: arch,
		Options: opts.ApplyDefaults(),

		Error:        func(string, error) error { return nil },
		CompleteItem: func(string) {},
	}
}

// Summary describes one backup run.
type Summary struct {
	Files, Dirs, Symlinks, Others uint

	// NewBlocks counts blocks stored for the first time, KnownBlocks the
	// dedup hits against content already in the archive, including content
	// stored by earlier bands.
	NewBlocks, KnownBlocks uint

	BytesRead   uint64 // source bytes read
	BytesStored uint64 // uncompressed size of newly stored blocks

	Skipped []SkippedItem
}

// SkippedItem records one source object that was skipped during a run.
type SkippedItem struct {
	Path string
	Err  error
}

// slot is one manifest entry under construction. Slots are created in
// traversal order; workers fill in the block lists of file slots, so the
// manifest order never depends on the order in which workers finish.
type slot struct {
	entry   strata.Entry
	skipped bool
}

type saveFileJob struct {
	slot   *slot
	target string
}

// Snapshot backs up the tree rooted at source and commits it as a new band.
// On any fatal error no band is committed; an already reserved band is left
// open on disk for diagnosis.
func (arch *Archiver) Snapshot(ctx context.Context, source string) (archive.BandNumber, Summary, error) {
	fi, err := os.Lstat(source)
	if err != nil {
		return 0, Summary{}, errors.Wrap(err, "Lstat")
	}
	if !fi.IsDir() {
		return 0, Summary{}, errors.Errorf("source path is not a directory: %v", source)
	}

	band, err := arch.Archive.CreateBand()
	if err != nil {
		return 0, Summary{}, err
	}

	debug.Log("backup of %v into band %v", source, band.Number())
	arch.summary = Summary{}

	slots, err := arch.saveTree(ctx, source)
	if err != nil {
		return 0, Summary{}, err
	}

	entries := make([]strata.Entry, 0, len(slots))
	for _, s := range slots {
		if s.skipped {
			continue
		}
		entries = append(entries, s.entry)
	}

	if err := band.WriteManifest(entries); err != nil {
		return 0, Summary{}, err
	}

	if err := band.Commit(); err != nil {
		return 0, Summary{}, err
	}

	return band.Number(), arch.summary, nil
}

// saveTree walks the source tree and returns one slot per visited object, in
// traversal order. File contents are stored by a bounded worker pool while
// the walk is still running.
func (arch *Archiver) saveTree(ctx context.Context, source string) ([]*slot, error) {
	wg, wctx := errgroup.WithContext(ctx)
	jobs := make(chan saveFileJob)

	for i := uint(0); i < arch.Options.FileReadConcurrency; i++ {
		wg.Go(func() error {
			return arch.worker(wctx, jobs)
		})
	}

	slots, walkErr := arch.walk(wctx, source, jobs)
	close(jobs)

	// a worker failure cancels wctx and shows up in the walk as a context
	// error; the workers' own error is the one worth reporting
	err := wg.Wait()
	if walkErr != nil && !errors.Is(walkErr, context.Canceled) {
		return nil, walkErr
	}
	if err != nil {
		return nil, err
	}
	if walkErr != nil {
		return nil, walkErr
	}

	return slots, nil
}

// walkItem is one element of the explicit traversal stack.
type walkItem struct {
	target string // path on disk
	path   string // slash-separated path within the snapshot
}

// walk visits the tree iteratively, directories before their children and
// children in sorted name order, so deep trees cannot exhaust the call stack
// and unchanged trees always produce the same entry sequence.
func (arch *Archiver) walk(ctx context.Context, source string, jobs chan<- saveFileJob) ([]*slot, error) {
	var slots []*slot

	stack := []walkItem{{target: source, path: "."}}

	for len(stack) > 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		fi, err := os.Lstat(item.target)
		if err != nil {
			if err = arch.error(item.path, err); err != nil {
				return nil, errors.Wrap(err, "Lstat")
			}
			continue
		}

		s := &slot{entry: strata.NewEntry(item.path, fi)}

		switch s.entry.Kind {
		case strata.KindDir:
			names, err := readdirnames(item.target)
			if err != nil {
				if err = arch.error(item.path, err); err != nil {
					return nil, err
				}
				continue
			}

			slots = append(slots, s)
			arch.count(s.entry.Kind)

			// push in reverse so the sorted order is popped first
			for i := len(names) - 1; i >= 0; i-- {
				stack = append(stack, walkItem{
					target: filepath.Join(item.target, names[i]),
					path:   pathJoin(item.path, names[i]),
				})
			}

		case strata.KindFile:
			slots = append(slots, s)
			arch.count(s.entry.Kind)

			select {
			case jobs <- saveFileJob{slot: s, target: item.target}:
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		case strata.KindSymlink:
			target, err := os.Readlink(item.target)
			if err != nil {
				if err = arch.error(item.path, err); err != nil {
					return nil, errors.Wrap(err, "Readlink")
				}
				continue
			}

			s.entry.LinkTarget = target
			slots = append(slots, s)
			arch.count(s.entry.Kind)

		default:
			// sockets, devices and the like: recorded with metadata only
			slots = append(slots, s)
			arch.count(s.entry.Kind)
		}

		arch.CompleteItem(item.path)
	}

	return slots, nil
}

// worker reads, chunks and stores the contents of files until jobs is closed
// or the context is cancelled. One chunker is reused per worker because it
// carries a rather large buffer.
func (arch *Archiver) worker(ctx context.Context, jobs <-chan saveFileJob) error {
	chnker := chunker.New(nil, arch.Archive.ChunkerPolynomial())
	buf := make([]byte, chunker.MaxSize)

	for {
		var job saveFileJob
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok = <-jobs:
			if !ok {
				return nil
			}
		}

		if err := arch.saveFile(ctx, chnker, buf, job); err != nil {
			return err
		}
	}
}

// saveFile stores the content of one file as blocks and fills in the slot's
// block list. Read errors go through the skip-and-record policy, storage
// errors are returned and abort the run.
func (arch *Archiver) saveFile(ctx context.Context, chnker *chunker.Chunker, buf []byte, job saveFileJob) error {
	f, err := os.Open(job.target)
	if err != nil {
		return arch.skipOrAbort(job, err)
	}

	chnker.Reset(f, arch.Archive.ChunkerPolynomial())

	var blocks []strata.ID
	var size uint64

	for {
		chunk, err := chnker.Next(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = f.Close()
			return arch.skipOrAbort(job, err)
		}

		if ctx.Err() != nil {
			_ = f.Close()
			return ctx.Err()
		}

		id, known, err := arch.Archive.Blocks().Put(ctx, chunk.Data)
		if err != nil {
			// storage failure: never skipped, the run must not commit
			_ = f.Close()
			return err
		}

		blocks = append(blocks, id)
		size += uint64(chunk.Length)
		arch.countBlock(known, uint64(chunk.Length))
	}

	if err := f.Close(); err != nil {
		return arch.skipOrAbort(job, err)
	}

	job.slot.entry.Blocks = blocks
	job.slot.entry.Size = size
	arch.CompleteItem(job.slot.entry.Path)

	return nil
}

// skipOrAbort applies the error policy to a failed file read.
func (arch *Archiver) skipOrAbort(job saveFileJob, err error) error {
	if ferr := arch.error(job.slot.entry.Path, err); ferr != nil {
		return ferr
	}

	job.slot.skipped = true
	return nil
}

// error runs err through the Error callback, recording the item as skipped
// when the callback swallows the error.
func (arch *Archiver) error(item string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	ferr := arch.Error(item, err)
	if ferr == nil {
		debug.Log("item %v skipped: %v", item, err)
		arch.mu.Lock()
		arch.summary.Skipped = append(arch.summary.Skipped, SkippedItem{Path: item, Err: err})
		arch.mu.Unlock()
	}

	return ferr
}

func (arch *Archiver) count(kind strata.Kind) {
	arch.mu.Lock()
	defer arch.mu.Unlock()

	switch kind {
	case strata.KindFile:
		arch.summary.Files++
	case strata.KindDir:
		arch.summary.Dirs++
	case strata.KindSymlink:
		arch.summary.Symlinks++
	default:
		arch.summary.Others++
	}
}

func (arch *Archiver) countBlock(known bool, length uint64) {
	arch.mu.Lock()
	defer arch.mu.Unlock()

	arch.summary.BytesRead += length
	if known {
		arch.summary.KnownBlocks++
	} else {
		arch.summary.NewBlocks++
		arch.summary.BytesStored += length
	}
}

// pathJoin joins snapshot paths, keeping the root spelled as ".".
func pathJoin(dir, name string) string {
	if dir == "." {
		return name
	}
	return dir + "/" + name
}

func readdirnames(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, errors.Wrap(err, "Open")
	}

	entries, err := f.Readdirnames(-1)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "Readdirnames %v failed", dir)
	}

	err = f.Close()
	if err != nil {
		return nil, err
	}

	sort.Strings(entries)
	return entries, nil
}
