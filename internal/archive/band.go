package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/manifest"
	"github.com/strata-backup/strata/internal/strata"
)

// ErrSequenceConflict is returned when a band number is already reserved,
// which happens when two backup runs race for the same archive.
var ErrSequenceConflict = errors.New("band number already in use")

// ErrBandNotFound is returned by OpenBand for a number no band exists for.
var ErrBandNotFound = errors.New("band not found")

// ErrIncompleteBand is returned by OpenBand for a band directory without a
// completion marker: the leftover of an interrupted backup run. Such a band
// is not a snapshot and is skipped by enumeration.
var ErrIncompleteBand = errors.New("band is incomplete")

const (
	headName     = "BAND-HEAD"
	tailName     = "BAND-TAIL"
	manifestName = "manifest"
)

// BandNumber is the sequence number of a band within its archive. Numbers
// are gap-free and start at 0.
type BandNumber uint32

func (n BandNumber) String() string {
	return fmt.Sprintf("b%04d", uint32(n))
}

// parseBandDirName parses a band directory name of the form "b0000".
func parseBandDirName(name string) (BandNumber, bool) {
	num, ok := strings.CutPrefix(name, "b")
	if !ok || num == "" {
		return 0, false
	}

	n, err := strconv.ParseUint(num, 10, 32)
	if err != nil {
		return 0, false
	}

	return BandNumber(n), true
}

// Head is written to a band directory when the band is created.
type Head struct {
	Band      BandNumber `json:"band"`
	StartTime time.Time  `json:"start_time"`
}

// Tail is the completion marker. Writing it is the final step of a backup
// run; a band without it is invisible to ListBands.
type Tail struct {
	EndTime    time.Time `json:"end_time"`
	EntryCount int       `json:"entry_count"`
}

// Band is one snapshot within an archive. A band created by CreateBand is
// open; it becomes complete, and immutable, when Commit is called.
type Band struct {
	archive *Archive
	number  BandNumber

	head Head
	tail *Tail

	manifestWritten bool
	entryCount      int
}

// Number returns the band's sequence number.
func (b *Band) Number() BandNumber {
	return b.number
}

// Head returns the band's creation record.
func (b *Band) Head() Head {
	return b.head
}

// Tail returns the band's completion record, or nil for an open band.
func (b *Band) Tail() *Tail {
	return b.tail
}

func (b *Band) path() string {
	return filepath.Join(b.archive.path, bandDirName, b.number.String())
}

// ListBands returns the numbers of all committed bands, ascending. Open
// bands, interrupted runs among them, are not listed.
func (a *Archive) ListBands() ([]BandNumber, error) {
	entries, err := os.ReadDir(filepath.Join(a.path, bandDirName))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var bands []BandNumber
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		n, ok := parseBandDirName(e.Name())
		if !ok {
			debug.Log("skipping foreign directory %v in band namespace", e.Name())
			continue
		}

		if _, err := os.Lstat(filepath.Join(a.path, bandDirName, e.Name(), tailName)); err != nil {
			debug.Log("band %v has no completion marker, skipping", n)
			continue
		}

		bands = append(bands, n)
	}

	sort.Slice(bands, func(i, j int) bool { return bands[i] < bands[j] })
	return bands, nil
}

// ListOpenBands returns the numbers of band directories without a completion
// marker: the leftovers of interrupted runs. They are kept for diagnosis and
// never treated as snapshots.
func (a *Archive) ListOpenBands() ([]BandNumber, error) {
	entries, err := os.ReadDir(filepath.Join(a.path, bandDirName))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var bands []BandNumber
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		n, ok := parseBandDirName(e.Name())
		if !ok {
			continue
		}

		if _, err := os.Lstat(filepath.Join(a.path, bandDirName, e.Name(), tailName)); errors.Is(err, os.ErrNotExist) {
			bands = append(bands, n)
		}
	}

	sort.Slice(bands, func(i, j int) bool { return bands[i] < bands[j] })
	return bands, nil
}

// LatestBandNumber returns the highest committed band number. ok is false
// for an archive without committed bands.
func (a *Archive) LatestBandNumber() (n BandNumber, ok bool, err error) {
	bands, err := a.ListBands()
	if err != nil || len(bands) == 0 {
		return 0, false, err
	}

	return bands[len(bands)-1], true, nil
}

// NextBandNumber returns the number the next band will get.
func (a *Archive) NextBandNumber() (BandNumber, error) {
	latest, ok, err := a.LatestBandNumber()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}

	return latest + 1, nil
}

// CreateBand reserves the next band number and returns the new open band.
// The reservation is the creation of the band directory itself, which the
// filesystem does atomically, so two runs racing for the same number get one
// winner and one ErrSequenceConflict.
func (a *Archive) CreateBand() (*Band, error) {
	n, err := a.NextBandNumber()
	if err != nil {
		return nil, err
	}

	return a.createBand(n)
}

func (a *Archive) createBand(n BandNumber) (*Band, error) {
	b := &Band{
		archive: a,
		number:  n,
		head: Head{
			Band:      n,
			StartTime: time.Now(),
		},
	}

	if err := os.Mkdir(b.path(), 0700); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, errors.Wrapf(ErrSequenceConflict, "band %v", n)
		}
		return nil, errors.WithStack(err)
	}

	buf, err := json.Marshal(b.head)
	if err != nil {
		return nil, errors.Wrap(err, "json.Marshal")
	}

	if err := writeFileAtomic(b.path(), headName, buf); err != nil {
		return nil, err
	}

	debug.Log("created band %v", n)
	return b, nil
}

// WriteManifest encodes entries and stores them in the band. It may be
// called once per band, before Commit.
func (b *Band) WriteManifest(entries []strata.Entry) error {
	if b.tail != nil {
		return errors.Errorf("band %v is already committed", b.number)
	}
	if b.manifestWritten {
		return errors.Errorf("band %v already has a manifest", b.number)
	}

	buf, err := manifest.Encode(entries)
	if err != nil {
		return err
	}

	if err := writeFileAtomic(b.path(), manifestName, buf); err != nil {
		return err
	}

	b.manifestWritten = true
	b.entryCount = len(entries)
	debug.Log("wrote manifest for band %v, %d entries, %d bytes", b.number, len(entries), len(buf))

	return nil
}

// Commit marks the band complete. This is the last filesystem operation of a
// backup run: a reader's definition of "this snapshot exists" is exactly the
// presence of the tail marker this writes.
func (b *Band) Commit() error {
	if b.tail != nil {
		return errors.Errorf("band %v is already committed", b.number)
	}
	if !b.manifestWritten {
		return errors.Errorf("band %v has no manifest", b.number)
	}

	tail := Tail{
		EndTime:    time.Now(),
		EntryCount: b.entryCount,
	}

	buf, err := json.Marshal(tail)
	if err != nil {
		return errors.Wrap(err, "json.Marshal")
	}

	if err := writeFileAtomic(b.path(), tailName, buf); err != nil {
		return err
	}

	b.tail = &tail
	debug.Log("committed band %v", b.number)
	return nil
}

// OpenBand opens the committed band with the given number. A band directory
// without a completion marker yields ErrIncompleteBand, never a usable band.
func (a *Archive) OpenBand(n BandNumber) (*Band, error) {
	b := &Band{archive: a, number: n}

	if _, err := os.Lstat(b.path()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(ErrBandNotFound, "band %v", n)
		}
		return nil, errors.WithStack(err)
	}

	tailBuf, err := os.ReadFile(filepath.Join(b.path(), tailName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(ErrIncompleteBand, "band %v", n)
		}
		return nil, errors.WithStack(err)
	}

	var tail Tail
	if err := json.Unmarshal(tailBuf, &tail); err != nil {
		return nil, errors.Wrapf(err, "band %v: malformed tail", n)
	}

	headBuf, err := os.ReadFile(filepath.Join(b.path(), headName))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if err := json.Unmarshal(headBuf, &b.head); err != nil {
		return nil, errors.Wrapf(err, "band %v: malformed head", n)
	}

	b.tail = &tail
	b.manifestWritten = true
	return b, nil
}

// Manifest reads and decodes the band's manifest.
func (b *Band) Manifest() ([]strata.Entry, error) {
	buf, err := os.ReadFile(filepath.Join(b.path(), manifestName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(ErrIncompleteBand, "band %v has no manifest", b.number)
		}
		return nil, errors.WithStack(err)
	}

	return manifest.Decode(buf)
}
