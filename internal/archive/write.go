package archive

import (
	"os"
	"path/filepath"

	"github.com/strata-backup/strata/internal/errors"
)

// writeFileAtomic writes data to dir/name via a temporary file and rename, so
// the file appears either complete or not at all.
func writeFileAtomic(dir, name string, data []byte) (err error) {
	f, err := os.CreateTemp(dir, name+"-tmp-")
	if err != nil {
		return errors.WithStack(err)
	}

	defer func(f *os.File) {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}(f)

	if _, err = f.Write(data); err != nil {
		return errors.WithStack(err)
	}

	if err = f.Sync(); err != nil {
		return errors.WithStack(err)
	}

	if err = f.Close(); err != nil {
		return errors.WithStack(err)
	}

	if err = os.Rename(f.Name(), filepath.Join(dir, name)); err != nil {
		return errors.WithStack(err)
	}

	return nil
}
