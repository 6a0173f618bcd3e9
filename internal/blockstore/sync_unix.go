//go:build !windows

package blockstore

import (
	"syscall"

	"github.com/strata-backup/strata/internal/errors"
)

// ignoreSyncError returns true if an fsync error should be ignored because
// the filesystem does not support it.
func ignoreSyncError(err error) bool {
	return errors.Is(err, syscall.ENOTSUP) ||
		errors.Is(err, syscall.EINVAL) ||
		errors.Is(err, syscall.ENOTTY)
}
