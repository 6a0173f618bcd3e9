//go:build windows

package blockstore

// ignoreSyncError returns true if an fsync error should be ignored. Windows
// reports fsync on directories as invalid, which is fine: the rename is
// already durable enough there.
func ignoreSyncError(err error) bool {
	return true
}
