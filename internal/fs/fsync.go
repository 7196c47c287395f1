package fs

import (
	"os"
	"runtime"
)

// SyncDir fsyncs a directory so that entries created, renamed or removed in
// it survive a crash. It is a no-op on Windows, where directories cannot be
// opened for sync.
func SyncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}
