//go:build windows

package persist

import (
	"fmt"
	"os"
)

// Windows: flock-style advisory locks are unavailable via syscall.Flock. The
// lock file is created exclusively instead, which gives crash-unsafe but
// functional mutual exclusion; a stale file must be removed manually.

func tryLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, BusyError{Path: path}
		}
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

func releaseLock(f *os.File) {
	if f == nil {
		return
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
}
