// Package shred overwrites file contents in place before unlinking them so
// that a deleted blob cannot be recovered by reading residual bytes through
// the filesystem. The guarantee is limited to straightforward filesystem
// reads: copy-on-write filesystems, snapshots, journals and flash wear
// leveling may retain older copies that overwriting cannot reach.
package shred

import (
	"fmt"
	"io"
	"os"
)

// Erase overwrites the full length of the file at path with `passes`
// distinguishable patterns, syncing each pass to durable storage before the
// next, then removes the directory entry.
//
// Pass order follows a random-fill first discipline: pass one writes bytes
// drawn from random, pass two writes 0xFF, any further passes write 0x00.
// At least two distinguishable patterns must hit the media, so passes is
// clamped to a minimum of 2. The random reader must produce
// cryptographically secure bytes; callers inject it so tests can use
// deterministic sources.
func Erase(path string, passes int, random io.Reader) error {
	if passes < 2 {
		passes = 2
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat target: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("cannot erase directory %s", path)
	}

	size := info.Size()
	for pass := 0; pass < passes; pass++ {
		if err := overwritePass(path, size, pass, random); err != nil {
			return fmt.Errorf("overwrite pass %d of %d: %w", pass+1, passes, err)
		}
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove target: %w", err)
	}
	return nil
}

func overwritePass(path string, size int64, pass int, random io.Reader) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	const chunkSize = 64 * 1024
	buf := make([]byte, chunkSize)

	var written int64
	for written < size {
		n := chunkSize
		if remaining := size - written; remaining < chunkSize {
			n = int(remaining)
		}

		if err := fillPattern(buf[:n], pass, random); err != nil {
			return err
		}
		if _, err := f.WriteAt(buf[:n], written); err != nil {
			return err
		}
		written += int64(n)
	}

	// Each pass must reach the platter before the next starts, otherwise the
	// intermediate patterns collapse into a single cached write.
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync pass: %w", err)
	}
	return nil
}

func fillPattern(buf []byte, pass int, random io.Reader) error {
	switch pass {
	case 0:
		if _, err := io.ReadFull(random, buf); err != nil {
			return fmt.Errorf("read random pattern: %w", err)
		}
	case 1:
		for i := range buf {
			buf[i] = 0xFF
		}
	default:
		for i := range buf {
			buf[i] = 0x00
		}
	}
	return nil
}
