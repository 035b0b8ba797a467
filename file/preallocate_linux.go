//go:build linux

package file

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate extends f to size bytes with the blocks actually reserved, so
// the filesystem hands out a contiguous run instead of filling holes as
// blocks are written.
func preallocate(f *os.File, size int64) error {
	err := unix.Fallocate(int(f.Fd()), 0, 0, size)
	if err == unix.EOPNOTSUPP {
		// filesystem doesn't support fallocate
		return f.Truncate(size)
	}
	return err
}
