//go:build !linux

package file

import "os"

// preallocate extends f to size bytes. Without fallocate this only sets the
// length; the filesystem allocates blocks lazily.
func preallocate(f *os.File, size int64) error {
	return f.Truncate(size)
}
