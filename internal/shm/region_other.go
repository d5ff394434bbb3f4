//go:build !linux

package shm

import (
	"os"

	"golang.org/x/sys/unix"
)

// createBacking allocates an unlinked temp file sized for a region. Platforms
// without memfd still get an fd-transferable mapping this way.
func createBacking(size int) (int, error) {
	f, err := os.CreateTemp("", "chorus-region-*")
	if err != nil {
		return -1, err
	}
	name := f.Name()
	fd, err := unix.Dup(int(f.Fd()))
	f.Close()
	os.Remove(name)
	if err != nil {
		return -1, err
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
