package shm

import "golang.org/x/sys/unix"

// createBacking allocates an anonymous memory file sized for a region.
func createBacking(size int) (int, error) {
	fd, err := unix.MemfdCreate("chorus-region", unix.MFD_CLOEXEC)
	if err != nil {
		return -1, err
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
