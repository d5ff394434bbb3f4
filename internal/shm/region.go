// Package shm provides the shared-memory primitives the server hands to
// clients: anonymous memory regions, single-producer single-consumer byte
// rings over those regions, and the block-recycling buffer stream used for
// capture transport.
package shm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Region is a mapped anonymous shared-memory segment. The backing file
// descriptor can be sent to another process, which maps the same pages via
// Open.
type Region struct {
	fd   int
	data []byte
}

// Create allocates and maps a new anonymous region of size bytes.
func Create(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region size must be positive, got %d", size)
	}
	fd, err := createBacking(size)
	if err != nil {
		return nil, fmt.Errorf("create region backing: %w", err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("map region: %w", err)
	}
	return &Region{fd: fd, data: data}, nil
}

// Open maps an existing region from a file descriptor received over IPC.
// The region size is taken from the descriptor itself.
func Open(fd int) (*Region, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("stat region fd: %w", err)
	}
	if st.Size <= 0 {
		return nil, fmt.Errorf("region fd has size %d", st.Size)
	}
	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map region: %w", err)
	}
	return &Region{fd: fd, data: data}, nil
}

// Bytes returns the mapped pages. The slice stays valid until Close.
func (r *Region) Bytes() []byte { return r.data }

// Size returns the mapped length in bytes.
func (r *Region) Size() int { return len(r.data) }

// Fd returns the backing file descriptor for cross-process delivery. The
// caller must not close it while the region is mapped; Close handles both.
func (r *Region) Fd() int { return r.fd }

// Close unmaps the pages and closes the backing descriptor.
func (r *Region) Close() error {
	var first error
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			first = fmt.Errorf("unmap region: %w", err)
		}
		r.data = nil
	}
	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil && first == nil {
			first = fmt.Errorf("close region fd: %w", err)
		}
		r.fd = -1
	}
	return first
}
