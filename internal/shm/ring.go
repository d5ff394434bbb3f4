package shm

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"
)

// Ring header layout inside the region: the consumer cursor at offset 0 and
// the producer cursor at offset 64, each on its own cache line so the two
// sides never contend on one, followed by the data bytes. Cursors increase
// monotonically; the fill level is their difference.
const (
	ringHeadOffset = 0
	ringTailOffset = 64
	ringHeaderSize = 128
)

// ErrCapacityNotPowerOfTwo rejects ring capacities the wraparound math
// cannot handle. Callers round up themselves; the ring never rounds
// silently.
var ErrCapacityNotPowerOfTwo = errors.New("ring capacity must be a power of two")

// Ring is a single-producer single-consumer byte ring over a shared-memory
// region. Neither side takes locks; safety relies on the SPSC discipline
// holding at the call sites (exactly one goroutine or process writes,
// exactly one reads).
type Ring struct {
	region   *Region
	head     *atomic.Uint64 // consumer cursor
	tail     *atomic.Uint64 // producer cursor
	data     []byte
	capacity uint64
}

// NewRing creates a ring with the given data capacity in a fresh region.
func NewRing(capacityBytes int) (*Ring, error) {
	if capacityBytes <= 0 || bits.OnesCount(uint(capacityBytes)) != 1 {
		return nil, fmt.Errorf("%w: got %d", ErrCapacityNotPowerOfTwo, capacityBytes)
	}
	region, err := Create(ringHeaderSize + capacityBytes)
	if err != nil {
		return nil, fmt.Errorf("create ring region: %w", err)
	}
	return ringOver(region)
}

// OpenRing maps a ring created by a peer from its region file descriptor.
func OpenRing(fd int) (*Ring, error) {
	region, err := Open(fd)
	if err != nil {
		return nil, fmt.Errorf("open ring region: %w", err)
	}
	if region.Size() <= ringHeaderSize {
		region.Close()
		return nil, fmt.Errorf("ring region too small: %d bytes", region.Size())
	}
	capacity := region.Size() - ringHeaderSize
	if bits.OnesCount(uint(capacity)) != 1 {
		region.Close()
		return nil, fmt.Errorf("%w: region implies %d", ErrCapacityNotPowerOfTwo, capacity)
	}
	return ringOver(region)
}

func ringOver(region *Region) (*Ring, error) {
	raw := region.Bytes()
	return &Ring{
		region:   region,
		head:     (*atomic.Uint64)(unsafe.Pointer(&raw[ringHeadOffset])),
		tail:     (*atomic.Uint64)(unsafe.Pointer(&raw[ringTailOffset])),
		data:     raw[ringHeaderSize:],
		capacity: uint64(len(raw) - ringHeaderSize),
	}, nil
}

// Capacity returns the data capacity in bytes.
func (r *Ring) Capacity() int { return int(r.capacity) }

// Region exposes the backing region for cross-process delivery.
func (r *Ring) Region() *Region { return r.region }

// ReadAvailable returns how many bytes the consumer could read right now.
func (r *Ring) ReadAvailable() int {
	return int(r.tail.Load() - r.head.Load())
}

// WriteAvailable returns how many bytes the producer could write right now.
func (r *Ring) WriteAvailable() int {
	return int(r.capacity - (r.tail.Load() - r.head.Load()))
}

// TryWrite copies as much of p as fits and returns the count. It never
// blocks; 0 means the ring was full. Producer side only.
func (r *Ring) TryWrite(p []byte) int {
	tail := r.tail.Load()
	free := r.capacity - (tail - r.head.Load())
	n := uint64(len(p))
	if n > free {
		n = free
	}
	if n == 0 {
		return 0
	}
	r.copyIn(tail, p[:n])
	r.tail.Store(tail + n)
	return int(n)
}

// TryWriteAll writes all of p or nothing, for fixed-size records that must
// never land partially. Producer side only.
func (r *Ring) TryWriteAll(p []byte) bool {
	tail := r.tail.Load()
	free := r.capacity - (tail - r.head.Load())
	if uint64(len(p)) > free {
		return false
	}
	r.copyIn(tail, p)
	r.tail.Store(tail + uint64(len(p)))
	return true
}

// TryRead copies up to len(p) buffered bytes into p and returns the count.
// It never blocks; 0 means the ring was empty. Consumer side only.
func (r *Ring) TryRead(p []byte) int {
	head := r.head.Load()
	avail := r.tail.Load() - head
	n := uint64(len(p))
	if n > avail {
		n = avail
	}
	if n == 0 {
		return 0
	}
	r.copyOut(head, p[:n])
	r.head.Store(head + n)
	return int(n)
}

// TryReadAll reads exactly len(p) bytes or nothing, the consumer-side
// mirror of TryWriteAll.
func (r *Ring) TryReadAll(p []byte) bool {
	head := r.head.Load()
	avail := r.tail.Load() - head
	if uint64(len(p)) > avail {
		return false
	}
	r.copyOut(head, p)
	r.head.Store(head + uint64(len(p)))
	return true
}

// Discard drops up to n buffered bytes and returns how many were dropped.
// Consumer side only.
func (r *Ring) Discard(n int) int {
	head := r.head.Load()
	avail := r.tail.Load() - head
	drop := uint64(n)
	if drop > avail {
		drop = avail
	}
	if drop > 0 {
		r.head.Store(head + drop)
	}
	return int(drop)
}

func (r *Ring) copyIn(cursor uint64, p []byte) {
	at := cursor & (r.capacity - 1)
	first := r.capacity - at
	if uint64(len(p)) <= first {
		copy(r.data[at:], p)
		return
	}
	copy(r.data[at:], p[:first])
	copy(r.data, p[first:])
}

func (r *Ring) copyOut(cursor uint64, p []byte) {
	at := cursor & (r.capacity - 1)
	first := r.capacity - at
	if uint64(len(p)) <= first {
		copy(p, r.data[at:at+uint64(len(p))])
		return
	}
	copy(p[:first], r.data[at:])
	copy(p[first:], r.data)
}

// Close releases the backing region. Only one side should close a shared
// ring; the other side's mapping dies with its own region handle.
func (r *Ring) Close() error {
	return r.region.Close()
}
