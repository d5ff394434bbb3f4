package shm

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Pool header constants. The header sits at the front of the pool region so
// a peer can validate the layout before touching any block.
const (
	PoolMagic   uint32 = 0x53465542 // "BUFS"
	PoolVersion uint32 = 1

	poolHeaderSize = 16

	// DescriptorSize is the wire size of one ring entry.
	DescriptorSize = 8

	minDescriptorRingBytes = 64
)

// Descriptor names one block in the pool and, on the ready ring, how many
// bytes of it carry data.
type Descriptor struct {
	BlockIndex uint32
	Length     uint32
}

// Encode appends the descriptor's wire form (little-endian) to dst.
func (d Descriptor) Encode(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, d.BlockIndex)
	return binary.LittleEndian.AppendUint32(dst, d.Length)
}

// DecodeDescriptor parses one wire descriptor.
func DecodeDescriptor(p []byte) (Descriptor, error) {
	if len(p) < DescriptorSize {
		return Descriptor{}, fmt.Errorf("descriptor needs %d bytes, got %d", DescriptorSize, len(p))
	}
	return Descriptor{
		BlockIndex: binary.LittleEndian.Uint32(p[0:4]),
		Length:     binary.LittleEndian.Uint32(p[4:8]),
	}, nil
}

// PoolBufferSize returns the byte size of a pool region holding the header
// plus blockCount blocks of blockSize bytes.
func PoolBufferSize(blockSize, blockCount uint32) int {
	return poolHeaderSize + int(blockSize)*int(blockCount)
}

// DescriptorRingCapacity returns the ring capacity used for the free and
// ready rings of a pool: the next power of two covering one descriptor per
// block, never below the minimum.
func DescriptorRingCapacity(blockCount uint32) int {
	c := bitCeil(uint64(blockCount) * DescriptorSize)
	if c < minDescriptorRingBytes {
		c = minDescriptorRingBytes
	}
	return int(c)
}

func bitCeil(v uint64) uint64 {
	if v <= 1 {
		return 1
	}
	return 1 << uint(64-bits.LeadingZeros64(v-1))
}

// BufferStream is the server side of a block-recycling transport: one pool
// region of fixed-size blocks plus two descriptor rings. The producer pops
// a free descriptor, fills the block, and pushes it ready; the consumer
// does the reverse. Every block index lives in exactly one of the free
// ring, the ready ring, or a side currently holding it.
type BufferStream struct {
	Pool  *Region
	Ready *Ring
	Free  *Ring

	blockSize  uint32
	blockCount uint32
}

// NewBufferStream allocates the pool, writes its header, creates both
// descriptor rings, and seeds the free ring with every block index. Any
// allocation failure fails the whole construction; a failed result is not
// retryable state, the caller surfaces it as an empty response.
func NewBufferStream(blockSize, blockCount uint32) (*BufferStream, error) {
	if blockSize == 0 || blockCount == 0 {
		return nil, fmt.Errorf("buffer stream needs nonzero block size and count, got %dx%d", blockSize, blockCount)
	}

	pool, err := Create(PoolBufferSize(blockSize, blockCount))
	if err != nil {
		return nil, fmt.Errorf("allocate stream pool: %w", err)
	}

	header := pool.Bytes()
	binary.LittleEndian.PutUint32(header[0:4], PoolMagic)
	binary.LittleEndian.PutUint32(header[4:8], PoolVersion)
	binary.LittleEndian.PutUint32(header[8:12], blockSize)
	binary.LittleEndian.PutUint32(header[12:16], blockCount)

	ringCapacity := DescriptorRingCapacity(blockCount)

	ready, err := NewRing(ringCapacity)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create ready ring: %w", err)
	}
	free, err := NewRing(ringCapacity)
	if err != nil {
		ready.Close()
		pool.Close()
		return nil, fmt.Errorf("create free ring: %w", err)
	}

	var scratch [DescriptorSize]byte
	for i := uint32(0); i < blockCount; i++ {
		wire := Descriptor{BlockIndex: i}.Encode(scratch[:0])
		if !free.TryWriteAll(wire) {
			free.Close()
			ready.Close()
			pool.Close()
			return nil, fmt.Errorf("seed free ring: block %d did not fit", i)
		}
	}

	return &BufferStream{
		Pool:       pool,
		Ready:      ready,
		Free:       free,
		blockSize:  blockSize,
		blockCount: blockCount,
	}, nil
}

// Block returns the payload bytes of one block.
func (s *BufferStream) Block(index uint32) []byte {
	if index >= s.blockCount {
		return nil
	}
	start := poolHeaderSize + int(index)*int(s.blockSize)
	return s.Pool.Bytes()[start : start+int(s.blockSize)]
}

// BlockSize returns the fixed payload capacity of each block.
func (s *BufferStream) BlockSize() uint32 { return s.blockSize }

// BlockCount returns the number of blocks in the pool.
func (s *BufferStream) BlockCount() uint32 { return s.blockCount }

// AcquireFree pops a free-block descriptor for the producer. ok is false
// when every block is in flight or ready.
func (s *BufferStream) AcquireFree() (Descriptor, bool) {
	return s.popDescriptor(s.Free)
}

// PushReady publishes a filled block to the consumer.
func (s *BufferStream) PushReady(d Descriptor) bool {
	var scratch [DescriptorSize]byte
	return s.Ready.TryWriteAll(d.Encode(scratch[:0]))
}

// PopReady takes the next filled block on the consumer side.
func (s *BufferStream) PopReady() (Descriptor, bool) {
	return s.popDescriptor(s.Ready)
}

// Recycle returns a consumed block to the producer.
func (s *BufferStream) Recycle(d Descriptor) bool {
	var scratch [DescriptorSize]byte
	d.Length = 0
	return s.Free.TryWriteAll(d.Encode(scratch[:0]))
}

func (s *BufferStream) popDescriptor(ring *Ring) (Descriptor, bool) {
	var scratch [DescriptorSize]byte
	if !ring.TryReadAll(scratch[:]) {
		return Descriptor{}, false
	}
	d, err := DecodeDescriptor(scratch[:])
	if err != nil {
		return Descriptor{}, false
	}
	return d, true
}

// Close releases the pool and both rings.
func (s *BufferStream) Close() error {
	var first error
	for _, c := range []interface{ Close() error }{s.Free, s.Ready, s.Pool} {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
