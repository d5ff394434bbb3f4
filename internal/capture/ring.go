// Package capture implements input streams: a frame ring over shared
// memory with selectable overflow behavior, a notify pipe that wakes the
// consumer per committed chunk, and a manager owning the platform capture
// devices feeding the rings.
package capture

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/zsiec/chorus/internal/audio"
	"github.com/zsiec/chorus/internal/shm"
)

// OverflowPolicy picks what happens when a capture chunk does not fit.
type OverflowPolicy uint32

const (
	// DropOldest advances past the oldest buffered frames so the whole new
	// chunk always lands; the consumer sees the newest audio.
	DropOldest OverflowPolicy = iota
	// Lossless never overwrites: the chunk is cut to the available space.
	Lossless
)

func (p OverflowPolicy) String() string {
	if p == Lossless {
		return "lossless"
	}
	return "drop-oldest"
}

// Ring region layout: a fixed metadata block, two cache-line-separated
// frame cursors, then interleaved f32 frame storage.
const (
	ringMagic   uint32 = 0x54504143 // "CAPT"
	ringVersion uint32 = 1

	metaOffset        = 0  // magic, version, capacityFrames, channelCount, sampleRate, policy
	writeCursorOffset = 64 // total frames written, atomic
	readCursorOffset  = 128
	dataOffset        = 192
)

// Ring is the capture-side frame ring. The capture callback is the single
// producer; the client is the single consumer. DropOldest lets the
// producer nudge the read cursor forward, which the consumer tolerates by
// treating its cursor as a lower bound.
type Ring struct {
	region *shm.Region

	write *atomic.Uint64
	read  *atomic.Uint64
	data  []byte

	capacityFrames uint32
	channelCount   uint32
	sampleRate     uint32
	policy         OverflowPolicy
}

// RingRegionSize returns the region bytes needed for the given geometry.
func RingRegionSize(capacityFrames, channelCount uint32) int {
	return dataOffset + int(capacityFrames)*int(channelCount)*audio.BytesPerSample
}

// NewRing allocates a capture ring in a fresh shared region.
func NewRing(capacityFrames, channelCount, sampleRate uint32, policy OverflowPolicy) (*Ring, error) {
	if capacityFrames == 0 || channelCount == 0 || channelCount > audio.MaxChannels {
		return nil, fmt.Errorf("bad capture ring geometry: %d frames, %d channels", capacityFrames, channelCount)
	}
	region, err := shm.Create(RingRegionSize(capacityFrames, channelCount))
	if err != nil {
		return nil, fmt.Errorf("create capture ring region: %w", err)
	}
	raw := region.Bytes()
	binary.LittleEndian.PutUint32(raw[0:4], ringMagic)
	binary.LittleEndian.PutUint32(raw[4:8], ringVersion)
	binary.LittleEndian.PutUint32(raw[8:12], capacityFrames)
	binary.LittleEndian.PutUint32(raw[12:16], channelCount)
	binary.LittleEndian.PutUint32(raw[16:20], sampleRate)
	binary.LittleEndian.PutUint32(raw[20:24], uint32(policy))
	return ringOver(region)
}

// OpenRing maps a peer's capture ring from its region descriptor.
func OpenRing(fd int) (*Ring, error) {
	region, err := shm.Open(fd)
	if err != nil {
		return nil, fmt.Errorf("open capture ring region: %w", err)
	}
	raw := region.Bytes()
	if len(raw) < dataOffset {
		region.Close()
		return nil, fmt.Errorf("capture ring region too small: %d bytes", len(raw))
	}
	if got := binary.LittleEndian.Uint32(raw[0:4]); got != ringMagic {
		region.Close()
		return nil, fmt.Errorf("capture ring magic %#x, want %#x", got, ringMagic)
	}
	if got := binary.LittleEndian.Uint32(raw[4:8]); got != ringVersion {
		region.Close()
		return nil, fmt.Errorf("capture ring version %d, want %d", got, ringVersion)
	}
	r, err := ringOver(region)
	if err != nil {
		region.Close()
		return nil, err
	}
	if RingRegionSize(r.capacityFrames, r.channelCount) != len(raw) {
		region.Close()
		return nil, fmt.Errorf("capture ring geometry does not match region size")
	}
	return r, nil
}

func ringOver(region *shm.Region) (*Ring, error) {
	raw := region.Bytes()
	return &Ring{
		region:         region,
		write:          (*atomic.Uint64)(unsafe.Pointer(&raw[writeCursorOffset])),
		read:           (*atomic.Uint64)(unsafe.Pointer(&raw[readCursorOffset])),
		data:           raw[dataOffset:],
		capacityFrames: binary.LittleEndian.Uint32(raw[8:12]),
		channelCount:   binary.LittleEndian.Uint32(raw[12:16]),
		sampleRate:     binary.LittleEndian.Uint32(raw[16:20]),
		policy:         OverflowPolicy(binary.LittleEndian.Uint32(raw[20:24])),
	}, nil
}

// Region exposes the backing region for cross-process delivery.
func (r *Ring) Region() *shm.Region { return r.region }

// CapacityFrames returns the ring's frame capacity.
func (r *Ring) CapacityFrames() uint32 { return r.capacityFrames }

// ChannelCount returns the interleave width.
func (r *Ring) ChannelCount() uint32 { return r.channelCount }

// SampleRate returns the capture rate recorded at creation.
func (r *Ring) SampleRate() uint32 { return r.sampleRate }

// Policy returns the overflow policy recorded at creation.
func (r *Ring) Policy() OverflowPolicy { return r.policy }

// AvailableFrames returns the frames buffered for the consumer.
func (r *Ring) AvailableFrames() int {
	w := r.write.Load()
	rd := r.read.Load()
	if rd > w {
		return 0
	}
	return int(w - rd)
}

// Push appends interleaved frames from the capture callback and returns
// how many were stored. Under DropOldest the whole chunk always lands
// (oldest frames are sacrificed); under Lossless it is cut to fit.
func (r *Ring) Push(interleaved []float32, frames int) int {
	if frames <= 0 {
		return 0
	}
	cap64 := uint64(r.capacityFrames)
	if uint64(frames) > cap64 {
		// Only the newest capacity-sized tail can survive anyway.
		drop := frames - int(cap64)
		interleaved = interleaved[drop*int(r.channelCount):]
		frames = int(cap64)
	}

	w := r.write.Load()
	rd := r.read.Load()
	free := cap64 - (w - rd)
	if uint64(frames) > free {
		if r.policy == Lossless {
			frames = int(free)
			if frames == 0 {
				return 0
			}
		} else {
			// Advance the read cursor past the frames being overwritten.
			r.read.Store(w + uint64(frames) - cap64)
		}
	}

	r.copyInFrames(w, interleaved, frames)
	r.write.Store(w + uint64(frames))
	return frames
}

// PopPlanar moves up to len(dst[0]) frames into planar channel slices and
// returns the frame count. Consumer side only.
func (r *Ring) PopPlanar(dst [][]float32) int {
	if len(dst) != int(r.channelCount) {
		return 0
	}
	want := len(dst[0])
	rd := r.read.Load()
	w := r.write.Load()
	if rd > w {
		rd = w
	}
	avail := int(w - rd)
	if want > avail {
		want = avail
	}
	if want == 0 {
		return 0
	}

	channels := int(r.channelCount)
	for f := 0; f < want; f++ {
		at := int((rd + uint64(f)) % uint64(r.capacityFrames))
		base := at * channels * audio.BytesPerSample
		for ch := 0; ch < channels; ch++ {
			bits := binary.LittleEndian.Uint32(r.data[base+ch*audio.BytesPerSample:])
			dst[ch][f] = math.Float32frombits(bits)
		}
	}
	r.read.Store(rd + uint64(want))
	return want
}

// copyInFrames writes frames at cursor w as two wraparound chunks.
func (r *Ring) copyInFrames(w uint64, interleaved []float32, frames int) {
	channels := int(r.channelCount)
	at := int(w % uint64(r.capacityFrames))
	first := int(r.capacityFrames) - at
	if first > frames {
		first = frames
	}
	r.encodeFrames(at, interleaved[:first*channels])
	if rest := frames - first; rest > 0 {
		r.encodeFrames(0, interleaved[first*channels:frames*channels])
	}
}

func (r *Ring) encodeFrames(frameOffset int, samples []float32) {
	base := frameOffset * int(r.channelCount) * audio.BytesPerSample
	for i, s := range samples {
		binary.LittleEndian.PutUint32(r.data[base+i*4:], math.Float32bits(s))
	}
}

// Close releases the backing region.
func (r *Ring) Close() error { return r.region.Close() }
