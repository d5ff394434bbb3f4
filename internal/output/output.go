// Package output arbitrates N producer sessions into the single platform
// output driver. Producer rings are mixed on the real-time callback; the
// producer set is published as a copy-on-write snapshot so registration
// never blocks the callback.
package output

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/zsiec/chorus/internal/audio"
	"github.com/zsiec/chorus/internal/shm"
)

// maxMixFrames caps one callback's mix size; requests beyond it are filled
// with silence rather than allocating on the real-time path.
const maxMixFrames = 8192

// producer is one session's end of the mix. The render callback reads its
// ring; control goroutines flip muted and read the counters.
type producer struct {
	id            uint64
	ring          *shm.Ring
	bytesPerFrame int

	muted          atomic.Bool
	framesMixed    atomic.Int64
	underrunFrames atomic.Int64
}

// Device mixes all registered producers into one output driver.
type Device struct {
	log *slog.Logger

	format    atomic.Pointer[audio.Format]
	producers atomic.Pointer[[]*producer]

	// mu serializes producer-set mutations; the callback only loads the
	// snapshot pointer.
	mu sync.Mutex

	wire    []byte    // per-callback ring read scratch
	scratch []float32 // decoded frames for second and later producers

	mixCycles atomic.Int64
}

// NewDevice creates an empty mixer. AttachFormat must run before the
// driver starts delivering callbacks.
func NewDevice(log *slog.Logger) *Device {
	empty := make([]*producer, 0)
	d := &Device{log: log.With("component", "output")}
	d.producers.Store(&empty)
	return d
}

// AttachFormat fixes the device format and sizes the mix scratch. Called
// once after driver negotiation, before playback starts.
func (d *Device) AttachFormat(format audio.Format) {
	f := format
	d.format.Store(&f)
	d.wire = make([]byte, maxMixFrames*int(format.BytesPerFrame()))
	d.scratch = make([]float32, maxMixFrames*int(format.ChannelCount))
}

// Format returns the negotiated device format, zero before AttachFormat.
func (d *Device) Format() audio.Format {
	if f := d.format.Load(); f != nil {
		return *f
	}
	return audio.Format{}
}

// RegisterProducer adds a session's ring to the mix set. Safe while the
// callback is concurrently mixing.
func (d *Device) RegisterProducer(id uint64, ring *shm.Ring, bytesPerFrame int) error {
	format := d.Format()
	if format.Valid() && bytesPerFrame != int(format.BytesPerFrame()) {
		return fmt.Errorf("producer %d frame size %d does not match device %d", id, bytesPerFrame, format.BytesPerFrame())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := *d.producers.Load()
	for _, p := range cur {
		if p.id == id {
			return fmt.Errorf("producer %d already registered", id)
		}
	}
	next := make([]*producer, len(cur)+1)
	copy(next, cur)
	next[len(cur)] = &producer{id: id, ring: ring, bytesPerFrame: bytesPerFrame}
	d.producers.Store(&next)
	d.log.Debug("producer registered", "session", id, "producers", len(next))
	return nil
}

// UnregisterProducer removes a session from the mix set. After it returns,
// no future callback will touch the ring.
func (d *Device) UnregisterProducer(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := *d.producers.Load()
	next := make([]*producer, 0, len(cur))
	for _, p := range cur {
		if p.id != id {
			next = append(next, p)
		}
	}
	d.producers.Store(&next)
	d.log.Debug("producer unregistered", "session", id, "producers", len(next))
}

// SetProducerMuted mutes or unmutes one producer. A muted producer's ring
// is still drained so its client never stalls on a full ring.
func (d *Device) SetProducerMuted(id uint64, muted bool) bool {
	for _, p := range *d.producers.Load() {
		if p.id == id {
			p.muted.Store(muted)
			return true
		}
	}
	return false
}

// ProducerStats reports one producer's mix counters.
func (d *Device) ProducerStats(id uint64) (framesMixed, underrunFrames int64, ok bool) {
	for _, p := range *d.producers.Load() {
		if p.id == id {
			return p.framesMixed.Load(), p.underrunFrames.Load(), true
		}
	}
	return 0, 0, false
}

// MixCycles returns how many callbacks have run.
func (d *Device) MixCycles() int64 { return d.mixCycles.Load() }

// PendingFrames reports the largest per-producer backlog, the audio that
// would still play if the device drained now.
func (d *Device) PendingFrames() int {
	most := 0
	for _, p := range *d.producers.Load() {
		if f := p.ring.ReadAvailable() / p.bytesPerFrame; f > most {
			most = f
		}
	}
	return most
}

// DiscardPending drops every producer's buffered audio.
func (d *Device) DiscardPending() {
	for _, p := range *d.producers.Load() {
		p.ring.Discard(p.ring.ReadAvailable())
	}
}

// DataRequest is the real-time mix callback. The first audible producer
// decodes straight into dst; later ones decode into scratch and sum, with
// the result clamped to [-1, 1]. Missing producer data reads as silence
// and counts against that producer, never the device. No allocation, no
// locks, no logging.
func (d *Device) DataRequest(dst []float32, frames int) int {
	d.mixCycles.Add(1)
	f := d.format.Load()
	if f == nil || frames == 0 {
		zero(dst)
		return frames
	}
	if frames > maxMixFrames {
		frames = maxMixFrames
	}
	channels := int(f.ChannelCount)
	samples := frames * channels
	dst = dst[:samples]

	producers := *d.producers.Load()
	mixed := 0
	for _, p := range producers {
		got := d.readFrames(p, frames)
		if p.muted.Load() {
			// Drained for timing, not audible.
			continue
		}
		if mixed == 0 {
			decode(d.wire[:got*p.bytesPerFrame], dst[:got*channels])
			zero(dst[got*channels:])
		} else {
			decode(d.wire[:got*p.bytesPerFrame], d.scratch[:got*channels])
			for i := 0; i < got*channels; i++ {
				dst[i] += d.scratch[i]
			}
		}
		mixed++
	}
	if mixed == 0 {
		zero(dst)
		return frames
	}
	if mixed > 1 {
		clamp(dst)
	}
	return frames
}

// readFrames pulls up to frames whole frames from the producer's ring into
// d.wire and advances the producer's timing counters.
func (d *Device) readFrames(p *producer, frames int) int {
	avail := p.ring.ReadAvailable() / p.bytesPerFrame
	n := frames
	if avail < n {
		n = avail
	}
	if n > 0 {
		if !p.ring.TryReadAll(d.wire[:n*p.bytesPerFrame]) {
			n = 0
		}
	}
	p.framesMixed.Add(int64(n))
	if n < frames {
		p.underrunFrames.Add(int64(frames - n))
	}
	return n
}

func decode(wire []byte, dst []float32) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(wire[i*4:]))
	}
}

func zero(dst []float32) {
	for i := range dst {
		dst[i] = 0
	}
}

func clamp(dst []float32) {
	for i, v := range dst {
		if v > 1 {
			dst[i] = 1
		} else if v < -1 {
			dst[i] = -1
		}
	}
}
