package render

import (
	"encoding/binary"
	"math"

	"github.com/zsiec/chorus/internal/audio"
	"github.com/zsiec/chorus/internal/shm"
)

// RingSink adapts a session's shared output ring to the FrameSink the
// sampler writes. Frames land whole or not at all, little-endian f32, so
// the consumer never observes a partial frame.
type RingSink struct {
	ring         *shm.Ring
	channelCount int
	scratch      []byte
}

// NewRingSink wraps ring for interleaved frames of channelCount channels.
func NewRingSink(ring *shm.Ring, channelCount int) *RingSink {
	return &RingSink{
		ring:         ring,
		channelCount: channelCount,
		scratch:      make([]byte, audio.RenderQuantumSize*channelCount*audio.BytesPerSample),
	}
}

// SpaceFrames returns how many whole frames the ring can accept.
func (s *RingSink) SpaceFrames() int {
	return s.ring.WriteAvailable() / (s.channelCount * audio.BytesPerSample)
}

// WriteFrames writes as many whole frames as fit and returns the count.
func (s *RingSink) WriteFrames(interleaved []float32) int {
	frames := len(interleaved) / s.channelCount
	if space := s.SpaceFrames(); frames > space {
		frames = space
	}
	if frames == 0 {
		return 0
	}
	n := frames * s.channelCount * audio.BytesPerSample
	if n > len(s.scratch) {
		s.scratch = make([]byte, n)
	}
	for i := 0; i < frames*s.channelCount; i++ {
		binary.LittleEndian.PutUint32(s.scratch[i*4:], math.Float32bits(interleaved[i]))
	}
	if !s.ring.TryWriteAll(s.scratch[:n]) {
		return 0
	}
	return frames
}
