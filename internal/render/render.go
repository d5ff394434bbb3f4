// Package render pulls fixed-size quanta from a client audio graph, runs
// them through sample-rate conversion when the graph and device rates
// differ, and fills the session's shared output ring with interleaved f32
// frames.
package render

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/zsiec/chorus/internal/audio"
	"github.com/zsiec/chorus/internal/resample"
)

// GraphSource is the node-graph engine collaborator. RenderQuantum fills
// the planar bus with exactly audio.RenderQuantumSize frames of the graph's
// final mix for the current quantum; analyser taps run inside the source
// and must not alter the audio. Accepting an interface here keeps the
// sampler testable with synthetic sources.
type GraphSource interface {
	BeginQuantum(renderedFrames uint64)
	RenderQuantum(bus [][]float32)
}

// FrameSink receives interleaved f32 frames. WriteFrames returns how many
// frames it accepted; it must never block.
type FrameSink interface {
	WriteFrames(interleaved []float32) int
	SpaceFrames() int
}

// inputRingCapacityFrames bounds the already-rendered-but-not-yet-consumed
// frames held between resampler calls.
const inputRingCapacityFrames = audio.RenderQuantumSize * 64

// SessionSampler drives one session's render loop. It is owned by a single
// goroutine; only the telemetry counters are read from elsewhere.
type SessionSampler struct {
	source       GraphSource
	sink         FrameSink
	channelCount int
	contextRate  uint32
	deviceRate   uint32
	ratio        float64

	converter *resample.Converter // nil on the equal-rate fast path

	bus       [][]float32 // context-rate graph output, one quantum
	deviceBus [][]float32 // device-rate planar output, one quantum

	// Ring of rendered context-rate frames awaiting conversion. Planar;
	// read/write indices wrap at inputRingCapacityFrames.
	inChans [][]float32
	inRead  int
	inWrite int
	inAvail int

	// Linearized scratch handed to the converter.
	procIn [][]float32

	interleaved []float32

	framesWritten  atomic.Int64
	underrunFrames atomic.Int64
	droppedFrames  atomic.Int64
	quantaRendered atomic.Int64
}

// NewSessionSampler sizes all scratch for the given rates and channel
// count. Rendering itself never allocates and never returns an error.
func NewSessionSampler(source GraphSource, sink FrameSink, channelCount int, contextRate, deviceRate uint32) (*SessionSampler, error) {
	if source == nil || sink == nil {
		return nil, fmt.Errorf("sampler needs a source and a sink")
	}
	if channelCount < 1 || channelCount > audio.MaxChannels {
		return nil, fmt.Errorf("unsupported channel count %d", channelCount)
	}
	if contextRate == 0 || deviceRate == 0 {
		return nil, fmt.Errorf("rates must be nonzero, got context %d device %d", contextRate, deviceRate)
	}

	s := &SessionSampler{
		source:       source,
		sink:         sink,
		channelCount: channelCount,
		contextRate:  contextRate,
		deviceRate:   deviceRate,
		ratio:        float64(contextRate) / float64(deviceRate),
		interleaved:  make([]float32, audio.RenderQuantumSize*channelCount),
	}

	s.bus = makePlanar(channelCount, audio.RenderQuantumSize)
	s.deviceBus = makePlanar(channelCount, audio.RenderQuantumSize)

	if contextRate != deviceRate {
		conv, err := resample.NewConverter(channelCount, s.ratio, inputRingCapacityFrames)
		if err != nil {
			return nil, fmt.Errorf("create converter: %w", err)
		}
		s.converter = conv
		s.inChans = makePlanar(channelCount, inputRingCapacityFrames)
		s.procIn = make([][]float32, channelCount)
		for ch := range s.procIn {
			s.procIn[ch] = make([]float32, inputRingCapacityFrames)
		}
	}
	return s, nil
}

func makePlanar(channels, frames int) [][]float32 {
	p := make([][]float32, channels)
	for ch := range p {
		p[ch] = make([]float32, frames)
	}
	return p
}

// SetSource swaps the graph source (a client replacing its graph) and
// resets the converter history so stale frames from the old graph do not
// bleed into the new one.
func (s *SessionSampler) SetSource(source GraphSource) {
	s.source = source
	if s.converter != nil {
		s.converter.Reset()
	}
	s.inRead, s.inWrite, s.inAvail = 0, 0, 0
}

// FramesWritten returns the device-rate frames delivered to the sink.
func (s *SessionSampler) FramesWritten() int64 { return s.framesWritten.Load() }

// UnderrunFrames returns device-rate frames the sampler could not produce
// in time; the shortfall was filled with silence downstream.
func (s *SessionSampler) UnderrunFrames() int64 { return s.underrunFrames.Load() }

// DroppedFrames returns context-rate frames discarded by input-ring
// overflow.
func (s *SessionSampler) DroppedFrames() int64 { return s.droppedFrames.Load() }

// QuantaRendered returns how many graph quanta have been pulled.
func (s *SessionSampler) QuantaRendered() int64 { return s.quantaRendered.Load() }

// Pump renders quanta while the sink has room for a full one, returning
// the device frames written. Callers invoke it whenever the consumer side
// signals it made space.
func (s *SessionSampler) Pump() int {
	total := 0
	for s.sink.SpaceFrames() >= audio.RenderQuantumSize {
		total += s.RenderQuantum()
	}
	return total
}

// RenderQuantum produces up to one device-rate quantum and writes it to
// the sink. Shortfalls are recorded as underrun frames, never errors.
func (s *SessionSampler) RenderQuantum() int {
	var produced int
	if s.converter == nil {
		s.pullQuantum(s.bus)
		s.flush(s.bus, audio.RenderQuantumSize)
		produced = audio.RenderQuantumSize
	} else {
		produced = s.renderWithResampler()
	}
	if shortfall := audio.RenderQuantumSize - produced; shortfall > 0 {
		s.underrunFrames.Add(int64(shortfall))
	}
	return produced
}

// renderWithResampler tops the input ring up to the frames one output
// quantum needs, runs the converter once, and retries exactly once with
// one extra quantum if it produced nothing.
func (s *SessionSampler) renderWithResampler() int {
	needed := int(math.Ceil(float64(audio.RenderQuantumSize)*s.ratio)) + resample.TapCount

	quanta := 0
	for s.inAvail < needed && quanta < audio.MaxContextQuantaPerOutputQuantum {
		s.appendQuantum()
		quanta++
	}

	produced := s.convertOnce()
	if produced == 0 {
		s.appendQuantum()
		produced = s.convertOnce()
	}
	if produced > 0 {
		s.flush(s.deviceBus, produced)
	}
	return produced
}

// convertOnce linearizes the input ring, runs one converter pass bounded
// to a quantum of output, and pops the consumed frames.
func (s *SessionSampler) convertOnce() int {
	for ch := 0; ch < s.channelCount; ch++ {
		s.procIn[ch] = s.procIn[ch][:inputRingCapacityFrames]
		s.linearize(ch, s.procIn[ch][:s.inAvail])
		s.procIn[ch] = s.procIn[ch][:s.inAvail]
	}
	res := s.converter.Process(s.procIn, s.deviceBus, false)
	s.pop(res.InputFramesConsumed)
	return res.OutputFramesProduced
}

// appendQuantum pulls one graph quantum into the input ring, dropping the
// oldest frames on overflow so indices stay coherent.
func (s *SessionSampler) appendQuantum() {
	s.pullQuantum(s.bus)

	if over := s.inAvail + audio.RenderQuantumSize - inputRingCapacityFrames; over > 0 {
		s.inRead = (s.inRead + over) % inputRingCapacityFrames
		s.inAvail -= over
		s.droppedFrames.Add(int64(over))
	}

	for ch := 0; ch < s.channelCount; ch++ {
		src := s.bus[ch]
		dst := s.inChans[ch]
		at := s.inWrite
		first := inputRingCapacityFrames - at
		if first >= audio.RenderQuantumSize {
			copy(dst[at:], src)
		} else {
			copy(dst[at:], src[:first])
			copy(dst, src[first:])
		}
	}
	s.inWrite = (s.inWrite + audio.RenderQuantumSize) % inputRingCapacityFrames
	s.inAvail += audio.RenderQuantumSize
}

func (s *SessionSampler) pullQuantum(bus [][]float32) {
	s.source.BeginQuantum(uint64(s.quantaRendered.Load()) * audio.RenderQuantumSize)
	s.source.RenderQuantum(bus)
	s.quantaRendered.Add(1)
}

func (s *SessionSampler) linearize(ch int, dst []float32) {
	src := s.inChans[ch]
	at := s.inRead
	first := inputRingCapacityFrames - at
	if first >= len(dst) {
		copy(dst, src[at:at+len(dst)])
		return
	}
	copy(dst[:first], src[at:])
	copy(dst[first:], src)
}

func (s *SessionSampler) pop(frames int) {
	s.inRead = (s.inRead + frames) % inputRingCapacityFrames
	s.inAvail -= frames
}

// flush interleaves the first frames of the planar bus and hands them to
// the sink, native f32 little-endian on the wire.
func (s *SessionSampler) flush(bus [][]float32, frames int) {
	n := frames * s.channelCount
	for f := 0; f < frames; f++ {
		for ch := 0; ch < s.channelCount; ch++ {
			s.interleaved[f*s.channelCount+ch] = bus[ch][f]
		}
	}
	accepted := s.sink.WriteFrames(s.interleaved[:n])
	s.framesWritten.Add(int64(accepted))
	if accepted < frames {
		s.underrunFrames.Add(int64(frames - accepted))
	}
}
