package render

import (
	"math"
	"testing"

	"github.com/zsiec/chorus/internal/audio"
	"github.com/zsiec/chorus/internal/shm"
)

// sineSource renders a phase-continuous sine on every channel.
type sineSource struct {
	cyclesPerSample float64
	phase           float64
}

func (s *sineSource) BeginQuantum(uint64) {}

func (s *sineSource) RenderQuantum(bus [][]float32) {
	for f := 0; f < audio.RenderQuantumSize; f++ {
		v := float32(math.Sin(2 * math.Pi * s.phase))
		for ch := range bus {
			bus[ch][f] = v
		}
		s.phase += s.cyclesPerSample
	}
}

// rampSource writes the running frame index so tests can check ordering.
type rampSource struct{ next float32 }

func (r *rampSource) BeginQuantum(uint64) {}

func (r *rampSource) RenderQuantum(bus [][]float32) {
	for f := 0; f < audio.RenderQuantumSize; f++ {
		for ch := range bus {
			bus[ch][f] = r.next
		}
		r.next++
	}
}

// sliceSink collects everything, optionally refusing frames past a limit.
type sliceSink struct {
	channelCount int
	frames       []float32
	limitFrames  int // 0 = unlimited
}

func (s *sliceSink) SpaceFrames() int {
	if s.limitFrames == 0 {
		return 1 << 20
	}
	left := s.limitFrames - len(s.frames)/s.channelCount
	if left < 0 {
		return 0
	}
	return left
}

func (s *sliceSink) WriteFrames(interleaved []float32) int {
	frames := len(interleaved) / s.channelCount
	if space := s.SpaceFrames(); frames > space {
		frames = space
	}
	s.frames = append(s.frames, interleaved[:frames*s.channelCount]...)
	return frames
}

func TestFastPathPreservesOrder(t *testing.T) {
	sink := &sliceSink{channelCount: 2}
	s, err := NewSessionSampler(&rampSource{}, sink, 2, 48000, 48000)
	if err != nil {
		t.Fatalf("NewSessionSampler: %v", err)
	}

	for i := 0; i < 4; i++ {
		if got := s.RenderQuantum(); got != audio.RenderQuantumSize {
			t.Fatalf("quantum %d produced %d frames", i, got)
		}
	}
	if got := s.FramesWritten(); got != 4*audio.RenderQuantumSize {
		t.Errorf("FramesWritten = %d, want %d", got, 4*audio.RenderQuantumSize)
	}
	if got := s.UnderrunFrames(); got != 0 {
		t.Errorf("UnderrunFrames = %d, want 0", got)
	}
	for f := 0; f < 4*audio.RenderQuantumSize; f++ {
		for ch := 0; ch < 2; ch++ {
			if got := sink.frames[f*2+ch]; got != float32(f) {
				t.Fatalf("frame %d ch %d = %v, want %v", f, ch, got, float32(f))
			}
		}
	}
}

func TestUnderrunCountsExactShortfall(t *testing.T) {
	sink := &sliceSink{channelCount: 1, limitFrames: audio.RenderQuantumSize + 40}
	s, err := NewSessionSampler(&rampSource{}, sink, 1, 48000, 48000)
	if err != nil {
		t.Fatalf("NewSessionSampler: %v", err)
	}

	s.RenderQuantum() // fits entirely
	if got := s.UnderrunFrames(); got != 0 {
		t.Fatalf("UnderrunFrames after full quantum = %d, want 0", got)
	}
	s.RenderQuantum() // only 40 frames fit
	wantShort := int64(audio.RenderQuantumSize - 40)
	if got := s.UnderrunFrames(); got != wantShort {
		t.Errorf("UnderrunFrames = %d, want exactly %d", got, wantShort)
	}
	if got := s.FramesWritten(); got != int64(audio.RenderQuantumSize+40) {
		t.Errorf("FramesWritten = %d, want %d", got, audio.RenderQuantumSize+40)
	}
}

func TestPumpFillsSharedRing(t *testing.T) {
	ring, err := shm.NewRing(8192) // 8 stereo quanta
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}
	defer ring.Close()

	sink := NewRingSink(ring, 2)
	s, err := NewSessionSampler(&rampSource{}, sink, 2, 48000, 48000)
	if err != nil {
		t.Fatalf("NewSessionSampler: %v", err)
	}

	written := s.Pump()
	wantFrames := 8192 / (2 * audio.BytesPerSample)
	if written != wantFrames {
		t.Errorf("Pump wrote %d frames, want %d", written, wantFrames)
	}
	if got := ring.ReadAvailable(); got != 8192 {
		t.Errorf("ring holds %d bytes, want full 8192", got)
	}
	if got := sink.SpaceFrames(); got != 0 {
		t.Errorf("SpaceFrames after fill = %d, want 0", got)
	}
}

// goertzelPower measures signal energy at one frequency.
func goertzelPower(signal []float32, sampleRate, freq float64) float64 {
	w := 2 * math.Pi * freq / sampleRate
	coeff := 2 * math.Cos(w)
	var s0, s1, s2 float64
	for _, x := range signal {
		s0 = float64(x) + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	return s1*s1 + s2*s2 - coeff*s1*s2
}

func TestResampledSineKeepsFrequencyAndLevel(t *testing.T) {
	const (
		contextRate = 44100
		deviceRate  = 48000
		toneHz      = 440.0
	)
	src := &sineSource{cyclesPerSample: toneHz / contextRate}
	sink := &sliceSink{channelCount: 2}
	s, err := NewSessionSampler(src, sink, 2, contextRate, deviceRate)
	if err != nil {
		t.Fatalf("NewSessionSampler: %v", err)
	}

	// Two seconds of device-rate audio.
	for s.FramesWritten() < 2*deviceRate {
		s.RenderQuantum()
	}

	// Channel 0, skipping the filter's initial transient.
	frames := int(s.FramesWritten())
	mono := make([]float32, 0, frames)
	for f := deviceRate / 10; f < frames; f++ {
		mono = append(mono, sink.frames[f*2])
	}

	var sum float64
	for _, v := range mono {
		sum += float64(v) * float64(v)
	}
	rms := math.Sqrt(sum / float64(len(mono)))
	if math.Abs(rms-math.Sqrt2/2) > 0.1*math.Sqrt2/2 {
		t.Errorf("output rms %v, want within 10%% of %v", rms, math.Sqrt2/2)
	}

	bestFreq, bestPower := 0.0, 0.0
	for freq := 300.0; freq <= 600.0; freq += 0.5 {
		if p := goertzelPower(mono, deviceRate, freq); p > bestPower {
			bestPower = p
			bestFreq = freq
		}
	}
	if math.Abs(bestFreq-toneHz) > 0.01*toneHz {
		t.Errorf("dominant frequency %v Hz, want within 1%% of %v Hz", bestFreq, toneHz)
	}
}

func TestSetSourceResetsConverterState(t *testing.T) {
	sink := &sliceSink{channelCount: 1}
	s, err := NewSessionSampler(&sineSource{cyclesPerSample: 0.01}, sink, 1, 44100, 48000)
	if err != nil {
		t.Fatalf("NewSessionSampler: %v", err)
	}
	for i := 0; i < 10; i++ {
		s.RenderQuantum()
	}

	// After a swap the retained input ring must be empty: the first quantum
	// from the new source starts from a clean filter history.
	s.SetSource(&rampSource{})
	if s.inAvail != 0 {
		t.Errorf("input ring holds %d frames after source swap, want 0", s.inAvail)
	}
}

func TestNewSessionSamplerValidation(t *testing.T) {
	sink := &sliceSink{channelCount: 1}
	if _, err := NewSessionSampler(nil, sink, 1, 48000, 48000); err == nil {
		t.Error("nil source should fail")
	}
	if _, err := NewSessionSampler(&rampSource{}, nil, 1, 48000, 48000); err == nil {
		t.Error("nil sink should fail")
	}
	if _, err := NewSessionSampler(&rampSource{}, sink, 0, 48000, 48000); err == nil {
		t.Error("zero channels should fail")
	}
	if _, err := NewSessionSampler(&rampSource{}, sink, 1, 0, 48000); err == nil {
		t.Error("zero context rate should fail")
	}
}
