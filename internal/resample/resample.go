// Package resample implements streaming windowed-sinc sample-rate
// conversion. A Converter holds per-channel filter history across calls so
// callers can feed it one render quantum at a time; the ratio is expressed
// in input frames per output frame.
package resample

import (
	"fmt"
	"math"
)

// TapCount is the length of the interpolation kernel. The filter is
// symmetric, so producing an output frame needs up to TapCount/2 frames of
// input lookahead.
const TapCount = 64

// PhaseCount is the number of fractional-offset kernels in the table.
const PhaseCount = 512

// kernel is a polyphase windowed-sinc coefficient table: PhaseCount rows of
// TapCount coefficients, one row per fractional sample offset.
type kernel struct {
	coefficients []float32
	lowpassScale float64
}

func sincPi(x float32) float32 {
	if x == 0 {
		return 1
	}
	px := math.Pi * float64(x)
	return float32(math.Sin(px) / px)
}

// blackmanWindow evaluates the Blackman window at a possibly fractional
// position. Phase-shifted taps can fall slightly outside [0, N-1]; those
// read as zero, treating the window as having finite support.
func blackmanWindow(i, nMinus1 float64) float32 {
	if nMinus1 == 0 {
		return 1
	}
	if i < 0 || i > nMinus1 {
		return 0
	}
	const a = 0.16
	const a0 = 0.5 * (1 - a)
	const a1 = 0.5
	const a2 = 0.5 * a
	angle := 2 * math.Pi * (i / nMinus1)
	return float32(a0 - a1*math.Cos(angle) + a2*math.Cos(2*angle))
}

// prepare fills the coefficient table for the given ratio. When
// downsampling (ratio > 1) the low-pass cutoff tightens to 1/ratio to avoid
// aliasing. Each phase row is normalized to unity DC gain, with the
// residual error folded into the largest-magnitude tap.
func (k *kernel) prepare(inputFramesPerOutputFrame float64) {
	lowpassScale := 1.0
	if !math.IsNaN(inputFramesPerOutputFrame) && !math.IsInf(inputFramesPerOutputFrame, 0) && inputFramesPerOutputFrame > 1 {
		lowpassScale = 1 / inputFramesPerOutputFrame
	}

	if len(k.coefficients) != PhaseCount*TapCount {
		k.coefficients = make([]float32, PhaseCount*TapCount)
	}
	if k.lowpassScale > 0 && math.Abs(k.lowpassScale-lowpassScale) < 1e-15 {
		return
	}
	k.lowpassScale = lowpassScale

	const half = TapCount / 2
	nMinus1 := float64(TapCount - 1)

	for phase := 0; phase < PhaseCount; phase++ {
		frac := float32(phase) / float32(PhaseCount)
		row := k.coefficients[phase*TapCount : (phase+1)*TapCount]

		sum := 0.0
		for tap := 0; tap < TapCount; tap++ {
			// Tap index mapped to [-(half-1), +half].
			kk := float32(tap - (half - 1))
			x := (kk - frac) * float32(lowpassScale)
			w := blackmanWindow(float64(tap)-float64(frac), nMinus1)
			c := sincPi(x) * w
			row[tap] = c
			sum += float64(c)
		}

		if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
			continue
		}
		invSum := 1 / sum
		for tap := range row {
			row[tap] = float32(float64(row[tap]) * invSum)
		}

		normalizedSum := 0.0
		for _, c := range row {
			normalizedSum += float64(c)
		}
		correction := 1 - normalizedSum
		if math.IsNaN(correction) || math.IsInf(correction, 0) {
			continue
		}
		bestTap := 0
		bestAbs := float32(0)
		for tap, c := range row {
			if abs := float32(math.Abs(float64(c))); abs > bestAbs {
				bestAbs = abs
				bestTap = tap
			}
		}
		row[bestTap] += float32(correction)
	}
}

func dot(a, b []float32) float32 {
	// Fixed left-to-right accumulation keeps recorded test vectors stable
	// across platforms.
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Result reports how much of one Process call's input was absorbed and how
// many output frames came out.
type Result struct {
	InputFramesConsumed  int
	OutputFramesProduced int
}

// Converter is a streaming multi-channel sample-rate converter. All
// channels share one ratio and advance in lockstep. Methods are not safe
// for concurrent use; one goroutine owns a Converter.
type Converter struct {
	ratio        float64
	table        kernel
	channelCount int

	// Per-channel history ring. Each channel occupies ringStride floats:
	// ringSize samples plus a mirrored copy of the first tapCount-1 samples
	// so any tap window reads contiguously.
	ring               []float32
	ringSize           int
	ringStride         int
	writeIndex         int
	totalFramesWritten uint64

	nextOutputTimeInInputFrames float64
}

// NewConverter sizes all state once for the given channel count and ratio.
// bufferHintFrames enlarges the history ring for callers that feed large
// chunks; zero picks the minimum. Steady-state Process calls allocate
// nothing.
func NewConverter(channelCount int, inputFramesPerOutputFrame float64, bufferHintFrames int) (*Converter, error) {
	if channelCount < 1 {
		return nil, fmt.Errorf("converter needs at least one channel, got %d", channelCount)
	}
	if math.IsNaN(inputFramesPerOutputFrame) || math.IsInf(inputFramesPerOutputFrame, 0) || inputFramesPerOutputFrame <= 0 {
		return nil, fmt.Errorf("invalid resampling ratio %v", inputFramesPerOutputFrame)
	}

	ringSize := TapCount + 2
	if bufferHintFrames > ringSize {
		ringSize = bufferHintFrames
	}

	c := &Converter{
		ratio:        inputFramesPerOutputFrame,
		channelCount: channelCount,
		ringSize:     ringSize,
		ringStride:   ringSize + (TapCount - 1),
	}
	c.table.lowpassScale = -1
	c.table.prepare(c.ratio)
	c.ring = make([]float32, channelCount*c.ringStride)
	c.Reset()
	return c, nil
}

// Reset clears the filter history and stream position. Allocation-free.
func (c *Converter) Reset() {
	c.writeIndex = 0
	c.totalFramesWritten = 0
	c.nextOutputTimeInInputFrames = 0
	for i := range c.ring {
		c.ring[i] = 0
	}
}

// Ratio returns the current input-frames-per-output-frame ratio.
func (c *Converter) Ratio() float64 { return c.ratio }

// ChannelCount returns the channel count fixed at construction.
func (c *Converter) ChannelCount() int { return c.channelCount }

func (c *Converter) ringBase(channel int) []float32 {
	return c.ring[channel*c.ringStride : (channel+1)*c.ringStride]
}

func (c *Converter) sampleAt(channel int, absoluteIndex int64) float32 {
	// Pre-roll and future samples read as silence, as do samples old
	// enough to have been overwritten.
	if absoluteIndex < 0 || uint64(absoluteIndex) >= c.totalFramesWritten {
		return 0
	}
	if c.totalFramesWritten > uint64(c.ringSize) && uint64(absoluteIndex) < c.totalFramesWritten-uint64(c.ringSize) {
		return 0
	}
	return c.ringBase(channel)[int(absoluteIndex)%c.ringSize]
}

func (c *Converter) writeInputFrame(input [][]float32, inputIndex int) {
	for ch := 0; ch < c.channelCount; ch++ {
		ring := c.ringBase(ch)
		sample := input[ch][inputIndex]
		ring[c.writeIndex] = sample
		// Mirror the prefix [0, tapCount-2] past the end of the ring so a
		// tap window starting near the end reads contiguously.
		if c.writeIndex < TapCount-1 {
			ring[c.writeIndex+c.ringSize] = sample
		}
	}
	c.writeIndex = (c.writeIndex + 1) % c.ringSize
	c.totalFramesWritten++
}

func (c *Converter) interpolateAt(channel int, position float64) float32 {
	const half = TapCount / 2
	baseIndex := int64(math.Floor(position))
	frac := position - math.Floor(position)

	phaseIndex := int(frac * PhaseCount)
	if phaseIndex >= PhaseCount {
		phaseIndex = PhaseCount - 1
	}
	coefficients := c.table.coefficients[phaseIndex*TapCount : (phaseIndex+1)*TapCount]

	startIndex := baseIndex - (half - 1)
	var sum float32
	for tap := 0; tap < TapCount; tap++ {
		sum += coefficients[tap] * c.sampleAt(channel, startIndex+int64(tap))
	}
	return sum
}

// Process converts as many frames as the provided input plus retained
// history allow, writing planar output. Channel slices must match the
// construction channel count and have uniform lengths; a mismatch is a
// programmer error and panics. When flush is false, production stops as
// soon as the next output frame would need input that was not passed —
// zero produced with nonzero consumed is a valid result and the caller
// tops up input and retries. When flush is true, missing future input is
// treated as silence so the filter can drain at end-of-stream.
func (c *Converter) Process(input, output [][]float32, flush bool) Result {
	if len(input) != c.channelCount {
		panic(fmt.Sprintf("resample: %d input channels, converter has %d", len(input), c.channelCount))
	}
	if len(output) != c.channelCount {
		panic(fmt.Sprintf("resample: %d output channels, converter has %d", len(output), c.channelCount))
	}

	inputFrames := len(input[0])
	for ch := 1; ch < c.channelCount; ch++ {
		if len(input[ch]) != inputFrames {
			panic("resample: input channel lengths differ")
		}
	}
	outputFrames := len(output[0])
	for ch := 1; ch < c.channelCount; ch++ {
		if len(output[ch]) != outputFrames {
			panic("resample: output channel lengths differ")
		}
	}

	const half = TapCount / 2
	consumed := 0
	produced := 0

	for produced < outputFrames {
		baseIndex := int64(math.Floor(c.nextOutputTimeInInputFrames))
		requiredMaxIndex := baseIndex + half

		for int64(c.totalFramesWritten) <= requiredMaxIndex && consumed < inputFrames {
			c.writeInputFrame(input, consumed)
			consumed++
		}
		if int64(c.totalFramesWritten) <= requiredMaxIndex && !flush {
			break
		}

		position := c.nextOutputTimeInInputFrames
		frac := position - math.Floor(position)
		phaseIndex := int(frac * PhaseCount)
		if phaseIndex >= PhaseCount {
			phaseIndex = PhaseCount - 1
		}
		coefficients := c.table.coefficients[phaseIndex*TapCount : (phaseIndex+1)*TapCount]

		startIndex := baseIndex - (half - 1)
		endIndex := baseIndex + half

		// Fast path: the whole tap window is live in the ring, so each
		// channel reads one contiguous span (the mirrored prefix covers
		// windows that straddle the wrap point).
		windowFullyAvailable := startIndex >= 0 &&
			endIndex < int64(c.totalFramesWritten) &&
			(c.totalFramesWritten <= uint64(c.ringSize) ||
				uint64(startIndex) >= c.totalFramesWritten-uint64(c.ringSize))

		if windowFullyAvailable {
			startRingIndex := int(startIndex) % c.ringSize
			for ch := 0; ch < c.channelCount; ch++ {
				window := c.ringBase(ch)[startRingIndex : startRingIndex+TapCount]
				output[ch][produced] = dot(coefficients, window)
			}
		} else {
			for ch := 0; ch < c.channelCount; ch++ {
				output[ch][produced] = c.interpolateAt(ch, position)
			}
		}

		produced++
		c.nextOutputTimeInInputFrames += c.ratio
	}

	return Result{InputFramesConsumed: consumed, OutputFramesProduced: produced}
}
