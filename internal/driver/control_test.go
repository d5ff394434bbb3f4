package driver

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/chorus/internal/audio"
)

// fakeDevice records Start/Stop calls without touching real hardware.
type fakeDevice struct {
	mu       sync.Mutex
	starts   int
	stops    int
	startErr error
}

func (f *fakeDevice) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	return nil
}

func (f *fakeDevice) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeDevice) Uninit() {}

func (f *fakeDevice) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

func testDriver(t *testing.T, cfg Config) (*Driver, *fakeDevice) {
	t.Helper()
	dev := &fakeDevice{}
	format := audio.Format{SampleRate: 48000, ChannelCount: 2}
	d := newDriver(dev, format, audio.GuessChannelMap(2), 480, cfg, slog.Default())
	t.Cleanup(func() { d.Close() })
	return d, dev
}

func TestDriverStateTransitions(t *testing.T) {
	d, dev := testDriver(t, Config{})

	assert.Equal(t, StateCreated, d.State())

	require.NoError(t, <-d.Resume())
	assert.Equal(t, StatePlaying, d.State())

	// Resuming while playing is a no-op, not an error.
	require.NoError(t, <-d.Resume())
	starts, _ := dev.counts()
	assert.Equal(t, 1, starts)

	require.NoError(t, <-d.DiscardAndSuspend())
	assert.Equal(t, StateSuspended, d.State())
	_, stops := dev.counts()
	assert.Equal(t, 1, stops)

	require.NoError(t, <-d.Resume())
	assert.Equal(t, StatePlaying, d.State())
}

func TestDriverDrainWaitsForPending(t *testing.T) {
	var pending atomic.Int64
	pending.Store(480) // 10ms at 48kHz
	go func() {
		time.Sleep(5 * time.Millisecond)
		pending.Store(0)
	}()

	d, dev := testDriver(t, Config{
		PendingFrames: func() int { return int(pending.Load()) },
	})
	require.NoError(t, <-d.Resume())

	start := time.Now()
	require.NoError(t, <-d.DrainAndSuspend())
	elapsed := time.Since(start)

	assert.Equal(t, StateSuspended, d.State())
	_, stops := dev.counts()
	assert.Equal(t, 1, stops)
	// Must have waited at least the proportional sleep, not returned at once.
	assert.GreaterOrEqual(t, elapsed, 5*time.Millisecond)
}

func TestDriverDiscardDropsPending(t *testing.T) {
	discarded := false
	d, _ := testDriver(t, Config{
		DiscardPending: func() { discarded = true },
	})
	require.NoError(t, <-d.Resume())
	require.NoError(t, <-d.DiscardAndSuspend())
	assert.True(t, discarded, "discard should drop upstream buffered audio")
}

func TestDriverVolumeClamped(t *testing.T) {
	d, _ := testDriver(t, Config{})

	require.NoError(t, <-d.SetVolume(0.5))
	assert.Equal(t, 0.5, d.Volume())

	require.NoError(t, <-d.SetVolume(1.7))
	assert.Equal(t, 1.0, d.Volume())

	require.NoError(t, <-d.SetVolume(-0.3))
	assert.Equal(t, 0.0, d.Volume())
}

func TestDriverResumePropagatesStartError(t *testing.T) {
	dev := &fakeDevice{startErr: assert.AnError}
	format := audio.Format{SampleRate: 48000, ChannelCount: 2}
	d := newDriver(dev, format, audio.GuessChannelMap(2), 480, Config{}, slog.Default())
	defer d.Close()

	assert.Error(t, <-d.Resume())
	assert.Equal(t, StateCreated, d.State())
}

func TestDriverCloseFailsLateTasks(t *testing.T) {
	d, _ := testDriver(t, Config{})
	require.NoError(t, d.Close())
	assert.ErrorIs(t, <-d.Resume(), ErrDriverClosed)
}

func TestFillOutputAppliesVolumeAndZeroFill(t *testing.T) {
	const frames = 8
	d, _ := testDriver(t, Config{
		DataRequest: func(dst []float32, n int) int {
			// Provide half the requested frames, all ones.
			for i := 0; i < (n / 2) * 2; i++ {
				dst[i] = 1
			}
			return n / 2
		},
	})
	require.NoError(t, <-d.SetVolume(0.5))

	samples := make([]float32, frames*2)
	d.fillOutput(samples, frames)

	for i := 0; i < frames; i++ {
		for ch := 0; ch < 2; ch++ {
			got := samples[i*2+ch]
			if i < frames/2 {
				assert.InDelta(t, 0.5, got, 1e-6, "frame %d should carry volume-scaled audio", i)
			} else {
				assert.Zero(t, got, "frame %d should be silent", i)
			}
		}
	}
	assert.Equal(t, int64(frames/2), d.Underruns())
}

func TestFillOutputCallsUnderrunCallback(t *testing.T) {
	var missing atomic.Int64
	d, _ := testDriver(t, Config{
		DataRequest: func(dst []float32, n int) int { return 0 },
		OnUnderrun:  func(m int) { missing.Add(int64(m)) },
	})
	samples := make([]float32, 128*2)
	d.fillOutput(samples, 128)
	assert.Equal(t, int64(128), missing.Load())
}
