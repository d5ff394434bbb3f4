// Package driver abstracts the platform audio output: device enumeration,
// format negotiation, the real-time data callback, and a control task
// queue that serializes play/drain/discard/volume requests onto a single
// control goroutine.
package driver

import (
	"errors"
	"log/slog"

	"github.com/zsiec/chorus/internal/audio"
)

// DataRequest fills dst (interleaved f32, frames*channels samples) on the
// real-time thread and returns the frames provided. It must not block,
// allocate, or log; returning fewer frames than requested is an underrun,
// not an error.
type DataRequest func(dst []float32, frames int) int

// Config carries everything an output driver needs at construction.
type Config struct {
	// DeviceID selects a playback device by handle; empty means default.
	DeviceID string
	// TargetLatencyMs sizes the hardware period. Zero picks a default.
	TargetLatencyMs uint32
	// DataRequest is invoked on the real-time thread for every period.
	DataRequest DataRequest
	// OnUnderrun is called on the real-time thread with the frames that
	// had to be zero-filled. Implementations bump counters only.
	OnUnderrun func(missingFrames int)
	// PendingFrames reports audio buffered upstream of the device, used to
	// size the drain wait. Optional.
	PendingFrames func() int
	// DiscardPending drops upstream buffered audio on discard. Optional.
	DiscardPending func()
}

// OutputDriver is the platform capability surface. Control methods may be
// called from any goroutine; each returns a promise resolved by the
// driver's control goroutine once the task has been processed.
type OutputDriver interface {
	Format() audio.Format
	ChannelMap() audio.ChannelMap

	Resume() <-chan error
	DrainAndSuspend() <-chan error
	DiscardAndSuspend() <-chan error
	SetVolume(v float64) <-chan error
	Volume() float64

	State() string
	Close() error
}

// ErrDriverClosed is returned on promises submitted after Close.
var ErrDriverClosed = errors.New("output driver closed")

// New selects the platform implementation. There is exactly one concrete
// driver per build; the factory exists so callers never name it.
func New(cfg Config, log *slog.Logger) (OutputDriver, error) {
	return newMalgoDriver(cfg, log)
}
