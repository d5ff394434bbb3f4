// Package server ties the pieces together: one ServerState owning the
// platform driver, the producer mixer, and the capture manager, with a
// unix-socket accept loop spawning one ConnectionSession per client.
package server

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/chorus/internal/audio"
	"github.com/zsiec/chorus/internal/capture"
	"github.com/zsiec/chorus/internal/driver"
	"github.com/zsiec/chorus/internal/metrics"
	"github.com/zsiec/chorus/internal/output"
)

// DriverFactory builds the platform output driver. Tests substitute a fake;
// production uses driver.New.
type DriverFactory func(cfg driver.Config, log *slog.Logger) (driver.OutputDriver, error)

// Options configures a server instance.
type Options struct {
	// SocketPath is the unix control socket the server listens on.
	SocketPath string
	// DeviceID pins playback to a device handle; empty means default.
	DeviceID string
	// TargetLatencyMs sizes the hardware period. Zero picks a default.
	TargetLatencyMs uint32
	// WatchInterval is the device hot-plug poll period. Zero picks 2s.
	WatchInterval time.Duration
	// NewDriver overrides the platform driver factory. Nil means driver.New.
	NewDriver DriverFactory
	// OpenCapture overrides the capture device opener. Nil means the
	// platform opener.
	OpenCapture capture.DeviceOpener
}

// ServerState is the explicit dependency bundle every connection shares.
// There are no package-level singletons; everything a session touches
// hangs off this struct.
type ServerState struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	opts    Options

	output  *output.Device
	capture *capture.Manager
	watcher *driver.Watcher

	// nextID numbers output sessions and input streams from one sequence
	// so identifiers never collide across kinds.
	nextID atomic.Uint64

	newDriver DriverFactory

	mu  sync.Mutex
	drv driver.OutputDriver
}

// NewState wires the shared components. The platform driver is not opened
// here; it starts lazily on the first session that needs it.
func NewState(opts Options, m *metrics.Metrics, log *slog.Logger) *ServerState {
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = 2 * time.Second
	}
	s := &ServerState{
		log:     log,
		metrics: m,
		opts:    opts,
		output:  output.NewDevice(log),
	}
	s.newDriver = opts.NewDriver
	if s.newDriver == nil {
		s.newDriver = driver.New
	}
	opener := opts.OpenCapture
	if opener == nil {
		opener = capture.MalgoOpener()
	}
	s.capture = capture.NewManager(opener, &s.nextID, log)
	s.watcher = driver.NewWatcher(opts.WatchInterval, func(devices []audio.DeviceInfo) {
		log.Info("audio devices changed", "count", len(devices))
	}, log)
	return s
}

// Output returns the shared producer mixer.
func (s *ServerState) Output() *output.Device { return s.output }

// Capture returns the shared capture manager.
func (s *ServerState) Capture() *capture.Manager { return s.capture }

// Watcher returns the device hot-plug watcher.
func (s *ServerState) Watcher() *driver.Watcher { return s.watcher }

// EnsureDriver opens the platform driver on first use and starts playback.
// Safe for concurrent callers; later callers get the already-open driver.
func (s *ServerState) EnsureDriver() (driver.OutputDriver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drv != nil {
		return s.drv, nil
	}

	cfg := driver.Config{
		DeviceID:        s.opts.DeviceID,
		TargetLatencyMs: s.opts.TargetLatencyMs,
		DataRequest:     s.dataRequest,
		OnUnderrun: func(missing int) {
			s.metrics.UnderrunFrames.Add(float64(missing))
		},
		PendingFrames:  s.output.PendingFrames,
		DiscardPending: s.output.DiscardPending,
	}
	drv, err := s.newDriver(cfg, s.log)
	if err != nil {
		return nil, fmt.Errorf("open output driver: %w", err)
	}
	s.output.AttachFormat(drv.Format())
	drv.Resume()
	s.drv = drv
	s.log.Info("output driver started",
		"sample_rate", drv.Format().SampleRate,
		"channels", drv.Format().ChannelCount)
	return drv, nil
}

func (s *ServerState) dataRequest(dst []float32, frames int) int {
	n := s.output.DataRequest(dst, frames)
	s.metrics.MixCycles.Inc()
	s.metrics.FramesMixed.Add(float64(n))
	return n
}

// AwaitFormat blocks until the output device format is known, polling
// every millisecond, for at most timeout. A zero Format return means the
// format never settled.
func (s *ServerState) AwaitFormat(timeout time.Duration) audio.Format {
	deadline := time.Now().Add(timeout)
	for {
		if f := s.output.Format(); f.Valid() {
			return f
		}
		if !time.Now().Before(deadline) {
			return audio.Format{}
		}
		time.Sleep(time.Millisecond)
	}
}

// Close releases the shared components. Sessions must be torn down first.
func (s *ServerState) Close() {
	s.watcher.Stop()
	s.capture.Close()
	s.mu.Lock()
	drv := s.drv
	s.drv = nil
	s.mu.Unlock()
	if drv != nil {
		if err := drv.Close(); err != nil {
			s.log.Warn("closing output driver", "error", err)
		}
	}
}
