package capture

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/zsiec/chorus/internal/audio"
)

// DeviceOpener starts a platform capture device delivering interleaved f32
// chunks to push. It returns a stop function releasing the device. The
// manager takes an opener so tests can feed synthetic audio.
type DeviceOpener func(deviceID string, format audio.Format, push func(interleaved []float32, frames int)) (stop func(), err error)

// Stream is one live input stream: the shared ring, the notify pipe, and
// the running platform device.
type Stream struct {
	ID       uint64
	DeviceID string
	Ring     *Ring

	notifyRead  int
	notifyWrite int
	stop        func()
}

// NotifyFd returns the pipe end delivered to the client; one byte arrives
// per committed capture chunk.
func (s *Stream) NotifyFd() int { return s.notifyRead }

// Manager owns all input streams. Stream ids share the process-wide
// monotonic space with output sessions via the caller-provided counter.
type Manager struct {
	log    *slog.Logger
	open   DeviceOpener
	nextID *atomic.Uint64

	mu      sync.Mutex
	streams map[uint64]*Stream
}

// NewManager builds a manager allocating ids from nextID.
func NewManager(open DeviceOpener, nextID *atomic.Uint64, log *slog.Logger) *Manager {
	return &Manager{
		log:     log.With("component", "capture"),
		open:    open,
		nextID:  nextID,
		streams: make(map[uint64]*Stream),
	}
}

// CreateStream allocates the ring and notify pipe, starts the device, and
// registers the stream. Any failure releases everything already built and
// surfaces as an error the connection turns into an empty response.
func (m *Manager) CreateStream(deviceID string, sampleRate, channelCount, capacityFrames uint32, policy OverflowPolicy) (*Stream, error) {
	ring, err := NewRing(capacityFrames, channelCount, sampleRate, policy)
	if err != nil {
		return nil, fmt.Errorf("create capture ring: %w", err)
	}

	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		ring.Close()
		return nil, fmt.Errorf("create notify pipe: %w", err)
	}

	s := &Stream{
		ID:          m.nextID.Add(1),
		DeviceID:    deviceID,
		Ring:        ring,
		notifyRead:  pipeFds[0],
		notifyWrite: pipeFds[1],
	}

	push := func(interleaved []float32, frames int) {
		if ring.Push(interleaved, frames) > 0 {
			// One wake per committed chunk; EAGAIN just means the consumer
			// is already behind on wakeups, which is fine.
			var b [1]byte
			_, _ = unix.Write(s.notifyWrite, b[:])
		}
	}

	stop, err := m.open(deviceID, audio.Format{SampleRate: sampleRate, ChannelCount: channelCount}, push)
	if err != nil {
		unix.Close(pipeFds[0])
		unix.Close(pipeFds[1])
		ring.Close()
		return nil, fmt.Errorf("open capture device %q: %w", deviceID, err)
	}
	s.stop = stop

	m.mu.Lock()
	m.streams[s.ID] = s
	m.mu.Unlock()

	m.log.Info("input stream created",
		"stream", s.ID,
		"device", deviceID,
		"sample_rate", sampleRate,
		"channels", channelCount,
		"capacity_frames", capacityFrames,
		"policy", policy.String())
	return s, nil
}

// DestroyStream stops the device and releases the stream's resources.
func (m *Manager) DestroyStream(id uint64) bool {
	m.mu.Lock()
	s, ok := m.streams[id]
	delete(m.streams, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.teardown(s)
	m.log.Info("input stream destroyed", "stream", id)
	return true
}

// DestroyAll tears down every stream whose id the caller owns; used on
// connection teardown so a dead client never leaks native devices.
func (m *Manager) DestroyAll(ids []uint64) {
	for _, id := range ids {
		m.DestroyStream(id)
	}
}

// Count returns the live stream count.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

func (m *Manager) teardown(s *Stream) {
	if s.stop != nil {
		s.stop()
	}
	unix.Close(s.notifyRead)
	unix.Close(s.notifyWrite)
	s.Ring.Close()
}

// Close destroys everything still registered.
func (m *Manager) Close() {
	m.mu.Lock()
	streams := m.streams
	m.streams = make(map[uint64]*Stream)
	m.mu.Unlock()
	for _, s := range streams {
		m.teardown(s)
	}
}
