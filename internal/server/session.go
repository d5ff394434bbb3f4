package server

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zsiec/chorus/internal/audio"
	"github.com/zsiec/chorus/internal/ipc"
	"github.com/zsiec/chorus/internal/shm"
)

// formatWait bounds how long a session create waits for the device format
// to settle after the driver starts.
const formatWait = 2 * time.Second

type outputSession struct {
	id   uint64
	ring *shm.Ring
}

// ConnectionSession serves one client connection: it owns everything the
// client created (output sessions, input streams, buffer streams) and
// releases all of it when the connection goes away.
type ConnectionSession struct {
	state *ServerState
	conn  *net.UnixConn
	fr    *ipc.FrameReader
	log   *slog.Logger

	// writeMu serializes responses with async pushes on the same socket.
	writeMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	sessions map[uint64]*outputSession
	inputs   map[uint64]struct{}
	pools    []*shm.BufferStream
}

// NewConnectionSession wraps an accepted control connection.
func NewConnectionSession(state *ServerState, conn *net.UnixConn) *ConnectionSession {
	return &ConnectionSession{
		state:    state,
		conn:     conn,
		fr:       ipc.NewFrameReader(conn),
		log:      state.log.With("remote", conn.RemoteAddr().String()),
		sessions: make(map[uint64]*outputSession),
		inputs:   make(map[uint64]struct{}),
	}
}

// Serve reads control frames until the client disconnects, then tears
// down everything the connection owned.
func (c *ConnectionSession) Serve() {
	c.state.metrics.ConnectionsActive.Inc()
	defer c.state.metrics.ConnectionsActive.Dec()
	defer c.teardown()

	for {
		msgType, payload, fds, err := c.fr.ReadFrame()
		if err != nil {
			return
		}
		// Clients never send descriptors; drop any that arrive.
		for _, fd := range fds {
			unix.Close(fd)
		}
		if err := c.dispatch(msgType, payload); err != nil {
			c.log.Warn("request failed", "type", messageName(msgType), "error", err)
			c.state.metrics.RequestsTotal.WithLabelValues(messageName(msgType), "error").Inc()
			if err := c.reply(ipc.MsgError, ipc.AppendError(nil, err.Error())); err != nil {
				return
			}
			continue
		}
		c.state.metrics.RequestsTotal.WithLabelValues(messageName(msgType), "ok").Inc()
	}
}

func (c *ConnectionSession) dispatch(msgType uint64, payload []byte) error {
	switch msgType {
	case ipc.MsgGetOutputDeviceFormat:
		return c.getOutputDeviceFormat()
	case ipc.MsgGetOutputDevices:
		return c.listDevices(audio.DeviceOutput)
	case ipc.MsgGetInputDevices:
		return c.listDevices(audio.DeviceInput)
	case ipc.MsgCreateOutputSession:
		return c.createOutputSession(payload)
	case ipc.MsgCreateOutputSessionAsync:
		return c.createOutputSessionAsync(payload)
	case ipc.MsgDestroyOutputSession:
		return c.destroyOutputSession(payload)
	case ipc.MsgSetMuted:
		return c.setMuted(payload)
	case ipc.MsgSetVolume:
		return c.setVolume(payload)
	case ipc.MsgCreateInputStream:
		return c.createInputStream(payload)
	case ipc.MsgDestroyInputStream:
		return c.destroyInputStream(payload)
	case ipc.MsgCreateBufferStream:
		return c.createBufferStream(payload)
	default:
		return fmt.Errorf("%w: %#x", ipc.ErrUnknownMessage, msgType)
	}
}

func (c *ConnectionSession) reply(msgType uint64, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ipc.WriteFrame(c.conn, msgType, payload)
}

func (c *ConnectionSession) replyWithFds(msgType uint64, payload []byte, fds []int) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ipc.WriteFrameWithFds(c.conn, msgType, payload, fds)
}

func (c *ConnectionSession) getOutputDeviceFormat() error {
	// Best effort: a format query should not fail the connection just
	// because no device is available yet.
	if _, err := c.state.EnsureDriver(); err != nil {
		c.log.Debug("driver unavailable for format query", "error", err)
	}
	f := c.state.output.Format()
	return c.reply(ipc.MsgOutputDeviceFormat, ipc.AppendOutputDeviceFormat(nil, ipc.OutputDeviceFormat{
		SampleRate:   f.SampleRate,
		ChannelCount: f.ChannelCount,
	}))
}

func (c *ConnectionSession) listDevices(kind audio.DeviceType) error {
	var filtered []audio.DeviceInfo
	for _, d := range c.state.watcher.Devices() {
		if d.Type == kind {
			filtered = append(filtered, d)
		}
	}
	return c.reply(ipc.MsgDeviceList, ipc.AppendDeviceList(nil, filtered))
}

// outputRingBytes sizes a session's shared ring: enough for the requested
// latency, never less than eight minimum device callbacks, rounded up to
// a power of two.
func outputRingBytes(f audio.Format, latencyMs uint32) int {
	bytesPerFrame := int(f.BytesPerFrame())
	latencyBytes := int(f.SampleRate) * int(latencyMs) / 1000 * bytesPerFrame
	floor := 8 * audio.MinCallbackFrames * bytesPerFrame
	if latencyBytes < floor {
		latencyBytes = floor
	}
	return 1 << uint(64-bits.LeadingZeros64(uint64(latencyBytes-1)))
}

// buildOutputSession allocates a session ring and registers it with the
// mixer. Shared by the sync and async create paths.
func (c *ConnectionSession) buildOutputSession(id uint64, latencyMs uint32) (*outputSession, audio.Format, error) {
	if _, err := c.state.EnsureDriver(); err != nil {
		return nil, audio.Format{}, err
	}
	format := c.state.AwaitFormat(formatWait)
	if !format.Valid() {
		return nil, audio.Format{}, ipc.ErrFormatUnsettled
	}
	ring, err := shm.NewRing(outputRingBytes(format, latencyMs))
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("allocate session ring: %w", err)
	}
	if err := c.state.output.RegisterProducer(id, ring, int(format.BytesPerFrame())); err != nil {
		ring.Close()
		return nil, audio.Format{}, err
	}
	return &outputSession{id: id, ring: ring}, format, nil
}

// adoptSession records a built session against the connection. When the
// connection already tore down, the session is released on the spot so a
// late async build never leaks a registered producer.
func (c *ConnectionSession) adoptSession(s *outputSession) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.releaseSession(s)
		return false
	}
	c.sessions[s.id] = s
	c.mu.Unlock()
	c.state.metrics.SessionsCreated.Inc()
	c.state.metrics.SessionsActive.Inc()
	return true
}

func (c *ConnectionSession) createOutputSession(payload []byte) error {
	req, err := ipc.ParseCreateOutputSession(payload)
	if err != nil {
		return err
	}
	id := c.state.nextID.Add(1)
	s, format, err := c.buildOutputSession(id, req.TargetLatencyMs)
	if err != nil {
		c.log.Warn("output session create failed", "session", id, "error", err)
		c.state.metrics.SessionsFailed.Inc()
		// Zero sentinel, no descriptor: creation failed.
		return c.reply(ipc.MsgOutputSessionCreated, ipc.AppendOutputSessionCreated(nil, ipc.OutputSessionCreated{}))
	}
	created := ipc.OutputSessionCreated{
		SessionID:    id,
		SampleRate:   format.SampleRate,
		ChannelCount: format.ChannelCount,
	}
	if !c.adoptSession(s) {
		return nil
	}
	if err := c.replyWithFds(ipc.MsgOutputSessionCreated, ipc.AppendOutputSessionCreated(nil, created), []int{s.ring.Region().Fd()}); err != nil {
		c.dropSession(id)
		return err
	}
	c.log.Info("output session created", "session", id, "ring_bytes", s.ring.Capacity())
	return nil
}

func (c *ConnectionSession) createOutputSessionAsync(payload []byte) error {
	req, err := ipc.ParseCreateOutputSession(payload)
	if err != nil {
		return err
	}
	id := c.state.nextID.Add(1)
	if err := c.reply(ipc.MsgOutputSessionID, ipc.AppendSessionID(nil, id)); err != nil {
		return err
	}
	go func() {
		s, format, err := c.buildOutputSession(id, req.TargetLatencyMs)
		if err != nil {
			c.log.Warn("async output session failed", "session", id, "error", err)
			c.state.metrics.SessionsFailed.Inc()
			failed := ipc.OutputSessionFailed{SessionID: id, Reason: err.Error()}
			if err := c.reply(ipc.MsgOutputSessionFailed, ipc.AppendOutputSessionFailed(nil, failed)); err != nil {
				c.log.Debug("dropping failure push", "session", id, "error", err)
			}
			return
		}
		ready := ipc.OutputSessionCreated{
			SessionID:    id,
			SampleRate:   format.SampleRate,
			ChannelCount: format.ChannelCount,
		}
		if !c.adoptSession(s) {
			return
		}
		if err := c.replyWithFds(ipc.MsgOutputSessionReady, ipc.AppendOutputSessionCreated(nil, ready), []int{s.ring.Region().Fd()}); err != nil {
			c.dropSession(id)
			return
		}
		c.log.Info("output session ready", "session", id, "ring_bytes", s.ring.Capacity())
	}()
	return nil
}

// releaseSession detaches a session from the mixer and frees its ring. The
// mixer unregister happens first so the data callback never touches a
// closing mapping.
func (c *ConnectionSession) releaseSession(s *outputSession) {
	c.state.output.UnregisterProducer(s.id)
	if err := s.ring.Close(); err != nil {
		c.log.Warn("closing session ring", "session", s.id, "error", err)
	}
}

// dropSession removes an adopted session and releases it if it was still
// tracked. teardown may have raced it away, in which case teardown already
// released it.
func (c *ConnectionSession) dropSession(id uint64) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()
	if ok {
		c.releaseSession(s)
		c.state.metrics.SessionsActive.Dec()
	}
}

func (c *ConnectionSession) destroyOutputSession(payload []byte) error {
	id, err := ipc.ParseSessionID(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	s, ok := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ipc.ErrUnknownSession, id)
	}
	c.releaseSession(s)
	c.state.metrics.SessionsActive.Dec()
	return c.reply(ipc.MsgOK, nil)
}

func (c *ConnectionSession) setMuted(payload []byte) error {
	muted, err := ipc.ParseSetMuted(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.state.output.SetProducerMuted(id, muted)
	}
	return c.reply(ipc.MsgOK, nil)
}

func (c *ConnectionSession) setVolume(payload []byte) error {
	volume, err := ipc.ParseSetVolume(payload)
	if err != nil {
		return err
	}
	drv, err := c.state.EnsureDriver()
	if err != nil {
		return err
	}
	if err := <-drv.SetVolume(volume); err != nil {
		return err
	}
	return c.reply(ipc.MsgOK, nil)
}

func (c *ConnectionSession) createInputStream(payload []byte) error {
	req, err := ipc.ParseCreateInputStream(payload)
	if err != nil {
		return err
	}
	stream, err := c.state.capture.CreateStream(req.DeviceID, req.SampleRate, req.ChannelCount, req.CapacityFrames, req.Policy)
	if err != nil {
		c.log.Warn("input stream create failed", "device", req.DeviceID, "error", err)
		// Zero sentinel, no descriptors: creation failed.
		return c.reply(ipc.MsgInputStreamCreated, ipc.AppendInputStreamCreated(nil, ipc.InputStreamCreated{}))
	}
	created := ipc.InputStreamCreated{StreamID: stream.ID}
	fds := []int{stream.Ring.Region().Fd(), stream.NotifyFd()}
	if err := c.replyWithFds(ipc.MsgInputStreamCreated, ipc.AppendInputStreamCreated(nil, created), fds); err != nil {
		c.state.capture.DestroyStream(stream.ID)
		return err
	}
	c.mu.Lock()
	c.inputs[stream.ID] = struct{}{}
	c.mu.Unlock()
	c.state.metrics.InputStreams.Inc()
	c.log.Info("input stream created", "stream", stream.ID, "device", req.DeviceID)
	return nil
}

func (c *ConnectionSession) destroyInputStream(payload []byte) error {
	id, err := ipc.ParseSessionID(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	_, ok := c.inputs[id]
	delete(c.inputs, id)
	c.mu.Unlock()
	if !ok || !c.state.capture.DestroyStream(id) {
		return fmt.Errorf("%w: %d", ipc.ErrUnknownStream, id)
	}
	c.state.metrics.InputStreams.Dec()
	return c.reply(ipc.MsgOK, nil)
}

func (c *ConnectionSession) createBufferStream(payload []byte) error {
	req, err := ipc.ParseCreateBufferStream(payload)
	if err != nil {
		return err
	}
	bs, err := shm.NewBufferStream(req.BlockSize, req.BlockCount)
	if err != nil {
		c.log.Warn("buffer stream create failed", "error", err)
		return c.reply(ipc.MsgBufferStreamCreated, ipc.AppendBufferStreamCreated(nil, ipc.BufferStreamCreated{}))
	}
	fds := []int{bs.Pool.Fd(), bs.Ready.Region().Fd(), bs.Free.Region().Fd()}
	if err := c.replyWithFds(ipc.MsgBufferStreamCreated, ipc.AppendBufferStreamCreated(nil, ipc.BufferStreamCreated{OK: true}), fds); err != nil {
		bs.Close()
		return err
	}
	c.mu.Lock()
	c.pools = append(c.pools, bs)
	c.mu.Unlock()
	return nil
}

func (c *ConnectionSession) teardown() {
	c.mu.Lock()
	c.closed = true
	sessions := c.sessions
	c.sessions = make(map[uint64]*outputSession)
	inputs := make([]uint64, 0, len(c.inputs))
	for id := range c.inputs {
		inputs = append(inputs, id)
	}
	c.inputs = make(map[uint64]struct{})
	pools := c.pools
	c.pools = nil
	c.mu.Unlock()

	for _, s := range sessions {
		c.releaseSession(s)
		c.state.metrics.SessionsActive.Dec()
	}
	c.state.capture.DestroyAll(inputs)
	c.state.metrics.InputStreams.Sub(float64(len(inputs)))
	for _, bs := range pools {
		if err := bs.Close(); err != nil {
			c.log.Warn("closing buffer stream", "error", err)
		}
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.log.Debug("closing connection", "error", err)
	}
}

func messageName(msgType uint64) string {
	switch msgType {
	case ipc.MsgGetOutputDeviceFormat:
		return "get_output_device_format"
	case ipc.MsgGetOutputDevices:
		return "get_output_devices"
	case ipc.MsgGetInputDevices:
		return "get_input_devices"
	case ipc.MsgCreateOutputSession:
		return "create_output_session"
	case ipc.MsgCreateOutputSessionAsync:
		return "create_output_session_async"
	case ipc.MsgDestroyOutputSession:
		return "destroy_output_session"
	case ipc.MsgSetMuted:
		return "set_muted"
	case ipc.MsgSetVolume:
		return "set_volume"
	case ipc.MsgCreateInputStream:
		return "create_input_stream"
	case ipc.MsgDestroyInputStream:
		return "destroy_input_stream"
	case ipc.MsgCreateBufferStream:
		return "create_buffer_stream"
	default:
		return "unknown"
	}
}
