package ipc

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zsiec/chorus/internal/audio"
	"github.com/zsiec/chorus/internal/capture"
)

// Control message type IDs. Requests are client-to-server; responses and
// pushes are server-to-client.
const (
	MsgOK uint64 = 0x00

	MsgGetOutputDeviceFormat uint64 = 0x01
	MsgOutputDeviceFormat    uint64 = 0x02
	MsgGetOutputDevices      uint64 = 0x03
	MsgGetInputDevices       uint64 = 0x04
	MsgDeviceList            uint64 = 0x05
	MsgError                 uint64 = 0x06

	MsgCreateOutputSession      uint64 = 0x10
	MsgOutputSessionCreated     uint64 = 0x11
	MsgCreateOutputSessionAsync uint64 = 0x12
	MsgOutputSessionID          uint64 = 0x13
	MsgOutputSessionReady       uint64 = 0x14
	MsgOutputSessionFailed      uint64 = 0x15
	MsgDestroyOutputSession     uint64 = 0x16
	MsgSetMuted                 uint64 = 0x17
	MsgSetVolume                uint64 = 0x18

	MsgCreateInputStream   uint64 = 0x20
	MsgInputStreamCreated  uint64 = 0x21
	MsgDestroyInputStream  uint64 = 0x22
	MsgCreateBufferStream  uint64 = 0x30
	MsgBufferStreamCreated uint64 = 0x31
)

func appendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

func parseString(p []byte) (string, []byte, error) {
	if len(p) < 2 {
		return "", nil, fmt.Errorf("string needs a length prefix")
	}
	n := int(binary.BigEndian.Uint16(p))
	if len(p) < 2+n {
		return "", nil, fmt.Errorf("string truncated: %d of %d bytes", len(p)-2, n)
	}
	return string(p[2 : 2+n]), p[2+n:], nil
}

// OutputDeviceFormat answers GetOutputDeviceFormat; all-zero means the
// device format is not yet available.
type OutputDeviceFormat struct {
	SampleRate   uint32
	ChannelCount uint32
}

// AppendOutputDeviceFormat encodes m.
func AppendOutputDeviceFormat(dst []byte, m OutputDeviceFormat) []byte {
	dst = binary.BigEndian.AppendUint32(dst, m.SampleRate)
	return binary.BigEndian.AppendUint32(dst, m.ChannelCount)
}

// ParseOutputDeviceFormat decodes an OutputDeviceFormat payload.
func ParseOutputDeviceFormat(p []byte) (OutputDeviceFormat, error) {
	if len(p) < 8 {
		return OutputDeviceFormat{}, fmt.Errorf("device format payload too short: %d", len(p))
	}
	return OutputDeviceFormat{
		SampleRate:   binary.BigEndian.Uint32(p[0:4]),
		ChannelCount: binary.BigEndian.Uint32(p[4:8]),
	}, nil
}

// AppendDeviceList encodes an enumeration response.
func AppendDeviceList(dst []byte, devices []audio.DeviceInfo) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(devices)))
	for _, d := range devices {
		dst = append(dst, byte(d.Type))
		dst = appendString(dst, d.Handle)
		dst = appendString(dst, d.Label)
		dst = appendString(dst, d.DOMDeviceID)
		dst = appendString(dst, d.GroupID)
		dst = binary.BigEndian.AppendUint32(dst, d.SampleRate)
		dst = binary.BigEndian.AppendUint32(dst, d.ChannelCount)
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(d.Layout)))
		for _, role := range d.Layout {
			dst = append(dst, byte(role))
		}
		if d.IsDefault {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	}
	return dst
}

// ParseDeviceList decodes an enumeration response.
func ParseDeviceList(p []byte) ([]audio.DeviceInfo, error) {
	if len(p) < 2 {
		return nil, fmt.Errorf("device list payload too short")
	}
	count := int(binary.BigEndian.Uint16(p))
	p = p[2:]
	devices := make([]audio.DeviceInfo, 0, count)
	for i := 0; i < count; i++ {
		if len(p) < 1 {
			return nil, fmt.Errorf("device %d truncated", i)
		}
		var d audio.DeviceInfo
		d.Type = audio.DeviceType(p[0])
		p = p[1:]
		var err error
		for _, field := range []*string{&d.Handle, &d.Label, &d.DOMDeviceID, &d.GroupID} {
			if *field, p, err = parseString(p); err != nil {
				return nil, fmt.Errorf("device %d: %w", i, err)
			}
		}
		if len(p) < 10 {
			return nil, fmt.Errorf("device %d truncated", i)
		}
		d.SampleRate = binary.BigEndian.Uint32(p[0:4])
		d.ChannelCount = binary.BigEndian.Uint32(p[4:8])
		roles := int(binary.BigEndian.Uint16(p[8:10]))
		p = p[10:]
		if len(p) < roles+1 {
			return nil, fmt.Errorf("device %d layout truncated", i)
		}
		if roles > 0 {
			d.Layout = make(audio.ChannelMap, roles)
			for r := 0; r < roles; r++ {
				d.Layout[r] = audio.ChannelRole(p[r])
			}
		}
		d.IsDefault = p[roles] == 1
		p = p[roles+1:]
		devices = append(devices, d)
	}
	return devices, nil
}

// CreateOutputSession asks for a new output session on a device.
type CreateOutputSession struct {
	TargetLatencyMs uint32
	DeviceID        string
}

// AppendCreateOutputSession encodes m.
func AppendCreateOutputSession(dst []byte, m CreateOutputSession) []byte {
	dst = binary.BigEndian.AppendUint32(dst, m.TargetLatencyMs)
	return appendString(dst, m.DeviceID)
}

// ParseCreateOutputSession decodes a session-create request.
func ParseCreateOutputSession(p []byte) (CreateOutputSession, error) {
	if len(p) < 4 {
		return CreateOutputSession{}, fmt.Errorf("session create payload too short")
	}
	m := CreateOutputSession{TargetLatencyMs: binary.BigEndian.Uint32(p)}
	var err error
	if m.DeviceID, _, err = parseString(p[4:]); err != nil {
		return CreateOutputSession{}, err
	}
	return m, nil
}

// OutputSessionCreated answers a synchronous session create. A zero value
// (and no attached ring descriptor) is the failure sentinel. The same
// encoding carries the OutputSessionReady push for async creates.
type OutputSessionCreated struct {
	SessionID    uint64
	SampleRate   uint32
	ChannelCount uint32
}

// AppendOutputSessionCreated encodes m.
func AppendOutputSessionCreated(dst []byte, m OutputSessionCreated) []byte {
	dst = binary.BigEndian.AppendUint64(dst, m.SessionID)
	dst = binary.BigEndian.AppendUint32(dst, m.SampleRate)
	return binary.BigEndian.AppendUint32(dst, m.ChannelCount)
}

// ParseOutputSessionCreated decodes a session-create response or ready push.
func ParseOutputSessionCreated(p []byte) (OutputSessionCreated, error) {
	if len(p) < 16 {
		return OutputSessionCreated{}, fmt.Errorf("session created payload too short: %d", len(p))
	}
	return OutputSessionCreated{
		SessionID:    binary.BigEndian.Uint64(p[0:8]),
		SampleRate:   binary.BigEndian.Uint32(p[8:12]),
		ChannelCount: binary.BigEndian.Uint32(p[12:16]),
	}, nil
}

// OutputSessionFailed is the async failure push.
type OutputSessionFailed struct {
	SessionID uint64
	Reason    string
}

// AppendOutputSessionFailed encodes m.
func AppendOutputSessionFailed(dst []byte, m OutputSessionFailed) []byte {
	dst = binary.BigEndian.AppendUint64(dst, m.SessionID)
	return appendString(dst, m.Reason)
}

// ParseOutputSessionFailed decodes an async failure push.
func ParseOutputSessionFailed(p []byte) (OutputSessionFailed, error) {
	if len(p) < 8 {
		return OutputSessionFailed{}, fmt.Errorf("session failed payload too short")
	}
	m := OutputSessionFailed{SessionID: binary.BigEndian.Uint64(p)}
	var err error
	if m.Reason, _, err = parseString(p[8:]); err != nil {
		return OutputSessionFailed{}, err
	}
	return m, nil
}

// AppendSessionID encodes a bare session id (destroy requests, async
// create responses).
func AppendSessionID(dst []byte, id uint64) []byte {
	return binary.BigEndian.AppendUint64(dst, id)
}

// ParseSessionID decodes a bare session id payload.
func ParseSessionID(p []byte) (uint64, error) {
	if len(p) < 8 {
		return 0, fmt.Errorf("session id payload too short: %d", len(p))
	}
	return binary.BigEndian.Uint64(p), nil
}

// AppendSetMuted encodes a mute toggle.
func AppendSetMuted(dst []byte, muted bool) []byte {
	if muted {
		return append(dst, 1)
	}
	return append(dst, 0)
}

// ParseSetMuted decodes a mute toggle.
func ParseSetMuted(p []byte) (bool, error) {
	if len(p) < 1 {
		return false, fmt.Errorf("mute payload empty")
	}
	return p[0] == 1, nil
}

// AppendSetVolume encodes a volume change.
func AppendSetVolume(dst []byte, volume float64) []byte {
	return binary.BigEndian.AppendUint64(dst, math.Float64bits(volume))
}

// ParseSetVolume decodes a volume change.
func ParseSetVolume(p []byte) (float64, error) {
	if len(p) < 8 {
		return 0, fmt.Errorf("volume payload too short")
	}
	return math.Float64frombits(binary.BigEndian.Uint64(p)), nil
}

// CreateInputStream asks for a capture stream.
type CreateInputStream struct {
	DeviceID       string
	SampleRate     uint32
	ChannelCount   uint32
	CapacityFrames uint32
	Policy         capture.OverflowPolicy
}

// AppendCreateInputStream encodes m.
func AppendCreateInputStream(dst []byte, m CreateInputStream) []byte {
	dst = appendString(dst, m.DeviceID)
	dst = binary.BigEndian.AppendUint32(dst, m.SampleRate)
	dst = binary.BigEndian.AppendUint32(dst, m.ChannelCount)
	dst = binary.BigEndian.AppendUint32(dst, m.CapacityFrames)
	return append(dst, byte(m.Policy))
}

// ParseCreateInputStream decodes a capture stream request.
func ParseCreateInputStream(p []byte) (CreateInputStream, error) {
	var m CreateInputStream
	var err error
	if m.DeviceID, p, err = parseString(p); err != nil {
		return CreateInputStream{}, err
	}
	if len(p) < 13 {
		return CreateInputStream{}, fmt.Errorf("input stream payload too short")
	}
	m.SampleRate = binary.BigEndian.Uint32(p[0:4])
	m.ChannelCount = binary.BigEndian.Uint32(p[4:8])
	m.CapacityFrames = binary.BigEndian.Uint32(p[8:12])
	m.Policy = capture.OverflowPolicy(p[12])
	return m, nil
}

// InputStreamCreated answers a capture stream request. StreamID zero (and
// no attached descriptors) is the failure sentinel; on success the ring
// region and notify pipe ride along as descriptors in that order.
type InputStreamCreated struct {
	StreamID uint64
}

// AppendInputStreamCreated encodes m.
func AppendInputStreamCreated(dst []byte, m InputStreamCreated) []byte {
	return binary.BigEndian.AppendUint64(dst, m.StreamID)
}

// ParseInputStreamCreated decodes a capture stream response.
func ParseInputStreamCreated(p []byte) (InputStreamCreated, error) {
	if len(p) < 8 {
		return InputStreamCreated{}, fmt.Errorf("input stream response too short")
	}
	return InputStreamCreated{StreamID: binary.BigEndian.Uint64(p)}, nil
}

// CreateBufferStream asks for a generic block-pool transport.
type CreateBufferStream struct {
	BlockSize  uint32
	BlockCount uint32
}

// AppendCreateBufferStream encodes m.
func AppendCreateBufferStream(dst []byte, m CreateBufferStream) []byte {
	dst = binary.BigEndian.AppendUint32(dst, m.BlockSize)
	return binary.BigEndian.AppendUint32(dst, m.BlockCount)
}

// ParseCreateBufferStream decodes a buffer stream request.
func ParseCreateBufferStream(p []byte) (CreateBufferStream, error) {
	if len(p) < 8 {
		return CreateBufferStream{}, fmt.Errorf("buffer stream payload too short")
	}
	return CreateBufferStream{
		BlockSize:  binary.BigEndian.Uint32(p[0:4]),
		BlockCount: binary.BigEndian.Uint32(p[4:8]),
	}, nil
}

// BufferStreamCreated answers a buffer stream request. OK false (and no
// descriptors) is the failure sentinel; on success the pool, ready ring,
// and free ring descriptors ride along in that order.
type BufferStreamCreated struct {
	OK bool
}

// AppendBufferStreamCreated encodes m.
func AppendBufferStreamCreated(dst []byte, m BufferStreamCreated) []byte {
	if m.OK {
		return append(dst, 1)
	}
	return append(dst, 0)
}

// ParseBufferStreamCreated decodes a buffer stream response.
func ParseBufferStreamCreated(p []byte) (BufferStreamCreated, error) {
	if len(p) < 1 {
		return BufferStreamCreated{}, fmt.Errorf("buffer stream response empty")
	}
	return BufferStreamCreated{OK: p[0] == 1}, nil
}

// AppendError encodes an error response string.
func AppendError(dst []byte, reason string) []byte {
	return appendString(dst, reason)
}

// ParseError decodes an error response.
func ParseError(p []byte) (string, error) {
	s, _, err := parseString(p)
	return s, err
}
