// Package audio holds the core value types shared across the server: sample
// formats, device descriptions, and channel layouts. Everything here is
// platform-neutral; platform specifics stay behind the driver adapter.
package audio

// RenderQuantumSize is the number of frames a client graph produces per
// internal tick. Output sessions are filled in multiples of this.
const RenderQuantumSize = 128

// MaxContextQuantaPerOutputQuantum bounds how many graph quanta the sampler
// may pull while trying to satisfy one device-side quantum. It is a safety
// valve against pathological resampling ratios.
const MaxContextQuantaPerOutputQuantum = 8

// MinCallbackFrames is a conservative lower bound on the frames a device
// callback may request. Ring sizing uses it so that even a zero-latency
// request yields a usable buffer.
const MinCallbackFrames = 128

// BytesPerSample is the size of one f32 PCM sample on the wire and in
// shared memory.
const BytesPerSample = 4

// Format describes a PCM stream: interleaved f32 at a fixed rate and
// channel count. The zero Format means "not yet known".
type Format struct {
	SampleRate   uint32
	ChannelCount uint32
}

// Valid reports whether the format carries a usable rate and channel count.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.ChannelCount > 0
}

// BytesPerFrame returns the size of one interleaved frame.
func (f Format) BytesPerFrame() uint32 {
	return f.ChannelCount * BytesPerSample
}

// DeviceType distinguishes playback from capture devices.
type DeviceType uint8

const (
	DeviceOutput DeviceType = iota
	DeviceInput
)

func (t DeviceType) String() string {
	if t == DeviceInput {
		return "input"
	}
	return "output"
}

// DeviceInfo is an immutable snapshot of one enumerated device. Snapshots
// are re-taken when the platform reports a device change.
type DeviceInfo struct {
	Type         DeviceType
	Handle       string // platform device identifier, opaque to clients
	Label        string
	DOMDeviceID  string
	GroupID      string
	SampleRate   uint32
	ChannelCount uint32
	Layout       ChannelMap
	IsDefault    bool
}
