package capture

import (
	"encoding/hex"
	"fmt"
	"unsafe"

	"github.com/gen2brain/malgo"

	"github.com/zsiec/chorus/internal/audio"
)

// MalgoOpener returns the production DeviceOpener backed by miniaudio.
// Each stream gets its own capture device so formats never collide.
func MalgoOpener() DeviceOpener {
	return func(deviceID string, format audio.Format, push func([]float32, int)) (func(), error) {
		ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
		if err != nil {
			return nil, fmt.Errorf("init audio context: %w", err)
		}

		cfg := malgo.DefaultDeviceConfig(malgo.Capture)
		cfg.SampleRate = format.SampleRate
		cfg.Capture.Format = malgo.FormatF32
		cfg.Capture.Channels = format.ChannelCount
		cfg.Alsa.NoMMap = 1
		if deviceID != "" {
			id, err := parseDeviceHandle(deviceID)
			if err != nil {
				_ = ctx.Uninit()
				ctx.Free()
				return nil, err
			}
			cfg.Capture.DeviceID = id.Pointer()
		}

		channels := int(format.ChannelCount)
		callbacks := malgo.DeviceCallbacks{
			Data: func(_, in []byte, frameCount uint32) {
				if len(in) == 0 || frameCount == 0 {
					return
				}
				samples := unsafe.Slice((*float32)(unsafe.Pointer(&in[0])), int(frameCount)*channels)
				push(samples, int(frameCount))
			},
		}

		device, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
		if err != nil {
			_ = ctx.Uninit()
			ctx.Free()
			return nil, fmt.Errorf("init capture device %dHz/%dch: %w", format.SampleRate, format.ChannelCount, err)
		}
		if err := device.Start(); err != nil {
			device.Uninit()
			_ = ctx.Uninit()
			ctx.Free()
			return nil, fmt.Errorf("start capture device: %w", err)
		}

		stop := func() {
			_ = device.Stop()
			device.Uninit()
			_ = ctx.Uninit()
			ctx.Free()
		}
		return stop, nil
	}
}

func parseDeviceHandle(handle string) (malgo.DeviceID, error) {
	var id malgo.DeviceID
	raw, err := hex.DecodeString(handle)
	if err != nil || len(raw) > len(id) {
		return id, fmt.Errorf("bad device handle %q", handle)
	}
	copy(id[:], raw)
	return id, nil
}
