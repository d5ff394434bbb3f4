package driver

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/gen2brain/malgo"

	"github.com/zsiec/chorus/internal/audio"
)

const (
	defaultPeriodMs = 10
	maxPeriodMs     = 100
)

// malgoDevice pairs a miniaudio device with its context so both release
// together on every exit path.
type malgoDevice struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

func (m *malgoDevice) Start() error { return m.device.Start() }
func (m *malgoDevice) Stop() error  { return m.device.Stop() }

func (m *malgoDevice) Uninit() {
	if m.device != nil {
		m.device.Uninit()
		m.device = nil
	}
	if m.ctx != nil {
		_ = m.ctx.Uninit()
		m.ctx.Free()
		m.ctx = nil
	}
}

// newMalgoDriver negotiates a playback format with miniaudio and wires its
// data callback into the shared control core. A rejected format is fatal
// to construction, logged with what was attempted.
func newMalgoDriver(cfg Config, log *slog.Logger) (OutputDriver, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	id, format, err := negotiateFormat(ctx, cfg.DeviceID, log)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, err
	}

	periodMs := cfg.TargetLatencyMs
	if periodMs == 0 {
		periodMs = defaultPeriodMs
	} else if periodMs > maxPeriodMs {
		periodMs = maxPeriodMs
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	if id != (malgo.DeviceID{}) {
		deviceConfig.Playback.DeviceID = id.Pointer()
	}
	deviceConfig.SampleRate = format.SampleRate
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = format.ChannelCount
	deviceConfig.PeriodSizeInMilliseconds = periodMs
	deviceConfig.Alsa.NoMMap = 1

	// The Driver is created before the device so the callback can reach it;
	// the device slot is filled in right after.
	core := newDriver(nil, format, audio.GuessChannelMap(int(format.ChannelCount)), int(format.SampleRate*periodMs/1000), cfg, log)

	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frameCount uint32) {
			if len(out) == 0 || frameCount == 0 {
				return
			}
			samples := unsafe.Slice((*float32)(unsafe.Pointer(&out[0])), int(frameCount)*int(format.ChannelCount))
			core.fillOutput(samples, int(frameCount))
		},
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		close(core.quit)
		<-core.stopped
		_ = ctx.Uninit()
		ctx.Free()
		log.Error("audio format rejected by platform mixer",
			"sample_rate", format.SampleRate,
			"channels", format.ChannelCount,
			"err", err)
		return nil, fmt.Errorf("init playback device %dHz/%dch: %w", format.SampleRate, format.ChannelCount, err)
	}

	core.device = &malgoDevice{ctx: ctx, device: device}
	log.Info("output driver ready",
		"sample_rate", format.SampleRate,
		"channels", format.ChannelCount,
		"period_ms", periodMs,
		"layout", fmt.Sprint(core.channelMap))
	return core, nil
}

// negotiateFormat picks the requested (or default) playback device and its
// native mix format. Channel counts beyond the map capacity are rejected.
func negotiateFormat(ctx *malgo.AllocatedContext, deviceID string, log *slog.Logger) (malgo.DeviceID, audio.Format, error) {
	infos, err := ctx.Devices(malgo.Playback)
	if err != nil {
		return malgo.DeviceID{}, audio.Format{}, fmt.Errorf("enumerate playback devices: %w", err)
	}
	if len(infos) == 0 {
		return malgo.DeviceID{}, audio.Format{}, fmt.Errorf("no playback devices")
	}

	selected := infos[0]
	found := deviceID == ""
	for _, info := range infos {
		if deviceID != "" && deviceHandle(info.ID) == deviceID {
			selected = info
			found = true
			break
		}
		if deviceID == "" && info.IsDefault != 0 {
			selected = info
		}
	}
	if !found {
		return malgo.DeviceID{}, audio.Format{}, fmt.Errorf("playback device %q not found", deviceID)
	}

	format := audio.Format{SampleRate: 48000, ChannelCount: 2}
	if full, err := ctx.DeviceInfo(malgo.Playback, selected.ID, malgo.Shared); err == nil && len(full.Formats) > 0 {
		native := full.Formats[0]
		if native.SampleRate > 0 {
			format.SampleRate = native.SampleRate
		}
		if native.Channels > 0 {
			format.ChannelCount = native.Channels
		}
	} else if err != nil {
		log.Warn("device info unavailable, using defaults", "err", err)
	}

	if format.ChannelCount > audio.MaxChannels {
		return malgo.DeviceID{}, audio.Format{}, fmt.Errorf("device reports %d channels, max %d", format.ChannelCount, audio.MaxChannels)
	}
	return selected.ID, format, nil
}

// deviceHandle is the stable string form of a platform device ID used in
// DeviceInfo and session-create requests.
func deviceHandle(id malgo.DeviceID) string {
	return hex.EncodeToString(id[:])
}
