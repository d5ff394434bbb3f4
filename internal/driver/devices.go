package driver

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/zsiec/chorus/internal/audio"
)

// Enumerate snapshots the platform's playback and capture devices. Each
// call opens a short-lived context so the snapshot reflects current
// hardware.
func Enumerate(log *slog.Logger) ([]audio.DeviceInfo, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	var out []audio.DeviceInfo
	for _, typ := range []malgo.DeviceType{malgo.Playback, malgo.Capture} {
		infos, err := ctx.Devices(typ)
		if err != nil {
			return nil, fmt.Errorf("enumerate %v devices: %w", typ, err)
		}
		seen := make(map[string]bool, len(infos))
		for _, info := range infos {
			handle := deviceHandle(info.ID)
			// Some backends report the same device twice.
			if seen[handle] {
				continue
			}
			seen[handle] = true

			d := audio.DeviceInfo{
				Type:         audio.DeviceOutput,
				Handle:       handle,
				Label:        info.Name(),
				DOMDeviceID:  handle,
				SampleRate:   48000,
				ChannelCount: 2,
				IsDefault:    info.IsDefault != 0,
			}
			if typ == malgo.Capture {
				d.Type = audio.DeviceInput
			}
			if full, err := ctx.DeviceInfo(typ, info.ID, malgo.Shared); err == nil && len(full.Formats) > 0 {
				if full.Formats[0].SampleRate > 0 {
					d.SampleRate = full.Formats[0].SampleRate
				}
				if full.Formats[0].Channels > 0 {
					d.ChannelCount = full.Formats[0].Channels
				}
			} else if err != nil {
				log.Warn("device info unavailable", "device", d.Label, "err", err)
			}
			d.Layout = audio.GuessChannelMap(int(d.ChannelCount))
			out = append(out, d)
		}
	}
	return out, nil
}

// Watcher refreshes the device list in the background and notifies when it
// changes. miniaudio exposes no portable hot-plug callback, so the watcher
// polls; registration is attempted once and a failing first scan is
// non-fatal (enumeration still works on demand).
type Watcher struct {
	log      *slog.Logger
	interval time.Duration
	onChange func([]audio.DeviceInfo)

	startOnce sync.Once
	started   atomic.Bool
	quit      chan struct{}
	stopped   chan struct{}

	mu   sync.RWMutex
	last []audio.DeviceInfo
}

// NewWatcher builds a watcher that invokes onChange with every new device
// snapshot. Start must be called to begin polling.
func NewWatcher(interval time.Duration, onChange func([]audio.DeviceInfo), log *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Watcher{
		log:      log.With("component", "device-watcher"),
		interval: interval,
		onChange: onChange,
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start begins polling. Calling it again is a no-op.
func (w *Watcher) Start() {
	w.startOnce.Do(func() {
		if devices, err := Enumerate(w.log); err != nil {
			w.log.Warn("initial device scan failed", "err", err)
		} else {
			w.store(devices)
		}
		w.started.Store(true)
		go w.loop()
	})
}

// Devices returns the most recent snapshot.
func (w *Watcher) Devices() []audio.DeviceInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}

// Stop halts polling. Safe to call before Start.
func (w *Watcher) Stop() {
	select {
	case <-w.quit:
		return
	default:
	}
	close(w.quit)
	if w.started.Load() {
		<-w.stopped
	}
}

func (w *Watcher) store(devices []audio.DeviceInfo) {
	w.mu.Lock()
	changed := !sameDevices(w.last, devices)
	w.last = devices
	w.mu.Unlock()
	if changed && w.onChange != nil {
		w.onChange(devices)
	}
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			devices, err := Enumerate(w.log)
			if err != nil {
				w.log.Warn("device scan failed", "err", err)
				continue
			}
			w.store(devices)
		case <-w.quit:
			return
		}
	}
}

func sameDevices(a, b []audio.DeviceInfo) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Handle != b[i].Handle || a[i].Label != b[i].Label ||
			a[i].IsDefault != b[i].IsDefault || a[i].Type != b[i].Type {
			return false
		}
	}
	return true
}
