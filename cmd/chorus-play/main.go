// chorus-play is a demo client: it opens an output session on a running
// chorus server, maps the session ring, and streams a sine tone through
// the full producer pipeline (graph source, sample-rate conversion, ring
// sink) until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zsiec/chorus/internal/audio"
	"github.com/zsiec/chorus/internal/ipc"
	"github.com/zsiec/chorus/internal/render"
	"github.com/zsiec/chorus/internal/shm"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	socket := envOr("CHORUS_SOCKET", defaultSocketPath())
	freq := envFloat("PLAY_FREQ_HZ", 440)
	contextRate := uint32(envFloat("PLAY_CONTEXT_RATE", 44100))
	seconds := envFloat("PLAY_SECONDS", 5)

	if err := run(socket, freq, contextRate, time.Duration(seconds*float64(time.Second))); err != nil {
		slog.Error("playback failed", "error", err)
		os.Exit(1)
	}
}

func run(socket string, freq float64, contextRate uint32, duration time.Duration) error {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: socket, Net: "unix"})
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socket, err)
	}
	defer conn.Close()
	fr := ipc.NewFrameReader(conn)

	req := ipc.CreateOutputSession{TargetLatencyMs: 40}
	if err := ipc.WriteFrame(conn, ipc.MsgCreateOutputSession, ipc.AppendCreateOutputSession(nil, req)); err != nil {
		return err
	}
	msgType, payload, fds, err := fr.ReadFrame()
	if err != nil {
		return err
	}
	if msgType != ipc.MsgOutputSessionCreated {
		return fmt.Errorf("unexpected response type %#x", msgType)
	}
	created, err := ipc.ParseOutputSessionCreated(payload)
	if err != nil {
		return err
	}
	if created.SessionID == 0 || len(fds) != 1 {
		return fmt.Errorf("server could not create an output session")
	}
	ring, err := shm.OpenRing(fds[0])
	if err != nil {
		return fmt.Errorf("map session ring: %w", err)
	}
	defer ring.Close()

	slog.Info("session created",
		"session", created.SessionID,
		"device_rate", created.SampleRate,
		"channels", created.ChannelCount,
		"ring_bytes", ring.Capacity(),
	)

	channels := int(created.ChannelCount)
	source := &sineSource{freq: freq, rate: contextRate, channels: channels}
	sink := render.NewRingSink(ring, channels)
	sampler, err := render.NewSessionSampler(source, sink, channels, contextRate, created.SampleRate)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deadline := time.Now().Add(duration)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-ticker.C:
			sampler.Pump()
		}
	}

	slog.Info("done",
		"frames_written", sampler.FramesWritten(),
		"underrun_frames", sampler.UnderrunFrames(),
	)

	if err := ipc.WriteFrame(conn, ipc.MsgDestroyOutputSession, ipc.AppendSessionID(nil, created.SessionID)); err != nil {
		return err
	}
	msgType, payload, fds, err = fr.ReadFrame()
	if err != nil {
		return err
	}
	for _, fd := range fds {
		unix.Close(fd)
	}
	if msgType == ipc.MsgError {
		reason, _ := ipc.ParseError(payload)
		return fmt.Errorf("destroy session: %s", reason)
	}
	return nil
}

// sineSource renders a constant tone on every channel.
type sineSource struct {
	freq     float64
	rate     uint32
	channels int
	phase    float64
}

func (s *sineSource) BeginQuantum(renderedFrames uint64) {}

func (s *sineSource) RenderQuantum(bus [][]float32) {
	step := 2 * math.Pi * s.freq / float64(s.rate)
	for i := 0; i < audio.RenderQuantumSize; i++ {
		v := float32(math.Sin(s.phase)) * 0.5
		s.phase += step
		for ch := 0; ch < s.channels; ch++ {
			bus[ch][i] = v
		}
	}
	if s.phase > 2*math.Pi {
		s.phase -= 2 * math.Pi
	}
}

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir + "/chorus.sock"
	}
	return fmt.Sprintf("/tmp/chorus-%d.sock", os.Getuid())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring invalid value", "key", key, "value", v)
		return fallback
	}
	return f
}
