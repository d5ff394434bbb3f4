package driver

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/zsiec/chorus/internal/audio"
)

// platformDevice is the thin surface the control loop needs from the
// OS-facing adapter. Start and Stop are only ever called from the control
// goroutine.
type platformDevice interface {
	Start() error
	Stop() error
	Uninit()
}

// Driver states and the tasks that move between them.
const (
	StateCreated   = "created"
	StatePlaying   = "playing"
	StateSuspended = "suspended"
)

type taskKind int

const (
	taskResume taskKind = iota
	taskDrain
	taskDiscard
	taskSetVolume
)

type task struct {
	kind   taskKind
	volume float64
	done   chan error
}

// Driver owns the control goroutine shared by all platform adapters: a
// bounded task queue, the created/playing/suspended state machine, and the
// volume cell the real-time callback reads.
type Driver struct {
	log        *slog.Logger
	cfg        Config
	device     platformDevice
	format     audio.Format
	channelMap audio.ChannelMap

	periodFrames int

	machine *fsm.FSM
	tasks   chan task
	quit    chan struct{}
	stopped chan struct{}

	volumeBits atomic.Uint64
	underruns  atomic.Int64
}

func newDriver(device platformDevice, format audio.Format, channelMap audio.ChannelMap, periodFrames int, cfg Config, log *slog.Logger) *Driver {
	d := &Driver{
		log:          log.With("component", "driver"),
		cfg:          cfg,
		device:       device,
		format:       format,
		channelMap:   channelMap,
		periodFrames: periodFrames,
		tasks:        make(chan task, 16),
		quit:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	d.volumeBits.Store(math.Float64bits(1.0))
	d.machine = fsm.NewFSM(
		StateCreated,
		fsm.Events{
			{Name: "resume", Src: []string{StateCreated, StateSuspended}, Dst: StatePlaying},
			{Name: "suspend", Src: []string{StateCreated, StatePlaying}, Dst: StateSuspended},
		},
		fsm.Callbacks{},
	)
	go d.controlLoop()
	return d
}

// Format returns the negotiated device format.
func (d *Driver) Format() audio.Format { return d.format }

// ChannelMap returns the derived speaker layout.
func (d *Driver) ChannelMap() audio.ChannelMap { return d.channelMap }

// State returns the current control state.
func (d *Driver) State() string { return d.machine.Current() }

// Volume returns the current software volume in [0, 1].
func (d *Driver) Volume() float64 {
	return math.Float64frombits(d.volumeBits.Load())
}

// Underruns returns the total zero-filled frames on the real-time path.
func (d *Driver) Underruns() int64 { return d.underruns.Load() }

// Resume starts (or restarts) the hardware stream.
func (d *Driver) Resume() <-chan error {
	return d.submit(task{kind: taskResume})
}

// DrainAndSuspend lets buffered audio play out, then stops the stream.
func (d *Driver) DrainAndSuspend() <-chan error {
	return d.submit(task{kind: taskDrain})
}

// DiscardAndSuspend stops the stream immediately, dropping buffered audio.
func (d *Driver) DiscardAndSuspend() <-chan error {
	return d.submit(task{kind: taskDiscard})
}

// SetVolume updates the software volume, clamped to [0, 1].
func (d *Driver) SetVolume(v float64) <-chan error {
	return d.submit(task{kind: taskSetVolume, volume: v})
}

func (d *Driver) submit(t task) <-chan error {
	t.done = make(chan error, 1)
	select {
	case d.tasks <- t:
	case <-d.quit:
		t.done <- ErrDriverClosed
	}
	return t.done
}

// Close stops the control goroutine and releases the platform device. Any
// queued tasks resolve with ErrDriverClosed.
func (d *Driver) Close() error {
	select {
	case <-d.quit:
		return nil
	default:
	}
	close(d.quit)
	<-d.stopped
	if d.machine.Current() == StatePlaying {
		if err := d.device.Stop(); err != nil {
			d.log.Warn("stopping device on close", "err", err)
		}
	}
	d.device.Uninit()
	return nil
}

func (d *Driver) controlLoop() {
	defer close(d.stopped)
	for {
		select {
		case t := <-d.tasks:
			d.handle(t)
			// Drain everything already queued before going back to sleep;
			// several callers may have signalled together.
			d.drainQueue()
		case <-d.quit:
			d.failPending()
			return
		}
	}
}

func (d *Driver) drainQueue() {
	for {
		select {
		case t := <-d.tasks:
			d.handle(t)
		default:
			return
		}
	}
}

func (d *Driver) failPending() {
	for {
		select {
		case t := <-d.tasks:
			t.done <- ErrDriverClosed
		default:
			return
		}
	}
}

func (d *Driver) handle(t task) {
	switch t.kind {
	case taskResume:
		t.done <- d.resume()
	case taskDrain:
		t.done <- d.drain()
	case taskDiscard:
		t.done <- d.discard()
	case taskSetVolume:
		v := t.volume
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		d.volumeBits.Store(math.Float64bits(v))
		t.done <- nil
	}
}

func (d *Driver) resume() error {
	if d.machine.Current() == StatePlaying {
		return nil
	}
	if err := d.device.Start(); err != nil {
		return err
	}
	return d.machine.Event(context.Background(), "resume")
}

// drain sleeps for most of the buffered duration, short-polls the
// remainder, then stops the stream. Sleeping proportionally instead of
// spinning keeps the control goroutine cheap for large buffers.
func (d *Driver) drain() error {
	if d.machine.Current() != StatePlaying {
		return d.suspend()
	}
	pending := d.periodFrames
	if d.cfg.PendingFrames != nil {
		pending += d.cfg.PendingFrames()
	}
	if pending > 0 && d.format.SampleRate > 0 {
		bulk := time.Duration(float64(pending) / float64(d.format.SampleRate) * 0.8 * float64(time.Second))
		time.Sleep(bulk)
		deadline := time.Now().Add(500 * time.Millisecond)
		for d.cfg.PendingFrames != nil && d.cfg.PendingFrames() > 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	if err := d.device.Stop(); err != nil {
		return err
	}
	return d.suspend()
}

func (d *Driver) discard() error {
	if d.cfg.DiscardPending != nil {
		d.cfg.DiscardPending()
	}
	if d.machine.Current() == StatePlaying {
		if err := d.device.Stop(); err != nil {
			return err
		}
	}
	return d.suspend()
}

func (d *Driver) suspend() error {
	if d.machine.Current() == StateSuspended {
		return nil
	}
	return d.machine.Event(context.Background(), "suspend")
}

// fillOutput is the shared real-time path: request frames, apply volume,
// zero-fill any shortfall. No logging or allocation happens here.
func (d *Driver) fillOutput(samples []float32, frames int) {
	channels := int(d.format.ChannelCount)
	n := 0
	if d.cfg.DataRequest != nil {
		n = d.cfg.DataRequest(samples, frames)
	}
	if v := d.Volume(); v != 1.0 {
		vf := float32(v)
		for i := 0; i < n*channels; i++ {
			samples[i] *= vf
		}
	}
	if n < frames {
		for i := n * channels; i < frames*channels; i++ {
			samples[i] = 0
		}
		d.underruns.Add(int64(frames - n))
		if d.cfg.OnUnderrun != nil {
			d.cfg.OnUnderrun(frames - n)
		}
	}
}
