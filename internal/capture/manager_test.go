package capture

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"

	"github.com/zsiec/chorus/internal/audio"
)

// fakeOpener records opens and hands the push function back to the test.
type fakeOpener struct {
	push    func([]float32, int)
	stopped atomic.Int64
	err     error
}

func (f *fakeOpener) opener() DeviceOpener {
	return func(deviceID string, format audio.Format, push func([]float32, int)) (func(), error) {
		if f.err != nil {
			return nil, f.err
		}
		f.push = push
		return func() { f.stopped.Add(1) }, nil
	}
}

func TestManagerCreateAndDestroy(t *testing.T) {
	opener := &fakeOpener{}
	var ids atomic.Uint64
	m := NewManager(opener.opener(), &ids, slog.Default())
	defer m.Close()

	s, err := m.CreateStream("dev0", 48000, 1, 256, DropOldest)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.ID)
	assert.Equal(t, 1, m.Count())

	// Captured audio flows through the ring and wakes the notify pipe.
	opener.push([]float32{0.1, 0.2, 0.3}, 3)
	assert.Equal(t, 3, s.Ring.AvailableFrames())
	var b [8]byte
	n, err := unix.Read(s.NotifyFd(), b[:])
	require.NoError(t, err)
	assert.Equal(t, 1, n, "one wake byte per committed chunk")

	require.True(t, m.DestroyStream(s.ID))
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, int64(1), opener.stopped.Load())
	assert.False(t, m.DestroyStream(s.ID), "double destroy must report missing")
}

func TestManagerIDsAreMonotonic(t *testing.T) {
	opener := &fakeOpener{}
	var ids atomic.Uint64
	m := NewManager(opener.opener(), &ids, slog.Default())
	defer m.Close()

	a, err := m.CreateStream("dev0", 48000, 1, 64, Lossless)
	require.NoError(t, err)
	b, err := m.CreateStream("dev0", 48000, 1, 64, Lossless)
	require.NoError(t, err)
	assert.Greater(t, b.ID, a.ID)
}

func TestManagerDeviceFailureReleasesEverything(t *testing.T) {
	opener := &fakeOpener{err: errors.New("no such device")}
	var ids atomic.Uint64
	m := NewManager(opener.opener(), &ids, slog.Default())
	defer m.Close()

	_, err := m.CreateStream("ghost", 48000, 1, 64, Lossless)
	require.Error(t, err)
	assert.Equal(t, 0, m.Count())
}

func TestManagerDestroyAll(t *testing.T) {
	opener := &fakeOpener{}
	var ids atomic.Uint64
	m := NewManager(opener.opener(), &ids, slog.Default())
	defer m.Close()

	a, _ := m.CreateStream("dev0", 48000, 1, 64, Lossless)
	b, _ := m.CreateStream("dev0", 48000, 1, 64, Lossless)
	c, _ := m.CreateStream("dev1", 48000, 1, 64, Lossless)

	// Connection teardown destroys only that connection's streams.
	m.DestroyAll([]uint64{a.ID, b.ID})
	assert.Equal(t, 1, m.Count())
	assert.True(t, m.DestroyStream(c.ID))
}
