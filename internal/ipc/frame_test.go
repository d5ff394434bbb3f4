package ipc

import (
	"bytes"
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func unixConnPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return connFromFd(t, fds[0]), connFromFd(t, fds[1])
}

func connFromFd(t *testing.T, fd int) *net.UnixConn {
	t.Helper()
	f := os.NewFile(uintptr(fd), "sock")
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		t.Fatalf("expected *net.UnixConn, got %T", c)
	}
	t.Cleanup(func() { uc.Close() })
	return uc
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello")
	if err := WriteFrame(&buf, MsgGetOutputDevices, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	msgType, got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if msgType != MsgGetOutputDevices {
		t.Errorf("message type = %#x, want %#x", msgType, MsgGetOutputDevices)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, MsgOK, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	msgType, payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if msgType != MsgOK || len(payload) != 0 {
		t.Errorf("got type %#x payload %d bytes, want %#x empty", msgType, len(payload), MsgOK)
	}
}

func TestFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, MsgOK, make([]byte, MaxPayload+1)); err == nil {
		t.Fatal("expected oversized payload rejection")
	}
}

func TestFrameReaderSequence(t *testing.T) {
	a, b := unixConnPair(t)
	fr := NewFrameReader(b)

	frames := []struct {
		msgType uint64
		payload []byte
	}{
		{MsgGetOutputDeviceFormat, nil},
		{MsgSetVolume, AppendSetVolume(nil, 0.5)},
		{MsgDestroyOutputSession, AppendSessionID(nil, 7)},
	}
	for _, f := range frames {
		if err := WriteFrame(a, f.msgType, f.payload); err != nil {
			t.Fatalf("WriteFrame %#x: %v", f.msgType, err)
		}
	}
	for _, want := range frames {
		msgType, payload, fds, err := fr.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if msgType != want.msgType {
			t.Errorf("message type = %#x, want %#x", msgType, want.msgType)
		}
		if !bytes.Equal(payload, want.payload) {
			t.Errorf("payload mismatch for %#x", want.msgType)
		}
		if len(fds) != 0 {
			t.Errorf("unexpected descriptors: %v", fds)
		}
	}
}

func TestFrameReaderCapturesDescriptors(t *testing.T) {
	a, b := unixConnPair(t)
	fr := NewFrameReader(b)

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	writeEnd := os.NewFile(uintptr(pipe[1]), "pipe-w")
	defer writeEnd.Close()

	payload := AppendOutputSessionCreated(nil, OutputSessionCreated{SessionID: 3, SampleRate: 48000, ChannelCount: 2})
	if err := WriteFrameWithFds(a, MsgOutputSessionCreated, payload, []int{pipe[0]}); err != nil {
		t.Fatalf("WriteFrameWithFds: %v", err)
	}
	unix.Close(pipe[0])

	msgType, got, fds, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if msgType != MsgOutputSessionCreated {
		t.Fatalf("message type = %#x, want %#x", msgType, MsgOutputSessionCreated)
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload mismatch")
	}
	if len(fds) != 1 {
		t.Fatalf("got %d descriptors, want 1", len(fds))
	}

	// The received descriptor must point at the same pipe.
	if _, err := writeEnd.Write([]byte("ping")); err != nil {
		t.Fatalf("pipe write: %v", err)
	}
	readEnd := os.NewFile(uintptr(fds[0]), "pipe-r")
	defer readEnd.Close()
	buf := make([]byte, 4)
	if _, err := readEnd.Read(buf); err != nil {
		t.Fatalf("pipe read: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("pipe carried %q, want %q", buf, "ping")
	}
}

func TestDescriptorsStayWithTheirFrame(t *testing.T) {
	a, b := unixConnPair(t)
	fr := NewFrameReader(b)

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(pipe[1])

	// Queue a plain frame and a descriptor-carrying frame before the
	// reader runs, so one buffered read may pull both.
	if err := WriteFrame(a, MsgOutputSessionID, AppendSessionID(nil, 5)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	ready := AppendOutputSessionCreated(nil, OutputSessionCreated{SessionID: 5, SampleRate: 48000, ChannelCount: 2})
	if err := WriteFrameWithFds(a, MsgOutputSessionReady, ready, []int{pipe[0]}); err != nil {
		t.Fatalf("WriteFrameWithFds: %v", err)
	}
	unix.Close(pipe[0])

	msgType, _, fds, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if msgType != MsgOutputSessionID {
		t.Fatalf("first frame type = %#x, want %#x", msgType, MsgOutputSessionID)
	}
	if len(fds) != 0 {
		t.Fatalf("descriptors %v delivered with the id frame, want none", fds)
	}

	msgType, _, fds, err = fr.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if msgType != MsgOutputSessionReady {
		t.Fatalf("second frame type = %#x, want %#x", msgType, MsgOutputSessionReady)
	}
	if len(fds) != 1 {
		t.Fatalf("got %d descriptors with the ready frame, want 1", len(fds))
	}
	unix.Close(fds[0])
}

func TestFrameReaderRejectsOversizedLength(t *testing.T) {
	a, b := unixConnPair(t)
	fr := NewFrameReader(b)

	// Hand-build a header claiming a payload past the limit.
	if _, err := a.Write([]byte{0x01, 0xff, 0xff}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, _, err := fr.ReadFrame(); err == nil {
		t.Fatal("expected length rejection")
	}
}

func TestWriteFrameWithFdsRejectsTooMany(t *testing.T) {
	a, _ := unixConnPair(t)
	fds := []int{0, 1, 2, 2}
	if err := WriteFrameWithFds(a, MsgOK, nil, fds); err == nil {
		t.Fatal("expected descriptor count rejection")
	}
}
