package ipc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// MaxPayload bounds one control frame. Control messages are small; a
// larger length prefix means a corrupt or hostile stream.
const MaxPayload = 16 * 1024

// MaxFdsPerFrame is the most descriptors any message carries (the buffer
// stream response: pool, ready ring, free ring).
const MaxFdsPerFrame = 3

// WriteFrame writes one control frame.
// Wire format: [message_type (uvarint)] [payload_length (uint16 big-endian)] [payload].
func WriteFrame(w io.Writer, msgType uint64, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("payload %d exceeds frame limit", len(payload))
	}
	var head [binary.MaxVarintLen64 + 2]byte
	n := binary.PutUvarint(head[:], msgType)
	binary.BigEndian.PutUint16(head[n:], uint16(len(payload)))
	if _, err := w.Write(head[:n+2]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one control frame from the stream.
func ReadFrame(r io.Reader) (uint64, []byte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		buffered := bufio.NewReader(r)
		br = buffered
		r = buffered
	}
	msgType, err := binary.ReadUvarint(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message type: %w", err)
	}
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("read payload length: %w", err)
	}
	length := int(binary.BigEndian.Uint16(lenBuf[:]))
	if length > MaxPayload {
		return 0, nil, fmt.Errorf("payload length %d exceeds frame limit", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload: %w", err)
	}
	return msgType, payload, nil
}

// WriteFrameWithFds sends one frame and attaches file descriptors to its
// first byte via SCM_RIGHTS. The receiver gets duplicated descriptors; the
// caller keeps ownership of its own.
func WriteFrameWithFds(conn *net.UnixConn, msgType uint64, payload []byte, fds []int) error {
	if len(fds) == 0 {
		return WriteFrame(conn, msgType, payload)
	}
	if len(fds) > MaxFdsPerFrame {
		return fmt.Errorf("%d descriptors exceed frame limit", len(fds))
	}
	var head [binary.MaxVarintLen64 + 2]byte
	n := binary.PutUvarint(head[:], msgType)
	binary.BigEndian.PutUint16(head[n:], uint16(len(payload)))
	frame := append(head[:n+2:n+2], payload...)

	rights := unix.UnixRights(fds...)
	written, oobWritten, err := conn.WriteMsgUnix(frame, rights, nil)
	if err != nil {
		return fmt.Errorf("send frame with descriptors: %w", err)
	}
	if oobWritten != len(rights) {
		return fmt.Errorf("short control message write: %d of %d", oobWritten, len(rights))
	}
	if written < len(frame) {
		if _, err := conn.Write(frame[written:]); err != nil {
			return fmt.Errorf("finish frame after descriptors: %w", err)
		}
	}
	return nil
}

// fdBatch records descriptors together with the buffered byte offset at
// which their SCM_RIGHTS segment started, so each batch stays attached to
// the frame that carried it even when one read pulls several frames.
type fdBatch struct {
	off int
	fds []int
}

// FrameReader reads frames and captures any SCM_RIGHTS descriptors that
// arrive with them. It buffers stream bytes internally, so all reads on
// the connection must go through one FrameReader.
type FrameReader struct {
	conn    *net.UnixConn
	buf     []byte
	batches []fdBatch
}

// NewFrameReader wraps conn for frame reading with descriptor capture.
func NewFrameReader(conn *net.UnixConn) *FrameReader {
	return &FrameReader{conn: conn}
}

// ReadFrame returns the next frame and any descriptors attached to it.
// Ownership of the returned descriptors moves to the caller.
func (fr *FrameReader) ReadFrame() (uint64, []byte, []int, error) {
	// Message type varint.
	msgType := uint64(0)
	shift := uint(0)
	i := 0
	for {
		if i >= len(fr.buf) {
			if err := fr.fill(); err != nil {
				return 0, nil, nil, err
			}
		}
		b := fr.buf[i]
		i++
		msgType |= uint64(b&0x7f) << shift
		if b < 0x80 {
			break
		}
		shift += 7
		if shift > 63 {
			return 0, nil, nil, fmt.Errorf("message type varint overflow")
		}
	}
	for len(fr.buf) < i+2 {
		if err := fr.fill(); err != nil {
			return 0, nil, nil, err
		}
	}
	length := int(binary.BigEndian.Uint16(fr.buf[i : i+2]))
	if length > MaxPayload {
		return 0, nil, nil, fmt.Errorf("payload length %d exceeds frame limit", length)
	}
	total := i + 2 + length
	for len(fr.buf) < total {
		if err := fr.fill(); err != nil {
			return 0, nil, nil, err
		}
	}
	payload := make([]byte, length)
	copy(payload, fr.buf[i+2:total])
	fr.buf = fr.buf[total:]

	// Hand over only the batches whose bytes fell inside this frame and
	// rebase the rest against the consumed prefix.
	var fds []int
	kept := fr.batches[:0]
	for _, b := range fr.batches {
		if b.off < total {
			fds = append(fds, b.fds...)
			continue
		}
		b.off -= total
		kept = append(kept, b)
	}
	fr.batches = kept
	return msgType, payload, fds, nil
}

func (fr *FrameReader) fill() error {
	data := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(MaxFdsPerFrame*4))
	n, oobn, _, _, err := fr.conn.ReadMsgUnix(data, oob)
	if err != nil {
		return err
	}
	if n == 0 && oobn == 0 {
		return io.EOF
	}
	// The kernel stops a recvmsg at an ancillary-data boundary, so any
	// rights in this read belong to the segment starting at the current
	// end of the buffer.
	off := len(fr.buf)
	fr.buf = append(fr.buf, data[:n]...)
	if oobn > 0 {
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return fmt.Errorf("parse control message: %w", err)
		}
		var fds []int
		for _, m := range msgs {
			got, err := unix.ParseUnixRights(&m)
			if err != nil {
				continue
			}
			fds = append(fds, got...)
		}
		if len(fds) > 0 {
			fr.batches = append(fr.batches, fdBatch{off: off, fds: fds})
		}
	}
	return nil
}
