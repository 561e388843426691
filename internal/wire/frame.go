// Package wire implements the control-plane wire protocol: a
// length-prefixed stream of self-describing MessagePack maps exchanged
// between the Manager and its Workers over the AF_UNIX control socket.
// Framing is a fixed-size length prefix read with io.ReadFull followed
// by exactly that many payload bytes; the payload codec is MessagePack
// via github.com/vmihailenco/msgpack/v5.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// lengthPrefixSize is the width of the frame's length prefix, matching
// the protocol convention of a fixed-width header ahead of a
// variable-length body.
const lengthPrefixSize = 4

// maxFrameBytes guards against a corrupt or hostile length prefix causing
// an unbounded allocation.
const maxFrameBytes = 64 << 20

// writeFrame writes a length-prefixed frame: a 4-byte big-endian length
// followed by body.
func writeFrame(w io.Writer, body []byte) error {
	var header [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// readFrame reads exactly one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var header [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}
	return body, nil
}

// FrameBody returns body wrapped in one length-prefixed frame, for
// callers (the Server's non-blocking writer) that need the framed bytes
// as a single buffer rather than an io.Writer stream.
func FrameBody(body []byte) []byte {
	out := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(out[:lengthPrefixSize], uint32(len(body)))
	copy(out[lengthPrefixSize:], body)
	return out
}

// ErrFrameTooLarge reports a length prefix exceeding maxFrameBytes. A
// peer that sends one is corrupt or hostile and its stream cannot be
// resynchronized; callers must drop the connection.
var ErrFrameTooLarge = errors.New("wire: frame length exceeds maximum")

// SplitFrame extracts at most one complete length-prefixed frame from the
// front of buf, for callers (the Server's poll-driven reader) that
// accumulate bytes from a non-blocking socket across multiple readiness
// events rather than blocking in io.ReadFull. ok is false if buf does not
// yet contain a full frame; rest is the unconsumed remainder of buf. A
// non-nil error means the stream itself is bad, not merely short: the
// caller must stop reading from this peer rather than wait for more
// bytes.
func SplitFrame(buf []byte) (body []byte, rest []byte, ok bool, err error) {
	if len(buf) < lengthPrefixSize {
		return nil, buf, false, nil
	}
	length := binary.BigEndian.Uint32(buf[:lengthPrefixSize])
	if length > maxFrameBytes {
		return nil, buf, false, ErrFrameTooLarge
	}
	total := lengthPrefixSize + int(length)
	if len(buf) < total {
		return nil, buf, false, nil
	}
	return buf[lengthPrefixSize:total], buf[total:], true, nil
}
