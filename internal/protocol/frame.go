package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// MaxPacketSize caps a single frame's declared payload length. Anything
// larger is treated as a protocol violation and the connection is dropped
// before the payload is allocated.
const MaxPacketSize = 50 * 1024 * 1024

var (
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum packet size")
	ErrEmptyFrame    = errors.New("protocol: zero-length frame")
	ErrShortFrame    = errors.New("protocol: short frame")
)

// WriteFrame writes payload to w prefixed with its length as a big-endian
// uint32. The prefix and payload are written in a single call so a frame is
// never interleaved with another writer on the same connection.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if len(payload) > MaxPacketSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:], payload)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
//
// A clean EOF before the first prefix byte is returned as io.EOF so stream
// consumers can treat connection close as end-of-data. A connection that
// dies mid-prefix or mid-payload yields ErrShortFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, ErrShortFrame
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 {
		return nil, ErrEmptyFrame
	}
	if length > MaxPacketSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, ErrShortFrame
	}

	return payload, nil
}
