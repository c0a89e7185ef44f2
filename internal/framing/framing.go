// Package framing reads and writes length-prefixed frames: a 4-byte
// big-endian length followed by the payload.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/proto"
)

// MaxFrameSize bounds a single frame.
const MaxFrameSize = 1 << 20

var ErrFrameTooLarge = errors.New("framing: frame too large")

// WriteFrame writes payload as a single frame. Header and body go out in
// one Write so concurrent writers serialized by the caller never interleave.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame. A zero-length frame marks end of stream.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lb [4]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lb[:])
	if length == 0 {
		return nil, io.EOF
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func WriteMessage(w io.Writer, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

func ReadMessage(r io.Reader, msg proto.Message) error {
	buf, err := ReadFrame(r)
	if err != nil {
		return err
	}
	return proto.Unmarshal(buf, msg)
}
