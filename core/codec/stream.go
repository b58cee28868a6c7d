package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// StreamHeaderSize is the size of the big-endian length prefix.
	StreamHeaderSize = 4
	// MaxStreamFrame bounds a single stream frame (one batch plus slack).
	MaxStreamFrame = MaxBatchSize + 1024
)

var ErrFrameTooLarge = errors.New("frame too large")

// WriteFrame writes data as one length-prefixed frame.
// Frame format: [length (4 bytes BE)][data]
//
// Header and body go out in a single Write so concurrent writers that
// serialize on w never interleave partial frames.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxStreamFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	buf := make([]byte, StreamHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[StreamHeaderSize:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [StreamHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxStreamFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return data, nil
}
