package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// SerialFrameMagic starts every serial frame.
	SerialFrameMagic uint16 = 0xC03E
	// MaxSerialPayload is the largest payload carried by one serial frame.
	MaxSerialPayload = 256
	// SerialHeaderSize is magic (2) + length (2).
	SerialHeaderSize = 4
	// SerialChecksumSize is the trailing Fletcher-16 checksum.
	SerialChecksumSize = 2
	// MinSerialFrameSize is the size of a frame with an empty payload.
	MinSerialFrameSize = SerialHeaderSize + SerialChecksumSize
)

var (
	ErrFrameTooShort    = errors.New("frame too short")
	ErrInvalidMagic     = errors.New("invalid frame magic")
	ErrPayloadTooLarge  = errors.New("payload exceeds maximum size")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrIncompleteFrame  = errors.New("incomplete frame")
)

// EncodeSerialFrame wraps payload in a checksummed frame.
// Frame format: [0xC03E (2 bytes BE)][length (2 bytes BE)][payload][fletcher16 (2 bytes BE)]
func EncodeSerialFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxSerialPayload {
		return nil, ErrPayloadTooLarge
	}

	frame := make([]byte, SerialHeaderSize+len(payload)+SerialChecksumSize)
	binary.BigEndian.PutUint16(frame[0:2], SerialFrameMagic)
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[SerialHeaderSize:], payload)
	binary.BigEndian.PutUint16(frame[SerialHeaderSize+len(payload):], Fletcher16(payload))
	return frame, nil
}

// DecodeSerialFrame decodes the frame at the start of data. It returns the
// payload (copied) and the bytes following the frame.
func DecodeSerialFrame(data []byte) ([]byte, []byte, error) {
	if len(data) < MinSerialFrameSize {
		return nil, data, ErrFrameTooShort
	}
	if binary.BigEndian.Uint16(data[0:2]) != SerialFrameMagic {
		return nil, data, ErrInvalidMagic
	}

	n := int(binary.BigEndian.Uint16(data[2:4]))
	if n > MaxSerialPayload {
		return nil, data, ErrPayloadTooLarge
	}
	total := SerialHeaderSize + n + SerialChecksumSize
	if len(data) < total {
		return nil, data, ErrIncompleteFrame
	}

	payload := data[SerialHeaderSize : SerialHeaderSize+n]
	got := binary.BigEndian.Uint16(data[SerialHeaderSize+n : total])
	if want := Fletcher16(payload); got != want {
		return nil, data, fmt.Errorf("%w: expected %04x, got %04x", ErrChecksumMismatch, want, got)
	}

	out := make([]byte, n)
	copy(out, payload)
	return out, data[total:], nil
}

// FindSerialMagic returns the index of the first frame magic in data, or -1.
// Used to resynchronize after line noise.
func FindSerialMagic(data []byte) int {
	hi, lo := byte(SerialFrameMagic>>8), byte(SerialFrameMagic&0xFF)
	for i := 0; i+1 < len(data); i++ {
		if data[i] == hi && data[i+1] == lo {
			return i
		}
	}
	return -1
}

// Fletcher16 computes the Fletcher-16 checksum of data.
func Fletcher16(data []byte) uint16 {
	var sum1, sum2 uint16
	for _, b := range data {
		sum1 = (sum1 + uint16(b)) % 255
		sum2 = (sum2 + sum1) % 255
	}
	return sum2<<8 | sum1
}
