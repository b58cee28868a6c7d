package codec

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// EnvelopeKind identifies a transport control or data frame.
type EnvelopeKind uint8

const (
	// KindBeacon announces a device advertising a service.
	KindBeacon EnvelopeKind = iota + 1
	// KindHello requests a connection.
	KindHello
	// KindAccept signals local acceptance of a connection.
	KindAccept
	// KindData carries a payload on an established connection.
	KindData
	// KindBye abandons or closes a connection.
	KindBye
)

// String returns the frame kind name.
func (k EnvelopeKind) String() string {
	switch k {
	case KindBeacon:
		return "beacon"
	case KindHello:
		return "hello"
	case KindAccept:
		return "accept"
	case KindData:
		return "data"
	case KindBye:
		return "bye"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is the frame exchanged by the lan, mqtt and serial transports.
type Envelope struct {
	Kind    EnvelopeKind `cbor:"1,keyasint"`
	From    string       `cbor:"2,keyasint"`
	To      string       `cbor:"3,keyasint,omitempty"`
	Service string       `cbor:"4,keyasint,omitempty"`
	Data    []byte       `cbor:"5,keyasint,omitempty"`
}

// EncodeEnvelope serializes e.
func EncodeEnvelope(e *Envelope) ([]byte, error) {
	if e.Kind < KindBeacon || e.Kind > KindBye || e.From == "" {
		return nil, ErrInvalidEnvelope
	}
	data, err := cbor.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses an envelope produced by EncodeEnvelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := decMode.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if e.Kind < KindBeacon || e.Kind > KindBye || e.From == "" {
		return nil, fmt.Errorf("%w: kind %s from %q", ErrInvalidEnvelope, e.Kind, e.From)
	}
	return &e, nil
}
