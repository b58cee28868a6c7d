// Package codec provides the wire formats used by the SOS mesh: the message
// batch exchanged between peers, length-prefixed stream frames for
// connection-oriented links, and checksummed frames for serial links.
package codec

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/kabili207/sosmesh-go/core/message"
)

const (
	// BatchMagic is the first byte of every encoded batch ('S').
	BatchMagic byte = 0x53
	// BatchVersion is the current batch format version.
	BatchVersion byte = 1
	// BatchHeaderSize is the size of the magic + version header.
	BatchHeaderSize = 2
	// MaxBatchSize bounds an encoded batch.
	MaxBatchSize = 4 << 20
	// MaxBatchRecords bounds the number of records in one batch.
	MaxBatchRecords = 65536
)

var (
	ErrBatchTooShort      = errors.New("batch too short")
	ErrBadMagic           = errors.New("invalid batch magic")
	ErrUnsupportedVersion = errors.New("unsupported batch version")
	ErrBatchTooLarge      = errors.New("batch exceeds maximum size")
)

// record is the CBOR form of a message. Integer keys keep batches small on
// low-bandwidth links.
type record struct {
	ID              string   `cbor:"1,keyasint"`
	OriginID        string   `cbor:"2,keyasint"`
	Text            string   `cbor:"3,keyasint,omitempty"`
	Category        string   `cbor:"4,keyasint,omitempty"`
	Latitude        *float64 `cbor:"5,keyasint,omitempty"`
	Longitude       *float64 `cbor:"6,keyasint,omitempty"`
	Equipment       string   `cbor:"7,keyasint,omitempty"`
	CreatedAt       int64    `cbor:"8,keyasint"`
	HopCount        int      `cbor:"9,keyasint"`
	LocallyAuthored bool     `cbor:"10,keyasint,omitempty"`
	Acknowledged    bool     `cbor:"11,keyasint,omitempty"`
}

var decMode = mustDecMode()

func mustDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{
		MaxArrayElements: MaxBatchRecords,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: invalid CBOR decode options: %v", err))
	}
	return dm
}

func toRecord(m *message.Message) record {
	return record{
		ID:              m.ID,
		OriginID:        m.OriginID,
		Text:            m.Payload.Text,
		Category:        m.Payload.Category,
		Latitude:        m.Payload.Latitude,
		Longitude:       m.Payload.Longitude,
		Equipment:       m.Payload.Equipment,
		CreatedAt:       m.CreatedAt,
		HopCount:        m.HopCount,
		LocallyAuthored: m.LocallyAuthored,
		Acknowledged:    m.Acknowledged,
	}
}

func (r *record) toMessage() *message.Message {
	return &message.Message{
		ID:       r.ID,
		OriginID: r.OriginID,
		Payload: message.Payload{
			Text:      r.Text,
			Category:  r.Category,
			Latitude:  r.Latitude,
			Longitude: r.Longitude,
			Equipment: r.Equipment,
		},
		CreatedAt:       r.CreatedAt,
		HopCount:        r.HopCount,
		LocallyAuthored: r.LocallyAuthored,
		Acknowledged:    r.Acknowledged,
	}
}

// EncodeBatch serializes an ordered sequence of messages.
// Format: [magic][version][CBOR array of records]
func EncodeBatch(msgs []*message.Message) ([]byte, error) {
	if len(msgs) > MaxBatchRecords {
		return nil, fmt.Errorf("%w: %d records", ErrBatchTooLarge, len(msgs))
	}
	recs := make([]record, len(msgs))
	for i, m := range msgs {
		recs[i] = toRecord(m)
	}
	body, err := cbor.Marshal(recs)
	if err != nil {
		return nil, fmt.Errorf("encoding batch: %w", err)
	}
	if BatchHeaderSize+len(body) > MaxBatchSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBatchTooLarge, BatchHeaderSize+len(body))
	}

	out := make([]byte, 0, BatchHeaderSize+len(body))
	out = append(out, BatchMagic, BatchVersion)
	return append(out, body...), nil
}

// DecodeBatch parses a batch produced by EncodeBatch. Records are returned
// as-is; callers validate them individually.
func DecodeBatch(data []byte) ([]*message.Message, error) {
	if len(data) < BatchHeaderSize {
		return nil, ErrBatchTooShort
	}
	if len(data) > MaxBatchSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBatchTooLarge, len(data))
	}
	if data[0] != BatchMagic {
		return nil, fmt.Errorf("%w: %02x", ErrBadMagic, data[0])
	}
	if data[1] != BatchVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[1])
	}

	var recs []record
	if err := decMode.Unmarshal(data[BatchHeaderSize:], &recs); err != nil {
		return nil, fmt.Errorf("decoding batch: %w", err)
	}
	msgs := make([]*message.Message, len(recs))
	for i := range recs {
		msgs[i] = recs[i].toMessage()
	}
	return msgs, nil
}

// EncodeMessage serializes a single message record (no batch header).
// Stores use it for their value encoding.
func EncodeMessage(m *message.Message) ([]byte, error) {
	data, err := cbor.Marshal(toRecord(m))
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses a record produced by EncodeMessage.
func DecodeMessage(data []byte) (*message.Message, error) {
	var r record
	if err := decMode.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return r.toMessage(), nil
}
