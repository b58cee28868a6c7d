// Package message defines the SOS record exchanged across the mesh.
//
// A Message is immutable once created. The only fields a receiving device
// ever changes are the ones stamped during merge-on-receive (HopCount and
// LocallyAuthored) and the monotone Acknowledged flag.
package message

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known payload categories. Category is free-form; these are the values
// the bundled clients produce.
const (
	CategorySOS       = "sos"
	CategoryMedical   = "medical"
	CategoryShelter   = "shelter"
	CategorySupplies  = "supplies"
	CategoryAllClear  = "all-clear"
	DefaultSOSText    = "CRITICAL SOS!"
	MaxTextLength     = 1024
	MaxCategoryLength = 32
)

var (
	ErrMissingID       = errors.New("message: missing id")
	ErrMissingOrigin   = errors.New("message: missing origin id")
	ErrNegativeHops    = errors.New("message: negative hop count")
	ErrHopOverflow     = errors.New("message: hop count cannot be relayed")
	ErrTextTooLong     = errors.New("message: text too long")
	ErrCategoryTooLong = errors.New("message: category too long")
)

// Payload is the application content of a message. The sync engine never
// looks inside it.
type Payload struct {
	Text      string
	Category  string
	Latitude  *float64
	Longitude *float64
	Equipment string // e.g. "First Aid Kit", "Water"
}

// HasLocation reports whether both coordinates are present.
func (p Payload) HasLocation() bool {
	return p.Latitude != nil && p.Longitude != nil
}

// Message is a single SOS record.
type Message struct {
	ID              string
	OriginID        string
	Payload         Payload
	CreatedAt       int64 // UNIX milliseconds at origin, display ordering only
	HopCount        int
	LocallyAuthored bool
	Acknowledged    bool
}

// NewID returns a fresh 128-bit random message identifier.
func NewID() string {
	return uuid.NewString()
}

// New creates a locally authored message with hop count zero.
func New(originID string, p Payload, createdAt int64) *Message {
	return &Message{
		ID:              NewID(),
		OriginID:        originID,
		Payload:         p,
		CreatedAt:       createdAt,
		LocallyAuthored: true,
	}
}

// Validate checks the structural invariants every stored message must hold.
func (m *Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return ErrMissingID
	}
	if strings.TrimSpace(m.OriginID) == "" {
		return ErrMissingOrigin
	}
	if m.HopCount < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeHops, m.HopCount)
	}
	if len(m.Payload.Text) > MaxTextLength {
		return fmt.Errorf("%w: %d bytes", ErrTextTooLong, len(m.Payload.Text))
	}
	if len(m.Payload.Category) > MaxCategoryLength {
		return fmt.Errorf("%w: %d bytes", ErrCategoryTooLong, len(m.Payload.Category))
	}
	return nil
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := *m
	if m.Payload.Latitude != nil {
		lat := *m.Payload.Latitude
		c.Payload.Latitude = &lat
	}
	if m.Payload.Longitude != nil {
		lon := *m.Payload.Longitude
		c.Payload.Longitude = &lon
	}
	return &c
}

// Relayed returns the copy a receiving device stores when it newly learns m
// from a peer: one more hop, never locally authored. The Acknowledged flag is
// carried over unchanged.
func (m *Message) Relayed() *Message {
	c := m.Clone()
	c.HopCount = m.HopCount + 1
	c.LocallyAuthored = false
	return c
}

// Time returns CreatedAt as a time.Time.
func (m *Message) Time() time.Time {
	return time.UnixMilli(m.CreatedAt)
}

// SortByRecency orders msgs newest first. Messages created in the same
// millisecond are ordered by ID so the result is deterministic.
func SortByRecency(msgs []*Message) {
	slices.SortFunc(msgs, func(a, b *Message) int {
		if a.CreatedAt != b.CreatedAt {
			if a.CreatedAt > b.CreatedAt {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// CloneAll deep-copies a slice of messages.
func CloneAll(msgs []*Message) []*Message {
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
