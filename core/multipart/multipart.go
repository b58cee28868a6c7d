// Package multipart splits payloads that exceed a link's frame size into
// numbered fragments and reassembles them on the receiving side.
//
// Each fragment carries a 6-byte header:
//
//	[sequence id (2 bytes BE)][index (2 bytes BE)][total (2 bytes BE)][data]
//
// The sequence id groups fragments of one payload. Fragments may arrive out
// of order or repeated; a payload is emitted once every index is present.
package multipart

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// HeaderSize is the size of the fragment header.
	HeaderSize = 6
	// DefaultMaxFragment is the default fragment size, header included.
	DefaultMaxFragment = 240
	// MaxFragments bounds the number of fragments per payload.
	MaxFragments = 0xFFFF
	// DefaultTimeout is the default time to wait for all fragments before
	// discarding an incomplete reassembly.
	DefaultTimeout = 30 * time.Second
)

var (
	ErrFragmentTooShort = errors.New("fragment too short")
	ErrInvalidFragment  = errors.New("invalid fragment header")
	ErrPayloadTooLarge  = errors.New("payload needs too many fragments")
)

// Fragment is one piece of a split payload.
type Fragment struct {
	SeqID uint16
	Index uint16
	Total uint16
	Data  []byte
}

// Bytes encodes the fragment with its header.
func (f *Fragment) Bytes() []byte {
	out := make([]byte, HeaderSize+len(f.Data))
	binary.BigEndian.PutUint16(out[0:2], f.SeqID)
	binary.BigEndian.PutUint16(out[2:4], f.Index)
	binary.BigEndian.PutUint16(out[4:6], f.Total)
	copy(out[HeaderSize:], f.Data)
	return out
}

// ParseFragment decodes an encoded fragment. Data aliases b.
func ParseFragment(b []byte) (*Fragment, error) {
	if len(b) < HeaderSize {
		return nil, ErrFragmentTooShort
	}
	f := &Fragment{
		SeqID: binary.BigEndian.Uint16(b[0:2]),
		Index: binary.BigEndian.Uint16(b[2:4]),
		Total: binary.BigEndian.Uint16(b[4:6]),
		Data:  b[HeaderSize:],
	}
	if f.Total == 0 || f.Index >= f.Total {
		return nil, fmt.Errorf("%w: index %d of %d", ErrInvalidFragment, f.Index, f.Total)
	}
	return f, nil
}

// Split breaks data into encoded fragments no larger than maxFragment bytes.
// An empty payload yields a single empty fragment.
func Split(seqID uint16, data []byte, maxFragment int) ([][]byte, error) {
	if maxFragment <= HeaderSize {
		maxFragment = DefaultMaxFragment
	}
	chunk := maxFragment - HeaderSize

	total := (len(data) + chunk - 1) / chunk
	if total == 0 {
		total = 1
	}
	if total > MaxFragments {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}

	out := make([][]byte, 0, total)
	for i := range total {
		start := i * chunk
		end := min(start+chunk, len(data))
		f := Fragment{SeqID: seqID, Index: uint16(i), Total: uint16(total), Data: data[start:end]}
		out = append(out, f.Bytes())
	}
	return out, nil
}

type reassemblyState struct {
	parts     [][]byte
	received  int
	size      int
	startTime time.Time
}

// Reassembler collects fragments and emits complete payloads. It is safe
// for concurrent use.
type Reassembler struct {
	mu      sync.Mutex
	pending map[uint16]*reassemblyState
	timeout time.Duration

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// New creates a new Reassembler with the default timeout.
func New() *Reassembler {
	return NewWithTimeout(DefaultTimeout)
}

// NewWithTimeout creates a new Reassembler with the specified timeout.
func NewWithTimeout(timeout time.Duration) *Reassembler {
	return &Reassembler{
		pending: make(map[uint16]*reassemblyState),
		timeout: timeout,
		nowFn:   time.Now,
	}
}

// HandleFragment adds f to its reassembly. It returns the complete payload
// once every fragment has arrived, or nil if more are expected.
func (r *Reassembler) HandleFragment(f *Fragment) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.expireLocked()

	state, exists := r.pending[f.SeqID]
	if exists && len(state.parts) != int(f.Total) {
		// Sequence id reused for a different payload; start over.
		exists = false
	}
	if !exists {
		state = &reassemblyState{
			parts:     make([][]byte, f.Total),
			startTime: r.nowFn(),
		}
		r.pending[f.SeqID] = state
	}

	if state.parts[f.Index] == nil {
		data := make([]byte, len(f.Data))
		copy(data, f.Data)
		state.parts[f.Index] = data
		state.received++
		state.size += len(data)
	}

	if state.received < len(state.parts) {
		return nil
	}

	delete(r.pending, f.SeqID)
	payload := make([]byte, 0, state.size)
	for _, p := range state.parts {
		payload = append(payload, p...)
	}
	return payload
}

// expireLocked removes timed-out reassembly states. Must be called with r.mu held.
func (r *Reassembler) expireLocked() {
	now := r.nowFn()
	for key, state := range r.pending {
		if now.Sub(state.startTime) > r.timeout {
			delete(r.pending, key)
		}
	}
}

// PendingCount returns the number of in-progress reassemblies.
func (r *Reassembler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Clear discards all in-progress reassemblies.
func (r *Reassembler) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.pending)
}
