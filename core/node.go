package core

import (
	"encoding/hex"
	"fmt"
)

// NodeID identifies a device in the SOS mesh. It is the device's 32-byte
// Ed25519 public key; its hex form is used as the message origin ID and as
// the name a device advertises under.
type NodeID [32]byte

// String returns the hex-encoded representation of the node ID.
func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// Short returns the first 8 hex characters, for log lines and UI labels.
func (n NodeID) Short() string {
	return n.String()[:8]
}

// Bytes returns the underlying byte slice.
func (n NodeID) Bytes() []byte {
	return n[:]
}

// IsZero returns true if the ID is all zeros (uninitialized).
func (n NodeID) IsZero() bool {
	for _, b := range n {
		if b != 0 {
			return false
		}
	}
	return true
}

// ParseNodeID parses a hex-encoded string into a NodeID.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	bytes, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid hex string: %w", err)
	}
	if len(bytes) != len(id) {
		return id, fmt.Errorf("invalid length: expected %d bytes, got %d", len(id), len(bytes))
	}
	copy(id[:], bytes)
	return id, nil
}
