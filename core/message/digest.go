package message

import (
	"encoding/binary"
	"slices"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// DigestSize is the size of a set digest in bytes.
const DigestSize = blake2b.Size256

// Digest is a fingerprint of a message set.
type Digest [DigestSize]byte

// SetDigest fingerprints the mutable state of a message set: which ids it
// holds and, per id, the hop count and flags. Payloads are immutable per id
// and are not hashed. The digest is independent of slice order.
func SetDigest(msgs []*Message) Digest {
	sorted := slices.Clone(msgs)
	slices.SortFunc(sorted, func(a, b *Message) int {
		return strings.Compare(a.ID, b.ID)
	})

	h, _ := blake2b.New256(nil) // only errors on oversized keys
	var buf [8]byte
	for _, m := range sorted {
		binary.BigEndian.PutUint32(buf[:4], uint32(len(m.ID)))
		h.Write(buf[:4])
		h.Write([]byte(m.ID))
		binary.BigEndian.PutUint64(buf[:], uint64(m.HopCount))
		h.Write(buf[:])
		var flags byte
		if m.LocallyAuthored {
			flags |= 1
		}
		if m.Acknowledged {
			flags |= 2
		}
		h.Write([]byte{flags})
	}

	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}
