// Package peerid defines the opaque, totally-ordered node identifier
// shared by the gossip and consensus layers.
package peerid

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Size is the fixed width of a PeerID, matching an ed25519 public key
// zero-padded to the wire width the source system uses for peer
// identifiers.
const Size = 64

// PeerID is an opaque, totally-ordered node identifier derived from a
// public key.
type PeerID [Size]byte

// Less reports whether p sorts strictly before other, giving peer IDs
// a total order (lexicographic on the byte representation).
func (p PeerID) Less(other PeerID) bool {
	return bytes.Compare(p[:], other[:]) < 0
}

// Compare returns -1, 0, or 1 the way bytes.Compare does.
func (p PeerID) Compare(other PeerID) int {
	return bytes.Compare(p[:], other[:])
}

// IsZero reports whether p is the zero value (unset).
func (p PeerID) IsZero() bool {
	return p == PeerID{}
}

// String renders the PeerID as hex for logs and debug output.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// FromPublicKey builds a PeerID from a variable-length public key,
// zero-padding or truncating to Size.
func FromPublicKey(pub []byte) PeerID {
	var id PeerID
	n := copy(id[:], pub)
	_ = n
	return id
}

// Parse decodes a hex-encoded PeerID.
func Parse(s string) (PeerID, error) {
	var id PeerID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("peerid: invalid hex: %w", err)
	}
	if len(b) != Size {
		return id, fmt.Errorf("peerid: expected %d bytes, got %d", Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}

var _ json.Marshaler = PeerID{}
var _ json.Unmarshaler = &PeerID{}

// MarshalJSON renders the PeerID as a hex string.
func (p PeerID) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON parses a hex-encoded PeerID.
func (p *PeerID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := Parse(s)
	if err != nil {
		return err
	}
	*p = id
	return nil
}

// Set is a totally-ordered, deduplicated collection of PeerIDs.
type Set map[PeerID]struct{}

// NewSet builds a Set from a slice of IDs.
func NewSet(ids ...PeerID) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports membership.
func (s Set) Contains(id PeerID) bool {
	_, ok := s[id]
	return ok
}

// Add inserts id into the set.
func (s Set) Add(id PeerID) {
	s[id] = struct{}{}
}

// Sorted returns the set's members in ascending order, the
// deterministic order consensus facilitator lists and signature
// chains depend on.
func (s Set) Sorted() []PeerID {
	out := make([]PeerID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	SortPeerIDs(out)
	return out
}

// SortPeerIDs sorts a slice of PeerIDs in place using the total order.
func SortPeerIDs(ids []PeerID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}
