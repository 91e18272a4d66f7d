package gossip

import (
	"sort"

	"github.com/ruvnet/ledgermesh/internal/envelope"
)

// sortKey captures the canonical ordering fields for a rumor entry:
// lexicographic on (origin?, ordinal?, hash). A CommonRumor carries
// neither origin nor ordinal; following the source's Option ordering
// (None < Some), common rumors sort before peer rumors whenever their
// hashes would otherwise tie at the origin/ordinal level.
type sortKey struct {
	hasOrigin bool
	origin    [64]byte
	ordinal   uint64
	hash      envelope.Hash
}

func keyFor(e envelope.RumorEntry) sortKey {
	if pr, ok := e.Signed.Value.(envelope.PeerRumor); ok {
		return sortKey{hasOrigin: true, origin: pr.Origin, ordinal: pr.Ordinal, hash: e.Hash}
	}
	return sortKey{hash: e.Hash}
}

func (k sortKey) less(other sortKey) bool {
	if k.hasOrigin != other.hasOrigin {
		return !k.hasOrigin // None < Some
	}
	if k.hasOrigin {
		if k.origin != other.origin {
			return string(k.origin[:]) < string(other.origin[:])
		}
		if k.ordinal != other.ordinal {
			return k.ordinal < other.ordinal
		}
	}
	return k.hash.String() < other.hash.String()
}

// SortCanonical orders a batch by the canonical (origin?, ordinal?,
// hash) order, giving every node the same deterministic dispatch
// sequence for a given set of new rumors.
func SortCanonical(batch envelope.RumorBatch) {
	sort.Slice(batch, func(i, j int) bool {
		return keyFor(batch[i]).less(keyFor(batch[j]))
	})
}
