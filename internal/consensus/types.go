// Package consensus holds the generic data model shared by the
// consensus storage, updater, and manager packages: the per-key state
// machine, the upper-bound cursor, and the peer bookkeeping types.
package consensus

import (
	"time"

	"github.com/ruvnet/ledgermesh/internal/envelope"
	"github.com/ruvnet/ledgermesh/internal/peerid"
)

// Key constrains the type used to identify an independent consensus
// instance: it must be comparable (to key a map) and totally ordered
// with a defined successor, so facilitation can advance epoch by
// epoch. The type parameter is self-referencing so Less/Next can be
// expressed in terms of the concrete key type instead of any.
type Key[K any] interface {
	comparable
	Less(other K) bool
	Next() K
}

// Artifact constrains the payload a consensus round agrees on.
// Implementations must produce a stable hash for majority comparison.
type Artifact interface {
	Hash() [32]byte
}

// Status enumerates where a keyed consensus round sits in its
// lifecycle.
type Status int

const (
	// Facilitated: a facilitator set has been chosen but has not yet
	// produced a proposal.
	Facilitated Status = iota
	// ProposalMade: at least one facilitator's proposal artifact has
	// been broadcast and is awaiting the rest.
	ProposalMade
	// MajoritySelected: enough matching proposal hashes were observed
	// to select a majority, pending signatures.
	MajoritySelected
	// MajoritySigned: a quorum of signatures over the majority
	// artifact has been collected.
	MajoritySigned
	// Finished: the round is complete and its artifact is final.
	Finished
)

func (s Status) String() string {
	switch s {
	case Facilitated:
		return "facilitated"
	case ProposalMade:
		return "proposal_made"
	case MajoritySelected:
		return "majority_selected"
	case MajoritySigned:
		return "majority_signed"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Declaration holds the optional fragments a single facilitator may
// contribute to a round. Each field is set at most once: storage.go
// enforces first-writer-wins per field per peer.
type Declaration struct {
	UpperBound   *Bound
	ProposalHash *[32]byte
	Signature    *envelope.Proof
}

// ConsensusState is the per-key state machine record. Exactly one
// exists per active key at a time; storage.go serializes all
// read-modify-write access to it.
type ConsensusState[K Key[K], A Artifact] struct {
	Key             K
	Status          Status
	Facilitators    []peerid.PeerID
	Declarations    map[peerid.PeerID]Declaration
	Artifacts       map[[32]byte]A
	Majority        *[32]byte
	SignedArtifact  *envelope.Signed
	Trigger         string
	MajorityTrigger string
	Final           *A
	FacilitatedAt   time.Time
	StatusUpdatedAt time.Time
}

// Bound is an upper-bound cursor over peer event ordinals: for every
// peer this node has observed events from, the highest ordinal to be
// included in the consensus round being formed. It merges via
// pointwise maximum, the same monotone-merge idiom as a grow-only
// counter.
type Bound map[peerid.PeerID]uint64

// Merge returns the pointwise maximum of b and other, mirroring the
// grow-only-counter merge rule: a peer's value in the result is
// always the higher of the two inputs, so repeated merges are
// commutative, associative, and idempotent.
func (b Bound) Merge(other Bound) Bound {
	out := make(Bound, len(b)+len(other))
	for p, v := range b {
		out[p] = v
	}
	for p, v := range other {
		if cur, ok := out[p]; !ok || v > cur {
			out[p] = v
		}
	}
	return out
}

// Advance returns a copy of b with peer's ordinal raised to ordinal
// if it is higher than the current value.
func (b Bound) Advance(peer peerid.PeerID, ordinal uint64) Bound {
	out := make(Bound, len(b)+1)
	for p, v := range b {
		out[p] = v
	}
	if cur, ok := out[peer]; !ok || ordinal > cur {
		out[peer] = ordinal
	}
	return out
}

// Contains reports whether peer's ordinal is at or below this bound's
// cursor for peer.
func (b Bound) Contains(peer peerid.PeerID, ordinal uint64) bool {
	cur, ok := b[peer]
	return ok && cur >= ordinal
}

// PeerEvent is one entry in a peer's event buffer: an ordinal-tagged
// fact this node has not yet folded into a proposal artifact.
type PeerEvent struct {
	Origin    peerid.PeerID
	Ordinal   uint64
	IsTrigger bool
	Payload   []byte
}

// PeerEventBuffer holds the events pulled from a single peer that are
// still pending incorporation.
type PeerEventBuffer struct {
	Peer   peerid.PeerID
	Events []PeerEvent
}

// Registration is the handshake record exchanged between two peers
// when one of them decides to start tracking the other for
// facilitation purposes: the epoch at which the remote peer wishes to
// begin participating as a facilitator candidate. The lower PeerID
// always initiates, breaking the symmetric-start race deterministically.
type Registration[K any] struct {
	Peer         peerid.PeerID
	RegisteredAt time.Time
	Key          K
}

// ConsensusResources bundles everything a round needs to read in
// order to decide its next transition: the current state and its
// observed upper bound.
type ConsensusResources[K Key[K], A Artifact] struct {
	State ConsensusState[K, A]
	Bound Bound
}

// PeerDeclaration is a peer's self-reported liveness claim for a
// health-check round, keyed by (peer, round).
type PeerDeclaration struct {
	Peer    peerid.PeerID
	RoundID uint64
	Alive   bool
	At      time.Time
}
