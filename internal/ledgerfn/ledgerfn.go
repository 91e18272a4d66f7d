// Package ledgerfn supplies the concrete Key/Artifact types and the
// ConsensusFunctions boundary implementation that instantiate the
// generic consensus packages for this node. The ledger application
// logic that would build a real artifact from folded events is out of
// scope; this package documents that boundary behind a narrow
// interface rather than hiding it.
package ledgerfn

import (
	"crypto/sha256"
	"encoding/json"
	"sort"

	"github.com/ruvnet/ledgermesh/internal/consensus"
	"github.com/ruvnet/ledgermesh/internal/envelope"
	"github.com/ruvnet/ledgermesh/internal/peerid"
)

// Epoch is the consensus.Key implementation this node uses: a strictly
// increasing round counter, the simplest total order satisfying the
// generic Key constraint.
type Epoch uint64

func (e Epoch) Less(other Epoch) bool { return e < other }
func (e Epoch) Next() Epoch           { return e + 1 }

var _ consensus.Key[Epoch] = Epoch(0)

// LedgerArtifact is the consensus.Artifact implementation this node
// agrees on per epoch: an ordered list of folded events plus the
// epoch they belong to. Hash covers the whole artifact deterministically
// via canonical JSON, the same approach envelope.ComputeHash uses for
// rumors.
type LedgerArtifact struct {
	Epoch  Epoch         `json:"epoch"`
	Events []FoldedEvent `json:"events"`
}

// FoldedEvent is one event incorporated into an artifact, tagged with
// the peer that originated it and the ordinal it held in that peer's
// stream.
type FoldedEvent struct {
	Origin  peerid.PeerID `json:"origin"`
	Ordinal uint64        `json:"ordinal"`
	Payload []byte        `json:"payload"`
}

// Hash renders a stable digest over the artifact's canonical JSON
// encoding, matching the rumor-hashing approach used throughout
// internal/envelope.
func (a LedgerArtifact) Hash() [32]byte {
	b, err := json.Marshal(a)
	if err != nil {
		// Epoch/Events/Payload are all plain JSON-marshalable types;
		// a marshal failure here would mean a coding error upstream,
		// not a runtime condition to recover from.
		panic("ledgerfn: artifact marshal failed: " + err.Error())
	}
	return sha256.Sum256(b)
}

var _ consensus.Artifact = LedgerArtifact{}

// Functions is the stub ConsensusFunctions implementation wired into
// the manager for this node. It folds every event it is handed into
// the artifact in a canonical (origin, ordinal) order and reports all
// of them consumed; ConsumeSignedMajorityArtifact is an idempotent
// no-op, safe to call more than once on retry, since the actual ledger
// application logic downstream of finalization is out of scope.
type Functions struct{}

func New() Functions { return Functions{} }

func (Functions) CreateProposalArtifact(lastArtifact *LedgerArtifact, events map[peerid.PeerID][]consensus.PeerEvent) (LedgerArtifact, map[peerid.PeerID][]uint64, error) {
	nextEpoch := Epoch(0)
	if lastArtifact != nil {
		nextEpoch = lastArtifact.Epoch.Next()
	}

	var folded []FoldedEvent
	consumed := make(map[peerid.PeerID][]uint64, len(events))
	for origin, evs := range events {
		ordinals := make([]uint64, 0, len(evs))
		for _, ev := range evs {
			folded = append(folded, FoldedEvent{Origin: ev.Origin, Ordinal: ev.Ordinal, Payload: ev.Payload})
			ordinals = append(ordinals, ev.Ordinal)
		}
		consumed[origin] = ordinals
	}

	sort.Slice(folded, func(i, j int) bool {
		if folded[i].Origin != folded[j].Origin {
			return folded[i].Origin.Less(folded[j].Origin)
		}
		return folded[i].Ordinal < folded[j].Ordinal
	})

	return LedgerArtifact{Epoch: nextEpoch, Events: folded}, consumed, nil
}

func (Functions) ConsumeSignedMajorityArtifact(signed envelope.Signed) error {
	_ = signed
	return nil
}
