// Package updater implements the consensus state updater: pure
// functions mapping (State, Resources) to (State', Effect). None of
// these functions touch storage directly beyond the narrow event-pull
// callbacks threaded in through RoundContext; the manager package is
// responsible for reading resources, calling in here, and persisting
// whatever new state comes back.
package updater

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"github.com/ruvnet/ledgermesh/internal/consensus"
	"github.com/ruvnet/ledgermesh/internal/envelope"
	"github.com/ruvnet/ledgermesh/internal/peerid"
)

// Peer is the subset of cluster membership the updater needs to pick
// a facilitator set: identity, lifecycle state, and the key epoch at
// which it registered as a facilitation candidate.
type Peer[K consensus.Key[K]] struct {
	ID            peerid.PeerID
	Ready         bool
	RegisteredKey K
}

// ConsensusFunctions is the pluggable boundary to the domain logic
// that actually knows how to build and consume artifacts. It is
// intentionally narrow: everything else in this package is generic
// over Key/Artifact and has no notion of what an artifact means.
type ConsensusFunctions[A consensus.Artifact] interface {
	// CreateProposalArtifact builds an artifact from the last
	// finished artifact and the folded-in events, and reports which
	// event ordinals it actually consumed per peer. Ordinals not
	// reported as consumed are re-buffered by the caller.
	CreateProposalArtifact(lastArtifact *A, events map[peerid.PeerID][]consensus.PeerEvent) (artifact A, consumed map[peerid.PeerID][]uint64, err error)
	// ConsumeSignedMajorityArtifact finalizes a signed majority
	// artifact. Implementations SHOULD be idempotent since retries
	// are not distinguished from first delivery.
	ConsumeSignedMajorityArtifact(signed envelope.Signed) error
}

// RoundContext bundles the callbacks TryAdvanceConsensus needs beyond
// pure state: who we are, how to sign, how to build/consume
// artifacts, and how to pull/re-add buffered peer events. Threading
// these in as functions (rather than importing the storage package
// directly) keeps this package free of a dependency on storage and
// keeps the ladder testable with fakes.
type RoundContext[A consensus.Artifact] struct {
	Self        peerid.PeerID
	Fns         ConsensusFunctions[A]
	Sign        func([32]byte) (envelope.Proof, error)
	PullEvents  func(consensus.Bound) map[peerid.PeerID][]consensus.PeerEvent
	ReAddEvents func(peerid.PeerID, []consensus.PeerEvent)
	// LastArtifact is the previous epoch's finalized artifact, fed to
	// ConsensusFunctions.CreateProposalArtifact as the base to extend.
	// Nil for the very first epoch a node ever facilitates.
	LastArtifact *A
}

// Effect describes the gossip side effect a transition wants emitted.
// The manager package turns this into an actual signed rumor.
type Effect struct {
	None              bool
	Facility          *FacilityEffect
	Proposal          *ProposalEffect
	MajoritySignature *SignatureEffect
	FinalizedArtifact *ArtifactEffect
}

type FacilityEffect struct {
	UpperBound consensus.Bound
}

type ProposalEffect struct {
	Hash     [32]byte
	Artifact any
}

type SignatureEffect struct {
	Proof                envelope.Proof
	RebroadcastArtifact  any
	Rebroadcast          bool
}

type ArtifactEffect struct {
	Signed envelope.Signed
}

func containsPeer(ids []peerid.PeerID, id peerid.PeerID) bool {
	for _, p := range ids {
		if p == id {
			return true
		}
	}
	return false
}

// TryFacilitateConsensus is applicable only when no state exists yet
// for key (no facilitator set has been chosen). It selects the
// facilitator set, records the current upper bound, and transitions
// to Facilitated. trigger records why facilitation started
// ("TimeTrigger", "EventTrigger", or "" when installed defensively to
// arm the schedule), and is carried through to the terminal Finished
// state as MajorityTrigger.
func TryFacilitateConsensus[K consensus.Key[K], A consensus.Artifact](
	self peerid.PeerID,
	key K,
	resources consensus.ConsensusResources[K, A],
	clusterPeers []Peer[K],
	trigger string,
) (consensus.ConsensusState[K, A], Effect, bool) {
	state := resources.State
	if len(state.Facilitators) > 0 {
		return state, Effect{None: true}, false
	}

	facilitators := peerid.NewSet()
	facilitators.Add(self)
	for _, p := range clusterPeers {
		if p.Ready && (p.RegisteredKey == key || p.RegisteredKey.Less(key)) {
			facilitators.Add(p.ID)
		}
	}
	sorted := facilitators.Sorted()

	state.Facilitators = sorted
	state.Status = consensus.Facilitated
	state.Trigger = trigger
	now := time.Now()
	state.FacilitatedAt = now
	state.StatusUpdatedAt = now

	return state, Effect{Facility: &FacilityEffect{UpperBound: resources.Bound}}, true
}

// TryObserveConsensus installs state pulled from an existing round
// without this node proposing into it, for a node that is joining or
// catching up from a peer it trusts. The installed facilitator set
// never includes self, which is what keeps the ladder from fabricating
// a local proposal on this node's behalf (see advanceFacilitatedToProposal).
func TryObserveConsensus[K consensus.Key[K], A consensus.Artifact](
	self peerid.PeerID,
	observed consensus.ConsensusState[K, A],
) (consensus.ConsensusState[K, A], bool) {
	if len(observed.Facilitators) == 0 {
		return observed, false
	}
	filtered := make([]peerid.PeerID, 0, len(observed.Facilitators))
	for _, f := range observed.Facilitators {
		if f != self {
			filtered = append(filtered, f)
		}
	}
	observed.Facilitators = filtered
	if observed.StatusUpdatedAt.IsZero() {
		observed.StatusUpdatedAt = time.Now()
	}
	return observed, true
}

// TryAdvanceConsensus runs the monotonic ladder once:
// Facilitated -> ProposalMade -> MajoritySelected -> MajoritySigned ->
// Finished. It returns the possibly-updated state, an effect to emit
// if a transition fired, and whether any transition actually
// happened. Re-running on unchanged resources is a no-op, satisfying
// the idempotence requirement.
func TryAdvanceConsensus[K consensus.Key[K], A consensus.Artifact](
	state consensus.ConsensusState[K, A],
	rc RoundContext[A],
) (consensus.ConsensusState[K, A], Effect, bool) {
	switch state.Status {
	case consensus.Facilitated:
		return advanceFacilitatedToProposal(state, rc)
	case consensus.ProposalMade:
		return advanceProposalToMajority(state, rc)
	case consensus.MajoritySelected:
		return advanceMajorityToSigned(state, rc)
	case consensus.MajoritySigned:
		return advanceSignedToFinished(state)
	default:
		return state, Effect{None: true}, false
	}
}

func everyFacilitator[K consensus.Key[K], A consensus.Artifact](state consensus.ConsensusState[K, A], has func(consensus.Declaration) bool) bool {
	if len(state.Facilitators) == 0 {
		return false
	}
	for _, f := range state.Facilitators {
		d, ok := state.Declarations[f]
		if !ok || !has(d) {
			return false
		}
	}
	return true
}

func advanceFacilitatedToProposal[K consensus.Key[K], A consensus.Artifact](
	state consensus.ConsensusState[K, A],
	rc RoundContext[A],
) (consensus.ConsensusState[K, A], Effect, bool) {
	if !everyFacilitator(state, func(d consensus.Declaration) bool { return d.UpperBound != nil }) {
		return state, Effect{None: true}, false
	}

	// An observing node's installed state never lists self among the
	// facilitators (TryObserveConsensus filters it out), so it can
	// reach ProposalMade purely by having recorded every real
	// facilitator's upper bound, without fabricating a proposal of
	// its own. This is what keeps a pure observer from diverging.
	if !containsPeer(state.Facilitators, rc.Self) {
		state.Status = consensus.ProposalMade
		state.StatusUpdatedAt = time.Now()
		return state, Effect{None: true}, true
	}

	bound := consensus.Bound{}
	for _, f := range state.Facilitators {
		bound = bound.Merge(*state.Declarations[f].UpperBound)
	}

	events := map[peerid.PeerID][]consensus.PeerEvent{}
	if rc.PullEvents != nil {
		events = rc.PullEvents(bound)
	}

	artifact, consumed, err := rc.Fns.CreateProposalArtifact(rc.LastArtifact, events)
	if err != nil {
		// Re-buffer everything pulled; nothing was consumed.
		if rc.ReAddEvents != nil {
			for peer, evs := range events {
				rc.ReAddEvents(peer, evs)
			}
		}
		return state, Effect{None: true}, false
	}

	if rc.ReAddEvents != nil {
		for peer, evs := range events {
			keep := unconsumed(evs, consumed[peer])
			if len(keep) > 0 {
				rc.ReAddEvents(peer, keep)
			}
		}
	}

	hash := artifact.Hash()
	state.Artifacts[hash] = artifact
	d := state.Declarations[rc.Self]
	h := hash
	d.ProposalHash = &h
	state.Declarations[rc.Self] = d
	state.Status = consensus.ProposalMade
	state.StatusUpdatedAt = time.Now()

	return state, Effect{Proposal: &ProposalEffect{Hash: hash, Artifact: artifact}}, true
}

// unconsumed returns the subset of evs whose ordinal does not appear
// in consumedOrdinals, preserving the events' own ordering.
func unconsumed(evs []consensus.PeerEvent, consumedOrdinals []uint64) []consensus.PeerEvent {
	if len(consumedOrdinals) == 0 {
		return evs
	}
	taken := make(map[uint64]struct{}, len(consumedOrdinals))
	for _, o := range consumedOrdinals {
		taken[o] = struct{}{}
	}
	var out []consensus.PeerEvent
	for _, e := range evs {
		if _, ok := taken[e.Ordinal]; !ok {
			out = append(out, e)
		}
	}
	return out
}

func advanceProposalToMajority[K consensus.Key[K], A consensus.Artifact](
	state consensus.ConsensusState[K, A],
	rc RoundContext[A],
) (consensus.ConsensusState[K, A], Effect, bool) {
	if !everyFacilitator(state, func(d consensus.Declaration) bool { return d.ProposalHash != nil }) {
		return state, Effect{None: true}, false
	}

	best := selectMajority(state)

	state.Majority = &best
	state.Status = consensus.MajoritySelected
	state.StatusUpdatedAt = time.Now()

	if !containsPeer(state.Facilitators, rc.Self) {
		return state, Effect{None: true}, true
	}

	if rc.Sign == nil {
		return state, Effect{None: true}, true
	}
	proof, err := rc.Sign(best)
	if err != nil {
		// Keep the Majority selection (it is deterministic and other
		// facilitators need to see it too eventually via our state),
		// but do not emit a signature effect this tick.
		return state, Effect{None: true}, true
	}
	d := state.Declarations[rc.Self]
	p := proof
	d.Signature = &p
	state.Declarations[rc.Self] = d

	ownProposal := state.Declarations[rc.Self].ProposalHash
	rebroadcast := ownProposal != nil && *ownProposal == best

	effect := Effect{MajoritySignature: &SignatureEffect{Proof: proof, Rebroadcast: rebroadcast}}
	if rebroadcast {
		effect.MajoritySignature.RebroadcastArtifact = state.Artifacts[best]
	}
	return state, effect, true
}

// selectMajority picks the proposal hash with the highest facilitator
// count, breaking ties lexicographically smallest so every node that
// observed the same declarations computes the identical result.
func selectMajority[K consensus.Key[K], A consensus.Artifact](state consensus.ConsensusState[K, A]) [32]byte {
	counts := map[[32]byte]int{}
	for _, f := range state.Facilitators {
		counts[*state.Declarations[f].ProposalHash]++
	}

	hashes := make([][32]byte, 0, len(counts))
	for h := range counts {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return bytes.Compare(hashes[i][:], hashes[j][:]) < 0 })

	best := hashes[0]
	for _, h := range hashes[1:] {
		if counts[h] > counts[best] {
			best = h
		}
	}
	return best
}

func advanceMajorityToSigned[K consensus.Key[K], A consensus.Artifact](
	state consensus.ConsensusState[K, A],
	rc RoundContext[A],
) (consensus.ConsensusState[K, A], Effect, bool) {
	if state.Majority == nil {
		return state, Effect{None: true}, false
	}
	if !everyFacilitator(state, func(d consensus.Declaration) bool { return d.Signature != nil }) {
		return state, Effect{None: true}, false
	}
	artifact, ok := state.Artifacts[*state.Majority]
	if !ok {
		return state, Effect{None: true}, false
	}

	payload, err := json.Marshal(artifact)
	if err != nil {
		return state, Effect{None: true}, false
	}

	sortedFacilitators := append([]peerid.PeerID(nil), state.Facilitators...)
	peerid.SortPeerIDs(sortedFacilitators)
	proofs := make([]envelope.Proof, 0, len(sortedFacilitators))
	for _, f := range sortedFacilitators {
		proofs = append(proofs, *state.Declarations[f].Signature)
	}

	signed := envelope.Signed{
		Value:  envelope.CommonRumor{ContentType: envelope.KindConsensusArtifact, Payload: payload},
		Proofs: proofs,
	}

	if rc.Fns != nil {
		if err := rc.Fns.ConsumeSignedMajorityArtifact(signed); err != nil {
			return state, Effect{None: true}, false
		}
	}

	state.SignedArtifact = &signed
	state.Status = consensus.MajoritySigned
	state.StatusUpdatedAt = time.Now()

	return state, Effect{FinalizedArtifact: &ArtifactEffect{Signed: signed}}, true
}

// advanceSignedToFinished performs the internal, unconditional lift
// from MajoritySigned to Finished once consumption has acknowledged,
// recording which trigger started the round.
func advanceSignedToFinished[K consensus.Key[K], A consensus.Artifact](
	state consensus.ConsensusState[K, A],
) (consensus.ConsensusState[K, A], Effect, bool) {
	if state.Majority == nil {
		return state, Effect{None: true}, false
	}
	artifact, ok := state.Artifacts[*state.Majority]
	if !ok {
		return state, Effect{None: true}, false
	}
	a := artifact
	state.Final = &a
	state.MajorityTrigger = state.Trigger
	state.Status = consensus.Finished
	state.StatusUpdatedAt = time.Now()
	return state, Effect{None: true}, true
}
