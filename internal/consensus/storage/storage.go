// Package storage implements the per-key consensus state store: every
// read-modify-write against a key's ConsensusState is serialized
// through that key's own mutex: a plain map guarded by a sync.RWMutex,
// with a second lock on each entry.
package storage

import (
	"sync"
	"time"

	"github.com/ruvnet/ledgermesh/internal/consensus"
	"github.com/ruvnet/ledgermesh/internal/envelope"
	"github.com/ruvnet/ledgermesh/internal/peerid"
)

type entry[K consensus.Key[K], A consensus.Artifact] struct {
	mu    sync.Mutex
	state consensus.ConsensusState[K, A]
}

// Store holds one ConsensusState per key plus the peer bookkeeping
// (registrations, event buffers, time triggers) that the updater and
// manager packages read and mutate.
type Store[K consensus.Key[K], A consensus.Artifact] struct {
	mu      sync.RWMutex
	entries map[K]*entry[K, A]

	peerMu          sync.Mutex
	registrations   map[peerid.PeerID]consensus.Registration[K]
	ownRegistration K
	ownRegistered   bool

	eventMu sync.Mutex
	events  map[peerid.PeerID]consensus.PeerEventBuffer

	triggerMu   sync.Mutex
	timeTrigger map[K]time.Time

	lastMu  sync.Mutex
	lastKey *K
	lastArt *A
}

// New creates an empty store.
func New[K consensus.Key[K], A consensus.Artifact]() *Store[K, A] {
	return &Store[K, A]{
		entries:       make(map[K]*entry[K, A]),
		registrations: make(map[peerid.PeerID]consensus.Registration[K]),
		events:        make(map[peerid.PeerID]consensus.PeerEventBuffer),
		timeTrigger:   make(map[K]time.Time),
	}
}

func (s *Store[K, A]) entryFor(key K) *entry[K, A] {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry[K, A]{state: consensus.ConsensusState[K, A]{
			Key:          key,
			Status:       consensus.Facilitated,
			Declarations: make(map[peerid.PeerID]consensus.Declaration),
			Artifacts:    make(map[[32]byte]A),
			FacilitatedAt: time.Now(),
		}}
		s.entries[key] = e
	}
	s.mu.Unlock()
	return e
}

// GetResources returns a snapshot of the key's state plus the
// current known upper bound, for read-only decision making. It never
// fails: a key with nothing buffered yet returns a freshly
// initialized Facilitated state.
func (s *Store[K, A]) GetResources(key K) consensus.ConsensusResources[K, A] {
	e := s.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return consensus.ConsensusResources[K, A]{State: e.state, Bound: s.GetUpperBound()}
}

// CondModifyState runs fn against the key's current state under its
// lock and, if fn reports ok, stores the returned state. This is the
// serialized compare-and-modify primitive every transition in the
// updater package goes through.
func (s *Store[K, A]) CondModifyState(key K, fn func(consensus.ConsensusState[K, A]) (consensus.ConsensusState[K, A], bool)) (consensus.ConsensusState[K, A], bool) {
	e := s.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	next, ok := fn(e.state)
	if !ok {
		return e.state, false
	}
	e.state = next
	return e.state, true
}

// AddPeerDeclaration fills in whichever of upperBound/proposalHash/sig
// is non-nil for (key, peer), but only the fields not already set:
// once a facilitator's fragment is recorded it is immutable.
func (s *Store[K, A]) AddPeerDeclaration(key K, peer peerid.PeerID, upperBound *consensus.Bound, proposalHash *[32]byte, sig *envelope.Proof) {
	e := s.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	d := e.state.Declarations[peer]
	if d.UpperBound == nil && upperBound != nil {
		d.UpperBound = upperBound
	}
	if d.ProposalHash == nil && proposalHash != nil {
		d.ProposalHash = proposalHash
	}
	if d.Signature == nil && sig != nil {
		d.Signature = sig
	}
	e.state.Declarations[peer] = d
}

// AddArtifact records an artifact received via a ConsensusArtifact
// rumor, keyed by its hash, so a later majority selection can look it
// up without re-deriving it.
func (s *Store[K, A]) AddArtifact(key K, hash [32]byte, artifact A) {
	e := s.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Artifacts[hash] = artifact
}

// PullEvents returns, per peer, the buffered events with ordinal at
// or below bound's value for that peer, and removes them from the
// buffer. Events past the bound remain for a later pull.
func (s *Store[K, A]) PullEvents(bound consensus.Bound) map[peerid.PeerID][]consensus.PeerEvent {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	out := make(map[peerid.PeerID][]consensus.PeerEvent)
	for peer, buf := range s.events {
		limit, ok := bound[peer]
		if !ok {
			continue
		}
		var keep, pulled []consensus.PeerEvent
		for _, ev := range buf.Events {
			if ev.Ordinal <= limit {
				pulled = append(pulled, ev)
			} else {
				keep = append(keep, ev)
			}
		}
		if len(pulled) > 0 {
			out[peer] = pulled
		}
		buf.Events = keep
		s.events[peer] = buf
	}
	return out
}

// AddEvents re-inserts events a proposal did not end up consuming, or
// records newly observed peer events.
func (s *Store[K, A]) AddEvents(peer peerid.PeerID, events []consensus.PeerEvent) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	buf := s.events[peer]
	buf.Peer = peer
	buf.Events = append(buf.Events, events...)
	s.events[peer] = buf
}

// ContainsTriggerEvent reports whether any currently buffered event,
// for any peer, is marked as a trigger.
func (s *Store[K, A]) ContainsTriggerEvent() bool {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	for _, buf := range s.events {
		for _, ev := range buf.Events {
			if ev.IsTrigger {
				return true
			}
		}
	}
	return false
}

// GetLastKeyAndArtifact returns the most recently finished key and
// its final artifact, if any round has finished yet.
func (s *Store[K, A]) GetLastKeyAndArtifact() (K, A, bool) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	if s.lastKey == nil || s.lastArt == nil {
		var zk K
		var za A
		return zk, za, false
	}
	return *s.lastKey, *s.lastArt, true
}

// TryUpdateLastKeyAndArtifactWithCleanup performs a CAS on the
// last-finished pointer: it only advances if the caller's view of the
// previous last key matches current, and on success evicts entries
// whose key is at or before the caller-supplied evict predicate
// allows, bounding memory growth across many finished rounds.
func (s *Store[K, A]) TryUpdateLastKeyAndArtifactWithCleanup(expectedKey K, expectedOK bool, newKey K, newArt A, evict func(K) bool) bool {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()

	curOK := s.lastKey != nil
	if curOK != expectedOK {
		return false
	}
	if expectedOK && *s.lastKey != expectedKey {
		return false
	}

	s.lastKey = &newKey
	s.lastArt = &newArt

	s.mu.Lock()
	for k := range s.entries {
		if evict(k) {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()

	return true
}

// SetTimeTrigger records when a key should next be reconsidered for
// facilitation on a timer (as opposed to on peer-event arrival).
func (s *Store[K, A]) SetTimeTrigger(key K, at time.Time) {
	s.triggerMu.Lock()
	defer s.triggerMu.Unlock()
	s.timeTrigger[key] = at
}

// GetTimeTrigger returns the scheduled time for a key, if set.
func (s *Store[K, A]) GetTimeTrigger(key K) (time.Time, bool) {
	s.triggerMu.Lock()
	defer s.triggerMu.Unlock()
	t, ok := s.timeTrigger[key]
	return t, ok
}

// RegisterPeer records a remote peer's own_registration epoch. It is
// monotonic: a peer cannot regress to an earlier epoch than one it has
// already advertised, so a stale, reordered exchange cannot roll back
// knowledge of a peer's eligibility.
func (s *Store[K, A]) RegisterPeer(peer peerid.PeerID, key K) bool {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()

	cur, exists := s.registrations[peer]
	if exists && key.Less(cur.Key) {
		return false
	}
	s.registrations[peer] = consensus.Registration[K]{Peer: peer, RegisteredAt: time.Now(), Key: key}
	return true
}

// Registrations returns a snapshot of all current peer registrations.
func (s *Store[K, A]) Registrations() []consensus.Registration[K] {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	out := make([]consensus.Registration[K], 0, len(s.registrations))
	for _, r := range s.registrations {
		out = append(out, r)
	}
	return out
}

// Deregister removes a peer, e.g. on its departure notice.
func (s *Store[K, A]) Deregister(peer peerid.PeerID) {
	s.peerMu.Lock()
	delete(s.registrations, peer)
	s.peerMu.Unlock()
}

// SetOwnRegistration records the epoch this node advertises to peers
// during the registration exchange: the first key at which it wishes
// to participate as a facilitator candidate.
func (s *Store[K, A]) SetOwnRegistration(key K) {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	s.ownRegistration = key
	s.ownRegistered = true
}

// GetOwnRegistration returns this node's last advertised registration
// epoch, if any has been set yet.
func (s *Store[K, A]) GetOwnRegistration() (K, bool) {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	return s.ownRegistration, s.ownRegistered
}

// GetUpperBound returns the current known bound across all buffered
// peer event streams: for every peer this node holds events from, the
// highest ordinal currently buffered (and hence available to promise
// inclusion of in the next round this node facilitates).
func (s *Store[K, A]) GetUpperBound() consensus.Bound {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	out := consensus.Bound{}
	for peer, buf := range s.events {
		var max uint64
		var any bool
		for _, ev := range buf.Events {
			if !any || ev.Ordinal > max {
				max = ev.Ordinal
				any = true
			}
		}
		if any {
			out[peer] = max
		}
	}
	return out
}
