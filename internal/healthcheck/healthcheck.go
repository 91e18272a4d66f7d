// Package healthcheck implements the health-check round: a parallel
// mini-consensus that collects per-peer liveness proposals keyed by
// (peer_id, round_id) and exposes a pluggable outcome driver, with a
// majority-counting idiom generalized from counting votes to counting
// distinct proposal owners.
package healthcheck

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ruvnet/ledgermesh/internal/peerid"
)

// Subject identifies one health-check round: the peer whose liveness
// is being decided, paired with the round that raised the question.
type Subject struct {
	Peer    peerid.PeerID
	RoundID uuid.UUID
}

// Status is a peer's self-reported liveness claim.
type Status struct {
	Owner   peerid.PeerID
	Alive   bool
	Details string
}

// Decision is the result a driver hands back once a round is finished.
type Decision struct {
	Alive  bool
	Reason string
}

// OutcomeDriver is the pluggable policy deciding the liveness outcome
// from the collected proposals. Only the simple-majority driver below
// is shipped; richer policies (weighted votes, historical scoring)
// plug in behind this interface without touching round bookkeeping.
type OutcomeDriver interface {
	CalculateConsensusOutcome(subject Subject, own Status, self peerid.PeerID, received map[peerid.PeerID]Status) Decision
}

// SimpleMajorityDriver declares a peer alive iff a strict majority of
// the received proposals (including our own) say so.
type SimpleMajorityDriver struct{}

func (SimpleMajorityDriver) CalculateConsensusOutcome(_ Subject, own Status, self peerid.PeerID, received map[peerid.PeerID]Status) Decision {
	total := len(received)
	if _, ok := received[self]; !ok {
		total++
	}
	votesNeeded := total/2 + 1

	alive := 0
	for _, s := range received {
		if s.Alive {
			alive++
		}
	}
	if own.Alive {
		if _, ok := received[self]; !ok {
			alive++
		}
	}

	if alive >= votesNeeded {
		return Decision{Alive: true, Reason: "majority_alive"}
	}
	return Decision{Alive: false, Reason: "no_majority"}
}

// Round accumulates proposals for a single subject. Every field
// access is serialized by mu, matching the per-key locking idiom used
// by internal/consensus/storage for the main consensus state.
type Round struct {
	mu           sync.Mutex
	subject      Subject
	peers        peerid.Set
	roundIDs     map[uuid.UUID]struct{}
	proposals    map[peerid.PeerID]Status
	participants peerid.Set
	driver       OutcomeDriver
}

// NewRound starts a round for subject, seeded with the current
// participant set (the cluster's view of who should answer).
func NewRound(subject Subject, participants []peerid.PeerID, driver OutcomeDriver) *Round {
	if driver == nil {
		driver = SimpleMajorityDriver{}
	}
	r := &Round{
		subject:      subject,
		peers:        peerid.NewSet(),
		roundIDs:     make(map[uuid.UUID]struct{}),
		proposals:    make(map[peerid.PeerID]Status),
		participants: peerid.NewSet(participants...),
		driver:       driver,
	}
	return r
}

// AddProposal records owner's status iff it has not already submitted
// one for this subject; on owner's first insertion it merges roundID
// into roundIDs and adds owner to the peer set.
func (r *Round) AddProposal(roundID uuid.UUID, owner peerid.PeerID, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.proposals[owner]; exists {
		return false
	}
	r.proposals[owner] = status
	r.roundIDs[roundID] = struct{}{}
	r.peers.Add(owner)
	return true
}

// ManagePeers prunes participants who are now absent from the current
// cluster view and have not yet submitted a proposal; participants who
// already submitted are retained regardless of current membership, so
// a peer that answers just before leaving still counts.
func (r *Round) ManagePeers(currentClusterPeers []peerid.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := peerid.NewSet(currentClusterPeers...)
	next := peerid.NewSet()
	for p := range r.participants {
		if _, submitted := r.proposals[p]; submitted {
			next.Add(p)
			continue
		}
		if current.Contains(p) {
			next.Add(p)
		}
	}
	r.participants = next
}

// IsFinished reports whether every peer in the current participant
// set has submitted a proposal.
func (r *Round) IsFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for p := range r.participants {
		if _, ok := r.proposals[p]; !ok {
			return false
		}
	}
	return true
}

// CalculateOutcome filters proposals down to the current participant
// set and delegates to the round's outcome driver.
func (r *Round) CalculateOutcome(self peerid.PeerID, own Status) Decision {
	r.mu.Lock()
	received := make(map[peerid.PeerID]Status, len(r.participants))
	for p := range r.participants {
		if s, ok := r.proposals[p]; ok {
			received[p] = s
		}
	}
	subject := r.subject
	driver := r.driver
	r.mu.Unlock()

	return driver.CalculateConsensusOutcome(subject, own, self, received)
}

// RoundIDs returns the set of distinct round identifiers merged into
// this subject's history so far.
func (r *Round) RoundIDs() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uuid.UUID, 0, len(r.roundIDs))
	for id := range r.roundIDs {
		out = append(out, id)
	}
	return out
}

// Manager tracks one Round per subject, so many peers' liveness can be
// under question concurrently without cross-subject interference.
type Manager struct {
	mu     sync.Mutex
	rounds map[peerid.PeerID]*Round
	driver OutcomeDriver
}

// NewManager builds a health-check round manager using driver for
// every round it creates (nil selects SimpleMajorityDriver).
func NewManager(driver OutcomeDriver) *Manager {
	return &Manager{rounds: make(map[peerid.PeerID]*Round), driver: driver}
}

// RoundFor returns the in-flight round for subject.Peer, creating one
// seeded with participants if none exists yet.
func (m *Manager) RoundFor(subject Subject, participants []peerid.PeerID) *Round {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[subject.Peer]
	if !ok {
		r = NewRound(subject, participants, m.driver)
		m.rounds[subject.Peer] = r
	}
	return r
}

// Finish removes the round for peer once its outcome has been acted
// on, bounding memory to in-flight subjects only.
func (m *Manager) Finish(peer peerid.PeerID) {
	m.mu.Lock()
	delete(m.rounds, peer)
	m.mu.Unlock()
}

// Declare records a remote peer's liveness proposal, creating the round
// for subject with no initial participants if this node has not itself
// started one yet. It satisfies p2p.HealthDeclarationHandler.
func (m *Manager) Declare(subject Subject, owner peerid.PeerID, status Status) {
	r := m.RoundFor(subject, nil)
	r.AddProposal(subject.RoundID, owner, status)
}
