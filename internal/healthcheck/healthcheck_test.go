package healthcheck

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/ledgermesh/internal/peerid"
)

func id(b byte) peerid.PeerID {
	var p peerid.PeerID
	p[0] = b
	return p
}

func TestRound_AddProposal_FirstWriterWins(t *testing.T) {
	self, peerA := id(1), id(2)
	round := NewRound(Subject{Peer: peerA}, []peerid.PeerID{self, peerA}, nil)

	rid := uuid.New()
	ok := round.AddProposal(rid, self, Status{Owner: self, Alive: true})
	require.True(t, ok)

	ok = round.AddProposal(uuid.New(), self, Status{Owner: self, Alive: false})
	assert.False(t, ok, "a peer's second submission must not overwrite its first")
}

func TestRound_IsFinished(t *testing.T) {
	self, peerA, peerB := id(1), id(2), id(3)
	round := NewRound(Subject{Peer: peerB}, []peerid.PeerID{self, peerA, peerB}, nil)

	assert.False(t, round.IsFinished())

	round.AddProposal(uuid.New(), self, Status{Owner: self, Alive: true})
	round.AddProposal(uuid.New(), peerA, Status{Owner: peerA, Alive: true})
	assert.False(t, round.IsFinished())

	round.AddProposal(uuid.New(), peerB, Status{Owner: peerB, Alive: false})
	assert.True(t, round.IsFinished())
}

func TestRound_ManagePeers_PrunesAbsentUnsubmitted(t *testing.T) {
	self, peerA, peerB := id(1), id(2), id(3)
	round := NewRound(Subject{Peer: peerB}, []peerid.PeerID{self, peerA, peerB}, nil)

	round.AddProposal(uuid.New(), peerA, Status{Owner: peerA, Alive: true})
	round.AddProposal(uuid.New(), peerB, Status{Owner: peerB, Alive: true})
	require.False(t, round.IsFinished(), "self has not submitted yet")

	// peerA already submitted and is dropped from the live cluster view;
	// it must be retained. self never submitted and is also dropped; it
	// must be pruned so the round can still finish.
	round.ManagePeers([]peerid.PeerID{peerB})

	assert.True(t, round.IsFinished(), "pruning the non-submitting absent peer should let the round finish")
}

func TestSimpleMajorityDriver_Outcome(t *testing.T) {
	self, peerA, peerB := id(1), id(2), id(3)
	round := NewRound(Subject{Peer: peerB}, []peerid.PeerID{self, peerA, peerB}, SimpleMajorityDriver{})

	round.AddProposal(uuid.New(), peerA, Status{Owner: peerA, Alive: false})
	round.AddProposal(uuid.New(), peerB, Status{Owner: peerB, Alive: false})

	decision := round.CalculateOutcome(self, Status{Owner: self, Alive: true})
	assert.False(t, decision.Alive, "two declared-dead votes out of three must not be overridden by self's lone alive vote")
}

func TestManager_RoundFor_ReusesExistingRound(t *testing.T) {
	m := NewManager(nil)
	subject := Subject{Peer: id(9)}

	r1 := m.RoundFor(subject, []peerid.PeerID{id(1), id(9)})
	r2 := m.RoundFor(subject, []peerid.PeerID{id(1), id(9)})
	assert.Same(t, r1, r2)

	m.Finish(subject.Peer)
	r3 := m.RoundFor(subject, []peerid.PeerID{id(1), id(9)})
	assert.NotSame(t, r1, r3, "Finish must drop the round so a fresh one starts next time")
}
