package ledgerfn

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/ledgermesh/internal/consensus"
	"github.com/ruvnet/ledgermesh/internal/envelope"
	"github.com/ruvnet/ledgermesh/internal/peerid"
)

func genPeer(t *testing.T) peerid.PeerID {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return peerid.FromPublicKey(pub)
}

func TestEpoch_Next(t *testing.T) {
	e := Epoch(4)
	assert.Equal(t, Epoch(5), e.Next())
	assert.True(t, Epoch(1).Less(Epoch(2)))
	assert.False(t, Epoch(2).Less(Epoch(2)))
}

func TestLedgerArtifact_Hash_Deterministic(t *testing.T) {
	origin := genPeer(t)
	a := LedgerArtifact{Epoch: 3, Events: []FoldedEvent{{Origin: origin, Ordinal: 1, Payload: []byte("x")}}}
	b := LedgerArtifact{Epoch: 3, Events: []FoldedEvent{{Origin: origin, Ordinal: 1, Payload: []byte("x")}}}
	assert.Equal(t, a.Hash(), b.Hash())

	c := LedgerArtifact{Epoch: 3, Events: []FoldedEvent{{Origin: origin, Ordinal: 2, Payload: []byte("x")}}}
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestFunctions_CreateProposalArtifact_FirstEpoch(t *testing.T) {
	fns := New()
	originA := genPeer(t)
	originB := genPeer(t)

	events := map[peerid.PeerID][]consensus.PeerEvent{
		originA: {
			{Origin: originA, Ordinal: 2, Payload: []byte("a2")},
			{Origin: originA, Ordinal: 1, Payload: []byte("a1")},
		},
		originB: {
			{Origin: originB, Ordinal: 1, Payload: []byte("b1")},
		},
	}

	artifact, consumed, err := fns.CreateProposalArtifact(nil, events)
	require.NoError(t, err)

	assert.Equal(t, Epoch(0), artifact.Epoch)
	require.Len(t, artifact.Events, 3)

	assert.ElementsMatch(t, []uint64{1, 2}, consumed[originA])
	assert.ElementsMatch(t, []uint64{1}, consumed[originB])

	// folded events are ordered by (origin, ordinal), so originA's events
	// are sorted among themselves regardless of input order.
	var aOrdinals []uint64
	for _, ev := range artifact.Events {
		if ev.Origin == originA {
			aOrdinals = append(aOrdinals, ev.Ordinal)
		}
	}
	assert.Equal(t, []uint64{1, 2}, aOrdinals)
}

func TestFunctions_CreateProposalArtifact_AdvancesFromLast(t *testing.T) {
	fns := New()
	last := LedgerArtifact{Epoch: 7}

	artifact, consumed, err := fns.CreateProposalArtifact(&last, map[peerid.PeerID][]consensus.PeerEvent{})
	require.NoError(t, err)

	assert.Equal(t, Epoch(8), artifact.Epoch)
	assert.Empty(t, artifact.Events)
	assert.Empty(t, consumed)
}

func TestFunctions_ConsumeSignedMajorityArtifact_Idempotent(t *testing.T) {
	fns := New()
	require.NoError(t, fns.ConsumeSignedMajorityArtifact(envelope.Signed{}))
	require.NoError(t, fns.ConsumeSignedMajorityArtifact(envelope.Signed{}))
}
