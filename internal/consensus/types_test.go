package consensus

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/ledgermesh/internal/peerid"
)

func genPeer(t *testing.T) peerid.PeerID {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return peerid.FromPublicKey(pub)
}

func TestBound_Merge_PointwiseMax(t *testing.T) {
	a, b := genPeer(t), genPeer(t)
	x := Bound{a: 3, b: 10}
	y := Bound{a: 7, b: 2}

	merged := x.Merge(y)

	assert.Equal(t, uint64(7), merged[a])
	assert.Equal(t, uint64(10), merged[b])
}

func TestBound_Merge_Commutative(t *testing.T) {
	a, b := genPeer(t), genPeer(t)
	x := Bound{a: 3, b: 10}
	y := Bound{a: 7, b: 2}

	assert.Equal(t, x.Merge(y), y.Merge(x))
}

func TestBound_Merge_Idempotent(t *testing.T) {
	a := genPeer(t)
	x := Bound{a: 5}

	assert.Equal(t, x, x.Merge(x))
}

func TestBound_Advance_RaisesOnlyWhenHigher(t *testing.T) {
	p := genPeer(t)
	b := Bound{p: 5}

	higher := b.Advance(p, 9)
	assert.Equal(t, uint64(9), higher[p])

	lower := b.Advance(p, 2)
	assert.Equal(t, uint64(5), lower[p])
}

func TestBound_Contains(t *testing.T) {
	p := genPeer(t)
	b := Bound{p: 5}

	assert.True(t, b.Contains(p, 5))
	assert.True(t, b.Contains(p, 3))
	assert.False(t, b.Contains(p, 6))

	other := genPeer(t)
	assert.False(t, b.Contains(other, 0))
}

func TestStatus_String(t *testing.T) {
	cases := map[Status]string{
		Facilitated:      "facilitated",
		ProposalMade:     "proposal_made",
		MajoritySelected: "majority_selected",
		MajoritySigned:   "majority_signed",
		Finished:         "finished",
		Status(99):       "unknown",
	}
	for status, want := range cases {
		assert.Equal(t, want, status.String())
	}
}
