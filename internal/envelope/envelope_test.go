package envelope

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/ledgermesh/internal/peerid"
)

func genKey(t *testing.T) (peerid.PeerID, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return peerid.FromPublicKey(pub), priv
}

func lookupFor(keys map[peerid.PeerID]ed25519.PublicKey) PublicKeyLookup {
	return func(id peerid.PeerID) (ed25519.PublicKey, bool) {
		k, ok := keys[id]
		return k, ok
	}
}

func TestValidate_ValidPeerRumor(t *testing.T) {
	origin, priv := genKey(t)
	pub := priv.Public().(ed25519.PublicKey)

	rumor := PeerRumor{Origin: origin, Ordinal: 1, ContentType: KindConsensusFacility, Payload: []byte("hello")}
	proof, err := Sign(origin, priv, rumor)
	require.NoError(t, err)

	hash, err := ComputeHash(rumor)
	require.NoError(t, err)

	v := NewValidator(lookupFor(map[peerid.PeerID]ed25519.PublicKey{origin: pub}), nil)
	result := v.Validate(hash, Signed{Value: rumor, Proofs: []Proof{proof}})

	assert.True(t, result.OK(), result.Error())
}

func TestValidate_HashMismatch(t *testing.T) {
	origin, priv := genKey(t)
	pub := priv.Public().(ed25519.PublicKey)

	rumor := PeerRumor{Origin: origin, Ordinal: 1, ContentType: KindConsensusFacility, Payload: []byte("hello")}
	proof, err := Sign(origin, priv, rumor)
	require.NoError(t, err)

	v := NewValidator(lookupFor(map[peerid.PeerID]ed25519.PublicKey{origin: pub}), nil)
	result := v.Validate(Hash{0xFF}, Signed{Value: rumor, Proofs: []Proof{proof}})

	assert.False(t, result.OK())
	assert.True(t, result.HashMismatch)
}

func TestValidate_MissingOriginProof(t *testing.T) {
	origin, _ := genKey(t)
	other, otherPriv := genKey(t)
	otherPub := otherPriv.Public().(ed25519.PublicKey)

	rumor := PeerRumor{Origin: origin, Ordinal: 1, ContentType: KindConsensusFacility, Payload: []byte("x")}
	proof, err := Sign(other, otherPriv, rumor)
	require.NoError(t, err)

	hash, err := ComputeHash(rumor)
	require.NoError(t, err)

	v := NewValidator(lookupFor(map[peerid.PeerID]ed25519.PublicKey{other: otherPub}), nil)
	result := v.Validate(hash, Signed{Value: rumor, Proofs: []Proof{proof}})

	assert.False(t, result.OK())
	assert.True(t, result.MissingOriginProof)
}

func TestValidate_InvalidSignature(t *testing.T) {
	origin, priv := genKey(t)
	pub := priv.Public().(ed25519.PublicKey)

	rumor := PeerRumor{Origin: origin, Ordinal: 1, ContentType: KindConsensusFacility, Payload: []byte("x")}
	proof, err := Sign(origin, priv, rumor)
	require.NoError(t, err)

	tampered := PeerRumor{Origin: origin, Ordinal: 1, ContentType: KindConsensusFacility, Payload: []byte("y")}
	hash, err := ComputeHash(tampered)
	require.NoError(t, err)

	v := NewValidator(lookupFor(map[peerid.PeerID]ed25519.PublicKey{origin: pub}), nil)
	result := v.Validate(hash, Signed{Value: tampered, Proofs: []Proof{proof}})

	assert.False(t, result.OK())
	assert.Contains(t, result.InvalidSigners, origin)
}

func TestValidate_Whitelist(t *testing.T) {
	origin, priv := genKey(t)
	pub := priv.Public().(ed25519.PublicKey)

	rumor := CommonRumor{ContentType: KindConsensusArtifact, Payload: []byte("x")}
	proof, err := Sign(origin, priv, rumor)
	require.NoError(t, err)
	hash, err := ComputeHash(rumor)
	require.NoError(t, err)

	v := NewValidator(lookupFor(map[peerid.PeerID]ed25519.PublicKey{origin: pub}), peerid.NewSet())
	result := v.Validate(hash, Signed{Value: rumor, Proofs: []Proof{proof}})

	assert.False(t, result.OK())
	assert.Contains(t, result.NonWhitelisted, origin)
}

func TestValidate_NoProofsRejectedEvenWithoutWhitelist(t *testing.T) {
	rumor := CommonRumor{ContentType: KindConsensusArtifact, Payload: []byte("x")}
	hash, err := ComputeHash(rumor)
	require.NoError(t, err)

	v := NewValidator(lookupFor(map[peerid.PeerID]ed25519.PublicKey{}), nil)
	result := v.Validate(hash, Signed{Value: rumor})

	assert.False(t, result.OK())
	assert.True(t, result.NoProofs)
	assert.Empty(t, result.InvalidSigners)
	assert.Empty(t, result.NonWhitelisted)
}

func TestSignedRoundTrip(t *testing.T) {
	origin, priv := genKey(t)
	rumor := PeerRumor{Origin: origin, Ordinal: 7, ContentType: KindConsensusProposal, Payload: []byte("payload")}
	proof, err := Sign(origin, priv, rumor)
	require.NoError(t, err)

	signed := Signed{Value: rumor, Proofs: []Proof{proof}}
	data, err := json.Marshal(signed)
	require.NoError(t, err)

	var decoded Signed
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, rumor, decoded.Value)
	assert.Equal(t, signed.Proofs, decoded.Proofs)
}

func TestSignDigest_VerifiesAgainstRawDigest(t *testing.T) {
	self, priv := genKey(t)
	pub := priv.Public().(ed25519.PublicKey)

	digest := [32]byte{}
	copy(digest[:], []byte("some artifact content hash here"))

	proof, err := SignDigest(self, priv, digest)
	require.NoError(t, err)

	assert.Equal(t, self, proof.Signer)
	assert.True(t, ed25519.Verify(pub, digest[:], proof.Signature))
}
