package manager

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ruvnet/ledgermesh/internal/consensus"
	"github.com/ruvnet/ledgermesh/internal/consensus/storage"
	"github.com/ruvnet/ledgermesh/internal/consensus/updater"
	"github.com/ruvnet/ledgermesh/internal/envelope"
	"github.com/ruvnet/ledgermesh/internal/ledgerfn"
	"github.com/ruvnet/ledgermesh/internal/peerid"
)

type recordingSink struct {
	peerRumors   []recordedRumor
	commonRumors []recordedRumor
}

type recordedRumor struct {
	kind    envelope.RumorKind
	payload []byte
}

func (s *recordingSink) EmitPeerRumor(kind envelope.RumorKind, payload []byte) error {
	s.peerRumors = append(s.peerRumors, recordedRumor{kind, payload})
	return nil
}

func (s *recordingSink) EmitCommonRumor(kind envelope.RumorKind, payload []byte) error {
	s.commonRumors = append(s.commonRumors, recordedRumor{kind, payload})
	return nil
}

type emptyCluster struct{}

func (emptyCluster) Peers() []updater.Peer[ledgerfn.Epoch] { return nil }
func (emptyCluster) Responsive(peerid.PeerID) bool         { return false }

func genPeer(t *testing.T) peerid.PeerID {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return peerid.FromPublicKey(pub)
}

func newTestManager(t *testing.T, self peerid.PeerID, sink GossipSink) *Manager[ledgerfn.Epoch, ledgerfn.LedgerArtifact] {
	t.Helper()
	store := storage.New[ledgerfn.Epoch, ledgerfn.LedgerArtifact]()
	fns := ledgerfn.New()
	sign := func(h [32]byte) (envelope.Proof, error) { return envelope.Proof{Signer: self}, nil }
	logger := zap.NewNop()
	return New[ledgerfn.Epoch, ledgerfn.LedgerArtifact](self, Config{}, store, fns, sign, sink, emptyCluster{}, nil, logger, nil)
}

func TestManager_EmitEffect_FinalizedArtifactCarriesDecodedArtifact(t *testing.T) {
	self := genPeer(t)
	sink := &recordingSink{}
	m := newTestManager(t, self, sink)

	artifact := ledgerfn.LedgerArtifact{Epoch: 9}
	payload, err := json.Marshal(artifact)
	require.NoError(t, err)

	effect := updater.Effect{
		FinalizedArtifact: &updater.ArtifactEffect{
			Signed: envelope.Signed{
				Value: envelope.CommonRumor{ContentType: envelope.KindConsensusArtifact, Payload: payload},
			},
		},
	}

	m.emitEffect(ledgerfn.Epoch(9), effect)

	require.Len(t, sink.commonRumors, 1)
	var decoded artifactPayload[ledgerfn.Epoch, ledgerfn.LedgerArtifact]
	require.NoError(t, json.Unmarshal(sink.commonRumors[0].payload, &decoded))
	assert.Equal(t, artifact, decoded.Artifact)
	assert.Equal(t, ledgerfn.Epoch(9), decoded.Key)
}

func TestManager_HandleRumor_LedgerEventBuffersAndTriggers(t *testing.T) {
	self := genPeer(t)
	origin := genPeer(t)
	m := newTestManager(t, self, &recordingSink{})

	payload, err := json.Marshal(eventPayload{IsTrigger: true, Data: []byte("x")})
	require.NoError(t, err)
	rumor := envelope.PeerRumor{Origin: origin, Ordinal: 1, ContentType: envelope.KindLedgerEvent, Payload: payload}

	handled := m.HandleRumor(envelope.Signed{Value: rumor})
	assert.True(t, handled)
	assert.True(t, m.store.ContainsTriggerEvent())

	select {
	case <-m.eventSignal:
	default:
		t.Fatal("expected FacilitateOnEvent to have signaled eventSignal")
	}
}

func TestManager_HandleRumor_Deregistration(t *testing.T) {
	self := genPeer(t)
	origin := genPeer(t)
	m := newTestManager(t, self, &recordingSink{})

	m.store.RegisterPeer(origin, ledgerfn.Epoch(5))
	require.Len(t, m.store.Registrations(), 1)

	payload, err := json.Marshal(deregPayload[ledgerfn.Epoch]{Key: ledgerfn.Epoch(5)})
	require.NoError(t, err)
	rumor := envelope.PeerRumor{Origin: origin, ContentType: envelope.KindDeregistration, Payload: payload}

	handled := m.HandleRumor(envelope.Signed{Value: rumor})
	assert.True(t, handled)
	assert.Empty(t, m.store.Registrations())
}

func TestManager_HandleRumor_UnknownKindUnhandled(t *testing.T) {
	self := genPeer(t)
	m := newTestManager(t, self, &recordingSink{})

	rumor := envelope.PeerRumor{Origin: self, ContentType: "healthcheck.declaration", Payload: nil}
	assert.False(t, m.HandleRumor(envelope.Signed{Value: rumor}))
}

func TestManager_HandleRegistrationExchangeRequest(t *testing.T) {
	self := genPeer(t)
	peer := genPeer(t)
	m := newTestManager(t, self, &recordingSink{})

	// No own registration yet: answers nil, but still records the peer's.
	remoteKey := ledgerfn.Epoch(3)
	got := m.HandleRegistrationExchangeRequest(peer, &remoteKey)
	assert.Nil(t, got)
	regs := m.store.Registrations()
	require.Len(t, regs, 1)
	assert.Equal(t, remoteKey, regs[0].Key)

	m.store.SetOwnRegistration(ledgerfn.Epoch(9))
	got = m.HandleRegistrationExchangeRequest(peer, nil)
	require.NotNil(t, got)
	assert.Equal(t, ledgerfn.Epoch(9), *got)
}

func TestManager_ShouldInitiateRegistration(t *testing.T) {
	lower := genPeer(t)
	higher := genPeer(t)
	if !lower.Less(higher) {
		lower, higher = higher, lower
	}
	m := newTestManager(t, lower, &recordingSink{})
	assert.True(t, m.ShouldInitiateRegistration(higher))

	mHigh := newTestManager(t, higher, &recordingSink{})
	assert.False(t, mHigh.ShouldInitiateRegistration(lower))
}

func TestManager_Leave_EmitsDeregistrationAtMaxKey(t *testing.T) {
	self := genPeer(t)
	sink := &recordingSink{}
	m := newTestManager(t, self, sink)

	m.store.TryUpdateLastKeyAndArtifactWithCleanup(ledgerfn.Epoch(0), false, ledgerfn.Epoch(4), ledgerfn.LedgerArtifact{}, func(ledgerfn.Epoch) bool { return false })
	m.store.SetOwnRegistration(ledgerfn.Epoch(10))

	m.Leave()

	require.Len(t, sink.peerRumors, 1)
	assert.Equal(t, envelope.KindDeregistration, sink.peerRumors[0].kind)

	var p deregPayload[ledgerfn.Epoch]
	require.NoError(t, json.Unmarshal(sink.peerRumors[0].payload, &p))
	assert.Equal(t, ledgerfn.Epoch(10), p.Key)
}

func TestManager_StartFacilitatingAfter_SetsRegistrationAndTrigger(t *testing.T) {
	self := genPeer(t)
	m := newTestManager(t, self, &recordingSink{})

	m.StartFacilitatingAfter(ledgerfn.Epoch(2), ledgerfn.LedgerArtifact{Epoch: 2})

	own, ok := m.store.GetOwnRegistration()
	require.True(t, ok)
	assert.Equal(t, ledgerfn.Epoch(3), own)

	lastKey, _, hasLast := m.store.GetLastKeyAndArtifact()
	require.True(t, hasLast)
	assert.Equal(t, ledgerfn.Epoch(2), lastKey)

	_, hasTrigger := m.store.GetTimeTrigger(ledgerfn.Epoch(3))
	assert.True(t, hasTrigger)

	assert.Equal(t, Ready, m.getLifecycle())
}

func TestManager_StartObservingAfter_InstallsObserverState(t *testing.T) {
	self := genPeer(t)
	peer := genPeer(t)
	m := newTestManager(t, self, &recordingSink{})

	err := m.StartObservingAfter(context.Background(), ledgerfn.Epoch(1), peer)
	require.NoError(t, err)

	own, ok := m.store.GetOwnRegistration()
	require.True(t, ok)
	assert.Equal(t, ledgerfn.Epoch(3), own)

	lastKey, _, hasLast := m.store.GetLastKeyAndArtifact()
	require.True(t, hasLast)
	assert.Equal(t, ledgerfn.Epoch(1), lastKey)
}

var _ consensus.Key[ledgerfn.Epoch] = ledgerfn.Epoch(0)
