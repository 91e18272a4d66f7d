package p2p

import (
	"context"
	"crypto/ed25519"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/ledgermesh/internal/envelope"
	"github.com/ruvnet/ledgermesh/internal/gossip"
	"github.com/ruvnet/ledgermesh/internal/healthcheck"
	"github.com/ruvnet/ledgermesh/internal/peerid"
)

type fakeGossipHandler struct {
	startReq gossip.StartGossipRoundRequest
}

func (f *fakeGossipHandler) HandleStartRound(req gossip.StartGossipRoundRequest) gossip.StartGossipRoundResponse {
	f.startReq = req
	return gossip.StartGossipRoundResponse{Offer: req.Offer}
}

func (f *fakeGossipHandler) HandleEndRound(req gossip.EndGossipRoundRequest) gossip.EndGossipRoundResponse {
	return gossip.EndGossipRoundResponse{}
}

type fakeRegHandler struct {
	lastPeer peerid.PeerID
	lastKey  *int
	answer   *int
}

func (f *fakeRegHandler) HandleRegistrationExchangeRequest(peer peerid.PeerID, maybeKey *int) *int {
	f.lastPeer = peer
	f.lastKey = maybeKey
	return f.answer
}

type fakeHealthHandler struct {
	declared []healthcheck.Subject
}

func (f *fakeHealthHandler) Declare(subject healthcheck.Subject, owner peerid.PeerID, status healthcheck.Status) {
	f.declared = append(f.declared, subject)
}

func genPeer(t *testing.T) peerid.PeerID {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return peerid.FromPublicKey(pub)
}

func TestServer_GossipRoundTrip(t *testing.T) {
	gh := &fakeGossipHandler{}
	srv := NewServer[int](gh, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := NewClient[int](genPeer(t), time.Second)
	offer := []envelope.Hash{{0x01}}
	resp, err := client.StartRound(context.Background(), gossip.Peer{Address: ts.URL}, gossip.StartGossipRoundRequest{Offer: offer})
	require.NoError(t, err)
	assert.Equal(t, offer, resp.Offer)
	assert.Equal(t, offer, gh.startReq.Offer)
}

func TestServer_RegistrationExchange(t *testing.T) {
	answer := 42
	rh := &fakeRegHandler{answer: &answer}
	srv := NewServer[int](nil, rh, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	caller := genPeer(t)
	client := NewClient[int](caller, time.Second)
	target := genPeer(t)
	regClient := &RegistrationClient[int]{Client: client, Addresses: staticAddresses{target: ts.URL}}

	own := 7
	got, err := regClient.ExchangeRegistration(context.Background(), target, &own)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 42, *got)
	require.NotNil(t, rh.lastKey)
	assert.Equal(t, 7, *rh.lastKey)
	assert.Equal(t, caller, rh.lastPeer)
}

func TestRegistrationClient_UnknownPeer(t *testing.T) {
	client := NewClient[int](genPeer(t), time.Second)
	regClient := &RegistrationClient[int]{Client: client, Addresses: staticAddresses{}}

	_, err := regClient.ExchangeRegistration(context.Background(), genPeer(t), nil)
	assert.Error(t, err)
}

func TestServer_HealthDeclaration(t *testing.T) {
	hh := &fakeHealthHandler{}
	srv := NewServer[int](nil, nil, hh)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := NewClient[int](genPeer(t), time.Second)
	subject := healthcheck.Subject{Peer: genPeer(t), RoundID: uuid.New()}
	status := healthcheck.Status{Owner: genPeer(t), Alive: true}

	err := client.DeclareHealth(context.Background(), ts.URL, subject, status)
	require.NoError(t, err)
	require.Len(t, hh.declared, 1)
	assert.Equal(t, subject, hh.declared[0])
}

func TestServer_MissingHandler_ReturnsUnavailable(t *testing.T) {
	srv := NewServer[int](nil, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := NewClient[int](genPeer(t), time.Second)
	_, err := client.StartRound(context.Background(), gossip.Peer{Address: ts.URL}, gossip.StartGossipRoundRequest{})
	assert.Error(t, err)
}

type staticAddresses map[peerid.PeerID]string

func (s staticAddresses) Address(id peerid.PeerID) (string, bool) {
	addr, ok := s[id]
	return addr, ok
}
