// Package p2p serves and calls the peer-to-peer RPC surface: gossip
// start, gossip end, consensus registration exchange, and healthcheck
// peer declaration, all routed as gorilla/mux HTTP/JSON endpoints and
// called through one shared http.Client with a per-call timeout.
package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ruvnet/ledgermesh/internal/gossip"
	"github.com/ruvnet/ledgermesh/internal/healthcheck"
	"github.com/ruvnet/ledgermesh/internal/peerid"
)

// validate runs struct-tag validation on decoded request bodies at the
// RPC boundary with a single shared go-playground/validator/v10
// instance.
var validate = validator.New()

const (
	pathGossipStart      = "/gossip/start"
	pathGossipEnd        = "/gossip/end"
	pathRegistrationExch = "/consensus/registration/exchange"
	pathHealthDeclare    = "/healthcheck/peer-declaration"
)

// registrationRequest/registrationResponse carry the caller's own
// registration key (nil if it has none yet) and the receiver's
// answer, generic over the node's concrete Key type.
type registrationRequest[K any] struct {
	Key *K `json:"key,omitempty"`
}

type registrationResponse[K any] struct {
	Key *K `json:"key,omitempty"`
}

// healthDeclarationRequest is the wire shape for a single liveness
// proposal submitted against a subject's health-check round.
type healthDeclarationRequest struct {
	Subject peerid.PeerID `json:"subject"`
	RoundID string        `json:"round_id" validate:"required,uuid"`
	Owner   peerid.PeerID `json:"owner"`
	Alive   bool          `json:"alive"`
	Details string        `json:"details,omitempty" validate:"max=256"`
}

type healthDeclarationResponse struct {
	Accepted bool `json:"accepted"`
}

// RegistrationHandler is the receiver side of the registration
// exchange: manager.Manager.HandleRegistrationExchangeRequest
// satisfies this for its concrete K.
type RegistrationHandler[K any] interface {
	HandleRegistrationExchangeRequest(peer peerid.PeerID, maybeKey *K) *K
}

// GossipHandler is the receiver side of the two gossip RPCs:
// gossip.Daemon satisfies this.
type GossipHandler interface {
	HandleStartRound(req gossip.StartGossipRoundRequest) gossip.StartGossipRoundResponse
	HandleEndRound(req gossip.EndGossipRoundRequest) gossip.EndGossipRoundResponse
}

// HealthDeclarationHandler receives a remote peer's liveness
// proposal for a subject's round, keyed the way
// healthcheck.Manager/Round expect.
type HealthDeclarationHandler interface {
	Declare(subject healthcheck.Subject, owner peerid.PeerID, status healthcheck.Status)
}

// Server wires the P2P RPC surface onto a gorilla/mux router. The
// caller address (who is making the call) is not authenticated at
// this layer beyond envelope-level signature checks performed further
// up the stack; this server only decodes and dispatches.
type Server[K any] struct {
	router *mux.Router

	gossipH GossipHandler
	regH    RegistrationHandler[K]
	healthH HealthDeclarationHandler
}

// NewServer builds a P2P server routing onto the given handlers. Any
// handler may be nil, in which case its routes answer 503.
func NewServer[K any](gossipH GossipHandler, regH RegistrationHandler[K], healthH HealthDeclarationHandler) *Server[K] {
	s := &Server[K]{
		router:  mux.NewRouter(),
		gossipH: gossipH,
		regH:    regH,
		healthH: healthH,
	}
	s.router.HandleFunc(pathGossipStart, s.handleGossipStart).Methods(http.MethodPost)
	s.router.HandleFunc(pathGossipEnd, s.handleGossipEnd).Methods(http.MethodPost)
	s.router.HandleFunc(pathRegistrationExch, s.handleRegistrationExchange).Methods(http.MethodPost)
	s.router.HandleFunc(pathHealthDeclare, s.handleHealthDeclaration).Methods(http.MethodPost)
	return s
}

// Handler returns the underlying mux.Router for embedding into a
// larger http.Server (e.g. alongside the gin admin surface on a
// different port).
func (s *Server[K]) Handler() http.Handler { return s.router }

func (s *Server[K]) handleGossipStart(w http.ResponseWriter, r *http.Request) {
	if s.gossipH == nil {
		http.Error(w, "gossip handler not configured", http.StatusServiceUnavailable)
		return
	}
	var req gossip.StartGossipRoundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, s.gossipH.HandleStartRound(req))
}

func (s *Server[K]) handleGossipEnd(w http.ResponseWriter, r *http.Request) {
	if s.gossipH == nil {
		http.Error(w, "gossip handler not configured", http.StatusServiceUnavailable)
		return
	}
	var req gossip.EndGossipRoundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, s.gossipH.HandleEndRound(req))
}

func (s *Server[K]) handleRegistrationExchange(w http.ResponseWriter, r *http.Request) {
	if s.regH == nil {
		http.Error(w, "registration handler not configured", http.StatusServiceUnavailable)
		return
	}
	var req registrationRequest[K]
	if !decodeBody(w, r, &req) {
		return
	}
	peer := callerPeerID(r)
	answer := s.regH.HandleRegistrationExchangeRequest(peer, req.Key)
	writeJSON(w, registrationResponse[K]{Key: answer})
}

func (s *Server[K]) handleHealthDeclaration(w http.ResponseWriter, r *http.Request) {
	if s.healthH == nil {
		http.Error(w, "health-check handler not configured", http.StatusServiceUnavailable)
		return
	}
	var req healthDeclarationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	roundID, err := parseRoundID(req.RoundID)
	if err != nil {
		http.Error(w, "invalid round_id", http.StatusBadRequest)
		return
	}
	s.healthH.Declare(
		healthcheck.Subject{Peer: req.Subject, RoundID: roundID},
		req.Owner,
		healthcheck.Status{Owner: req.Owner, Alive: req.Alive, Details: req.Details},
	)
	writeJSON(w, healthDeclarationResponse{Accepted: true})
}

// callerPeerID identifies the caller from a request header set by the
// P2P client below. It is not a security boundary: rumor-level origin
// proofs (internal/envelope) are what's actually trusted, kept
// separate from transport-level caller identity.
func callerPeerID(r *http.Request) peerid.PeerID {
	id, err := peerid.Parse(r.Header.Get("X-Peer-Id"))
	if err != nil {
		return peerid.PeerID{}
	}
	return id
}

func parseRoundID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := validate.Struct(v); err != nil {
		http.Error(w, "request failed validation: "+err.Error(), http.StatusUnprocessableEntity)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

// Client is the outbound HTTP transport for the P2P RPC surface,
// implementing gossip.Transport directly and exposing the
// registration-exchange and health-declaration calls generically over
// K. One Client is shared across every peer; per-peer addressing is
// resolved from gossip.Peer.Address / the caller-supplied address at
// each call, with no persistent connection to cache since HTTP needs
// none.
type Client[K any] struct {
	self    peerid.PeerID
	http    *http.Client
	timeout time.Duration
}

// NewClient builds a P2P client. timeout bounds every individual RPC
// call; zero falls back to a 5-second per-call timeout.
func NewClient[K any](self peerid.PeerID, timeout time.Duration) *Client[K] {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client[K]{
		self:    self,
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

var _ gossip.Transport = (*Client[int])(nil)

func (c *Client[K]) StartRound(ctx context.Context, peer gossip.Peer, req gossip.StartGossipRoundRequest) (gossip.StartGossipRoundResponse, error) {
	var resp gossip.StartGossipRoundResponse
	err := c.call(ctx, peer.Address, pathGossipStart, req, &resp)
	return resp, err
}

func (c *Client[K]) EndRound(ctx context.Context, peer gossip.Peer, req gossip.EndGossipRoundRequest) (gossip.EndGossipRoundResponse, error) {
	var resp gossip.EndGossipRoundResponse
	err := c.call(ctx, peer.Address, pathGossipEnd, req, &resp)
	return resp, err
}

// exchangeRegistrationAt performs the registration-exchange RPC
// against a peer already resolved to a network address.
func (c *Client[K]) exchangeRegistrationAt(ctx context.Context, address string, own *K) (*K, error) {
	var resp registrationResponse[K]
	err := c.call(ctx, address, pathRegistrationExch, registrationRequest[K]{Key: own}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Key, nil
}

// AddressBook resolves a peer's current network address, owned by the
// (out of scope) cluster/session layer.
type AddressBook interface {
	Address(peerid.PeerID) (string, bool)
}

// RegistrationClient adapts Client plus an AddressBook into
// manager.RegistrationTransport[K], which only knows peers by PeerID.
type RegistrationClient[K any] struct {
	Client    *Client[K]
	Addresses AddressBook
}

// ExchangeRegistration satisfies manager.RegistrationTransport[K].
func (r *RegistrationClient[K]) ExchangeRegistration(ctx context.Context, peer peerid.PeerID, own *K) (*K, error) {
	addr, ok := r.Addresses.Address(peer)
	if !ok {
		return nil, fmt.Errorf("p2p: no known address for peer %s", peer)
	}
	return r.Client.exchangeRegistrationAt(ctx, addr, own)
}

// DeclareHealth submits a liveness proposal for subject to a peer at
// address.
func (c *Client[K]) DeclareHealth(ctx context.Context, address string, subject healthcheck.Subject, status healthcheck.Status) error {
	req := healthDeclarationRequest{
		Subject: subject.Peer,
		RoundID: subject.RoundID.String(),
		Owner:   status.Owner,
		Alive:   status.Alive,
		Details: status.Details,
	}
	var resp healthDeclarationResponse
	return c.call(ctx, address, pathHealthDeclare, req, &resp)
}

func (c *Client[K]) call(ctx context.Context, address, path string, reqBody, respBody any) error {
	b, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("p2p: encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, address+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("p2p: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Peer-Id", c.self.String())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("p2p: call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("p2p: %s returned status %d", path, resp.StatusCode)
	}
	if respBody == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("p2p: decode response from %s: %w", path, err)
	}
	return nil
}
