package gossip

import (
	"context"
	"time"

	"github.com/ruvnet/ledgermesh/internal/envelope"
	"github.com/ruvnet/ledgermesh/internal/peerid"
)

// Config holds the tunables for the gossip daemon, matching the
// defaults in the external interface spec.
type Config struct {
	Interval              time.Duration
	Fanout                int
	MaxConcurrentHandlers int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Interval:              200 * time.Millisecond,
		Fanout:                2,
		MaxConcurrentHandlers: 20,
	}
}

// Peer is a gossip partner: an identity plus whatever address the
// transport needs to reach it.
type Peer struct {
	ID      peerid.PeerID
	Address string
}

// PeerSet supplies the live peer view the spreader fans out to.
type PeerSet interface {
	Snapshot() []Peer
}

// StartGossipRoundRequest is sent to initiate a round, offering the
// hashes the initiator currently advertises.
type StartGossipRoundRequest struct {
	Offer []envelope.Hash `json:"offer"`
}

// StartGossipRoundResponse answers with the receiver's own offer and
// what it wants from the initiator.
type StartGossipRoundResponse struct {
	Offer   []envelope.Hash `json:"offer"`
	Inquiry []envelope.Hash `json:"inquiry"`
}

// EndGossipRoundRequest carries the content the initiator is handing
// over plus what it still wants.
type EndGossipRoundRequest struct {
	Answer  envelope.RumorBatch `json:"answer"`
	Inquiry []envelope.Hash     `json:"inquiry"`
}

// EndGossipRoundResponse carries the content the receiver hands back
// in answer to the initiator's inquiry.
type EndGossipRoundResponse struct {
	Answer envelope.RumorBatch `json:"answer"`
}

// Transport performs the two outbound RPCs a gossip round makes
// against a single peer. A timeout on either call aborts that peer's
// round only; the reference binding is HTTP POST (see internal/p2p).
type Transport interface {
	StartRound(ctx context.Context, peer Peer, req StartGossipRoundRequest) (StartGossipRoundResponse, error)
	EndRound(ctx context.Context, peer Peer, req EndGossipRoundRequest) (EndGossipRoundResponse, error)
}

// Handler routes a validated, newly-seen rumor into its owning
// subsystem (rumor storage for re-dissemination, consensus storage
// for peer declarations/events, etc). It reports whether it handled
// the rumor; an unhandled rumor is logged as a warning.
type Handler func(signed envelope.Signed) (handled bool)
