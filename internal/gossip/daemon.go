package gossip

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/ledgermesh/internal/envelope"
	"github.com/ruvnet/ledgermesh/internal/peerid"
	"github.com/ruvnet/ledgermesh/internal/rumorstore"
	"github.com/ruvnet/ledgermesh/pkg/metrics"
)

// Daemon runs the consumer and spreader tasks described for the
// gossip layer: the consumer drains validated rumor batches into
// storage and dispatches new ones to handlers; the spreader fans out
// periodic anti-entropy rounds to a random peer subset.
type Daemon struct {
	cfg Config

	self      peerid.PeerID
	store     *rumorstore.Store
	validator *envelope.Validator
	transport Transport
	peers     PeerSet
	handler   Handler

	inbound *batchQueue

	handlerSem chan struct{}

	logger  *zap.Logger
	metrics *metrics.Metrics

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a gossip daemon. handler routes newly-seen rumors whose
// origin is not self into the owning subsystem.
func New(cfg Config, self peerid.PeerID, store *rumorstore.Store, validator *envelope.Validator, transport Transport, peers PeerSet, handler Handler, logger *zap.Logger, m *metrics.Metrics) *Daemon {
	concurrency := cfg.MaxConcurrentHandlers
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Daemon{
		cfg:        cfg,
		self:       self,
		store:      store,
		validator:  validator,
		transport:  transport,
		peers:      peers,
		handler:    handler,
		inbound:    newBatchQueue(),
		handlerSem: make(chan struct{}, concurrency),
		logger:     logger,
		metrics:    m,
	}
}

// Enqueue pushes a batch of rumors (e.g. a peer's EndGossipRoundResponse
// answer) onto the inbound queue for the consumer to process.
func (d *Daemon) Enqueue(batch envelope.RumorBatch) {
	d.inbound.Push(batch)
}

// Start launches the consumer and spreader goroutines. Stop cancels
// their context to terminate both; an in-flight round
// is simply discarded, since everything it would have sent is
// re-advertised on the next interval.
func (d *Daemon) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(2)
	go d.runConsumer(ctx)
	go d.runSpreader(ctx)
}

// Stop cancels both background tasks and waits for them to exit.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.inbound.Close()
	d.wg.Wait()
}

func (d *Daemon) runConsumer(ctx context.Context) {
	defer d.wg.Done()

	for {
		batch, ok := d.inbound.Pop()
		if !ok {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.processBatch(batch)
	}
}

// processBatch validates, stores, and dispatches one drained batch.
func (d *Daemon) processBatch(batch envelope.RumorBatch) {
	var valid envelope.RumorBatch

	for _, entry := range batch {
		result := d.validator.Validate(entry.Hash, entry.Signed)
		if result.HashMismatch {
			d.logger.Warn("dropping rumor with mismatched hash", zap.String("hash", entry.Hash.String()))
			d.metrics.RecordRumorDropped("hash_mismatch")
			continue
		}
		if result.MissingOriginProof {
			d.logger.Warn("dropping rumor missing origin proof", zap.String("hash", entry.Hash.String()))
			d.metrics.RecordRumorDropped("missing_origin_proof")
			continue
		}
		if result.NoProofs {
			d.logger.Warn("dropping unsigned rumor", zap.String("hash", entry.Hash.String()))
			d.metrics.RecordRumorDropped("no_proofs")
			continue
		}
		if len(result.InvalidSigners) > 0 {
			d.logger.Warn("dropping rumor with invalid signature",
				zap.String("hash", entry.Hash.String()),
				zap.Int("invalid_signers", len(result.InvalidSigners)))
			d.metrics.RecordRumorDropped("invalid_signature")
			continue
		}
		if len(result.NonWhitelisted) > 0 {
			d.logger.Warn("dropping rumor from non-whitelisted signer", zap.String("hash", entry.Hash.String()))
			d.metrics.RecordRumorDropped("not_whitelisted")
			continue
		}
		valid = append(valid, entry)
	}

	newEntries := d.store.AddRumors(valid)
	SortCanonical(newEntries)

	var dispatchWG sync.WaitGroup
	for _, entry := range newEntries {
		kind := kindOf(entry.Signed.Value)
		d.metrics.RecordRumorReceived(string(kind))

		if pr, ok := entry.Signed.Value.(envelope.PeerRumor); ok && pr.Origin == d.self {
			continue
		}

		entry := entry
		kind := kind
		d.handlerSem <- struct{}{}
		dispatchWG.Add(1)
		go func() {
			defer dispatchWG.Done()
			defer func() { <-d.handlerSem }()
			if !d.handler(entry.Signed) {
				d.logger.Warn("no handler claimed rumor", zap.String("hash", entry.Hash.String()), zap.String("kind", string(kind)))
			}
		}()
	}
	dispatchWG.Wait()

	d.metrics.SetActiveRumors(len(d.store.GetActiveHashes()))
	d.metrics.SetSeenRumors(len(d.store.GetSeenHashes()))
}

func kindOf(r envelope.Rumor) envelope.RumorKind {
	switch v := r.(type) {
	case envelope.PeerRumor:
		return v.ContentType
	case envelope.CommonRumor:
		return v.ContentType
	default:
		return ""
	}
}

func (d *Daemon) runSpreader(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.doRound(ctx)
		}
	}
}

func (d *Daemon) doRound(ctx context.Context) {
	active := d.store.GetActiveHashes()
	if len(active) == 0 {
		return
	}

	allPeers := d.peers.Snapshot()
	if len(allPeers) == 0 {
		return
	}

	shuffled := make([]Peer, len(allPeers))
	copy(shuffled, allPeers)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	fanout := d.cfg.Fanout
	if fanout > len(shuffled) {
		fanout = len(shuffled)
	}

	var wg sync.WaitGroup
	for _, peer := range shuffled[:fanout] {
		wg.Add(1)
		go func(p Peer) {
			defer wg.Done()
			d.gossipWith(ctx, p, active)
		}(peer)
	}
	wg.Wait()
}

// gossipWith executes one pull-then-push round against a single peer.
// Any error aborts this peer's round only; the peer is re-tried next
// interval since state is re-advertised every round.
func (d *Daemon) gossipWith(ctx context.Context, peer Peer, active []envelope.Hash) {
	startResp, err := d.transport.StartRound(ctx, peer, StartGossipRoundRequest{Offer: active})
	if err != nil {
		d.logger.Warn("gossip round start failed", zap.String("peer", peer.ID.String()), zap.Error(err))
		d.metrics.RecordGossipRoundError("start")
		d.metrics.RecordGossipRound("error")
		return
	}

	need := diffUnseen(startResp.Offer, d.store)
	answer := d.store.GetRumors(startResp.Inquiry)

	endResp, err := d.transport.EndRound(ctx, peer, EndGossipRoundRequest{Answer: answer, Inquiry: need})
	if err != nil {
		d.logger.Warn("gossip round end failed", zap.String("peer", peer.ID.String()), zap.Error(err))
		d.metrics.RecordGossipRoundError("end")
		d.metrics.RecordGossipRound("error")
		return
	}

	if len(endResp.Answer) > 0 {
		d.Enqueue(endResp.Answer)
	}
	d.metrics.RecordGossipRound("ok")
}

// diffUnseen returns the hashes in offer that the store has not seen.
func diffUnseen(offer []envelope.Hash, store *rumorstore.Store) []envelope.Hash {
	var out []envelope.Hash
	for _, h := range offer {
		if !store.Contains(h) {
			out = append(out, h)
		}
	}
	return out
}

// HandleStartRound implements the receiver side of gossip/start: it
// answers with our own active advertisement and what we want from the
// initiator's offer.
func (d *Daemon) HandleStartRound(req StartGossipRoundRequest) StartGossipRoundResponse {
	return StartGossipRoundResponse{
		Offer:   d.store.GetActiveHashes(),
		Inquiry: diffUnseen(req.Offer, d.store),
	}
}

// HandleEndRound implements the receiver side of gossip/end: it
// enqueues the initiator's answer for the consumer and hands back the
// content the initiator asked for in its inquiry.
func (d *Daemon) HandleEndRound(req EndGossipRoundRequest) EndGossipRoundResponse {
	if len(req.Answer) > 0 {
		d.Enqueue(req.Answer)
	}
	return EndGossipRoundResponse{Answer: d.store.GetRumors(req.Inquiry)}
}
