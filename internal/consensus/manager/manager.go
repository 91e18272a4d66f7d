// Package manager implements the consensus manager: the lifecycle
// owner that schedules time/event triggers, runs the peer
// registration handshake, observes an existing round on join, and
// pumps the state machine in internal/consensus/updater whenever new
// resources arrive. Its ctx/cancel/sync.WaitGroup background-goroutine
// idiom generalizes a single cleanup loop into a scheduling +
// registration-exchange pair.
package manager

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/ledgermesh/internal/consensus"
	"github.com/ruvnet/ledgermesh/internal/consensus/storage"
	"github.com/ruvnet/ledgermesh/internal/consensus/updater"
	"github.com/ruvnet/ledgermesh/internal/envelope"
	"github.com/ruvnet/ledgermesh/internal/peerid"
	"github.com/ruvnet/ledgermesh/pkg/metrics"
)

// NodeLifecycle is this node's own membership state, as tracked by the
// (out of scope) cluster/session layer but consulted here for the
// observer-to-ready promotion and leaving-node hooks.
type NodeLifecycle int

const (
	Ready NodeLifecycle = iota
	Observing
	Leaving
)

// ClusterView supplies the live facilitator-candidate view the
// manager needs: cluster membership and liveness are owned by the
// (out of scope) peer handshake/session layer; this interface is the
// narrow boundary between them.
type ClusterView[K consensus.Key[K]] interface {
	// Peers returns every peer currently known to the cluster layer,
	// with its liveness and its own advertised registration epoch (as
	// recorded via the registration exchange).
	Peers() []updater.Peer[K]
	// Responsive reports whether a peer is currently reachable, used
	// to gate the registration-exchange queue.
	Responsive(peerid.PeerID) bool
}

// GossipSink emits a signed rumor on this node's behalf. The manager
// never talks to the gossip daemon's queue directly: it signs and
// hands the rumor off through this narrow interface instead.
type GossipSink interface {
	EmitPeerRumor(kind envelope.RumorKind, payload []byte) error
	EmitCommonRumor(kind envelope.RumorKind, payload []byte) error
}

// RegistrationTransport performs the registration-exchange RPC
// against a single peer.
type RegistrationTransport[K any] interface {
	ExchangeRegistration(ctx context.Context, peer peerid.PeerID, own *K) (*K, error)
}

// Config holds the manager's tunables.
type Config struct {
	TimeTriggerInterval time.Duration
}

// Manager owns the consensus lifecycle for one running node.
type Manager[K consensus.Key[K], A consensus.Artifact] struct {
	self    peerid.PeerID
	cfg     Config
	store   *storage.Store[K, A]
	fns     updater.ConsensusFunctions[A]
	sign    func([32]byte) (envelope.Proof, error)
	sink    GossipSink
	cluster ClusterView[K]
	regTx   RegistrationTransport[K]
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	lifecycle NodeLifecycle

	eventSignal chan struct{}
	regQueue    chan peerid.PeerID
	roundStart  sync.Map // K -> time.Time, for duration metric

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a consensus manager.
func New[K consensus.Key[K], A consensus.Artifact](
	self peerid.PeerID,
	cfg Config,
	store *storage.Store[K, A],
	fns updater.ConsensusFunctions[A],
	sign func([32]byte) (envelope.Proof, error),
	sink GossipSink,
	cluster ClusterView[K],
	regTx RegistrationTransport[K],
	logger *zap.Logger,
	m *metrics.Metrics,
) *Manager[K, A] {
	return &Manager[K, A]{
		self:        self,
		cfg:         cfg,
		store:       store,
		fns:         fns,
		sign:        sign,
		sink:        sink,
		cluster:     cluster,
		regTx:       regTx,
		logger:      logger,
		metrics:     m,
		lifecycle:   Observing,
		eventSignal: make(chan struct{}, 1),
		regQueue:    make(chan peerid.PeerID, 64),
	}
}

// Start launches the scheduling loop and the registration-exchange
// worker. Stop cancels their context and waits for both to exit.
func (m *Manager[K, A]) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(2)
	go m.runScheduler(ctx)
	go m.runRegistrationExchange(ctx)
}

// Stop cancels both background tasks and waits for them to exit.
func (m *Manager[K, A]) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// StartObservingAfter installs this node as an observer starting two
// epochs after last_key (skipping one epoch for safety), exchanges
// registration with peer, and attempts to install state for the very
// next epoch by observation rather than facilitation.
func (m *Manager[K, A]) StartObservingAfter(ctx context.Context, lastKey K, peer peerid.PeerID) error {
	own := lastKey.Next().Next()
	m.store.SetOwnRegistration(own)

	if m.regTx != nil {
		remote, err := m.regTx.ExchangeRegistration(ctx, peer, &own)
		if err != nil {
			m.logger.Warn("registration exchange during observe failed", zap.String("peer", peer.String()), zap.Error(err))
		} else if remote != nil {
			m.store.RegisterPeer(peer, *remote)
		}
	}

	m.store.TryUpdateLastKeyAndArtifactWithCleanup(lastKey, false, lastKey, zeroArtifact[A](), func(K) bool { return false })

	nextKey := lastKey.Next()
	res := m.store.GetResources(nextKey)
	observed, ok := updater.TryObserveConsensus(m.self, res.State)
	if ok {
		m.store.CondModifyState(nextKey, func(cur consensus.ConsensusState[K, A]) (consensus.ConsensusState[K, A], bool) {
			if len(cur.Facilitators) > 0 {
				return cur, false
			}
			return observed, true
		})
	}
	m.checkForStateUpdate(nextKey)
	return nil
}

func zeroArtifact[A consensus.Artifact]() A {
	var a A
	return a
}

// StartFacilitatingAfter persists (lastKey, lastArtifact) as the
// starting point for this node's own facilitation, registers itself
// one epoch ahead, and arms the first time trigger. It starts no
// goroutine; the registration-exchange task is launched by Start.
func (m *Manager[K, A]) StartFacilitatingAfter(lastKey K, lastArtifact A) {
	m.store.TryUpdateLastKeyAndArtifactWithCleanup(lastKey, false, lastKey, lastArtifact, func(K) bool { return false })
	m.store.SetOwnRegistration(lastKey.Next())
	m.setLifecycle(Ready)
	m.store.SetTimeTrigger(lastKey.Next(), time.Now().Add(m.cfg.TimeTriggerInterval))
}

func (m *Manager[K, A]) setLifecycle(l NodeLifecycle) {
	m.mu.Lock()
	m.lifecycle = l
	m.mu.Unlock()
}

func (m *Manager[K, A]) getLifecycle() NodeLifecycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lifecycle
}

// FacilitateOnEvent dispatches internal facilitation with EventTrigger,
// the reaction to a newly-buffered event marked is_trigger.
func (m *Manager[K, A]) FacilitateOnEvent() {
	select {
	case m.eventSignal <- struct{}{}:
	default:
		// A trigger is already pending; coalescing is fine since the
		// scheduler drains contains_trigger_event in a loop anyway.
	}
}

// EnqueueForRegistration offers peer onto the registration-exchange
// queue. The canonical-ordering tiebreaker (self.id < peer.id) must be
// checked by the caller (the cluster-event watcher) before calling
// this, so only one side of a pair ever initiates.
func (m *Manager[K, A]) EnqueueForRegistration(peer peerid.PeerID) {
	select {
	case m.regQueue <- peer:
	default:
		m.logger.Warn("registration exchange queue full, dropping peer", zap.String("peer", peer.String()))
	}
}

// ShouldInitiateRegistration implements the cycle-avoidance rule: the
// lower PeerID always initiates, so exactly one side of a pair ever
// exchanges registration for a given peer transition.
func (m *Manager[K, A]) ShouldInitiateRegistration(peer peerid.PeerID) bool {
	return m.self.Less(peer)
}

func maxKey[K consensus.Key[K]](a, b K) K {
	if a.Less(b) {
		return b
	}
	return a
}

// Leave emits the leaving-node hook: a Deregistration rumor releasing
// this node's facilitator slots at max(last_key.next, own_registration).
func (m *Manager[K, A]) Leave() {
	m.setLifecycle(Leaving)

	lastKey, _, hasLast := m.store.GetLastKeyAndArtifact()
	own, hasOwn := m.store.GetOwnRegistration()
	if !hasLast && !hasOwn {
		return
	}

	release := own
	switch {
	case hasLast && hasOwn:
		release = maxKey(lastKey.Next(), own)
	case hasLast:
		release = lastKey.Next()
	}

	payload, err := json.Marshal(deregPayload[K]{Key: release})
	if err != nil {
		m.logger.Error("failed to encode deregistration payload", zap.Error(err))
		return
	}
	if err := m.sink.EmitPeerRumor(envelope.KindDeregistration, payload); err != nil {
		m.logger.Warn("failed to emit deregistration rumor", zap.Error(err))
	}
}

// HandleRumor is the gossip.Handler routing newly-seen, non-self
// rumors into consensus storage and pumping the affected key's state
// machine. It returns false (unhandled) for rumor kinds outside the
// consensus surface, which the gossip daemon then logs as unclaimed.
func (m *Manager[K, A]) HandleRumor(signed envelope.Signed) bool {
	switch v := signed.Value.(type) {
	case envelope.PeerRumor:
		return m.handlePeerRumor(v)
	case envelope.CommonRumor:
		return m.handleCommonRumor(v)
	default:
		return false
	}
}

func (m *Manager[K, A]) handlePeerRumor(pr envelope.PeerRumor) bool {
	switch pr.ContentType {
	case envelope.KindConsensusFacility:
		var p facilityPayload[K]
		if !decode(m.logger, pr.Payload, &p) {
			return true
		}
		m.store.AddPeerDeclaration(p.Key, pr.Origin, &p.UpperBound, nil, nil)
		m.checkForStateUpdate(p.Key)
		return true

	case envelope.KindConsensusProposal:
		var p proposalPayload[K]
		if !decode(m.logger, pr.Payload, &p) {
			return true
		}
		h := [32]byte(p.Hash)
		m.store.AddPeerDeclaration(p.Key, pr.Origin, nil, &h, nil)
		m.checkForStateUpdate(p.Key)
		return true

	case envelope.KindMajoritySignature:
		var p signaturePayload[K]
		if !decode(m.logger, pr.Payload, &p) {
			return true
		}
		m.store.AddPeerDeclaration(p.Key, pr.Origin, nil, nil, &p.Proof)
		m.checkForStateUpdate(p.Key)
		return true

	case envelope.KindDeregistration:
		var p deregPayload[K]
		if !decode(m.logger, pr.Payload, &p) {
			return true
		}
		m.store.Deregister(pr.Origin)
		return true

	case envelope.KindLedgerEvent:
		var p eventPayload
		if !decode(m.logger, pr.Payload, &p) {
			return true
		}
		m.store.AddEvents(pr.Origin, []consensus.PeerEvent{{
			Origin: pr.Origin, Ordinal: pr.Ordinal, IsTrigger: p.IsTrigger, Payload: p.Data,
		}})
		if p.IsTrigger {
			m.FacilitateOnEvent()
		}
		return true

	default:
		return false
	}
}

func (m *Manager[K, A]) handleCommonRumor(cr envelope.CommonRumor) bool {
	if cr.ContentType != envelope.KindConsensusArtifact {
		return false
	}
	var p artifactPayload[K, A]
	if !decode(m.logger, cr.Payload, &p) {
		return true
	}
	m.store.AddArtifact(p.Key, p.Artifact.Hash(), p.Artifact)
	m.checkForStateUpdate(p.Key)
	return true
}

func decode(logger *zap.Logger, payload []byte, v any) bool {
	if err := json.Unmarshal(payload, v); err != nil {
		logger.Warn("failed to decode rumor payload", zap.Error(err))
		return false
	}
	return true
}

// checkForStateUpdate pumps TryAdvanceConsensus for key until no
// further transition applies.
func (m *Manager[K, A]) checkForStateUpdate(key K) {
	for {
		res := m.store.GetResources(key)
		_, lastArt, hasLast := m.store.GetLastKeyAndArtifact()
		var lastArtPtr *A
		if hasLast {
			a := lastArt
			lastArtPtr = &a
		}

		rc := updater.RoundContext[A]{
			Self: m.self,
			Fns:  m.fns,
			Sign: m.sign,
			PullEvents: func(b consensus.Bound) map[peerid.PeerID][]consensus.PeerEvent {
				return m.store.PullEvents(b)
			},
			ReAddEvents:  m.store.AddEvents,
			LastArtifact: lastArtPtr,
		}

		next, effect, transitioned := updater.TryAdvanceConsensus(res.State, rc)
		if !transitioned {
			return
		}

		startStatus := res.State.Status
		applied, ok := m.store.CondModifyState(key, func(cur consensus.ConsensusState[K, A]) (consensus.ConsensusState[K, A], bool) {
			if cur.Status != startStatus {
				return cur, false
			}
			return next, true
		})
		if !ok {
			continue
		}

		if m.metrics != nil {
			m.metrics.RecordConsensusTransition(applied.Status.String())
		}
		m.emitEffect(key, effect)

		if applied.Status == consensus.Finished {
			m.onFinished(key, applied)
			return
		}
	}
}

func (m *Manager[K, A]) onFinished(key K, state consensus.ConsensusState[K, A]) {
	if start, ok := m.roundStart.LoadAndDelete(key); ok {
		if t, ok := start.(time.Time); ok && m.metrics != nil {
			m.metrics.RecordConsensusFinished(state.MajorityTrigger, time.Since(t))
		}
	}

	if state.Final == nil {
		return
	}

	expectedKey, _, expectedOK := m.store.GetLastKeyAndArtifact()
	ok := m.store.TryUpdateLastKeyAndArtifactWithCleanup(expectedKey, expectedOK, key, *state.Final, func(k K) bool { return k.Less(key) || k == key })
	if !ok && m.metrics != nil {
		m.metrics.RecordCASFailure()
	}

	if m.getLifecycle() == Observing {
		m.setLifecycle(Ready)
	}
}

// internalFacilitateWith is the facilitation pipeline: read
// (last_key, last_artifact), compute next_key, fetch resources, invoke
// try_facilitate_consensus, and on transition pump the ladder.
func (m *Manager[K, A]) internalFacilitateWith(trigger string) {
	lastKey, _, ok := m.store.GetLastKeyAndArtifact()
	if !ok {
		return
	}
	nextKey := lastKey.Next()
	m.roundStart.LoadOrStore(nextKey, time.Now())

	res := m.store.GetResources(nextKey)
	peers := m.clusterPeers()
	next, effect, transitioned := updater.TryFacilitateConsensus(m.self, nextKey, res, peers, trigger)
	if transitioned {
		_, ok := m.store.CondModifyState(nextKey, func(cur consensus.ConsensusState[K, A]) (consensus.ConsensusState[K, A], bool) {
			if len(cur.Facilitators) > 0 {
				return cur, false
			}
			return next, true
		})
		if ok {
			m.emitEffect(nextKey, effect)
		}
	}
	m.checkForStateUpdate(nextKey)
}

func (m *Manager[K, A]) clusterPeers() []updater.Peer[K] {
	if m.cluster == nil {
		return nil
	}
	peers := m.cluster.Peers()
	regs := m.store.Registrations()
	regByPeer := make(map[peerid.PeerID]K, len(regs))
	for _, r := range regs {
		regByPeer[r.Peer] = r.Key
	}
	out := make([]updater.Peer[K], 0, len(peers))
	for _, p := range peers {
		if k, ok := regByPeer[p.ID]; ok {
			p.RegisteredKey = k
		}
		out = append(out, p)
	}
	return out
}

func (m *Manager[K, A]) emitEffect(key K, effect updater.Effect) {
	if effect.None || m.sink == nil {
		return
	}

	if effect.Facility != nil {
		m.emit(envelope.KindConsensusFacility, facilityPayload[K]{Key: key, UpperBound: effect.Facility.UpperBound})
	}
	if effect.Proposal != nil {
		m.emit(envelope.KindConsensusProposal, proposalPayload[K]{Key: key, Hash: envelope.Hash(effect.Proposal.Hash)})
		if art, ok := effect.Proposal.Artifact.(A); ok {
			m.emitCommon(envelope.KindConsensusArtifact, artifactPayload[K, A]{Key: key, Artifact: art})
		}
	}
	if effect.MajoritySignature != nil {
		m.emit(envelope.KindMajoritySignature, signaturePayload[K]{Key: key, Proof: effect.MajoritySignature.Proof})
		if effect.MajoritySignature.Rebroadcast {
			if art, ok := effect.MajoritySignature.RebroadcastArtifact.(A); ok {
				m.emitCommon(envelope.KindConsensusArtifact, artifactPayload[K, A]{Key: key, Artifact: art})
			}
		}
	}
	if effect.FinalizedArtifact != nil {
		var art A
		if cr, ok := effect.FinalizedArtifact.Signed.Value.(envelope.CommonRumor); ok {
			if err := json.Unmarshal(cr.Payload, &art); err != nil {
				m.logger.Warn("failed to decode finalized artifact payload", zap.Error(err))
			}
		}
		m.emitCommon(envelope.KindConsensusArtifact, artifactPayload[K, A]{Key: key, Artifact: art, Proofs: effect.FinalizedArtifact.Signed.Proofs})
	}
}

func (m *Manager[K, A]) emit(kind envelope.RumorKind, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("failed to encode outbound rumor payload", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	if err := m.sink.EmitPeerRumor(kind, b); err != nil {
		m.logger.Warn("failed to emit rumor", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (m *Manager[K, A]) emitCommon(kind envelope.RumorKind, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("failed to encode outbound common rumor payload", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	if err := m.sink.EmitCommonRumor(kind, b); err != nil {
		m.logger.Warn("failed to emit common rumor", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// runScheduler is the time-trigger scheduling loop: a periodic
// ticker drives facilitation with TimeTrigger; a buffered signal
// channel drives facilitation with EventTrigger as soon as
// FacilitateOnEvent fires, and a time-triggered round additionally
// checks for buffered trigger events immediately afterward so an event
// that arrived mid-tick doesn't wait a full interval.
func (m *Manager[K, A]) runScheduler(ctx context.Context) {
	defer m.wg.Done()

	interval := m.cfg.TimeTriggerInterval
	if interval <= 0 {
		interval = time.Second
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.internalFacilitateWith("TimeTrigger")
			if m.store.ContainsTriggerEvent() {
				m.internalFacilitateWith("EventTrigger")
			}
			timer.Reset(interval)
		case <-m.eventSignal:
			m.internalFacilitateWith("EventTrigger")
		}
	}
}

// runRegistrationExchange drains the registration-exchange queue: for
// each queued peer it sends our own registration and records what the
// peer reports back.
func (m *Manager[K, A]) runRegistrationExchange(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case peer := <-m.regQueue:
			m.exchangeWith(ctx, peer)
		}
	}
}

func (m *Manager[K, A]) exchangeWith(ctx context.Context, peer peerid.PeerID) {
	if m.regTx == nil {
		return
	}
	if m.cluster != nil && !m.cluster.Responsive(peer) {
		return
	}

	own, hasOwn := m.store.GetOwnRegistration()
	var ownPtr *K
	if hasOwn {
		ownPtr = &own
	}

	remote, err := m.regTx.ExchangeRegistration(ctx, peer, ownPtr)
	if err != nil {
		m.logger.Warn("registration exchange failed, will retry on next cluster change",
			zap.String("peer", peer.String()), zap.Error(err))
		return
	}
	if remote == nil {
		m.logger.Debug("peer has no registration yet", zap.String("peer", peer.String()))
		return
	}
	if m.store.RegisterPeer(peer, *remote) {
		m.logger.Info("registered peer", zap.String("peer", peer.String()))
	}
}

// HandleRegistrationExchangeRequest implements the receiver side of
// consensus/registration/exchange: report our own registration and
// record the requester's, if present.
func (m *Manager[K, A]) HandleRegistrationExchangeRequest(peer peerid.PeerID, maybeKey *K) *K {
	if maybeKey != nil {
		m.store.RegisterPeer(peer, *maybeKey)
	}
	own, ok := m.store.GetOwnRegistration()
	if !ok {
		return nil
	}
	return &own
}

// facilityPayload/proposalPayload/signaturePayload/deregPayload/
// artifactPayload/eventPayload are the wire envelopes carried as a
// rumor's opaque payload bytes, tagged by RumorKind so HandleRumor
// can decode the right shape.
type facilityPayload[K any] struct {
	Key        K              `json:"key"`
	UpperBound consensus.Bound `json:"upper_bound"`
}

type proposalPayload[K any] struct {
	Key  K            `json:"key"`
	Hash envelope.Hash `json:"hash"`
}

type signaturePayload[K any] struct {
	Key   K             `json:"key"`
	Proof envelope.Proof `json:"proof"`
}

type deregPayload[K any] struct {
	Key K `json:"key"`
}

type artifactPayload[K any, A any] struct {
	Key      K              `json:"key"`
	Artifact A              `json:"artifact,omitempty"`
	Proofs   []envelope.Proof `json:"proofs,omitempty"`
}

type eventPayload struct {
	IsTrigger bool   `json:"is_trigger"`
	Data      []byte `json:"data"`
}
