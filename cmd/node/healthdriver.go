package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruvnet/ledgermesh/internal/gossip"
	"github.com/ruvnet/ledgermesh/internal/healthcheck"
	"github.com/ruvnet/ledgermesh/internal/ledgerfn"
	"github.com/ruvnet/ledgermesh/internal/p2p"
	"github.com/ruvnet/ledgermesh/internal/peerid"
	"github.com/ruvnet/ledgermesh/pkg/metrics"
)

// healthDriver periodically opens a health-check round against each
// known peer in turn, pushes this node's own liveness proposal out to
// the rest of the cluster, and settles the round once every expected
// participant has answered. It is the active half of the passive
// healthcheck.Manager.Declare receiver wired into the P2P server.
type healthDriver struct {
	self    peerid.PeerID
	mgr     *healthcheck.Manager
	client  *p2p.Client[ledgerfn.Epoch]
	cluster *staticCluster
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func newHealthDriver(self peerid.PeerID, mgr *healthcheck.Manager, client *p2p.Client[ledgerfn.Epoch], cluster *staticCluster, logger *zap.Logger, m *metrics.Metrics) *healthDriver {
	return &healthDriver{self: self, mgr: mgr, client: client, cluster: cluster, logger: logger, metrics: m}
}

// Run ticks every interval, checking the liveness of one subject peer
// per tick in round-robin order.
func (d *healthDriver) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	idx := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			peers := d.cluster.Snapshot()
			if len(peers) == 0 {
				continue
			}
			subject := peers[idx%len(peers)].ID
			idx++
			d.checkOne(ctx, subject, peers)
		}
	}
}

func (d *healthDriver) checkOne(ctx context.Context, subject peerid.PeerID, peers []gossip.Peer) {
	participants := make([]peerid.PeerID, 0, len(peers)+1)
	participants = append(participants, d.self)
	for _, p := range peers {
		participants = append(participants, p.ID)
	}

	started := time.Now()
	round := uuid.New()
	key := healthcheck.Subject{Peer: subject, RoundID: round}

	own := healthcheck.Status{
		Owner:   d.self,
		Alive:   d.cluster.Responsive(subject),
		Details: "responsiveness from local cluster view",
	}

	r := d.mgr.RoundFor(key, participants)
	r.AddProposal(round, d.self, own)

	for _, p := range peers {
		if p.ID == d.self {
			continue
		}
		if err := d.client.DeclareHealth(ctx, p.Address, key, own); err != nil {
			d.logger.Warn("health declaration failed",
				zap.String("subject", subject.String()),
				zap.String("peer", p.ID.String()),
				zap.Error(err))
		}
	}

	r.ManagePeers(participants)
	if !r.IsFinished() {
		d.logger.Debug("health-check round still open", zap.String("subject", subject.String()))
		return
	}

	decision := r.CalculateOutcome(d.self, own)
	d.logger.Info("health-check round settled",
		zap.String("subject", subject.String()),
		zap.Bool("alive", decision.Alive),
		zap.String("reason", decision.Reason))
	if d.metrics != nil {
		d.metrics.RecordHealthCheckFinished(time.Since(started))
	}
	d.mgr.Finish(subject)
}
