// Package metrics exposes the Prometheus instrumentation for the
// gossip and consensus core, with collectors held as struct fields
// built via promauto constructors: dag_consensus_duration is recorded
// on every successful Finished transition.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector this module emits.
type Metrics struct {
	registry *prometheus.Registry

	gossipRoundsTotal   *prometheus.CounterVec
	gossipRoundErrors   *prometheus.CounterVec
	rumorsReceivedTotal *prometheus.CounterVec
	rumorsDroppedTotal  *prometheus.CounterVec
	activeRumors        prometheus.Gauge
	seenRumors          prometheus.Gauge

	consensusDuration    *prometheus.HistogramVec
	consensusTransitions *prometheus.CounterVec
	consensusCASFailures prometheus.Counter

	healthCheckDuration prometheus.Histogram
}

// New creates every collector and registers it on a registry of its
// own, so separate instances never collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	// The local factory shadows the promauto package: every constructor
	// below registers on reg instead of the global default registry.
	promauto := promauto.With(reg)
	return &Metrics{
		registry: reg,

		gossipRoundsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gossip_rounds_total",
			Help: "Total number of gossip rounds initiated, by outcome.",
		}, []string{"outcome"}),

		gossipRoundErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gossip_round_errors_total",
			Help: "Total number of gossip round errors, by stage.",
		}, []string{"stage"}),

		rumorsReceivedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rumors_received_total",
			Help: "Total number of rumor entries received, by kind.",
		}, []string{"kind"}),

		rumorsDroppedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rumors_dropped_total",
			Help: "Total number of rumor entries dropped, by reason.",
		}, []string{"reason"}),

		activeRumors: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gossip_active_rumors",
			Help: "Current number of actively-advertised rumors.",
		}),

		seenRumors: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gossip_seen_rumors",
			Help: "Current number of remembered (seen) rumors.",
		}),

		consensusDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dag_consensus_duration_seconds",
			Help:    "Wall-clock duration of a consensus round from facilitation to Finished.",
			Buckets: prometheus.DefBuckets,
		}, []string{"trigger"}),

		consensusTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_state_transitions_total",
			Help: "Total number of consensus state machine transitions, by target status.",
		}, []string{"status"}),

		consensusCASFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "consensus_cas_failures_total",
			Help: "Total number of failed try_update_last_key_and_artifact_with_cleanup attempts.",
		}),

		healthCheckDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "healthcheck_round_duration_seconds",
			Help:    "Wall-clock duration of a health-check round from first proposal to outcome.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// RecordGossipRound records a completed gossip round outcome
// ("ok" or "error").
func (m *Metrics) RecordGossipRound(outcome string) {
	m.gossipRoundsTotal.WithLabelValues(outcome).Inc()
}

// RecordGossipRoundError records a failure at a specific stage of a
// gossip round ("start", "end", "timeout").
func (m *Metrics) RecordGossipRoundError(stage string) {
	m.gossipRoundErrors.WithLabelValues(stage).Inc()
}

// RecordRumorReceived records an accepted rumor entry by kind.
func (m *Metrics) RecordRumorReceived(kind string) {
	m.rumorsReceivedTotal.WithLabelValues(kind).Inc()
}

// RecordRumorDropped records a rejected rumor entry by reason
// ("hash_mismatch", "invalid_signature", "not_whitelisted").
func (m *Metrics) RecordRumorDropped(reason string) {
	m.rumorsDroppedTotal.WithLabelValues(reason).Inc()
}

// SetActiveRumors updates the active-rumor gauge.
func (m *Metrics) SetActiveRumors(n int) {
	m.activeRumors.Set(float64(n))
}

// SetSeenRumors updates the seen-rumor gauge.
func (m *Metrics) SetSeenRumors(n int) {
	m.seenRumors.Set(float64(n))
}

// RecordConsensusFinished records the duration of a completed
// consensus round, labeled by the trigger that started it.
func (m *Metrics) RecordConsensusFinished(trigger string, d time.Duration) {
	m.consensusDuration.WithLabelValues(trigger).Observe(d.Seconds())
}

// RecordConsensusTransition records a state machine transition to the
// given target status.
func (m *Metrics) RecordConsensusTransition(status string) {
	m.consensusTransitions.WithLabelValues(status).Inc()
}

// RecordCASFailure records a failed last-key-and-artifact CAS.
func (m *Metrics) RecordCASFailure() {
	m.consensusCASFailures.Inc()
}

// RecordHealthCheckFinished records the duration of a completed
// health-check round.
func (m *Metrics) RecordHealthCheckFinished(d time.Duration) {
	m.healthCheckDuration.Observe(d.Seconds())
}

// Registry returns the Prometheus gatherer backing these collectors.
func (m *Metrics) Registry() prometheus.Gatherer {
	return m.registry
}
