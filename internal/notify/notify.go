// Package notify publishes ConsensusArtifact finalization events over
// NATS: an at-most-once notification channel other processes (e.g. a
// ledger reader, an operator dashboard) can subscribe to instead of
// polling the admin debug surface.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const finalizedSubject = "ledgermesh.consensus.finalized"

// FinalizedEvent is the payload published when a consensus round
// reaches Finished.
type FinalizedEvent struct {
	Epoch     uint64    `json:"epoch"`
	Trigger   string    `json:"trigger"`
	Hash      string    `json:"hash"`
	FinishedAt time.Time `json:"finished_at"`
}

// Publisher wraps a NATS connection for finalize notifications.
type Publisher struct {
	conn *nats.Conn
}

// Connect dials the NATS server at url.
func Connect(url string) (*Publisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("notify: connect to nats: %w", err)
	}
	return &Publisher{conn: conn}, nil
}

// Close closes the underlying connection without draining it.
func (p *Publisher) Close() {
	p.conn.Close()
}

// PublishFinalized announces a finished consensus round. Delivery is
// at-most-once: this is a core NATS publish with no acknowledgement or
// retry, and a subscriber that is offline when it is sent misses it.
func (p *Publisher) PublishFinalized(event FinalizedEvent) error {
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: encode finalized event: %w", err)
	}
	if err := p.conn.Publish(finalizedSubject, b); err != nil {
		return fmt.Errorf("notify: publish finalized event: %w", err)
	}
	return nil
}

// Subscriber receives FinalizedEvent notifications.
type Subscriber struct {
	conn *nats.Conn
	sub  *nats.Subscription
}

// Subscribe registers handler for every published finalize event.
func Subscribe(url string, handler func(FinalizedEvent)) (*Subscriber, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("notify: connect to nats: %w", err)
	}
	sub, err := conn.Subscribe(finalizedSubject, func(m *nats.Msg) {
		var event FinalizedEvent
		if err := json.Unmarshal(m.Data, &event); err != nil {
			return
		}
		handler(event)
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: subscribe: %w", err)
	}
	return &Subscriber{conn: conn, sub: sub}, nil
}

// Close unsubscribes and closes the connection.
func (s *Subscriber) Close() {
	s.sub.Unsubscribe()
	s.conn.Close()
}
