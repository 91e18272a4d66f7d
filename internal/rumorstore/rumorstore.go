// Package rumorstore implements the two-tier active/seen rumor set
// described for the gossip layer: active rumors are still advertised
// in gossip offers, seen rumors are remembered only to deduplicate.
package rumorstore

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/ruvnet/ledgermesh/internal/envelope"
)

// Config holds the TTLs governing the two tiers, matching the
// defaults from the gossip storage configuration section.
type Config struct {
	ActiveRetention time.Duration
	SeenRetention   time.Duration
}

// DefaultConfig returns the documented defaults: 2s active retention,
// 2 minute seen retention.
func DefaultConfig() Config {
	return Config{
		ActiveRetention: 2 * time.Second,
		SeenRetention:   2 * time.Minute,
	}
}

// Store is the concurrency-safe rumor storage backing gossip
// advertisement and dedup. active and seen are independent TTL sets;
// byHash is the backing content store, retained while referenced by
// either set.
type Store struct {
	active *lru.LRU[envelope.Hash, struct{}]
	seen   *lru.LRU[envelope.Hash, struct{}]

	mu     sync.RWMutex
	byHash map[envelope.Hash]envelope.Signed
	refs   map[envelope.Hash]int // number of tiers (0..2) currently referencing this hash

	logger *zap.Logger
}

// New builds a rumor store. onEvict from either LRU tier drops the
// backing content once neither tier still references the hash,
// matching the invariant that byHash persists only while referenced.
func New(cfg Config, logger *zap.Logger) *Store {
	s := &Store{
		byHash: make(map[envelope.Hash]envelope.Signed),
		refs:   make(map[envelope.Hash]int),
		logger: logger,
	}
	s.active = lru.NewLRU[envelope.Hash, struct{}](0, s.makeEvictCallback(), cfg.ActiveRetention)
	s.seen = lru.NewLRU[envelope.Hash, struct{}](0, s.makeEvictCallback(), cfg.SeenRetention)
	return s
}

func (s *Store) makeEvictCallback() func(envelope.Hash, struct{}) {
	return func(h envelope.Hash, _ struct{}) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.refs[h]--
		if s.refs[h] <= 0 {
			delete(s.refs, h)
			delete(s.byHash, h)
		}
	}
}

// AddRumors inserts the batch, skipping hashes already seen, and
// returns only the newly-inserted subset in the input order so
// callers can dispatch deterministically.
func (s *Store) AddRumors(batch envelope.RumorBatch) envelope.RumorBatch {
	var added envelope.RumorBatch

	for _, entry := range batch {
		if s.seen.Contains(entry.Hash) {
			continue
		}

		s.mu.Lock()
		s.byHash[entry.Hash] = entry.Signed
		s.refs[entry.Hash] = 2
		s.mu.Unlock()

		s.active.Add(entry.Hash, struct{}{})
		s.seen.Add(entry.Hash, struct{}{})

		added = append(added, entry)
	}

	return added
}

// GetActiveHashes returns the hashes currently advertised.
func (s *Store) GetActiveHashes() []envelope.Hash {
	return s.active.Keys()
}

// GetSeenHashes returns every hash remembered for dedup.
func (s *Store) GetSeenHashes() []envelope.Hash {
	return s.seen.Keys()
}

// GetRumors returns the signed content for every hash present in the
// store, preserving input order and silently dropping hashes that are
// no longer held.
func (s *Store) GetRumors(hashes []envelope.Hash) envelope.RumorBatch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out envelope.RumorBatch
	for _, h := range hashes {
		if signed, ok := s.byHash[h]; ok {
			out = append(out, envelope.RumorEntry{Hash: h, Signed: signed})
		}
	}
	return out
}

// Contains reports whether a hash is in the seen set (used by the
// gossip daemon to compute which of a peer's offered hashes this node
// still needs).
func (s *Store) Contains(h envelope.Hash) bool {
	return s.seen.Contains(h)
}
