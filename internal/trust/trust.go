// Package trust is a thin go-redis client adapter for the
// trust-scoring daemon collaborator: the trust daemon itself is out of
// scope (it is reached only as an interface), but this module still
// needs a concrete cache-lookup client binding to it.
package trust

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Config holds the Redis connection tunables for the trust-score
// cache.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// DefaultConfig is a single-address Redis client setup with no auth
// and the default DB.
func DefaultConfig() Config {
	return Config{Addr: "localhost:6379"}
}

// Score is a peer's trust score as reported by the out-of-scope trust
// daemon, cached here so the consensus/gossip layers can consult it
// without an RPC on every decision.
type Score struct {
	PeerID string
	Value  float64
}

// Client reads and writes peer trust scores in the trust daemon's
// Redis cache. It does not compute trust itself.
type Client struct {
	rdb *redis.Client
}

// New builds a trust-score cache client. It does not connect eagerly;
// call Ping to verify connectivity at startup.
func New(cfg Config) *Client {
	return &Client{rdb: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

// Ping verifies connectivity to the trust-score cache.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

const keyPrefix = "trust:score:"

// GetScore reads a peer's cached trust score. A miss (no score
// published by the trust daemon yet) is reported as ok=false rather
// than an error.
func (c *Client) GetScore(ctx context.Context, peerID string) (Score, bool, error) {
	val, err := c.rdb.Get(ctx, keyPrefix+peerID).Float64()
	if err == redis.Nil {
		return Score{}, false, nil
	}
	if err != nil {
		return Score{}, false, fmt.Errorf("trust: get score for %s: %w", peerID, err)
	}
	return Score{PeerID: peerID, Value: val}, true, nil
}

// SetScore publishes a trust score with the given TTL, the shape the
// (out-of-scope) trust daemon uses to refresh scores periodically.
func (c *Client) SetScore(ctx context.Context, peerID string, value float64, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, keyPrefix+peerID, value, ttl).Err(); err != nil {
		return fmt.Errorf("trust: set score for %s: %w", peerID, err)
	}
	return nil
}
