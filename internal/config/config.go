// Package config loads this node's configuration from environment
// variables with a flat env-var reader, carrying Gossip, Consensus,
// HealthCheck, P2P, and Admin sections with their documented defaults.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for a running node.
type Config struct {
	Node        NodeConfig        `json:"node"`
	Gossip      GossipConfig      `json:"gossip"`
	Consensus   ConsensusConfig   `json:"consensus"`
	HealthCheck HealthCheckConfig `json:"health_check"`
	P2P         P2PConfig         `json:"p2p"`
	Admin       AdminConfig       `json:"admin"`
	Redis       RedisConfig       `json:"redis"`
	NATS        NATSConfig        `json:"nats"`
	Logging     LoggingConfig     `json:"logging"`
}

// NodeConfig identifies this node and its keystore location. Keystore
// I/O itself is out of scope; this only names where the node process
// expects to find its ed25519 keypair.
type NodeConfig struct {
	KeystorePath string `json:"keystore_path"`
}

// GossipConfig holds the gossip daemon's tunables and the rumor
// storage retention windows, with documented defaults of
// interval=200ms, fanout=2, max_concurrent_handlers=20,
// active_retention=2s, seen_retention=2m.
type GossipConfig struct {
	Interval              time.Duration `json:"interval"`
	Fanout                int           `json:"fanout"`
	MaxConcurrentHandlers int           `json:"max_concurrent_handlers"`
	ActiveRetention        time.Duration `json:"active_retention"`
	SeenRetention          time.Duration `json:"seen_retention"`
}

// ConsensusConfig holds the consensus manager's scheduling tunables.
type ConsensusConfig struct {
	TimeTriggerInterval time.Duration `json:"time_trigger_interval"`
}

// HealthCheckConfig holds the trust-daemon-adjacent health-check
// round's polling interval.
type HealthCheckConfig struct {
	Interval time.Duration `json:"interval"`
}

// P2PConfig holds the peer-to-peer RPC surface's listen address and
// per-call timeout.
type P2PConfig struct {
	ListenAddr     string        `json:"listen_addr"`
	CallTimeout    time.Duration `json:"call_timeout"`
}

// AdminConfig holds the admin/observability HTTP surface's listen
// address, kept distinct from the P2P surface's listen address so the
// two can be firewalled independently.
type AdminConfig struct {
	ListenAddr string `json:"listen_addr"`
}

// RedisConfig configures the trust-score cache client
// (internal/trust).
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// NATSConfig configures the finalize-notification publisher/subscriber
// (internal/notify).
type NATSConfig struct {
	URL string `json:"url"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level string `json:"level"`
}

// Load loads configuration from environment variables, falling back
// to the documented defaults.
func Load() *Config {
	return &Config{
		Node: NodeConfig{
			KeystorePath: getEnv("LEDGERMESH_KEYSTORE_PATH", "./keystore.json"),
		},
		Gossip: GossipConfig{
			Interval:              getEnvDuration("GOSSIP_INTERVAL", 200*time.Millisecond),
			Fanout:                getEnvInt("GOSSIP_FANOUT", 2),
			MaxConcurrentHandlers: getEnvInt("GOSSIP_MAX_CONCURRENT_HANDLERS", 20),
			ActiveRetention:        getEnvDuration("GOSSIP_ACTIVE_RETENTION", 2*time.Second),
			SeenRetention:          getEnvDuration("GOSSIP_SEEN_RETENTION", 2*time.Minute),
		},
		Consensus: ConsensusConfig{
			TimeTriggerInterval: getEnvDuration("CONSENSUS_TIME_TRIGGER_INTERVAL", 5*time.Second),
		},
		HealthCheck: HealthCheckConfig{
			Interval: getEnvDuration("HEALTHCHECK_INTERVAL", 10*time.Second),
		},
		P2P: P2PConfig{
			ListenAddr:  getEnv("P2P_LISTEN_ADDR", ":7946"),
			CallTimeout: getEnvDuration("P2P_CALL_TIMEOUT", 5*time.Second),
		},
		Admin: AdminConfig{
			ListenAddr: getEnv("ADMIN_LISTEN_ADDR", ":8080"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL: getEnv("NATS_URL", "nats://localhost:4222"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
