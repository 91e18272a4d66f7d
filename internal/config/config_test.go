package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 200*time.Millisecond, cfg.Gossip.Interval)
	assert.Equal(t, 2, cfg.Gossip.Fanout)
	assert.Equal(t, 20, cfg.Gossip.MaxConcurrentHandlers)
	assert.Equal(t, 2*time.Second, cfg.Gossip.ActiveRetention)
	assert.Equal(t, 2*time.Minute, cfg.Gossip.SeenRetention)
	assert.Equal(t, 5*time.Second, cfg.Consensus.TimeTriggerInterval)
	assert.Equal(t, 10*time.Second, cfg.HealthCheck.Interval)
	assert.Equal(t, ":7946", cfg.P2P.ListenAddr)
	assert.Equal(t, ":8080", cfg.Admin.ListenAddr)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GOSSIP_FANOUT", "5")
	t.Setenv("GOSSIP_INTERVAL", "1s")
	t.Setenv("P2P_LISTEN_ADDR", ":9999")

	cfg := Load()

	assert.Equal(t, 5, cfg.Gossip.Fanout)
	assert.Equal(t, time.Second, cfg.Gossip.Interval)
	assert.Equal(t, ":9999", cfg.P2P.ListenAddr)
}

func TestGetEnvInt_InvalidFallsBackToDefault(t *testing.T) {
	os.Setenv("GOSSIP_FANOUT", "not-a-number")
	defer os.Unsetenv("GOSSIP_FANOUT")

	assert.Equal(t, 2, getEnvInt("GOSSIP_FANOUT", 2))
}

func TestGetEnvDuration_InvalidFallsBackToDefault(t *testing.T) {
	os.Setenv("CONSENSUS_TIME_TRIGGER_INTERVAL", "not-a-duration")
	defer os.Unsetenv("CONSENSUS_TIME_TRIGGER_INTERVAL")

	assert.Equal(t, 5*time.Second, getEnvDuration("CONSENSUS_TIME_TRIGGER_INTERVAL", 5*time.Second))
}
