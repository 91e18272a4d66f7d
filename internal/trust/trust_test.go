package trust

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Equal(t, 0, cfg.DB)
}

func TestNew_DoesNotConnectEagerly(t *testing.T) {
	c := New(Config{Addr: "127.0.0.1:1"})
	require := assert.New(t)
	require.NotNil(c)
	require.NoError(c.Close())
}
