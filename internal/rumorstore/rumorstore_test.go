package rumorstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/ledgermesh/internal/envelope"
	"github.com/ruvnet/ledgermesh/internal/peerid"
)

func sampleEntry(t *testing.T, ordinal uint64) envelope.RumorEntry {
	t.Helper()
	var origin peerid.PeerID
	origin[0] = byte(ordinal)
	rumor := envelope.PeerRumor{Origin: origin, Ordinal: ordinal, ContentType: envelope.KindConsensusFacility, Payload: []byte("x")}
	hash, err := envelope.ComputeHash(rumor)
	require.NoError(t, err)
	return envelope.RumorEntry{Hash: hash, Signed: envelope.Signed{Value: rumor}}
}

func TestAddRumors_ReturnsOnlyNew(t *testing.T) {
	store := New(DefaultConfig(), zaptest.NewLogger(t))

	e1 := sampleEntry(t, 1)
	e2 := sampleEntry(t, 2)

	added := store.AddRumors(envelope.RumorBatch{e1, e2})
	assert.Len(t, added, 2)

	// Re-adding the same batch yields nothing new.
	added = store.AddRumors(envelope.RumorBatch{e1, e2})
	assert.Empty(t, added)
}

func TestActiveSubsetOfSeen(t *testing.T) {
	store := New(DefaultConfig(), zaptest.NewLogger(t))
	e := sampleEntry(t, 3)
	store.AddRumors(envelope.RumorBatch{e})

	active := store.GetActiveHashes()
	seen := store.GetSeenHashes()

	require.Len(t, active, 1)
	assert.Contains(t, seen, active[0])
}

func TestActiveExpiresBeforeSeen(t *testing.T) {
	cfg := Config{ActiveRetention: 20 * time.Millisecond, SeenRetention: time.Hour}
	store := New(cfg, zaptest.NewLogger(t))
	e := sampleEntry(t, 4)
	store.AddRumors(envelope.RumorBatch{e})

	require.Eventually(t, func() bool {
		return len(store.GetActiveHashes()) == 0
	}, time.Second, 5*time.Millisecond)

	assert.Contains(t, store.GetSeenHashes(), e.Hash)
	// Content must still be retrievable since seen still references it.
	batch := store.GetRumors([]envelope.Hash{e.Hash})
	assert.Len(t, batch, 1)
}

func TestGetRumors_PreservesOrderAndDropsMissing(t *testing.T) {
	store := New(DefaultConfig(), zaptest.NewLogger(t))
	e1 := sampleEntry(t, 5)
	e2 := sampleEntry(t, 6)
	store.AddRumors(envelope.RumorBatch{e1, e2})

	missing := sampleEntry(t, 7)
	batch := store.GetRumors([]envelope.Hash{e2.Hash, missing.Hash, e1.Hash})
	require.Len(t, batch, 2)
	assert.Equal(t, e2.Hash, batch[0].Hash)
	assert.Equal(t, e1.Hash, batch[1].Hash)
}
