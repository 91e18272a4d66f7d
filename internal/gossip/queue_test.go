package gossip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/ledgermesh/internal/envelope"
)

func TestBatchQueue_PushPopFIFO(t *testing.T) {
	q := newBatchQueue()
	first := envelope.RumorBatch{{Hash: envelope.Hash{1}}}
	second := envelope.RumorBatch{{Hash: envelope.Hash{2}}}

	q.Push(first)
	q.Push(second)

	got1, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, first, got1)

	got2, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, second, got2)
}

func TestBatchQueue_PopBlocksUntilPush(t *testing.T) {
	q := newBatchQueue()
	resultCh := make(chan envelope.RumorBatch, 1)

	go func() {
		batch, ok := q.Pop()
		if ok {
			resultCh <- batch
		}
	}()

	time.Sleep(20 * time.Millisecond)
	batch := envelope.RumorBatch{{Hash: envelope.Hash{3}}}
	q.Push(batch)

	select {
	case got := <-resultCh:
		assert.Equal(t, batch, got)
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Push")
	}
}

func TestBatchQueue_CloseUnblocksPop(t *testing.T) {
	q := newBatchQueue()
	doneCh := make(chan bool, 1)

	go func() {
		_, ok := q.Pop()
		doneCh <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-doneCh:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Close")
	}
}

func TestBatchQueue_PushAfterCloseIsNoop(t *testing.T) {
	q := newBatchQueue()
	q.Close()
	q.Push(envelope.RumorBatch{{Hash: envelope.Hash{4}}})

	_, ok := q.Pop()
	assert.False(t, ok)
}
