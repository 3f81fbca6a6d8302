package protocol

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboundQueue_EnqueueDequeue(t *testing.T) {
	q := newInboundQueue()

	ok := q.Enqueue(Inbound{Env: Envelope{Type: KindSync, DeviceID: "till-1"}})
	require.True(t, ok, "enqueue should succeed")

	got, ok := q.TryDequeue()
	require.True(t, ok, "dequeue should succeed")
	assert.Equal(t, KindSync, got.Env.Type)
	assert.Equal(t, "till-1", got.Env.DeviceID)
}

func TestInboundQueue_FIFO(t *testing.T) {
	q := newInboundQueue()

	for i := 1; i <= 3; i++ {
		q.Enqueue(Inbound{Env: Envelope{Type: KindSync, DeviceID: fmt.Sprintf("till-%d", i)}})
	}

	for i := 1; i <= 3; i++ {
		in, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("till-%d", i), in.Env.DeviceID)
	}
}

func TestInboundQueue_TryDequeue_Empty(t *testing.T) {
	q := newInboundQueue()

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
	assert.Equal(t, 0, q.Len())
}

func TestInboundQueue_WaitSignalsOnEnqueue(t *testing.T) {
	q := newInboundQueue()

	q.Enqueue(Inbound{Env: Envelope{Type: KindHeartbeat}})

	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("no wakeup after enqueue")
	}

	in, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, KindHeartbeat, in.Env.Type)
}

func TestInboundQueue_CloseRejectsEnqueue(t *testing.T) {
	q := newInboundQueue()
	q.Close()

	ok := q.Enqueue(Inbound{Env: Envelope{Type: KindSync}})
	assert.False(t, ok, "enqueue after close should fail")
	assert.True(t, q.isClosed())

	// Closing twice must not panic.
	q.Close()

	// Waiters wake on close.
	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by close")
	}
}

func TestInboundQueue_ConcurrentProducers(t *testing.T) {
	q := newInboundQueue()

	const producers = 10
	const perProducer = 100

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(Inbound{Env: Envelope{Type: KindSync, DeviceID: fmt.Sprintf("till-%d", p)}})
			}
		}(p)
	}
	wg.Wait()

	assert.Equal(t, producers*perProducer, q.Len())
	count := 0
	for {
		if _, ok := q.TryDequeue(); !ok {
			break
		}
		count++
	}
	assert.Equal(t, producers*perProducer, count)
}
