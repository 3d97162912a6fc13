package cardwire

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := newQueue()

	_, ok := q.pop()
	assert.False(t, ok)

	for i := 0; i < 200; i++ {
		q.push(Message{"i": i})
	}
	assert.Equal(t, 200, q.len())

	// Interleave pushes with pops across the compaction threshold.
	for i := 0; i < 100; i++ {
		m, ok := q.pop()
		require.True(t, ok)
		require.Equal(t, i, m["i"])
	}
	for i := 200; i < 300; i++ {
		q.push(Message{"i": i})
	}
	for i := 100; i < 300; i++ {
		m, ok := q.pop()
		require.True(t, ok)
		require.Equal(t, i, m["i"])
	}

	assert.Zero(t, q.len())
	_, ok = q.pop()
	assert.False(t, ok)
}

func TestQueue_Wait(t *testing.T) {
	q := newQueue()

	select {
	case <-q.wait():
		t.Fatal("empty queue signaled ready")
	default:
	}

	q.push(Message{"i": 1})
	q.push(Message{"i": 2})

	select {
	case <-q.wait():
	case <-time.After(time.Second):
		t.Fatal("push did not signal")
	}
	_, ok := q.pop()
	require.True(t, ok)

	// One message is left, so the wakeup is still pending.
	select {
	case <-q.wait():
	case <-time.After(time.Second):
		t.Fatal("remaining message not signaled")
	}
}

func TestQueue_ConcurrentProducer(t *testing.T) {
	q := newQueue()
	const total = 10000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			q.push(Message{"i": i})
		}
	}()

	for want := 0; want < total; {
		m, ok := q.pop()
		if !ok {
			<-q.wait()
			continue
		}
		require.Equal(t, want, m["i"])
		want++
	}
	wg.Wait()
}
