package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteQueue_SerializesPerID(t *testing.T) {
	q := newWriteQueue()

	var mu sync.Mutex
	var order []int

	release := make(chan struct{})
	q.enqueue("r1", func() {
		<-release
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	q.enqueue("r1", func() {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	})

	close(release)
	q.wait("r1")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2}, order, "writes for one id must not reorder")
}

func TestWriteQueue_IndependentIDsDoNotBlock(t *testing.T) {
	q := newWriteQueue()

	blocked := make(chan struct{})
	q.enqueue("slow", func() { <-blocked })
	defer close(blocked)

	done := make(chan struct{})
	q.enqueue("fast", func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a slow write for one record stalled an unrelated record")
	}
}

func TestWriteQueue_WaitOnIdleIDReturnsImmediately(t *testing.T) {
	q := newWriteQueue()

	start := time.Now()
	q.wait("never-seen")
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWriteQueue_WaitCoversQueuedChain(t *testing.T) {
	q := newWriteQueue()

	var n int
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		q.enqueue("r", func() {
			mu.Lock()
			n++
			mu.Unlock()
		})
	}
	q.wait("r")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 10, n)
}
