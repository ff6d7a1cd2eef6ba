package store

import "sync"

// writeQueue serializes work per record id as a chain of dependent tasks.
// A task for id R waits for R's previous task; tasks for different ids run
// independently, so a slow write cannot stall an unrelated record.
type writeQueue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newWriteQueue() *writeQueue {
	return &writeQueue{tails: make(map[string]chan struct{})}
}

// enqueue schedules fn behind the current tail for id and returns a channel
// closed when fn has finished.
func (q *writeQueue) enqueue(id string, fn func()) <-chan struct{} {
	q.mu.Lock()
	prev := q.tails[id]
	done := make(chan struct{})
	q.tails[id] = done
	q.mu.Unlock()

	go func() {
		if prev != nil {
			<-prev
		}
		fn()

		q.mu.Lock()
		if q.tails[id] == done {
			delete(q.tails, id)
		}
		q.mu.Unlock()

		close(done)
	}()

	return done
}

// wait blocks until every task currently queued for id has finished. A
// record with no pending tasks returns immediately.
func (q *writeQueue) wait(id string) {
	q.mu.Lock()
	tail := q.tails[id]
	q.mu.Unlock()
	if tail != nil {
		<-tail
	}
}
