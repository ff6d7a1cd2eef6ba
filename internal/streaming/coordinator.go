// Package streaming tracks which records have an in-flight generation,
// throttles persistence while they do, and hands off cleanly at stream end.
package streaming

import (
	"sync"

	"github.com/tinfoilsh/chatsync/internal/common"
)

// Coordinator maintains the set of record ids with a live stream. At most
// one stream may be active per record. Sync passes treat any id in this set
// like a locally-modified record: it is never overwritten by a pull.
type Coordinator struct {
	mu        sync.Mutex
	inflight  map[string]struct{}
	callbacks map[string][]func()
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		inflight:  make(map[string]struct{}),
		callbacks: make(map[string][]func()),
	}
}

// StartStreaming adds id to the in-flight set. Starting a second stream for
// the same record is an error.
func (c *Coordinator) StartStreaming(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.inflight[id]; ok {
		return common.ErrStreamActive
	}
	c.inflight[id] = struct{}{}
	return nil
}

// EndStreaming removes id from the in-flight set and invokes (then clears)
// any registered completion callbacks. Ending a stream that is not active is
// a no-op, so cancellation paths can call it unconditionally.
func (c *Coordinator) EndStreaming(id string) {
	c.mu.Lock()
	delete(c.inflight, id)
	cbs := c.callbacks[id]
	delete(c.callbacks, id)
	c.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// IsStreaming reports whether id has a live stream.
func (c *Coordinator) IsStreaming(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[id]
	return ok
}

// ActiveIDs returns a snapshot of the in-flight set.
func (c *Coordinator) ActiveIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.inflight))
	for id := range c.inflight {
		ids = append(ids, id)
	}
	return ids
}

// OnComplete registers fn to run when id's stream ends. If the record is not
// streaming, fn runs immediately. This is how a pending sync waits for
// stream completion instead of racing it.
func (c *Coordinator) OnComplete(id string, fn func()) {
	c.mu.Lock()
	if _, ok := c.inflight[id]; ok {
		c.callbacks[id] = append(c.callbacks[id], fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}
