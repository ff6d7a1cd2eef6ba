// Package tombstone remembers recently deleted record ids so a pull racing
// the deletion's propagation cannot resurrect them. Markers expire after a
// fixed window, bounding memory even when a remote delete never completes.
package tombstone

import (
	"sync"
	"time"
)

// Window is how long a deletion marker suppresses resurrection.
const Window = 5 * time.Minute

// Tracker is a shared, mutexed set of deletion markers. Mutation happens
// only through MarkDeleted/Clear; the internal map is never exposed.
type Tracker struct {
	mu      sync.Mutex
	deleted map[string]time.Time
	window  time.Duration

	now func() time.Time
}

// New returns a Tracker with the default expiry window.
func New() *Tracker {
	return NewWithWindow(Window)
}

// NewWithWindow returns a Tracker with a custom expiry window.
func NewWithWindow(window time.Duration) *Tracker {
	return &Tracker{
		deleted: make(map[string]time.Time),
		window:  window,
		now:     time.Now,
	}
}

// MarkDeleted records id with the current timestamp and schedules its
// automatic expiry.
func (t *Tracker) MarkDeleted(id string) {
	t.mu.Lock()
	t.deleted[id] = t.now()
	t.mu.Unlock()

	time.AfterFunc(t.window, func() {
		t.expire(id)
	})
}

// IsDeleted reports whether id is still inside its suppression window.
func (t *Tracker) IsDeleted(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	at, ok := t.deleted[id]
	if !ok {
		return false
	}
	// Lazy expiry: the AfterFunc sweep may not have fired yet under a
	// simulated clock.
	if t.now().Sub(at) >= t.window {
		delete(t.deleted, id)
		return false
	}
	return true
}

// Clear removes the marker early, once the remote delete is confirmed.
func (t *Tracker) Clear(id string) {
	t.mu.Lock()
	delete(t.deleted, id)
	t.mu.Unlock()
}

// expire removes id only if its marker has actually aged out; a re-deletion
// inside the window resets the clock and must survive the older sweep.
func (t *Tracker) expire(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	at, ok := t.deleted[id]
	if ok && t.now().Sub(at) >= t.window {
		delete(t.deleted, id)
	}
}

// Len reports how many markers are live, for diagnostics.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.deleted)
}
