// Package events provides a small typed pub/sub bus used for cross-component
// signals (auth changed, key changed) instead of stringly-typed global
// notifications.
package events

import "sync"

// Kind identifies the event being broadcast.
type Kind int

const (
	// AuthChanged fires when the externally supplied bearer token changes
	// (sign-in, sign-out, account switch).
	AuthChanged Kind = iota
	// KeyChanged fires when the encryption key becomes available or is
	// replaced; subscribers retry decryption-failed records.
	KeyChanged
)

// Event is a broadcast signal with an optional payload.
type Event struct {
	Kind    Kind
	Payload any
}

// Bus fans events out to subscribers. Delivery is non-blocking: a subscriber
// that is not draining its channel misses events rather than stalling the
// publisher, which is acceptable for change signals that are re-derived from
// current state on receipt.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber and returns its channel together with
// a cancel function that closes the channel and removes the subscription.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, 8)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every current subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
