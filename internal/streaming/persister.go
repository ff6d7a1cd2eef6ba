package streaming

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/tinfoilsh/chatsync/internal/common"
	"github.com/tinfoilsh/chatsync/internal/logging"
	"github.com/tinfoilsh/chatsync/internal/models"
)

// PersistFunc writes one chat to durable storage.
type PersistFunc func(ctx context.Context, c *models.Chat) error

// Persister coalesces the write-per-delta firehose of an active stream into
// one write per interval per record. The newest snapshot always wins; a
// flush pushes the pending snapshot out synchronously. The in-memory
// snapshot is retained across IO failures, so data is never silently
// dropped.
type Persister struct {
	interval time.Duration
	persist  PersistFunc
	log      logging.Logger

	mu      sync.Mutex
	pending map[string]*models.Chat
	timers  map[string]*time.Timer
}

// NewPersister coalesces writes into interval-sized windows.
func NewPersister(interval time.Duration, persist PersistFunc, log logging.Logger) *Persister {
	return &Persister{
		interval: interval,
		persist:  persist,
		pending:  make(map[string]*models.Chat),
		timers:   make(map[string]*time.Timer),
		log:      log,
	}
}

// Enqueue records c as the latest snapshot for its id. The first snapshot in
// a window arms the flush timer; later ones just replace the payload.
func (p *Persister) Enqueue(c *models.Chat) {
	snapshot := c.Clone()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending[c.ID] = snapshot
	if _, armed := p.timers[c.ID]; armed {
		return
	}
	id := c.ID
	p.timers[id] = time.AfterFunc(p.interval, func() {
		_ = p.Flush(context.Background(), id)
	})
}

// Discard drops any pending write for id without persisting it, used when
// the record is deleted or has adopted a new identity.
func (p *Persister) Discard(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, armed := p.timers[id]; armed {
		t.Stop()
		delete(p.timers, id)
	}
	delete(p.pending, id)
}

// Flush writes the pending snapshot for id immediately and synchronously,
// with bounded backoff on IO failures. Without a pending snapshot it is a
// no-op. On persistent failure the snapshot is kept for the next attempt and
// the error is returned.
func (p *Persister) Flush(ctx context.Context, id string) error {
	p.mu.Lock()
	snapshot, ok := p.pending[id]
	delete(p.pending, id)
	if t, armed := p.timers[id]; armed {
		t.Stop()
		delete(p.timers, id)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(50*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := p.persist(ctx, snapshot); err != nil {
			if errors.Is(err, common.ErrIOFailure) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		p.log.Error(ctx, "coalesced write failed, snapshot retained", "id", id, "err", err)
		p.restore(id, snapshot)
		return err
	}
	return nil
}

// FlushAll drains every pending snapshot. The first error is returned but
// all records are attempted.
func (p *Persister) FlushAll(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.pending))
	for id := range p.pending {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := p.Flush(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HasPending reports whether id has an unflushed snapshot.
func (p *Persister) HasPending(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[id]
	return ok
}

// restore puts a failed snapshot back unless a newer one arrived meanwhile,
// and re-arms the timer so the retry actually happens.
func (p *Persister) restore(id string, snapshot *models.Chat) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, newer := p.pending[id]; newer {
		return
	}
	p.pending[id] = snapshot
	if _, armed := p.timers[id]; !armed {
		p.timers[id] = time.AfterFunc(p.interval, func() {
			_ = p.Flush(context.Background(), id)
		})
	}
}
