// Package pagination owns the continuation-token state for retrieving the
// remote index beyond the first page, independent of sync cycles.
package pagination

import (
	"context"
	"sync"

	"github.com/tinfoilsh/chatsync/internal/logging"
	"github.com/tinfoilsh/chatsync/internal/remote"
)

// Manager tracks the opaque server cursor. Sync passes establish it exactly
// once and never reset it afterwards; only an explicit full reload (sign-out
// or account switch) clears it. Pages loaded through LoadMore are
// memory-resident projections layered on top of the first-page cache and
// are never persisted.
type Manager struct {
	api      remote.API
	pageSize int
	log      logging.Logger

	mu      sync.Mutex
	token   string
	hasMore bool
	active  bool
}

// New returns a Manager fetching pageSize entries per page.
func New(api remote.API, pageSize int, log logging.Logger) *Manager {
	return &Manager{api: api, pageSize: pageSize, log: log}
}

// Observe adopts cursor state from a first-page listing, but only when
// pagination has not been established yet. Later sync passes therefore can
// never clobber a cursor the user is scrolling with.
func (m *Manager) Observe(res *remote.ListResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return
	}
	m.token = res.NextContinuationToken
	m.hasMore = res.HasMore
	m.active = res.NextContinuationToken != ""
}

// LoadMore fetches the next page of older records. Without a token it is a
// silent no-op: a normal state (already exhausted, or paging not yet
// established), not a fault.
func (m *Manager) LoadMore(ctx context.Context) ([]remote.Entry, error) {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()

	if token == "" {
		return nil, nil
	}

	res, err := m.api.List(ctx, m.pageSize, token)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.token = res.NextContinuationToken
	m.hasMore = res.HasMore
	m.mu.Unlock()

	m.log.Debug(ctx, "loaded pagination page", "entries", len(res.Entries), "hasMore", res.HasMore)
	return res.Entries, nil
}

// Reset clears all cursor state. Only explicit full-reload paths call this.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	m.hasMore = false
	m.active = false
}

// HasMore reports whether the server has more pages beyond the cursor.
func (m *Manager) HasMore() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasMore
}

// Active reports whether a server cursor has been established.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Token returns the current continuation token ("" when exhausted).
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}
