// Package engine owns the authoritative in-memory chat list. A single
// run-loop goroutine is the only writer; every mutation arrives as a posted
// op, and background work (network, disk, crypto) happens off-loop with its
// results posted back. Readers get clones, never live pointers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tinfoilsh/chatsync/internal/common"
	"github.com/tinfoilsh/chatsync/internal/cryptox"
	"github.com/tinfoilsh/chatsync/internal/events"
	"github.com/tinfoilsh/chatsync/internal/keystore"
	"github.com/tinfoilsh/chatsync/internal/logging"
	"github.com/tinfoilsh/chatsync/internal/models"
	"github.com/tinfoilsh/chatsync/internal/pagination"
	"github.com/tinfoilsh/chatsync/internal/remote"
	"github.com/tinfoilsh/chatsync/internal/store"
	"github.com/tinfoilsh/chatsync/internal/streaming"
	"github.com/tinfoilsh/chatsync/internal/syncer"
	"github.com/tinfoilsh/chatsync/internal/tombstone"
)

var ErrClosed = errors.New("engine: closed")

// How long a sync pass waits for in-flight streams to finish before
// snapshotting. A stream that outlives the wait is simply skipped by the
// pass and pushed next time.
const streamSettleWait = 500 * time.Millisecond

// Engine coordinates the stores, the sync orchestrator, and the streaming
// layer behind a single-writer loop.
type Engine struct {
	stores    *store.UserStores
	api       remote.API
	orch      *syncer.Orchestrator
	stream    *streaming.Coordinator
	persister *streaming.Persister
	pager     *pagination.Manager
	keys      *keystore.Keystore
	tombs     *tombstone.Tracker
	bus       *events.Bus
	log       logging.Logger

	ops     chan func()
	changed chan struct{}
	closed  chan struct{}

	// Loop-owned state. Never touched outside the run loop.
	chats      []*models.Chat
	selectedID string
	// Ids that entered the list through paging rather than a sync pass.
	// A pass only covers the first page, so these must survive adoption.
	paged map[string]struct{}
}

// Options carries the engine's collaborators; every field is required.
type Options struct {
	Stores              *store.UserStores
	API                 remote.API
	Orchestrator        *syncer.Orchestrator
	Coordinator         *streaming.Coordinator
	Pager               *pagination.Manager
	Keys                *keystore.Keystore
	Tombstones          *tombstone.Tracker
	Bus                 *events.Bus
	Log                 logging.Logger
	StreamFlushInterval time.Duration
}

func New(opts Options) *Engine {
	e := &Engine{
		stores:  opts.Stores,
		api:     opts.API,
		orch:    opts.Orchestrator,
		stream:  opts.Coordinator,
		pager:   opts.Pager,
		keys:    opts.Keys,
		tombs:   opts.Tombstones,
		bus:     opts.Bus,
		log:     opts.Log,
		ops:     make(chan func(), 64),
		changed: make(chan struct{}, 1),
		closed:  make(chan struct{}),
		paged:   make(map[string]struct{}),
	}
	interval := opts.StreamFlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	e.persister = streaming.NewPersister(interval, e.persistRecord, opts.Log)
	return e
}

// Start loads the persisted state and begins the run loop. It returns after
// the initial load so callers observe a populated list.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.loadInitial(ctx); err != nil {
		return err
	}

	ev, unsubscribe := e.bus.Subscribe()
	go e.run(ev, unsubscribe)
	return nil
}

// Close stops the loop after flushing pending stream writes.
func (e *Engine) Close(ctx context.Context) error {
	err := e.persister.FlushAll(ctx)
	close(e.closed)
	return err
}

func (e *Engine) run(ev <-chan events.Event, unsubscribe func()) {
	defer unsubscribe()
	for {
		select {
		case op := <-e.ops:
			op()
		case evt := <-ev:
			if evt.Kind == events.KeyChanged {
				go e.recoverUnreadable(context.Background())
			}
		case <-e.closed:
			return
		}
	}
}

// do posts fn to the loop and waits for it to run.
func (e *Engine) do(fn func()) error {
	done := make(chan struct{})
	select {
	case e.ops <- func() { fn(); close(done) }:
	case <-e.closed:
		return ErrClosed
	}
	select {
	case <-done:
	case <-e.closed:
		return ErrClosed
	}
	return nil
}

// Changed delivers a coalesced signal whenever the visible list or any
// record in it changes. Consumers re-read via Chats.
func (e *Engine) Changed() <-chan struct{} { return e.changed }

func (e *Engine) notify() {
	select {
	case e.changed <- struct{}{}:
	default:
	}
}

func (e *Engine) loadInitial(ctx context.Context) error {
	key, keyErr := e.keys.Key()

	var loaded []*models.Chat
	for _, s := range []*store.Store{e.stores.Local, e.stores.Cloud} {
		entries, err := s.LoadIndex(ctx)
		if err != nil {
			return fmt.Errorf("loading %s index: %w", s.Scope(), err)
		}
		for _, entry := range entries {
			if keyErr != nil {
				loaded = append(loaded, chatFromEntry(entry, s.Scope()))
				continue
			}
			c, err := s.LoadRecord(ctx, entry.ID, key)
			if err != nil {
				e.log.Warn(ctx, "skipping unreadable record", "id", entry.ID, "err", err)
				continue
			}
			c.LocalOnly = s.Scope() == store.ScopeLocalOnly
			loaded = append(loaded, c)
		}
	}
	models.SortNewestFirst(loaded)
	e.chats = loaded
	return nil
}

// chatFromEntry builds a metadata-only chat used before the key arrives.
func chatFromEntry(entry models.IndexEntry, scope store.Scope) *models.Chat {
	return &models.Chat{
		ID:               entry.ID,
		Title:            entry.Title,
		TitleState:       entry.TitleState,
		CreatedAt:        entry.CreatedAt,
		UpdatedAt:        entry.UpdatedAt,
		SyncVersion:      entry.SyncVersion,
		LocallyModified:  entry.LocallyModified,
		LocalOnly:        scope == store.ScopeLocalOnly,
		DecryptionFailed: entry.DecryptionFailed,
		DataCorrupted:    entry.DataCorrupted,
	}
}

// Chats returns a snapshot of the visible list, newest-first.
func (e *Engine) Chats() []*models.Chat {
	var out []*models.Chat
	_ = e.do(func() {
		out = make([]*models.Chat, len(e.chats))
		for i, c := range e.chats {
			out[i] = c.Clone()
		}
	})
	return out
}

func (e *Engine) find(id string) *models.Chat {
	for _, c := range e.chats {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// NewDraft creates a blank chat at the head of the list, or returns the
// existing one: at most one draft exists at a time.
func (e *Engine) NewDraft(model string) (*models.Chat, error) {
	var out *models.Chat
	err := e.do(func() {
		for _, c := range e.chats {
			if c.IsBlank() {
				e.selectedID = c.ID
				out = c.Clone()
				return
			}
		}
		draft := models.NewChat(model)
		e.chats = append([]*models.Chat{draft}, e.chats...)
		e.selectedID = draft.ID
		out = draft.Clone()
		e.notify()
	})
	return out, err
}

// Select makes the record current.
func (e *Engine) Select(id string) error {
	var selErr error
	err := e.do(func() {
		if e.find(id) == nil {
			selErr = common.ErrNotFound
			return
		}
		e.selectedID = id
		e.notify()
	})
	if err != nil {
		return err
	}
	return selErr
}

// Selected returns a clone of the current record.
func (e *Engine) Selected() (*models.Chat, bool) {
	var (
		out *models.Chat
		ok  bool
	)
	_ = e.do(func() {
		if c := e.find(e.selectedID); c != nil {
			out = c.Clone()
			ok = true
		}
	})
	return out, ok
}

// SendUserMessage appends a user turn and persists the record. The draft
// becomes a real record on its first message.
func (e *Engine) SendUserMessage(ctx context.Context, chatID, content string, attachments []models.Attachment) error {
	var opErr error
	err := e.do(func() {
		c := e.find(chatID)
		if c == nil {
			opErr = common.ErrNotFound
			return
		}
		m := models.NewMessage(models.RoleUser, content)
		m.Attachments = attachments
		c.AppendMessage(m)
		e.persister.Enqueue(c)
		e.notify()
	})
	if err != nil {
		return err
	}
	return opErr
}

// StartStream registers a live generation for the record and appends the
// empty assistant turn the deltas will land in.
func (e *Engine) StartStream(chatID string) error {
	var opErr error
	err := e.do(func() {
		c := e.find(chatID)
		if c == nil {
			opErr = common.ErrNotFound
			return
		}
		if opErr = e.stream.StartStreaming(chatID); opErr != nil {
			return
		}
		m := models.NewMessage(models.RoleAssistant, "")
		m.IsStreaming = true
		c.AppendMessage(m)
		e.notify()
	})
	if err != nil {
		return err
	}
	return opErr
}

// Delta is one chunk from the inference stream.
type Delta struct {
	Content   string
	Reasoning string
	Citations []string
}

// ApplyDelta folds a stream chunk into the record's open assistant turn.
// Disk writes are coalesced; the in-memory record is always current.
func (e *Engine) ApplyDelta(chatID string, d Delta) error {
	var opErr error
	err := e.do(func() {
		c := e.find(chatID)
		if c == nil {
			opErr = common.ErrNotFound
			return
		}
		m := c.LastMessage()
		if m == nil || !m.IsStreaming {
			opErr = common.ErrNotStreaming
			return
		}
		m.Content += d.Content
		m.Reasoning += d.Reasoning
		m.Citations = append(m.Citations, d.Citations...)
		c.Touch()
		e.persister.Enqueue(c)
		e.notify()
	})
	if err != nil {
		return err
	}
	return opErr
}

// CompleteStream closes the assistant turn, synchronously flushes the
// record, and releases it for sync.
func (e *Engine) CompleteStream(ctx context.Context, chatID string) error {
	return e.finishStream(ctx, chatID, "")
}

// FailStream closes the assistant turn keeping its partial content, with
// the error attached to the message instead of discarded.
func (e *Engine) FailStream(ctx context.Context, chatID, streamErr string) error {
	return e.finishStream(ctx, chatID, streamErr)
}

// CancelStream is a user-initiated stop: partial content is flushed and the
// record leaves the in-flight set so it is never excluded from sync.
func (e *Engine) CancelStream(ctx context.Context, chatID string) error {
	return e.finishStream(ctx, chatID, "")
}

func (e *Engine) finishStream(ctx context.Context, chatID, streamErr string) error {
	var opErr error
	err := e.do(func() {
		c := e.find(chatID)
		if c == nil {
			opErr = common.ErrNotFound
			return
		}
		if !e.stream.IsStreaming(chatID) {
			opErr = common.ErrNotStreaming
			return
		}
		if m := c.LastMessage(); m != nil && m.IsStreaming {
			m.IsStreaming = false
			m.StreamError = streamErr
		}
		c.Touch()
		e.persister.Enqueue(c)
		e.notify()
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}

	// Flush before releasing so a sync pass starting right after sees the
	// final on-disk state.
	flushErr := e.persister.Flush(ctx, chatID)
	e.stream.EndStreaming(chatID)
	return flushErr
}

// SetGeneratedTitle installs a model-generated title after the first
// exchange. A manual title always wins.
func (e *Engine) SetGeneratedTitle(chatID, title string) error {
	var opErr error
	err := e.do(func() {
		c := e.find(chatID)
		if c == nil {
			opErr = common.ErrNotFound
			return
		}
		c.SetGeneratedTitle(title)
		e.persister.Enqueue(c)
		e.notify()
	})
	if err != nil {
		return err
	}
	return opErr
}

// Rename sets a manual title. For records the server already knows, the
// cheap metadata-only update goes out immediately; the body follows at the
// next push.
func (e *Engine) Rename(ctx context.Context, chatID, title string) error {
	var (
		opErr error
		meta  remote.Metadata
		push  bool
	)
	err := e.do(func() {
		c := e.find(chatID)
		if c == nil {
			opErr = common.ErrNotFound
			return
		}
		c.Rename(title)
		e.persister.Enqueue(c)
		if !c.LocalOnly && models.IsServerID(c.ID) {
			push = true
			meta = remote.Metadata{
				Title:        c.Title,
				TitleState:   string(c.TitleState),
				CreatedAt:    c.CreatedAt,
				UpdatedAt:    c.UpdatedAt,
				MessageCount: len(c.Messages),
				SyncVersion:  c.SyncVersion,
			}
		}
		e.notify()
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	if push {
		if err := e.api.UpdateMetadata(ctx, chatID, meta); err != nil {
			e.log.Warn(ctx, "metadata update failed, next push carries the title", "id", chatID, "err", err)
		}
	}
	return nil
}

// Delete removes the record from the visible list, then from both stores
// and the remote. The tombstone set inside the orchestrator keeps a racing
// pull from resurrecting it.
func (e *Engine) Delete(ctx context.Context, chatID string) error {
	var victim *models.Chat
	err := e.do(func() {
		if c := e.find(chatID); c != nil {
			victim = c
			e.remove(chatID)
			e.notify()
		}
	})
	if err != nil {
		return err
	}
	if victim == nil {
		return common.ErrNotFound
	}
	e.persister.Discard(victim.ID)
	return e.orch.Delete(ctx, victim)
}

func (e *Engine) remove(id string) {
	for i, c := range e.chats {
		if c.ID == id {
			e.chats = append(e.chats[:i], e.chats[i+1:]...)
			break
		}
	}
	delete(e.paged, id)
	if e.selectedID == id {
		e.selectedID = ""
	}
}

// Sync runs one reconciliation pass. In-flight streams get a short window
// to finish first, so an almost-done generation is pushed by this pass
// instead of the next one. The orchestrator works on clones off the loop;
// its result is folded back in, keeping any record the user touched while
// the pass was in flight.
func (e *Engine) Sync(ctx context.Context) (*syncer.Result, error) {
	settle, cancel := context.WithTimeout(ctx, streamSettleWait)
	e.waitForStreams(settle)
	cancel()

	var snapshot []*models.Chat
	if err := e.do(func() {
		snapshot = make([]*models.Chat, 0, len(e.chats))
		for _, c := range e.chats {
			snapshot = append(snapshot, c.Clone())
		}
	}); err != nil {
		return nil, err
	}

	res, err := e.orch.Run(ctx, snapshot)
	if err != nil {
		return res, err
	}
	if res.Offline || res.LocalOnly {
		return res, nil
	}

	if adoptErr := e.do(func() { e.adopt(res) }); adoptErr != nil {
		return res, adoptErr
	}
	return res, nil
}

// waitForStreams blocks until every stream in flight at call time has ended
// or ctx expires. Streams started afterwards are not waited for.
func (e *Engine) waitForStreams(ctx context.Context) {
	ids := e.stream.ActiveIDs()
	if len(ids) == 0 {
		return
	}

	done := make(chan struct{}, len(ids))
	for _, id := range ids {
		e.stream.OnComplete(id, func() { done <- struct{}{} })
	}
	for range ids {
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
}

// adopt folds a sync result into the loop-owned list. Runs on the loop.
func (e *Engine) adopt(res *syncer.Result) {
	// Identity swaps first, so result records line up with current ones. A
	// pending coalesced write under the old id would resurrect a deleted
	// file, so it is dropped.
	for oldID, newID := range res.IDChanges {
		if c := e.find(oldID); c != nil {
			c.ID = newID
		}
		if e.selectedID == oldID {
			e.selectedID = newID
		}
		e.persister.Discard(oldID)
	}

	current := make(map[string]*models.Chat, len(e.chats))
	for _, c := range e.chats {
		current[c.ID] = c
	}

	var next []*models.Chat
	for _, r := range res.Chats {
		// A record deleted while the pass was in flight stays deleted.
		if e.tombs.IsDeleted(r.ID) {
			continue
		}
		cur, ok := current[r.ID]
		if !ok {
			next = append(next, r)
			continue
		}
		// A record edited or streaming since the snapshot keeps its live
		// version; otherwise the pass's view (pushed or pulled) wins.
		if e.stream.IsStreaming(r.ID) || cur.UpdatedAt.After(r.UpdatedAt) {
			// Touched during the pass; only the push bookkeeping carries
			// over so the next pass sees honest version state.
			cur.SyncVersion = r.SyncVersion
			cur.SyncedAt = r.SyncedAt
			next = append(next, cur)
		} else {
			*cur = *r
			next = append(next, cur)
		}
	}

	// Records paged in beyond the first page never appear in a pass
	// result; dropping them here would hide them until restart.
	for _, c := range e.chats {
		if _, ok := e.paged[c.ID]; !ok {
			continue
		}
		if e.find2(next, c.ID) == nil && !e.tombs.IsDeleted(c.ID) {
			next = append(next, c)
		}
	}
	models.SortNewestFirst(next)

	// The draft never came from the pass; keep it at the head.
	for _, c := range e.chats {
		if c.IsBlank() && e.find2(next, c.ID) == nil {
			next = append([]*models.Chat{c}, next...)
		}
	}

	e.chats = next
	e.notify()
}

func (e *Engine) find2(list []*models.Chat, id string) *models.Chat {
	for _, c := range list {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// LoadMore pages older records in and layers them under the synced list.
func (e *Engine) LoadMore(ctx context.Context) error {
	entries, err := e.pager.LoadMore(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	key, err := e.keys.Key()
	if err != nil {
		return err
	}

	var older []*models.Chat
	for _, entry := range entries {
		// A freshly deleted record may still show up in server listings.
		if e.tombs.IsDeleted(entry.ID) {
			continue
		}
		c, err := e.materializeEntry(ctx, key, entry)
		if err != nil {
			e.log.Warn(ctx, "skipping unpageable record", "id", entry.ID, "err", err)
			continue
		}
		older = append(older, c)
	}

	return e.do(func() {
		for _, c := range older {
			e.paged[c.ID] = struct{}{}
			if e.find(c.ID) == nil {
				e.chats = append(e.chats, c)
			}
		}
		models.SortNewestFirst(e.chats)
		e.notify()
	})
}

func (e *Engine) materializeEntry(ctx context.Context, key []byte, entry remote.Entry) (*models.Chat, error) {
	if c, err := e.stores.Cloud.LoadRecord(ctx, entry.ID, key); err == nil {
		return c, nil
	}
	rec, err := e.api.FetchRecord(ctx, entry.ID)
	if err != nil {
		return nil, err
	}
	c := &models.Chat{}
	if err := cryptox.OpenRecord(rec.EncryptedBody, key, c); err != nil {
		return nil, err
	}
	c.ID = entry.ID
	c.SyncVersion = entry.Metadata.SyncVersion
	if err := e.stores.Cloud.Save(ctx, c, key); err != nil {
		return nil, err
	}
	return c, nil
}

// SignOut wipes both stores, resets pagination, and empties the list, then
// announces the account change on the bus.
func (e *Engine) SignOut(ctx context.Context) error {
	if err := e.persister.FlushAll(ctx); err != nil {
		e.log.Warn(ctx, "flush before sign-out failed", "err", err)
	}
	e.pager.Reset()
	if err := e.stores.Wipe(ctx); err != nil {
		return err
	}
	if err := e.do(func() {
		e.chats = nil
		e.selectedID = ""
		e.paged = make(map[string]struct{})
		e.notify()
	}); err != nil {
		return err
	}
	e.bus.Publish(events.Event{Kind: events.AuthChanged})
	return nil
}

// recoverUnreadable re-decrypts previously failed records after a key
// change and folds the recovered ones back into the list.
func (e *Engine) recoverUnreadable(ctx context.Context) {
	key, err := e.keys.Key()
	if err != nil {
		return
	}

	var recovered []*models.Chat
	for _, s := range []*store.Store{e.stores.Local, e.stores.Cloud} {
		got, err := s.RetryFailedDecryptions(ctx, key)
		if err != nil {
			e.log.Warn(ctx, "decryption retry failed", "scope", s.Scope(), "err", err)
			continue
		}
		for _, c := range got {
			c.LocalOnly = s.Scope() == store.ScopeLocalOnly
		}
		recovered = append(recovered, got...)
	}
	if len(recovered) == 0 {
		return
	}

	_ = e.do(func() {
		for _, c := range recovered {
			if cur := e.find(c.ID); cur != nil {
				*cur = *c
			} else {
				e.chats = append(e.chats, c)
			}
		}
		models.SortNewestFirst(e.chats)
		e.notify()
	})
	e.log.Info(ctx, "recovered records after key change", "count", len(recovered))
}

// persistRecord is the persister's sink: it writes the record to whichever
// store owns it. Without a key, memory stays the source of truth and the
// write is skipped.
func (e *Engine) persistRecord(ctx context.Context, c *models.Chat) error {
	key, err := e.keys.Key()
	if err != nil {
		return nil
	}
	s := e.stores.Cloud
	if c.LocalOnly {
		s = e.stores.Local
	}
	return s.Save(ctx, c, key)
}
