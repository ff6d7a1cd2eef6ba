// Package syncer implements the reconciliation pass between the in-memory
// record list, the on-device stores, and the remote chat store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinfoilsh/chatsync/internal/common"
	"github.com/tinfoilsh/chatsync/internal/cryptox"
	"github.com/tinfoilsh/chatsync/internal/keystore"
	"github.com/tinfoilsh/chatsync/internal/logging"
	"github.com/tinfoilsh/chatsync/internal/models"
	"github.com/tinfoilsh/chatsync/internal/pagination"
	"github.com/tinfoilsh/chatsync/internal/remote"
	"github.com/tinfoilsh/chatsync/internal/store"
	"github.com/tinfoilsh/chatsync/internal/streaming"
	"github.com/tinfoilsh/chatsync/internal/tombstone"
)

// RecordError is one per-record failure collected during a pass. A pass
// never aborts on a single record; errors are reported, not thrown.
type RecordError struct {
	ID  string
	Op  string // "pull", "push", "fetch"
	Err error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

// Result is the outcome of one reconciliation pass.
type Result struct {
	// Chats is the reassembled visible list: protected records plus the
	// fetched remote first page, deduplicated (first occurrence wins) and
	// sorted newest-first. Draft injection is the engine's job.
	Chats []*models.Chat

	// Errors lists non-fatal per-record failures.
	Errors []RecordError

	// IDChanges maps client-minted ids to the server identities adopted at
	// first push, so the caller can rewrite its own references.
	IDChanges map[string]string

	// Offline is set when the network was unreachable and the pass
	// degraded to a no-op.
	Offline bool

	// LocalOnly is set when no decryption key arrived within the bounded
	// wait and the pass degraded to local-only operation.
	LocalOnly bool
}

// Options tunes a sync pass.
type Options struct {
	PageSize        int
	PullConcurrency int
	KeyWaitTimeout  time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.PageSize <= 0 {
		out.PageSize = 50
	}
	if out.PullConcurrency <= 0 {
		out.PullConcurrency = 4
	}
	if out.KeyWaitTimeout <= 0 {
		out.KeyWaitTimeout = 10 * time.Second
	}
	return out
}

// Orchestrator reconciles the cloud mirror with the remote store and is the
// only component permitted to move a record between the local-only and
// cloud-mirror namespaces.
//
// Conflict policy is last-writer-wins by UpdatedAt with one deliberate
// exception: a record that is streaming or locally modified always wins over
// the pulled copy, even when its sync version is behind the remote's. The
// following push then produces local version + 1. This favors the single
// active device and would diverge under true multi-device concurrent edits;
// that trade-off is inherited behavior, not an accident.
type Orchestrator struct {
	api    remote.API
	local  *store.Store
	cloud  *store.Store
	tombs  *tombstone.Tracker
	stream *streaming.Coordinator
	pager  *pagination.Manager
	keys   *keystore.Keystore
	opts   Options
	log    logging.Logger

	// Passes are serialized; overlapping runs would race on store moves.
	runMu sync.Mutex
}

func New(api remote.API, local, cloud *store.Store, tombs *tombstone.Tracker,
	stream *streaming.Coordinator, pager *pagination.Manager, keys *keystore.Keystore,
	opts Options, log logging.Logger) *Orchestrator {
	return &Orchestrator{
		api:    api,
		local:  local,
		cloud:  cloud,
		tombs:  tombs,
		stream: stream,
		pager:  pager,
		keys:   keys,
		opts:   opts.withDefaults(),
		log:    log,
	}
}

// Run executes one reconciliation pass over the given in-memory records and
// returns the reassembled list. The caller owns the records; Run mutates
// them only to reflect confirmed pushes (cleared LocallyModified, bumped
// SyncVersion, swapped identity).
func (o *Orchestrator) Run(ctx context.Context, inMemory []*models.Chat) (*Result, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	res := &Result{}

	keyCtx, cancel := context.WithTimeout(ctx, o.opts.KeyWaitTimeout)
	key, err := o.keys.WaitForKey(keyCtx)
	cancel()
	if err != nil {
		// No key: local-only operation continues uninterrupted.
		o.log.Warn(ctx, "no encryption key within timeout, sync degraded to local-only")
		res.LocalOnly = true
		res.Chats = append([]*models.Chat(nil), inMemory...)
		models.SortNewestFirst(res.Chats)
		return res, nil
	}

	// Step 1: snapshot. Records that are locally modified or streaming are
	// never overwritten by this pass's pull.
	protected := make(map[string]*models.Chat)
	for _, c := range inMemory {
		if c.LocallyModified || o.stream.IsStreaming(c.ID) {
			protected[c.ID] = c
		}
	}

	// Step 2: pull.
	pulled, offline := o.pull(ctx, key, protected, res)
	if offline {
		res.Offline = true
		res.Chats = append([]*models.Chat(nil), inMemory...)
		models.SortNewestFirst(res.Chats)
		return res, nil
	}

	// Step 3: push.
	pushed := o.push(ctx, key, inMemory, res)

	// Step 4: reassemble. Protected, pushed, and local-only records first,
	// then the fetched remote page; first occurrence wins on duplicate ids.
	seen := make(map[string]struct{})
	var visible []*models.Chat
	add := func(c *models.Chat) {
		if _, dup := seen[c.ID]; dup {
			return
		}
		seen[c.ID] = struct{}{}
		visible = append(visible, c)
	}
	for _, c := range inMemory {
		if _, ok := protected[c.ID]; ok {
			add(c)
		} else if c.LocalOnly || c.IsBlank() {
			// Local-only records never leave the device; a draft is the
			// caller's to manage, not the pass's to drop.
			add(c)
		}
	}
	// Records pushed this pass stay visible even though the listing
	// predates them; an identity swap also moved them out of the
	// protected set.
	for _, c := range pushed {
		add(c)
	}
	for _, c := range pulled {
		add(c)
	}
	models.SortNewestFirst(visible)
	res.Chats = visible

	o.log.Info(ctx, "sync pass finished",
		"visible", len(visible), "pulled", len(pulled), "errors", len(res.Errors))
	return res, nil
}

// pull fetches the remote first page and merges unshadowed records into the
// cloud mirror. It reports offline=true when the listing itself was
// unreachable.
func (o *Orchestrator) pull(ctx context.Context, key []byte, protected map[string]*models.Chat, res *Result) ([]*models.Chat, bool) {
	listing, err := o.api.List(ctx, o.opts.PageSize, "")
	if err != nil {
		if errors.Is(err, common.ErrUnavailable) {
			o.log.Warn(ctx, "remote unreachable, sync pass is a no-op")
			return nil, true
		}
		res.Errors = append(res.Errors, RecordError{Op: "pull", Err: err})
		return nil, false
	}

	// Pagination state is established once and never reset by a pass.
	o.pager.Observe(listing)

	// The mirror's index lets us skip fetching bodies that have not moved.
	mirrored := make(map[string]models.IndexEntry)
	if entries, err := o.cloud.LoadIndex(ctx); err == nil {
		for _, e := range entries {
			mirrored[e.ID] = e
		}
	} else {
		res.Errors = append(res.Errors, RecordError{Op: "pull", Err: err})
	}

	var (
		mu     sync.Mutex
		pulled []*models.Chat
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.PullConcurrency)

	for _, entry := range listing.Entries {
		if _, shadowed := protected[entry.ID]; shadowed {
			continue
		}
		if o.tombs.IsDeleted(entry.ID) {
			o.log.Debug(ctx, "skipping tombstoned record", "id", entry.ID)
			continue
		}

		g.Go(func() error {
			c, err := o.materialize(gctx, key, entry, mirrored)
			if err != nil {
				mu.Lock()
				res.Errors = append(res.Errors, RecordError{ID: entry.ID, Op: "fetch", Err: err})
				mu.Unlock()
				return nil // per-record errors never abort the pass
			}
			mu.Lock()
			pulled = append(pulled, c)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return pulled, false
}

// materialize produces the in-memory chat for one remote index entry, either
// from the mirror (when nothing changed remotely) or by fetching and
// decrypting the body.
func (o *Orchestrator) materialize(ctx context.Context, key []byte, entry remote.Entry, mirrored map[string]models.IndexEntry) (*models.Chat, error) {
	if local, ok := mirrored[entry.ID]; ok &&
		local.SyncVersion >= entry.Metadata.SyncVersion &&
		!entry.Metadata.UpdatedAt.After(local.UpdatedAt) {
		c, err := o.cloud.LoadRecord(ctx, entry.ID, key)
		if err == nil {
			return c, nil
		}
		// Mirror miss (e.g. index row without a body); fall through to a
		// network fetch.
	}

	rec, err := o.api.FetchRecord(ctx, entry.ID)
	if err != nil {
		return nil, err
	}

	var c models.Chat
	if err := cryptox.OpenRecord(rec.EncryptedBody, key, &c); err != nil {
		// Keep the ciphertext so a later key change can recover it; the
		// server metadata at least gives the placeholder a title.
		c = models.Chat{
			ID:               entry.ID,
			Title:            entry.Metadata.Title,
			TitleState:       models.TitleState(entry.Metadata.TitleState),
			CreatedAt:        entry.Metadata.CreatedAt,
			UpdatedAt:        entry.Metadata.UpdatedAt,
			SyncVersion:      entry.Metadata.SyncVersion,
			DecryptionFailed: true,
			EncryptedData:    rec.EncryptedBody,
		}
	} else {
		c.ID = entry.ID
		c.SyncVersion = entry.Metadata.SyncVersion
		c.LocallyModified = false
		at := entry.Metadata.UpdatedAt
		c.SyncedAt = &at
	}

	if err := o.cloud.Save(ctx, &c, key); err != nil {
		return nil, err
	}
	return &c, nil
}

// push uploads every cloud-eligible record with local changes and returns
// the ones that made it. Failures leave LocallyModified set so the record
// retries next pass.
func (o *Orchestrator) push(ctx context.Context, key []byte, inMemory []*models.Chat, res *Result) []*models.Chat {
	var pushed []*models.Chat
	for _, c := range inMemory {
		if !c.LocallyModified || c.LocalOnly {
			continue
		}
		if c.IsBlank() || c.DecryptionFailed || c.DataCorrupted {
			continue
		}
		// A streaming record is pushed after its stream ends, not mid-flight.
		if o.stream.IsStreaming(c.ID) {
			continue
		}

		oldID := c.ID
		if err := o.pushOne(ctx, key, c); err != nil {
			res.Errors = append(res.Errors, RecordError{ID: c.ID, Op: "push", Err: err})
			continue
		}
		if c.ID != oldID {
			if res.IDChanges == nil {
				res.IDChanges = make(map[string]string)
			}
			res.IDChanges[oldID] = c.ID
		}
		pushed = append(pushed, c)
	}
	return pushed
}

func (o *Orchestrator) pushOne(ctx context.Context, key []byte, c *models.Chat) error {
	// Let any pending disk write for this record land before reading state.
	o.cloud.Flush(c.ID)

	// First push of a client-minted record swaps in the server identity,
	// exactly once. The swap is tentative until the upload lands: on any
	// failure the record keeps its client id and its mirror file so the
	// next pass can retry.
	oldID := c.ID
	if !models.IsServerID(c.ID) {
		newID, _, err := o.api.GenerateID(ctx)
		if err != nil {
			return err
		}
		c.ID = newID
	}

	body, err := cryptox.SealRecord(c, key)
	if err != nil {
		c.ID = oldID
		return err
	}

	nextVersion := c.SyncVersion + 1
	meta := remote.Metadata{
		Title:        c.Title,
		TitleState:   string(c.TitleState),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		MessageCount: len(c.Messages),
		SyncVersion:  nextVersion,
	}
	if err := o.api.Upload(ctx, c.ID, body, meta); err != nil {
		c.ID = oldID
		return err
	}

	if c.ID != oldID {
		if err := o.cloud.DeleteRecord(ctx, oldID); err != nil {
			o.log.Warn(ctx, "stale record cleanup failed", "id", oldID, "err", err)
		}
	}

	now := time.Now().UTC()
	c.LocallyModified = false
	c.SyncedAt = &now
	c.SyncVersion = nextVersion

	return o.cloud.Save(ctx, c, key)
}

// PushOnly uploads local changes without pulling, used right after a local
// edit when a full pass would be wasteful.
func (o *Orchestrator) PushOnly(ctx context.Context, inMemory []*models.Chat) *Result {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	res := &Result{}

	keyCtx, cancel := context.WithTimeout(ctx, o.opts.KeyWaitTimeout)
	key, err := o.keys.WaitForKey(keyCtx)
	cancel()
	if err != nil {
		res.LocalOnly = true
		return res
	}

	o.push(ctx, key, inMemory, res)
	return res
}

// Delete removes a record everywhere: tombstone first so a racing pull
// cannot resurrect it, then both stores, then the remote copy. The
// tombstone is cleared early once the remote confirms.
func (o *Orchestrator) Delete(ctx context.Context, c *models.Chat) error {
	o.tombs.MarkDeleted(c.ID)

	// Serialize with a running pass so the delete cannot interleave with
	// the pass's store writes for the same record.
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if err := o.local.DeleteRecord(ctx, c.ID); err != nil {
		return err
	}
	if err := o.cloud.DeleteRecord(ctx, c.ID); err != nil {
		return err
	}

	if c.LocalOnly || !models.IsServerID(c.ID) {
		// Never reached the server; nothing to delete remotely.
		o.tombs.Clear(c.ID)
		return nil
	}

	if err := o.api.Delete(ctx, c.ID); err != nil {
		// The tombstone window covers the propagation gap.
		o.log.Warn(ctx, "remote delete failed, tombstone covers the window", "id", c.ID, "err", err)
		return err
	}
	o.tombs.Clear(c.ID)
	return nil
}
