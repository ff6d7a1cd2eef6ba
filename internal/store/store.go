// Package store implements the encrypted per-record stores: one ciphertext
// file per chat plus a SQLite index per user scope. Two instances with
// identical semantics serve the local-only and cloud-mirror namespaces.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pressly/goose/v3"
	"github.com/tinfoilsh/chatsync/internal/common"
	"github.com/tinfoilsh/chatsync/internal/cryptox"
	"github.com/tinfoilsh/chatsync/internal/dbx"
	"github.com/tinfoilsh/chatsync/internal/logging"
	"github.com/tinfoilsh/chatsync/internal/migrations"
	"github.com/tinfoilsh/chatsync/internal/models"
	_ "modernc.org/sqlite"
)

// Scope names a storage namespace within a user's data directory.
type Scope string

const (
	// ScopeLocalOnly holds records that never leave the device.
	ScopeLocalOnly Scope = "local"
	// ScopeCloudMirror holds the on-device mirror of remote records.
	ScopeCloudMirror Scope = "cloud"
)

const indexFileName = "index.db"

// Store is one namespace of a user's encrypted record storage.
type Store struct {
	scope Scope
	dir   string
	index *IndexRepo
	queue *writeQueue
	log   logging.Logger
}

// UserStores bundles the two namespaces sharing one index database.
type UserStores struct {
	Local *Store
	Cloud *Store
	db    *sql.DB
}

// RunMigrations applies the embedded index schema to db.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, ".")
}

// Open prepares the per-user storage layout under root: record directories
// for both scopes and one migrated index database.
func Open(ctx context.Context, root, userID string, log logging.Logger) (*UserStores, error) {
	userDir := filepath.Join(root, userID)
	if err := os.MkdirAll(userDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %w", common.ErrIOFailure, userDir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(userDir, indexFileName))
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate index db: %w", err)
	}

	index := NewIndexRepo(db)
	queue := newWriteQueue()

	us := &UserStores{db: db}
	for _, s := range []struct {
		scope Scope
		dst   **Store
	}{
		{ScopeLocalOnly, &us.Local},
		{ScopeCloudMirror, &us.Cloud},
	} {
		dir := filepath.Join(userDir, string(s.scope), "records")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: mkdir %s: %w", common.ErrIOFailure, dir, err)
		}
		*s.dst = &Store{
			scope: s.scope,
			dir:   dir,
			index: index,
			queue: queue,
			log:   log.With("scope", string(s.scope)),
		}
	}

	return us, nil
}

// Close releases the shared index database.
func (u *UserStores) Close() error {
	return u.db.Close()
}

// Scope returns the namespace this store serves.
func (s *Store) Scope() Scope { return s.scope }

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.dir, id+".bin")
}

// Save serializes the chat, encrypts it with key, writes the ciphertext
// atomically and upserts the index entry. The write is routed through the
// per-record queue so saves for the same id never reorder or tear.
//
// A record that previously failed to decrypt is written back from its
// retained ciphertext untouched, so the original bytes survive for a later
// key-change retry.
func (s *Store) Save(ctx context.Context, c *models.Chat, key []byte) error {
	var blob []byte
	switch {
	case c.DecryptionFailed && len(c.EncryptedData) > 0:
		blob = c.EncryptedData
	case key == nil:
		return common.ErrEncryptionUnavailable
	default:
		var err error
		blob, err = cryptox.SealRecord(c, key)
		if err != nil {
			return fmt.Errorf("encrypt record %s: %w", c.ID, err)
		}
	}

	entry := models.IndexEntryOf(c)

	var saveErr error
	done := s.queue.enqueue(c.ID, func() {
		if err := writeFileAtomic(s.recordPath(c.ID), blob); err != nil {
			saveErr = err
			return
		}
		saveErr = s.index.Upsert(ctx, s.scope, entry)
	})
	<-done

	if saveErr != nil {
		return saveErr
	}
	return nil
}

// LoadIndex returns all index entries in this namespace without touching
// record bodies. Cost is O(entries).
func (s *Store) LoadIndex(ctx context.Context) ([]models.IndexEntry, error) {
	return s.index.GetAll(ctx, s.scope)
}

// LoadRecord reads, decrypts and deserializes one record. On ciphertext
// failure it returns a placeholder chat with DecryptionFailed set and the
// raw bytes retained in EncryptedData instead of an error, so the record can
// be retried once the right key becomes available. Structurally invalid
// plaintext yields DataCorrupted instead, which is never auto-retried.
func (s *Store) LoadRecord(ctx context.Context, id string, key []byte) (*models.Chat, error) {
	// Let any in-flight write for this record land first.
	s.queue.wait(id)

	blob, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("%w: read record %s: %w", common.ErrIOFailure, id, err)
	}

	if key == nil {
		return s.markUnreadable(ctx, id, blob, false), nil
	}

	plaintext, err := cryptox.Open(blob, key)
	if err != nil {
		s.log.Warn(ctx, "record decryption failed", "id", id, "err", err)
		return s.markUnreadable(ctx, id, blob, false), nil
	}

	var c models.Chat
	if err := json.Unmarshal(plaintext, &c); err != nil {
		s.log.Warn(ctx, "record structurally corrupted", "id", id, "err", err)
		return s.markUnreadable(ctx, id, blob, true), nil
	}

	// A successful load clears any stale recovery flags in the index.
	c.DecryptionFailed = false
	c.DataCorrupted = false
	if err := s.index.Upsert(ctx, s.scope, models.IndexEntryOf(&c)); err != nil {
		s.log.Warn(ctx, "index refresh after load failed", "id", id, "err", err)
	}

	return &c, nil
}

func (s *Store) markUnreadable(ctx context.Context, id string, blob []byte, corrupted bool) *models.Chat {
	c := &models.Chat{
		ID:               id,
		Title:            models.PlaceholderTitle,
		TitleState:       models.TitlePlaceholder,
		DecryptionFailed: !corrupted,
		DataCorrupted:    corrupted,
		EncryptedData:    blob,
	}
	// Only the flags are updated so the index keeps whatever metadata it
	// already has for this record.
	if err := s.index.SetRecoveryFlags(ctx, s.scope, id, !corrupted, corrupted); err != nil {
		s.log.Warn(ctx, "index flag update failed", "id", id, "err", err)
	}
	return c
}

// DeleteRecord removes the record file and its index entry. Deleting a
// missing id is not an error. The delete runs through the per-record queue
// so it cannot overtake a pending write for the same id.
func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	var delErr error
	done := s.queue.enqueue(id, func() {
		if err := os.Remove(s.recordPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			delErr = fmt.Errorf("%w: remove record %s: %w", common.ErrIOFailure, id, err)
			return
		}
		delErr = s.index.Delete(ctx, s.scope, id)
	})
	<-done
	return delErr
}

// Wipe removes every record in both namespaces. The two index scopes are
// cleared in one transaction so an interrupted wipe never leaves the index
// half empty while record files are already gone.
func (u *UserStores) Wipe(ctx context.Context) error {
	for _, s := range []*Store{u.Local, u.Cloud} {
		entries, err := s.index.GetAll(ctx, s.scope)
		if err != nil {
			return err
		}
		for _, e := range entries {
			s.queue.wait(e.ID)
			if err := os.Remove(s.recordPath(e.ID)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: remove record %s: %w", common.ErrIOFailure, e.ID, err)
			}
		}
	}
	return dbx.WithTx(ctx, u.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := NewIndexRepo(tx)
		if err := repo.DeleteScope(ctx, ScopeLocalOnly); err != nil {
			return err
		}
		return repo.DeleteScope(ctx, ScopeCloudMirror)
	})
}

// Flush blocks until every pending write for id has completed. Sync passes
// call this before reading a record's on-disk state.
func (s *Store) Flush(id string) {
	s.queue.wait(id)
}

// RetryFailedDecryptions re-attempts decryption of every record flagged
// DecryptionFailed using the supplied key, re-encrypting and clearing the
// flag for each one that recovers. It returns the recovered chats.
func (s *Store) RetryFailedDecryptions(ctx context.Context, key []byte) ([]*models.Chat, error) {
	entries, err := s.index.GetDecryptionFailed(ctx, s.scope)
	if err != nil {
		return nil, err
	}

	var recovered []*models.Chat
	for _, e := range entries {
		c, err := s.LoadRecord(ctx, e.ID, key)
		if err != nil {
			s.log.Warn(ctx, "retry load failed", "id", e.ID, "err", err)
			continue
		}
		if c.DecryptionFailed || c.DataCorrupted {
			continue
		}
		if err := s.Save(ctx, c, key); err != nil {
			s.log.Warn(ctx, "retry re-save failed", "id", e.ID, "err", err)
			continue
		}
		recovered = append(recovered, c)
	}
	return recovered, nil
}

// writeFileAtomic writes data with write-temp-then-rename semantics so a
// crash mid-write never leaves a truncated record behind. The temp name
// carries a random suffix so a stale temp file from a crashed run cannot
// collide with a live write.
func writeFileAtomic(path string, data []byte) error {
	suffix, err := common.MakeRandHexString(4)
	if err != nil {
		return fmt.Errorf("%w: temp name: %w", common.ErrIOFailure, err)
	}
	tmp := path + ".tmp-" + suffix
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %w", common.ErrIOFailure, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: rename %s: %w", common.ErrIOFailure, path, err)
	}
	return nil
}
