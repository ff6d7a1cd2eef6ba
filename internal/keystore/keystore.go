// Package keystore holds the process-wide encryption key. The key is derived
// once from a user passphrase and is read-only afterwards; consumers wait on
// a one-shot readiness signal instead of polling.
package keystore

import (
	"context"
	"errors"
	"sync"

	"github.com/tinfoilsh/chatsync/internal/common"
	"github.com/tinfoilsh/chatsync/internal/cryptox"
	"github.com/tinfoilsh/chatsync/internal/events"
)

var ErrKeyAlreadySet = errors.New("encryption key already configured")

// Keystore owns the master key. Construct one at startup and hand it to
// every component that encrypts or decrypts.
type Keystore struct {
	mu    sync.RWMutex
	key   []byte
	ready chan struct{}
	bus   *events.Bus
}

// New returns an empty keystore. bus may be nil; when set, a KeyChanged
// event is published every time a key is installed.
func New(bus *events.Bus) *Keystore {
	return &Keystore{ready: make(chan struct{}), bus: bus}
}

// SetPassphrase derives the master key from the passphrase and salt and
// installs it, resolving Ready exactly once. Installing a key twice is an
// error; use Replace for key rotation.
func (k *Keystore) SetPassphrase(passphrase, salt []byte) error {
	key := cryptox.DeriveKey(passphrase, salt)
	common.WipeByteArray(passphrase)
	return k.install(key, false)
}

// Replace swaps in a new key derived from the passphrase. Unlike
// SetPassphrase it is valid after initialization; subscribers are notified
// so decryption-failed records can be retried with the new key.
func (k *Keystore) Replace(passphrase, salt []byte) error {
	key := cryptox.DeriveKey(passphrase, salt)
	common.WipeByteArray(passphrase)
	return k.install(key, true)
}

func (k *Keystore) install(key []byte, replace bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.key != nil && !replace {
		return ErrKeyAlreadySet
	}

	first := k.key == nil
	k.key = key
	if first {
		close(k.ready)
	}
	if k.bus != nil {
		k.bus.Publish(events.Event{Kind: events.KeyChanged})
	}
	return nil
}

// Ready is closed once a key has been installed.
func (k *Keystore) Ready() <-chan struct{} {
	return k.ready
}

// Key returns the current key, or common.ErrEncryptionUnavailable if none is
// configured yet. The returned slice must not be modified.
func (k *Keystore) Key() ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.key == nil {
		return nil, common.ErrEncryptionUnavailable
	}
	return k.key, nil
}

// WaitForKey blocks until a key is available or ctx expires. The caller
// bounds the wait with a context deadline; a sync pass that times out here
// degrades to local-only operation for that pass.
func (k *Keystore) WaitForKey(ctx context.Context) ([]byte, error) {
	select {
	case <-k.ready:
		return k.Key()
	case <-ctx.Done():
		return nil, common.ErrEncryptionUnavailable
	}
}
