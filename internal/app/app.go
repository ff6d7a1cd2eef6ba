// Package app wires the engine together for the command-line client.
package app

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tinfoilsh/chatsync/internal/common"
	"github.com/tinfoilsh/chatsync/internal/config"
	"github.com/tinfoilsh/chatsync/internal/cryptox"
	"github.com/tinfoilsh/chatsync/internal/engine"
	"github.com/tinfoilsh/chatsync/internal/events"
	"github.com/tinfoilsh/chatsync/internal/keystore"
	"github.com/tinfoilsh/chatsync/internal/logging"
	"github.com/tinfoilsh/chatsync/internal/pagination"
	"github.com/tinfoilsh/chatsync/internal/remote"
	"github.com/tinfoilsh/chatsync/internal/store"
	"github.com/tinfoilsh/chatsync/internal/streaming"
	"github.com/tinfoilsh/chatsync/internal/syncer"
	"github.com/tinfoilsh/chatsync/internal/tombstone"
)

const saltSize = 16

// App owns the wired component graph and the periodic sync loop.
type App struct {
	cfg    *config.Config
	log    logging.Logger
	stores *store.UserStores
	keys   *keystore.Keystore
	eng    *engine.Engine
}

// NewApp builds the full component graph: stores, keystore, remote client,
// orchestrator, and engine. The bearer token comes from CHATSYNC_TOKEN; the
// account id and passphrase are prompted for.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	reader := bufio.NewReader(os.Stdin)
	userID, err := getSimpleText(reader, "Account id", os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("reading account id: %w", err)
	}

	stores, err := store.Open(ctx, cfg.DataDir, userID, log)
	if err != nil {
		return nil, fmt.Errorf("opening stores: %w", err)
	}

	bus := events.NewBus()
	keys := keystore.New(bus)

	salt, err := loadOrCreateSalt(filepath.Join(cfg.DataDir, userID, "salt"))
	if err != nil {
		return nil, err
	}

	passphrase, err := getPassphrase(os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	if err := keys.SetPassphrase(passphrase, salt); err != nil {
		return nil, err
	}
	common.WipeByteArray(passphrase)

	key, err := keys.Key()
	if err != nil {
		return nil, err
	}
	if err := checkOrCreateVerifier(filepath.Join(cfg.DataDir, userID, "verifier"), key); err != nil {
		return nil, err
	}

	token := os.Getenv("CHATSYNC_TOKEN")
	tokens := remote.TokenFunc(func(ctx context.Context) (string, error) {
		if token == "" {
			return "", fmt.Errorf("%w: CHATSYNC_TOKEN is not set", common.ErrUnauthorized)
		}
		return token, nil
	})

	httpClient := &http.Client{Timeout: 30 * time.Second}
	keySource := remote.NewKeySource(cfg.ServerURL, tokens, httpClient)
	api := remote.NewClient(cfg.ServerURL, keySource, httpClient, log)

	coord := streaming.NewCoordinator()
	pager := pagination.New(api, cfg.PageSize, log)
	tombs := tombstone.New()
	orch := syncer.New(api, stores.Local, stores.Cloud, tombs, coord,
		pager, keys, syncer.Options{
			PageSize:        cfg.PageSize,
			PullConcurrency: cfg.PullConcurrency,
			KeyWaitTimeout:  cfg.KeyWaitTimeout,
		}, log)

	eng := engine.New(engine.Options{
		Stores:              stores,
		API:                 api,
		Orchestrator:        orch,
		Coordinator:         coord,
		Pager:               pager,
		Keys:                keys,
		Tombstones:          tombs,
		Bus:                 bus,
		Log:                 log,
		StreamFlushInterval: cfg.StreamFlushInterval,
	})

	return &App{cfg: cfg, log: log, stores: stores, keys: keys, eng: eng}, nil
}

// Engine exposes the wired engine for embedding UIs.
func (a *App) Engine() *engine.Engine { return a.eng }

// Run starts the engine and drives the periodic sync loop until the context
// is cancelled or an interrupt arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.eng.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	a.syncOnce(ctx)

	ticker := time.NewTicker(a.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.syncOnce(ctx)
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.eng.Close(shutdownCtx); err != nil {
				a.log.Error(shutdownCtx, "flush on shutdown failed", "err", err)
			}
			return a.stores.Close()
		}
	}
}

func (a *App) syncOnce(ctx context.Context) {
	res, err := a.eng.Sync(ctx)
	if err != nil {
		a.log.Error(ctx, "sync pass failed", "err", err)
		return
	}
	for _, re := range res.Errors {
		a.log.Warn(ctx, "sync record error", "id", re.ID, "op", re.Op, "err", re.Err)
	}
	if res.Offline {
		a.log.Info(ctx, "offline, sync skipped")
	}
}

// loadOrCreateSalt reads the per-account key-derivation salt, creating it on
// first use.
func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil && len(salt) == saltSize {
		return salt, nil
	}

	salt = common.GenerateRandByteArray(saltSize)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("writing salt: %w", err)
	}
	return salt, nil
}

// checkOrCreateVerifier compares the derived key against the stored key
// verifier, creating the verifier on first use. A mismatch means a wrong
// passphrase; failing here beats silently filling the store with
// undecryptable records.
func checkOrCreateVerifier(path string, key []byte) error {
	want := cryptox.MakeVerifier(key)

	got, err := os.ReadFile(path)
	if err == nil {
		if !bytes.Equal(got, want) {
			return fmt.Errorf("%w: passphrase does not match this account", common.ErrEncryptionUnavailable)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("reading key verifier: %w", err)
	}

	if err := os.WriteFile(path, want, 0o600); err != nil {
		return fmt.Errorf("writing key verifier: %w", err)
	}
	return nil
}
