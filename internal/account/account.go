// Package account implements whole-account deletion: a fan-out over the
// remote profile, the local store, the private key and the config file,
// bounded by one overall timeout.
package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anonchat/anonchat/internal/config"
	"github.com/anonchat/anonchat/internal/keyring"
	"github.com/anonchat/anonchat/internal/relay"
	"github.com/anonchat/anonchat/internal/store"
	"go.uber.org/zap"
)

// DeleteTimeout bounds the whole fan-out. If it fires before every step
// reports, DeleteAccount returns an error even if some steps silently
// completed; callers treat that as a retriable partial state.
const DeleteTimeout = 10 * time.Second

// Deleter removes every trace of a user account.
type Deleter struct {
	currentUID string
	db         *store.DB
	relay      *relay.Client
	keys       *keyring.Keyring
	configPath string
	logger     *zap.Logger
}

// NewDeleter wires a deleter for currentUID.
func NewDeleter(currentUID string, db *store.DB, rc *relay.Client, keys *keyring.Keyring, configPath string, logger *zap.Logger) *Deleter {
	return &Deleter{
		currentUID: currentUID,
		db:         db,
		relay:      rc,
		keys:       keys,
		configPath: configPath,
		logger:     logger,
	}
}

// DeleteAccount runs the fan-out. The caller must have stopped the sync
// engine first so no stray event writes to the store mid-wipe.
func (d *Deleter) DeleteAccount(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, DeleteTimeout)
	defer cancel()

	steps := []struct {
		name string
		run  func() error
	}{
		{"remote profile", func() error { return d.relay.DeleteProfile(ctx, d.currentUID) }},
		{"local store", d.db.DeleteAll},
		{"private key", func() error { return d.keys.DeletePrivateKey(d.currentUID) }},
		{"config reset", func() error { return config.Reset(d.configPath) }},
	}

	var (
		mu      sync.Mutex
		lastErr error
		wg      sync.WaitGroup
	)
	for _, step := range steps {
		step := step
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := step.run(); err != nil {
				d.logger.Error("account deletion step failed",
					zap.String("step", step.name), zap.Error(err))
				mu.Lock()
				lastErr = fmt.Errorf("%s: %w", step.name, err)
				mu.Unlock()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return lastErr
	case <-ctx.Done():
		return fmt.Errorf("account deletion timed out: %w", ctx.Err())
	}
}
