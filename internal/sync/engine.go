// Package sync orchestrates the encrypted message pipeline: the send path,
// the relay receive loop, the delete/timer signal loops, and the periodic
// expiry sweep. The local store is the single source of truth; every relay
// entry is acknowledged by deletion once it has been applied locally.
package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/anonchat/anonchat/internal/bus"
	"github.com/anonchat/anonchat/internal/keyring"
	"github.com/anonchat/anonchat/internal/relay"
	"github.com/anonchat/anonchat/internal/status"
	"github.com/anonchat/anonchat/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// sweepInterval is how often expired messages are removed across all chats,
// independent of any UI foreground state.
const sweepInterval = 60 * time.Second

// BlockedError is returned by SendMessage when either side has blocked the
// other. Distinct from transport failures so the UI can show a specific
// "cannot message this user" error.
type BlockedError struct {
	Username string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("cannot send a message to %s: blocked", e.Username)
}

// Engine drives one user's messaging session.
type Engine struct {
	currentUID string
	db         *store.DB
	relay      *relay.Client
	keys       *keyring.Keyring
	bus        *bus.Bus
	machine    *status.Machine
	logger     *zap.Logger

	mu     sync.Mutex
	kp     *keyring.KeyPair
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine for currentUID. Start must be called before
// messages flow.
func NewEngine(currentUID string, db *store.DB, rc *relay.Client, keys *keyring.Keyring, b *bus.Bus, m *status.Machine, logger *zap.Logger) *Engine {
	return &Engine{
		currentUID: currentUID,
		db:         db,
		relay:      rc,
		keys:       keys,
		bus:        b,
		machine:    m,
		logger:     logger,
	}
}

// Start loads (or creates) the user's keypair, publishes the public key if
// the directory copy is missing or stale, and starts the receive loop, the
// three signal loops and the expiry sweep.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return nil
	}

	kp, err := e.keys.GetOrCreateKeyPair(e.currentUID)
	if err != nil {
		_ = e.machine.Transition(status.Error)
		return fmt.Errorf("load keypair: %w", err)
	}
	e.kp = kp

	if err := e.publishKeyIfNeeded(ctx); err != nil {
		// The relay may simply be unreachable; messaging can still start
		// and the key is republished on the next session.
		e.logger.Warn("public key publish failed", zap.Error(err))
	}

	ctx, e.cancel = context.WithCancel(ctx)

	watches := []struct {
		name  string
		open  func() (<-chan relay.Item, error)
		apply func(context.Context, relay.Item)
	}{
		{"mailbox", func() (<-chan relay.Item, error) { return e.relay.WatchMailbox(ctx, e.currentUID) }, e.handleEnvelope},
		{relay.ChannelDeleteRequests, e.signalWatch(ctx, relay.ChannelDeleteRequests), e.handleDeleteRequest},
		{relay.ChannelDeleteChats, e.signalWatch(ctx, relay.ChannelDeleteChats), e.handleDeleteChat},
		{relay.ChannelDeleteTimers, e.signalWatch(ctx, relay.ChannelDeleteTimers), e.handleTimerSignal},
	}

	for _, w := range watches {
		ch, err := w.open()
		if err != nil {
			e.cancel()
			e.cancel = nil
			_ = e.machine.Transition(status.Error)
			return fmt.Errorf("watch %s: %w", w.name, err)
		}
		e.wg.Add(1)
		go e.consume(ctx, ch, w.apply)
	}

	e.wg.Add(1)
	go e.sweepLoop(ctx)

	if err := e.machine.Transition(status.Listening); err != nil {
		e.logger.Warn("status transition", zap.Error(err))
	}
	e.logger.Info("engine listening", zap.String("user", e.currentUID))
	return nil
}

func (e *Engine) signalWatch(ctx context.Context, channel string) func() (<-chan relay.Item, error) {
	return func() (<-chan relay.Item, error) {
		return e.relay.WatchSignals(ctx, channel, e.currentUID)
	}
}

// consume applies items until the channel closes. One malformed or failing
// item never stops the loop.
func (e *Engine) consume(ctx context.Context, ch <-chan relay.Item, apply func(context.Context, relay.Item)) {
	defer e.wg.Done()
	for it := range ch {
		apply(ctx, it)
	}
}

// StopListening tears down every subscription and the sweep. Idempotent and
// safe to call when the engine never started. It returns only after all
// loops have exited, so no stray event can land in a store about to be
// wiped.
func (e *Engine) StopListening() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
	if err := e.machine.Transition(status.Stopped); err != nil {
		e.logger.Warn("status transition", zap.Error(err))
	}
	e.logger.Info("engine stopped")
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := e.db.SweepExpired(time.Now())
			if err != nil {
				e.logger.Error("expiry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				e.logger.Info("expired messages removed", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

// publishKeyIfNeeded compares the directory's public key for this user with
// the local one and writes only on absence or mismatch.
func (e *Engine) publishKeyIfNeeded(ctx context.Context) error {
	current := e.kp.PublicKeyString()
	p, err := e.relay.FetchProfile(ctx, e.currentUID)
	switch {
	case err == relay.ErrNotFound:
		p = &relay.Profile{PublicKey: current}
	case err != nil:
		return err
	case p.PublicKey == current:
		return nil
	default:
		p.PublicKey = current
	}
	return e.relay.PublishProfile(ctx, e.currentUID, p)
}

// NewMessageID hashes a random seed into a fixed-length hex message ID.
func NewMessageID() string {
	input := fmt.Sprintf("%s-%d", uuid.NewString(), time.Now().UnixNano())
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:24]
}

// wireMillis converts a wire-format unix-seconds date to unix millis.
func wireMillis(date float64) int64 {
	return int64(math.Round(date * 1000))
}

// millisWire converts unix millis to the wire-format unix-seconds date.
func millisWire(ms int64) float64 {
	return float64(ms) / 1000
}
