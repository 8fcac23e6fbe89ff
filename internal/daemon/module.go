package daemon

import (
	"context"

	"github.com/anonchat/anonchat/internal/account"
	"github.com/anonchat/anonchat/internal/bus"
	"github.com/anonchat/anonchat/internal/keyring"
	"github.com/anonchat/anonchat/internal/lock"
	"github.com/anonchat/anonchat/internal/logging"
	"github.com/anonchat/anonchat/internal/relay"
	"github.com/anonchat/anonchat/internal/session"
	"github.com/anonchat/anonchat/internal/status"
	"github.com/anonchat/anonchat/internal/store"
	intsync "github.com/anonchat/anonchat/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	UserID      string
	RelayURL    string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideKeyring,
			provideRelayClient,
			provideEngine,
			provideDeleter,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideKeyring(p Params) *keyring.Keyring {
	return keyring.New(session.KeyDir(p.SessionName))
}

func provideRelayClient(p Params, logger *zap.Logger) (*relay.Client, error) {
	return relay.NewClient(p.RelayURL, logger)
}

func provideEngine(p Params, db *store.DB, rc *relay.Client, keys *keyring.Keyring, b *bus.Bus, m *status.Machine, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(p.UserID, db, rc, keys, b, m, logger)
}

func provideDeleter(p Params, db *store.DB, rc *relay.Client, keys *keyring.Keyring, logger *zap.Logger) *account.Deleter {
	return account.NewDeleter(p.UserID, db, rc, keys, session.ConfigPath(), logger)
}

func registerLifecycle(lc fx.Lifecycle, engine *intsync.Engine, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return engine.Start(context.Background())
		},
		OnStop: func(_ context.Context) error {
			// Subscriptions down first so nothing writes to a closing store.
			engine.StopListening()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
