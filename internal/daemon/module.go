package daemon

import (
	"context"

	"github.com/mcastro/chatd/internal/broker"
	"github.com/mcastro/chatd/internal/bus"
	"github.com/mcastro/chatd/internal/chat"
	"github.com/mcastro/chatd/internal/config"
	"github.com/mcastro/chatd/internal/direct"
	"github.com/mcastro/chatd/internal/health"
	"github.com/mcastro/chatd/internal/lock"
	"github.com/mcastro/chatd/internal/logging"
	"github.com/mcastro/chatd/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	DataDir string
	Config  *config.Config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideBrokerTransport,
			provideDirectTransport,
			provideCoordinator,
			provideHealthTracker,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.Config.Log.Path)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", p.DataDir))
	l, err := lock.Acquire(p.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(p.Config.Store.Path)
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
	logger.Info("store initialized", zap.String("path", p.Config.Store.Path))
	return db, nil
}

func provideBrokerTransport(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *broker.Transport {
	return broker.New(p.Config.Broker, db, b, logger)
}

func provideDirectTransport(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *direct.Transport {
	return direct.New(p.Config.Direct, db, b, logger)
}

func provideCoordinator(db *store.DB, bt *broker.Transport, dt *direct.Transport, b *bus.Bus, logger *zap.Logger) *chat.Coordinator {
	return chat.NewCoordinator(db, bt, dt, b, logger)
}

func provideHealthTracker(b *bus.Bus) *health.Tracker {
	return health.NewTracker(b)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, bt *broker.Transport, dt *direct.Transport, coord *chat.Coordinator, tracker *health.Tracker, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Observers first, so no early transport event is missed.
			tracker.Start(context.Background())
			coord.Start(context.Background())

			// Connect both transports independently. A failed first
			// attempt is not fatal: each transport retries on its own and
			// outgoing messages stay queued unsynced in the meantime.
			go func() {
				if err := bt.Connect(context.Background()); err != nil {
					logger.Error("broker connect failed", zap.Error(err))
				}
			}()
			go func() {
				if err := dt.Connect(context.Background()); err != nil {
					logger.Error("direct connect failed", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(_ context.Context) error {
			bt.Disconnect()
			dt.Disconnect()
			coord.Stop()
			tracker.Stop()
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
