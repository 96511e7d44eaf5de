package daemon

import (
	"context"
	"crypto/rand"
	"errors"
	"os"

	"github.com/mgalvao/wch/internal/bus"
	"github.com/mgalvao/wch/internal/cache"
	"github.com/mgalvao/wch/internal/codec"
	"github.com/mgalvao/wch/internal/config"
	"github.com/mgalvao/wch/internal/convo"
	"github.com/mgalvao/wch/internal/engine"
	"github.com/mgalvao/wch/internal/httpapi"
	"github.com/mgalvao/wch/internal/identity"
	"github.com/mgalvao/wch/internal/lock"
	"github.com/mgalvao/wch/internal/logging"
	"github.com/mgalvao/wch/internal/names"
	"github.com/mgalvao/wch/internal/notify"
	"github.com/mgalvao/wch/internal/outbound"
	"github.com/mgalvao/wch/internal/presence"
	"github.com/mgalvao/wch/internal/realtime"
	"github.com/mgalvao/wch/internal/receipts"
	"github.com/mgalvao/wch/internal/session"
	"github.com/mgalvao/wch/internal/store"
	"github.com/mgalvao/wch/internal/subs"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ListenAddr  string // optional override for testing; empty = use config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideCache,
			provideIdentity,
			provideCodec,
			provideStoreClient,
			provideDial,
			provideSubs,
			provideIndex,
			provideList,
			provideReceipts,
			providePresence,
			provideNotify,
			provideNames,
			provideEngine,
			provideAPI,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = &config.Config{ListenAddr: config.DefaultListenAddr}, nil
	}
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
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

func provideCache(p Params, logger *zap.Logger) (*cache.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := cache.Open(dbPath)
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
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideIdentity(p Params) (*identity.Manager, error) {
	return identity.NewManager(session.TokenPath(p.SessionName))
}

// provideCodec loads the per-session chat master key, generating one on
// first run.
func provideCodec(p Params, logger *zap.Logger) (codec.Codec, error) {
	path := session.KeyPath(p.SessionName)
	key, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, key, 0600); err != nil {
			return nil, err
		}
		logger.Info("chat master key generated", zap.String("path", path))
	} else if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		logger.Warn("chat master key malformed, encryption disabled", zap.String("path", path))
		return codec.Passthrough{}, nil
	}
	return codec.NewSecretBox(key), nil
}

func provideStoreClient(cfg *config.Config, ident *identity.Manager) *store.Client {
	return store.NewClient(cfg.ServiceURL, cfg.APIKey, ident)
}

func provideDial(cfg *config.Config, ident *identity.Manager, logger *zap.Logger) subs.DialFunc {
	return func() (realtime.Transport, error) {
		return realtime.Dial(cfg.RealtimeURL, cfg.APIKey, ident.Token(), logger)
	}
}

func provideSubs(dial subs.DialFunc, b *bus.Bus, logger *zap.Logger) *subs.Manager {
	return subs.NewManager(dial, b, logger)
}

func provideIndex(client *store.Client, db *cache.DB, b *bus.Bus, logger *zap.Logger) *convo.Index {
	return convo.NewIndex(client, db, b, logger)
}

func provideList(client *store.Client, cdc codec.Codec, b *bus.Bus, logger *zap.Logger) *outbound.List {
	return outbound.NewList(client, cdc, b, logger)
}

func provideReceipts(client *store.Client, b *bus.Bus, logger *zap.Logger) *receipts.Tracker {
	return receipts.NewTracker(client, b, logger)
}

func providePresence(b *bus.Bus, logger *zap.Logger) *presence.Coordinator {
	return presence.NewCoordinator(b, logger)
}

func provideNotify(cfg *config.Config, logger *zap.Logger) *notify.Trigger {
	return notify.NewTrigger(cfg.NotifyURL, logger)
}

func provideNames(cfg *config.Config, logger *zap.Logger) *names.Resolver {
	return names.NewResolver(cfg.EthRPC, logger)
}

func provideEngine(
	client *store.Client,
	db *cache.DB,
	ident *identity.Manager,
	cdc codec.Codec,
	idx *convo.Index,
	list *outbound.List,
	tracker *receipts.Tracker,
	coord *presence.Coordinator,
	mgr *subs.Manager,
	trigger *notify.Trigger,
	b *bus.Bus,
	logger *zap.Logger,
) *engine.Engine {
	return engine.New(engine.Deps{
		Store:    client,
		Cache:    db,
		Identity: ident,
		Codec:    cdc,
		Index:    idx,
		List:     list,
		Receipts: tracker,
		Presence: coord,
		Subs:     mgr,
		Notify:   trigger,
		Bus:      b,
		Logger:   logger,
	})
}

func provideAPI(p Params, eng *engine.Engine, ident *identity.Manager, resolver *names.Resolver, b *bus.Bus, logger *zap.Logger) *httpapi.API {
	return httpapi.New(p.SessionName, eng, ident, resolver, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, eng *engine.Engine, mgr *subs.Manager, db *cache.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start HTTP server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			// Warm the conversation index and open the session channel.
			// Without a paired wallet this emits auth_required and the
			// API's pairing flow re-runs it.
			go func() {
				if err := eng.Start(context.Background()); err != nil {
					logger.Error("engine start failed", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			eng.CloseChat()
			mgr.Close()
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
