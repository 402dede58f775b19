package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/yarsha/chatsync/internal/api"
	"github.com/yarsha/chatsync/internal/bus"
	"github.com/yarsha/chatsync/internal/config"
	"github.com/yarsha/chatsync/internal/focus"
	"github.com/yarsha/chatsync/internal/history"
	"github.com/yarsha/chatsync/internal/linkscan"
	"github.com/yarsha/chatsync/internal/lock"
	"github.com/yarsha/chatsync/internal/logging"
	"github.com/yarsha/chatsync/internal/remote"
	"github.com/yarsha/chatsync/internal/send"
	"github.com/yarsha/chatsync/internal/session"
	"github.com/yarsha/chatsync/internal/status"
	"github.com/yarsha/chatsync/internal/store"
	intsync "github.com/yarsha/chatsync/internal/sync"
	"github.com/yarsha/chatsync/internal/upload"
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
			provideStateMachine,
			provideLock,
			provideStore,
			provideRemoteClient,
			provideStream,
			provideUploadManager,
			provideScanner,
			providePipeline,
			provideRefresher,
			provideSyncEngine,
			provideLoader,
			provideCoordinator,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return config.Default()
	}
	return cfg
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

func provideStore(p Params, b *bus.Bus, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath, b)
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

func provideRemoteClient(cfg *config.Config, logger *zap.Logger) *remote.Client {
	return remote.NewClient(cfg.APIBaseURL, logger)
}

func provideStream(cfg *config.Config, b *bus.Bus, m *status.Machine, logger *zap.Logger) *remote.Stream {
	return remote.NewStream(cfg.StreamURL, b, m, logger)
}

func provideUploadManager(db *store.DB, client *remote.Client, logger *zap.Logger) *upload.Manager {
	return upload.NewManager(db, client, client, logger)
}

func provideScanner(logger *zap.Logger) *linkscan.Scanner {
	return linkscan.NewScanner(logger)
}

func providePipeline(db *store.DB, client *remote.Client, mgr *upload.Manager, scanner *linkscan.Scanner, b *bus.Bus, logger *zap.Logger) *send.Pipeline {
	return send.NewPipeline(db, client, mgr, scanner, b, logger)
}

func provideSyncEngine(db *store.DB, b *bus.Bus, client *remote.Client, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, client, logger)
}

func provideLoader(db *store.DB, engine *intsync.Engine, client *remote.Client, cfg *config.Config, logger *zap.Logger) *history.Loader {
	return history.NewLoader(db, engine, client, cfg.PageSize, logger)
}

func provideCoordinator(stream *remote.Stream, engine *intsync.Engine, logger *zap.Logger) *focus.Coordinator {
	return focus.NewCoordinator(stream, engine, logger)
}

func provideRefresher(db *store.DB, client *remote.Client, logger *zap.Logger) *upload.Refresher {
	return upload.NewRefresher(db, client, logger)
}

func provideServer(pipeline *send.Pipeline, coord *focus.Coordinator, loader *history.Loader, refresher *upload.Refresher, db *store.DB, m *status.Machine, logger *zap.Logger) *api.Server {
	return api.NewServer(pipeline, coord, loader, refresher, db, m, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, cfg *config.Config, srv *api.Server, lk *lock.Lock, stream *remote.Stream, pipeline *send.Pipeline, engine *intsync.Engine, logger *zap.Logger) {
	addr := p.ListenAddr
	if addr == "" {
		addr = cfg.ListenAddr
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Reconciliation first: it must be consuming before the
			// stream can deliver anything.
			engine.Start(context.Background())
			pipeline.Start(context.Background())
			stream.Start(context.Background())

			if err := srv.Start(addr); err != nil {
				return err
			}
			logger.Info("daemon started", zap.String("session", p.SessionName))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			_ = srv.Stop(ctx)
			_ = stream.Close()
			_ = pipeline.Close()
			_ = engine.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
