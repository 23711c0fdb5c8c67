package daemon

import (
	"context"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/mediator"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/paging"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default

	// Config overrides the config file when set.
	Config *config.Config

	// Remote replaces the HTTP client, e.g. with a fake in tests.
	Remote remote.Service

	// Logger replaces the file logger when set.
	Logger *zap.Logger
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			providePaths,
			provideConfig,
			provideLogger,
			provideBus,
			provideMetrics,
			provideLock,
			provideStore,
			provideRemote,
			provideTracker,
			providePipeline,
			provideRegistry,
			provideTimelineService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func providePaths(p Params) session.Paths {
	return session.For(p.SessionName)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	return config.LoadOrDefault(session.ConfigPath())
}

func provideLogger(p Params, paths session.Paths) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(logging.Options{Path: paths.LogFile(), Session: p.SessionName})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideLock(paths session.Paths, logger *zap.Logger) (*lock.Lock, error) {
	if err := paths.Ensure(); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("path", paths.Lock()))
	l, err := lock.Acquire(paths.Lock())
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by two daemons.
func provideStore(paths session.Paths, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := paths.Store()
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
	if n, err := db.PruneMediaCache(); err != nil {
		logger.Warn("media cache prune failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("pruned orphaned media cache entries", zap.Int64("entries", n))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// provideRemote builds the client holder. Without a base URL the holder
// stays empty and the daemon serves the cache only.
func provideRemote(p Params, cfg *config.Config, logger *zap.Logger) (*remote.Holder, error) {
	if p.Remote != nil {
		return remote.NewHolder(p.Remote), nil
	}
	if cfg.Remote.BaseURL == "" {
		logger.Warn("no remote configured, serving cached data only")
		return remote.NewHolder(nil), nil
	}
	client, err := remote.NewHTTPClient(remote.HTTPOptions{
		BaseURL:           cfg.Remote.BaseURL,
		Token:             cfg.Remote.Token,
		Timeout:           cfg.Remote.Timeout.Duration,
		RequestsPerSecond: cfg.Remote.RequestsPerSecond,
		Burst:             cfg.Remote.Burst,
	}, logger.Named("remote"))
	if err != nil {
		return nil, err
	}
	return remote.NewHolder(client), nil
}

func provideTracker(b *bus.Bus) *paging.Tracker {
	return paging.NewTracker(b)
}

func providePipeline(db *store.DB, holder *remote.Holder, tracker *paging.Tracker, b *bus.Bus, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) (*outbox.Pipeline, error) {
	maxSize, err := cfg.Send.MaxAttachmentBytes()
	if err != nil {
		return nil, err
	}
	return outbox.New(db, holder, tracker, b, logger.Named("outbox"), outbox.Options{
		UploadConcurrency: cfg.Send.UploadConcurrency,
		MaxAttachmentSize: maxSize,
		SelfID:            cfg.Remote.UserID,
		Metrics:           m,
	}), nil
}

func provideRegistry(db *store.DB, holder *remote.Holder, pipeline *outbox.Pipeline, tracker *paging.Tracker, b *bus.Bus, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) (*conversation.Registry, error) {
	policy, err := mediator.PolicyByName(cfg.Paging.EndOfPagination)
	if err != nil {
		return nil, err
	}
	hook, err := mediator.HookByName(cfg.Paging.InitialCursorHook, db)
	if err != nil {
		return nil, err
	}
	return conversation.NewRegistry(conversation.Deps{
		Store:   db,
		Clients: holder,
		Sender:  pipeline,
		Tracker: tracker,
		Bus:     b,
		Metrics: m,
		Logger:  logger,
		Config: conversation.Config{
			SelfID:            cfg.Remote.UserID,
			PageSize:          cfg.Paging.PageSize,
			CacheTimeout:      cfg.Paging.CacheTimeout.Duration,
			EndOfPagination:   policy,
			InitialCursorHook: hook,
		},
	}), nil
}

func provideTimelineService(p Params, cfg *config.Config, registry *conversation.Registry, b *bus.Bus, logger *zap.Logger) *api.TimelineService {
	return api.NewTimelineService(p.SessionName, cfg.Remote.UserID, registry, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, timeline *api.TimelineService, lk *lock.Lock, db *store.DB, registry *conversation.Registry, pipeline *outbox.Pipeline, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) {
	var metricsSrv *metrics.Server
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if addr := cfg.Metrics.Listen; addr != "" {
				s, err := metrics.Listen(addr, m, logger)
				if err != nil {
					return err
				}
				metricsSrv = s
				go func() {
					if err := s.Serve(); err != nil {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
			}

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			timeline.Shutdown()
			srv.Stop(ctx)
			registry.CloseAll()
			// In-flight sends finish before the store closes.
			pipeline.Close()
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown()
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
