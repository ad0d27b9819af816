// Package daemon wires the relay together with fx.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/wprelay/internal/bus"
	"github.com/matheus3301/wprelay/internal/cache"
	"github.com/matheus3301/wprelay/internal/config"
	"github.com/matheus3301/wprelay/internal/dedup"
	"github.com/matheus3301/wprelay/internal/fanout"
	"github.com/matheus3301/wprelay/internal/httpapi"
	"github.com/matheus3301/wprelay/internal/identity"
	"github.com/matheus3301/wprelay/internal/ingest"
	"github.com/matheus3301/wprelay/internal/lock"
	"github.com/matheus3301/wprelay/internal/logging"
	"github.com/matheus3301/wprelay/internal/media"
	"github.com/matheus3301/wprelay/internal/metrics"
	"github.com/matheus3301/wprelay/internal/outbox"
	"github.com/matheus3301/wprelay/internal/persist"
	"github.com/matheus3301/wprelay/internal/realtime"
	"github.com/matheus3301/wprelay/internal/status"
	"github.com/matheus3301/wprelay/internal/store"
	"github.com/matheus3301/wprelay/internal/tracing"
	"github.com/matheus3301/wprelay/internal/whatsapp"
)

// Params selects the configuration passed to the fx module.
type Params struct {
	ConfigPath string
	// Config overrides ConfigPath; used by tests.
	Config *config.Config
	// Logger overrides the configured file logger; used by tests.
	Logger *zap.Logger
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
			provideMetrics,
			provideTracing,
			provideStore,
			provideSweeper,
			provideWhatsApp,
			provideAcquirer,
			provideDedup,
			provideDispatcher,
			provideEngine,
			provideSender,
			provideHub,
			provideRouter,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		path := p.ConfigPath
		if path == "" {
			path = config.ConfigPath()
		}
		var err error
		if cfg, err = config.LoadOrDefault(path); err != nil {
			return nil, err
		}
	}
	cfg.Resolve()
	if err := cfg.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(cfg.Log.File, cfg.Log.Level, "wprelayd")
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir, cfg.Server.Addr)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

type tracer struct {
	provider trace.TracerProvider
	shutdown tracing.Shutdown
}

func provideTracing(cfg *config.Config) (*tracer, error) {
	tp, shutdown, err := tracing.Setup(context.Background(), tracing.Params{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, err
	}
	return &tracer{provider: tp, shutdown: shutdown}, nil
}

// provideStore opens the durable store, falling back to the in-memory cache
// when no driver is configured or the database is unreachable. The choice
// is made once here and reflected in the state machine.
func provideStore(cfg *config.Config, machine *status.Machine, logger *zap.Logger) store.Store {
	fallback := func(reason string) store.Store {
		logger.Warn("running on in-memory store", zap.String("reason", reason))
		_ = machine.Transition(status.Degraded, reason)
		return cache.New(cache.Params{
			MaxConversations: cfg.Cache.MaxConversations,
			MaxMessages:      cfg.Cache.MaxMessages,
		}, logger)
	}
	if cfg.Store.Driver == "" {
		return fallback("no durable store configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := store.Open(ctx, store.Dialect(cfg.Store.Driver), cfg.Store.DSN)
	if err != nil {
		logger.Error("durable store unavailable", zap.Error(err))
		return fallback("durable store unavailable")
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		logger.Error("migrations failed", zap.Error(err))
		return fallback("durable store migrations failed")
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("driver", cfg.Store.Driver))
	_ = machine.Transition(status.Ready, "")
	return db
}

// provideSweeper returns nil unless the cache is the active store.
func provideSweeper(s store.Store, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *cache.Sweeper {
	c, ok := s.(*cache.Cache)
	if !ok {
		return nil
	}
	return cache.NewSweeper(c, cfg.Cache.SweepInterval, m, logger)
}

func provideWhatsApp(cfg *config.Config) *whatsapp.Client {
	return whatsapp.NewClient(whatsapp.Params{
		BaseURL:       cfg.Provider.BaseURL,
		PhoneNumberID: cfg.Provider.PhoneNumberID,
		AccessToken:   cfg.Provider.AccessToken,
		Timeout:       cfg.Provider.Timeout,
	})
}

// provideAcquirer returns nil when media acquisition is disabled; a nil
// acquirer marks media references unresolved.
func provideAcquirer(cfg *config.Config, client *whatsapp.Client, logger *zap.Logger) (*media.Acquirer, error) {
	if !cfg.Media.Enabled {
		return nil, nil
	}
	sink, err := media.NewLocalSink(cfg.Media.Dir, cfg.Media.BaseURL)
	if err != nil {
		return nil, err
	}
	return media.NewAcquirer(client, sink, media.Params{
		Timeout:  cfg.Media.Timeout,
		MaxBytes: cfg.Media.MaxBytes,
	}, logger), nil
}

// provideDedup returns nil when no Redis address is configured.
func provideDedup(cfg *config.Config, logger *zap.Logger) *dedup.Filter {
	if cfg.Redis.Addr == "" {
		return nil
	}
	logger.Info("cross-process dedup enabled", zap.String("redis", cfg.Redis.Addr))
	return dedup.NewFilter(redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}), cfg.Redis.TTL)
}

func provideDispatcher(cfg *config.Config, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *fanout.Dispatcher {
	var fwd fanout.Forwarder
	if cfg.Automation.URL != "" {
		fwd = fanout.NewHTTPForwarder(cfg.Automation.URL, cfg.Automation.Secret, nil)
	}
	return fanout.NewDispatcher(fwd, b, fanout.Params{
		ForwardTimeout: cfg.Automation.Timeout,
		BroadcastWait:  cfg.Automation.Wait,
		IncludeRaw:     cfg.Automation.IncludeRaw,
	}, m, logger)
}

func provideEngine(s store.Store, acq *media.Acquirer, d *fanout.Dispatcher, f *dedup.Filter, m *metrics.Metrics, t *tracer, logger *zap.Logger) *ingest.Engine {
	return ingest.NewEngine(ingest.Deps{
		Store:    s,
		Resolver: identity.NewResolver(s, logger),
		Acquirer: acq,
		Persist:  persist.NewManager(s, logger),
		Fanout:   d,
		Dedup:    f,
		Metrics:  m,
		Tracer:   t.provider.Tracer("github.com/matheus3301/wprelay/internal/ingest"),
		Logger:   logger,
	})
}

func provideSender(cfg *config.Config, s store.Store, client *whatsapp.Client, e *ingest.Engine, d *fanout.Dispatcher, m *metrics.Metrics, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(s, client, e, d, outbox.Params{
		PollInterval: cfg.Outbox.PollInterval,
		RatePerSec:   cfg.Outbox.RatePerSec,
		Burst:        cfg.Outbox.Burst,
	}, m, logger)
}

func provideHub(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *realtime.Hub {
	return realtime.NewHub(b, realtime.Params{
		OriginPatterns: cfg.Realtime.OriginPatterns,
		WriteTimeout:   cfg.Realtime.WriteTimeout,
		Buffer:         cfg.Realtime.Buffer,
	}, logger)
}

func provideRouter(cfg *config.Config, s store.Store, e *ingest.Engine, sender *outbox.Sender, machine *status.Machine, hub *realtime.Hub, m *metrics.Metrics, logger *zap.Logger) http.Handler {
	d := httpapi.Deps{
		Store:       s,
		Engine:      e,
		Outbox:      sender,
		Status:      machine,
		Realtime:    hub,
		Metrics:     m,
		VerifyToken: cfg.Provider.VerifyToken,
		Logger:      logger,
	}
	if cfg.Media.Enabled {
		d.MediaDir, d.MediaPrefix = cfg.Media.Dir, cfg.Media.BaseURL
	}
	return httpapi.NewRouter(d)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, cfg *config.Config, srv *Server, s store.Store, sweeper *cache.Sweeper, sender *outbox.Sender, f *dedup.Filter, t *tracer, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if sweeper != nil {
				if err := sweeper.Start(); err != nil {
					return err
				}
			}
			if err := f.Ping(ctx); err != nil {
				logger.Warn("redis unreachable, dedup degraded to per-process", zap.Error(err))
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			sender.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer cancel()
			srv.Stop(ctx)
			sender.Stop()
			if sweeper != nil {
				sweeper.Stop()
			}
			if err := s.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			_ = f.Close()
			if err := t.shutdown(ctx); err != nil {
				logger.Warn("error flushing traces", zap.Error(err))
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
