package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/technosupport/plugin-entitlements/internal/api"
	"github.com/technosupport/plugin-entitlements/internal/audit"
	"github.com/technosupport/plugin-entitlements/internal/config"
	"github.com/technosupport/plugin-entitlements/internal/events"
	"github.com/technosupport/plugin-entitlements/internal/installation"
	"github.com/technosupport/plugin-entitlements/internal/kv"
	"github.com/technosupport/plugin-entitlements/internal/logging"
	"github.com/technosupport/plugin-entitlements/internal/middleware"
	"github.com/technosupport/plugin-entitlements/internal/platform/paths"
	"github.com/technosupport/plugin-entitlements/internal/plugin"
	"github.com/technosupport/plugin-entitlements/internal/ratelimit"
	"github.com/technosupport/plugin-entitlements/internal/servertime"
	"github.com/technosupport/plugin-entitlements/internal/subscription"
	"github.com/technosupport/plugin-entitlements/internal/tokens"
)

const serviceName = "entitlementd"

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default $ENT_CONFIG or /etc/plugin-entitlements/config.yaml)")
	flag.Parse()

	if err := run(paths.ResolveConfigPath(*configPath)); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger.Info("starting", zap.String("config", configPath), zap.String("storage", cfg.Storage.Backend))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
	}

	var db *sql.DB
	if cfg.Postgres.DSN != "" {
		db, err = sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("postgres open: %w", err)
		}
		defer db.Close()
		if cfg.Postgres.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("postgres ping: %w", err)
		}
	}

	backend, err := openBackend(cfg, rdb, db)
	if err != nil {
		return err
	}

	catalog, err := plugin.NewCatalog(cfg.Plugins)
	if err != nil {
		return err
	}

	oracle := servertime.NewOracle(
		servertime.ProvidersFor(cfg.Time.Endpoints, &http.Client{Timeout: cfg.Time.Timeout}),
		cfg.Time.Timeout,
		logger.Named("servertime"),
	)
	validator := subscription.NewValidator(oracle, logger.Named("subscription"))

	var auditSvc *audit.Service
	if db != nil {
		if err := paths.EnsureDirs(paths.ResolveDataRoot()); err != nil {
			logger.Warn("data dirs unavailable", zap.Error(err))
		}
		spool, err := audit.NewSpool(cfg.Audit.SpoolDir, cfg.Audit.SpoolMaxMB)
		if err != nil {
			logger.Warn("audit spool disabled", zap.Error(err))
			spool = nil
		}
		auditSvc = audit.NewService(db, spool, logger.Named("audit"))
		auditSvc.StartReplayer(ctx, cfg.Audit.ReplayInterval)
	}

	checks := map[string]api.Pinger{}
	var publisher events.Publisher = events.Noop{}
	if cfg.NATS.URL != "" {
		nc, err := events.Connect(cfg.NATS.URL, serviceName)
		if err != nil {
			logger.Warn("nats connect failed, events disabled", zap.Error(err))
		} else {
			defer nc.Close()
			publisher = events.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix, cfg.NATS.MaxRetries)
			checks["nats"] = api.PingFunc(func(context.Context) error {
				if !nc.IsConnected() {
					return fmt.Errorf("nats status %s", nc.Status())
				}
				return nil
			})
			logger.Info("connected to nats", zap.String("url", nc.ConnectedUrl()))
		}
	}

	deps := installation.Deps{
		Backend:   backend,
		Catalog:   catalog,
		Validator: validator,
		Events:    publisher,
		Logger:    logger.Named("installation"),
	}
	if auditSvc != nil {
		deps.Audit = auditSvc
	}
	registry := installation.NewRegistry(deps)

	tokenMgr := tokens.NewManager(cfg.Admin.SigningKey, cfg.Admin.Issuer)
	var revocations tokens.Revocations = tokens.NewMemoryRevocations()
	rl := middleware.NewRateLimitMiddleware(nil, cfg.RateLimit.Config, logger.Named("ratelimit"))
	if rdb != nil {
		revocations = tokens.NewRedisRevocations(rdb)
		rl = middleware.NewRateLimitMiddleware(ratelimit.NewLimiter(rdb, cfg.RateLimit.Salt), cfg.RateLimit.Config, logger.Named("ratelimit"))
		checks["redis"] = api.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}
	if db != nil {
		checks["postgres"] = api.PingFunc(db.PingContext)
	}

	routerDeps := api.Deps{
		Registry:       registry,
		Catalog:        catalog,
		Tokens:         tokenMgr,
		Revocations:    revocations,
		RateLimit:      rl,
		Checks:         checks,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RevokeTTL:      cfg.Admin.TokenTTL,
		Logger:         logger.Named("api"),
	}
	if auditSvc != nil {
		routerDeps.Audit = auditSvc
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(routerDeps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		config.Watch(gctx, configPath, logger.Named("config"), func(next *config.Config) {
			if err := catalog.Replace(next.Plugins); err != nil {
				logger.Error("plugin catalog reload rejected", zap.Error(err))
				return
			}
			logger.Info("plugin catalog reloaded", zap.Int("plugins", len(next.Plugins)))
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if auditSvc != nil {
		if n := auditSvc.ReplaySpool(context.Background()); n > 0 {
			logger.Info("flushed audit spool on shutdown", zap.Int("events", n))
		}
	}
	logger.Info("stopped")
	return nil
}

func openBackend(cfg *config.Config, rdb *redis.Client, db *sql.DB) (kv.Store, error) {
	var backend kv.Store
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		backend = kv.NewRedisStore(rdb)
	case config.BackendPostgres:
		backend = kv.NewPostgresStore(db)
	default:
		return kv.NewMemoryStore(), nil
	}
	if cfg.Storage.CacheSize == 0 {
		return backend, nil
	}
	return kv.NewCachedStore(backend, cfg.Storage.CacheSize)
}
