package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/poolmux/poolmux/internal/api"
	"github.com/poolmux/poolmux/internal/api/handler"
	"github.com/poolmux/poolmux/internal/core/domain"
	"github.com/poolmux/poolmux/internal/core/ports"
	"github.com/poolmux/poolmux/internal/core/service"
	"github.com/poolmux/poolmux/internal/infrastructure/config"
	mongodb "github.com/poolmux/poolmux/internal/infrastructure/db/mongo"
	redisdb "github.com/poolmux/poolmux/internal/infrastructure/db/redis"
	sqlitedb "github.com/poolmux/poolmux/internal/infrastructure/db/sqlite"
	"github.com/poolmux/poolmux/internal/infrastructure/file"
	"github.com/poolmux/poolmux/internal/infrastructure/upstream"
	"github.com/poolmux/poolmux/internal/metrics"
	"github.com/poolmux/poolmux/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logger.Init(logger.Options{
		Level:   cfg.LogLevel,
		Pretty:  cfg.Env == "development",
		Service: "poolmux",
	})

	// --- Persistence backend ---
	var (
		accountRepo ports.AccountRepository
		policyRepo  ports.PolicyRepository
		fileStore   *file.Store
	)
	readiness := handler.NewReadinessHandler()

	switch cfg.Store.Backend {
	case "file":
		store, err := file.NewStore(cfg.Store.Dir, log)
		if err != nil {
			log.Fatal().Err(err).Msg("open file store")
		}
		accountRepo, policyRepo, fileStore = store, store, store
		readiness.Register("store", store)
	case "sqlite":
		db, err := sqlitedb.Open(ctx, cfg.Sqlite.Path)
		if err != nil {
			log.Fatal().Err(err).Msg("open sqlite store")
		}
		defer db.Close()
		accountRepo = sqlitedb.NewAccountRepository(db)
		policyRepo = sqlitedb.NewPolicyRepository(db)
		readiness.Register("sqlite", handler.PingerFunc(db.PingContext))
	case "mongo":
		client, db, err := mongodb.Connect(ctx, mongodb.Config{
			URI:      cfg.Mongo.URI,
			Database: cfg.Mongo.Database,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("connect mongo")
		}
		defer func() {
			_ = client.Disconnect(context.Background())
		}()
		accountRepo = mongodb.NewAccountRepository(db)
		policyRepo = mongodb.NewPolicyRepository(db)
		readiness.Register("mongodb", handler.PingerFunc(func(ctx context.Context) error {
			return client.Ping(ctx, nil)
		}))
	}

	// --- Policy: stored one, or defaults persisted back ---
	var policy domain.Policy
	stored, err := policyRepo.LoadPolicy(ctx)
	switch {
	case err == nil:
		policy = *stored
	case errors.Is(err, domain.ErrPolicyNotFound):
		policy = domain.DefaultPolicy()
		if err := policyRepo.SavePolicy(ctx, policy); err != nil {
			log.Fatal().Err(err).Msg("persist default policy")
		}
		log.Info().Msg("no stored policy, installed defaults")
	default:
		log.Fatal().Err(err).Msg("load policy")
	}

	// --- Core services ---
	clock := ports.SystemClock{}

	settings, err := service.NewSettingsStore(policy, log)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid stored policy")
	}

	proxies := service.NewProxyPool(clock, log)
	proxies.Sync(settings.Current().Proxies)

	accounts := service.NewAccountStore(accountRepo, clock, log)
	if err := accounts.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("load accounts")
	}

	executor := upstream.NewClient(upstream.Config{
		BaseURL:     cfg.Upstream.BaseURL,
		RefreshURL:  cfg.Upstream.RefreshURL,
		RegisterURL: cfg.Upstream.RegisterURL,
		UserAgent:   cfg.Upstream.UserAgent,
	}, log)
	prober := upstream.NewProber(cfg.Upstream.ProbeURL)

	// Background work stops before the final account flush.
	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	// --- Outcome sinks: metrics always, redis stream when configured ---
	sinks := ports.MultiSink{metrics.OutcomeSink{}}
	var redisSink *redisdb.EventSink
	if cfg.Redis.Addr != "" {
		rdb, err := redisdb.Connect(ctx, redisdb.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("connect redis")
		}
		defer rdb.Close()
		redisSink = redisdb.NewEventSink(rdb, log)
		go redisSink.Run(bgCtx)
		sinks = append(sinks, redisSink)
		readiness.Register("redis", handler.PingerFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	}

	dispatcher := service.NewDispatcher(accounts, proxies, settings, executor, sinks, clock, log)
	admin := service.NewAdmin(accounts, proxies, settings, policyRepo, clock, log)
	if redisSink != nil {
		admin = admin.WithDroppedCounter(redisSink.Dropped)
		metrics.RegisterSinkCounter(redisSink.Dropped)
	}

	monitor := service.NewHealthMonitor(accounts, proxies, settings, executor, prober, clock, log)
	go monitor.Run(bgCtx)

	// --- Policy hot reload from disk (file backend only) ---
	if fileStore != nil && cfg.Store.WatchPolicy {
		err := fileStore.WatchPolicy(bgCtx, func(p domain.Policy) {
			if err := settings.Reload(p); err != nil {
				log.Warn().Err(err).Msg("policy file rejected")
				return
			}
			proxies.Sync(settings.Current().Proxies)
		})
		if err != nil {
			log.Fatal().Err(err).Msg("watch policy file")
		}
	}

	// --- Metrics over the live stores ---
	metrics.RegisterPoolGauges(
		func() map[string]int {
			counts := accounts.CountByStatus()
			out := make(map[string]int, len(counts))
			for status, n := range counts {
				out[string(status)] = n
			}
			return out
		},
		accounts.InFlight,
		func() int { return proxies.Size() - len(proxies.DownNames()) },
		func() int { return len(proxies.DownNames()) },
	)

	// --- HTTP server ---
	e := api.NewRouter(api.RouterDeps{
		Orchestrator:  dispatcher,
		Admin:         admin,
		Readiness:     readiness,
		APIKeys:       cfg.APIKeys,
		JWTSecret:     cfg.JWTSecret,
		AdminPassword: cfg.AdminPassword,
		TokenTTL:      cfg.TokenTTL,
		Log:           log,
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server stopped")
			stop <- syscall.SIGTERM
		}
	}()

	log.Info().
		Str("port", cfg.Port).
		Str("backend", cfg.Store.Backend).
		Int("accounts", len(accounts.Snapshot())).
		Msg("poolmux started")

	<-stop
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	stopBackground()
	if err := accounts.Flush(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("final account flush")
	}
}
