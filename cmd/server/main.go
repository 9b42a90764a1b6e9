package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pagecraft/server/internal/circuitbreaker"
	"github.com/pagecraft/server/internal/config"
	"github.com/pagecraft/server/internal/dbpool"
	"github.com/pagecraft/server/internal/gateway"
	"github.com/pagecraft/server/internal/httpserver"
	"github.com/pagecraft/server/internal/idempotency"
	"github.com/pagecraft/server/internal/identity"
	"github.com/pagecraft/server/internal/jobs"
	"github.com/pagecraft/server/internal/ledger"
	"github.com/pagecraft/server/internal/lifecycle"
	"github.com/pagecraft/server/internal/logger"
	"github.com/pagecraft/server/internal/metrics"
	"github.com/pagecraft/server/internal/monitoring"
	"github.com/pagecraft/server/internal/notify"
	"github.com/pagecraft/server/internal/quota"
	"github.com/pagecraft/server/internal/renderer"
	"github.com/pagecraft/server/internal/settlement"
	"github.com/pagecraft/server/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	// Optional .env for local development; env vars win over the file either way.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "pagecraft-server",
		Environment: cfg.Logging.Environment,
	})

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server exited with error")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	resources := lifecycle.NewManager()
	defer func() {
		if err := resources.Close(); err != nil {
			log.Error().Err(err).Msg("resource shutdown reported errors")
		}
	}()

	storageCfg := storage.Config{
		Backend:         cfg.Storage.Backend,
		PostgresURL:     cfg.Storage.PostgresURL,
		MongoDBURL:      cfg.Storage.MongoDBURL,
		MongoDBDatabase: cfg.Storage.MongoDBDatabase,
		MaxOpenConns:    cfg.Storage.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MaxIdleConns,
		ConnMaxLifetime: cfg.Storage.ConnMaxLifetime.Duration,
	}

	var store storage.Store
	var err error
	if cfg.Storage.Backend == "postgres" {
		pool, poolErr := dbpool.NewSharedPool(cfg.Storage)
		if poolErr != nil {
			return poolErr
		}
		resources.Register("postgres pool", pool)
		store, err = storage.NewWithDB(storageCfg, pool.DB())
	} else {
		store, err = storage.New(storageCfg)
	}
	if err != nil {
		return err
	}
	resources.Register("storage", store)
	log.Info().Str("backend", cfg.Storage.Backend).Msg("storage ready")

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable at startup")
			redisClient.Close()
			redisClient = nil
		} else {
			resources.Register("redis", redisClient)
		}
	}

	m := metrics.New(nil)
	breaker := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	ledgerSvc := ledger.New(store, ledger.Config{
		GuestFreeAllocation: cfg.Ledger.GuestFreeAllocation,
		RegistrationBonus:   cfg.Ledger.RegistrationBonus,
		EarlyAdopterCutoff:  cfg.EarlyAdopterCutoffTime(),
	}, log)

	idempStore := idempotency.New(store,
		idempotency.NewFallbackCache(cfg.Idempotency.FallbackCacheSize),
		cfg.Idempotency.TTL.Duration, log)

	var quotaCounter quota.Counter
	if redisClient != nil {
		quotaCounter = quota.NewRedisCounter(redisClient)
	} else {
		quotaCounter = quota.NewMemoryCounter()
		log.Warn().Msg("quota counting is in-memory; daily limits reset on restart")
	}

	var engine jobs.Engine
	if cfg.Renderer.UpstreamURL != "" {
		engine = renderer.NewClient(cfg.Renderer)
	} else {
		engine = renderer.Local{}
		log.Warn().Msg("no renderer upstream configured; using the local development engine")
	}

	notifier := notify.New(cfg.Callbacks, m, log)

	executor := jobs.NewExecutor(jobs.ExecutorOptions{
		Store:    store,
		Ledger:   ledgerSvc,
		Engine:   engine,
		Metrics:  m,
		Logger:   log,
		Timeout:  cfg.Jobs.ExecutionTimeout.Duration,
		Notifier: notifier,
	})

	// The dispatcher is chosen once, here. There is no per-request fallback:
	// a broker outage after startup surfaces as broker_unavailable.
	var dispatcher jobs.Dispatcher
	switch {
	case redisClient != nil:
		dispatcher = jobs.NewRemoteDispatcher(redisClient, cfg.Jobs.QueueKey, breaker)
		worker := jobs.NewWorker(jobs.WorkerOptions{
			Client:       redisClient,
			QueueKey:     cfg.Jobs.QueueKey,
			Executor:     executor,
			Logger:       log,
			WorkerCount:  cfg.Jobs.WorkerCount,
			PollInterval: cfg.Jobs.PollInterval.Duration,
		})
		worker.Start(context.Background())
		resources.RegisterFunc("job workers", func() error {
			worker.Stop()
			return nil
		})
	case cfg.Jobs.AllowLocalFallback:
		local := jobs.NewLocalDispatcher(executor)
		dispatcher = local
		resources.RegisterFunc("local jobs", func() error {
			local.Wait()
			return nil
		})
		log.Warn().Msg("job broker unavailable; executing jobs in-process")
	default:
		dispatcher = jobs.RejectDispatcher{}
		log.Error().Msg("job broker unavailable and local fallback disabled; submissions will be rejected")
	}
	jobsSvc := jobs.NewService(store, dispatcher, m, log)

	gwClient := gateway.NewClient(cfg.Stripe, breaker)
	checkoutSvc := gateway.NewCheckoutService(store, gwClient, cfg.Stripe.Plans, m, log)
	processor := settlement.NewProcessor(store, ledgerSvc, m, log)
	reconciler := settlement.NewReconciler(store, processor, gwClient, log)

	sweeper := monitoring.NewReconcileSweeper(cfg.Reconcile, store, reconciler, log)
	sweeper.Start(context.Background())
	resources.RegisterFunc("reconcile sweeper", func() error {
		sweeper.Stop()
		return nil
	})

	server := httpserver.New(httpserver.Dependencies{
		Config:      cfg,
		Store:       store,
		Ledger:      ledgerSvc,
		Idempotency: idempStore,
		Quota:       quotaCounter,
		Jobs:        jobsSvc,
		Checkout:    checkoutSvc,
		Gateway:     gwClient,
		Settlement:  processor,
		Reconciler:  reconciler,
		Auth:        identity.AnonymousOnly{},
		Metrics:     m,
		Logger:      log,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", cfg.Server.Address).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown incomplete")
	}
	return nil
}
