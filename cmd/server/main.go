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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	httpAdapter "github.com/iho/minibank/internal/adapter/http"
	"github.com/iho/minibank/internal/adapter/http/handler"
	"github.com/iho/minibank/internal/adapter/http/middleware"
	memoryRepo "github.com/iho/minibank/internal/adapter/repository/memory"
	mongoRepo "github.com/iho/minibank/internal/adapter/repository/mongo"
	postgresRepo "github.com/iho/minibank/internal/adapter/repository/postgres"
	redisRepo "github.com/iho/minibank/internal/adapter/repository/redis"
	"github.com/iho/minibank/internal/infrastructure/config"
	"github.com/iho/minibank/internal/infrastructure/eventpublisher"
	"github.com/iho/minibank/internal/infrastructure/idgen"
	"github.com/iho/minibank/internal/infrastructure/logger"
	"github.com/iho/minibank/internal/infrastructure/metrics"
	"github.com/iho/minibank/internal/infrastructure/mongo"
	"github.com/iho/minibank/internal/infrastructure/postgres"
	"github.com/iho/minibank/internal/infrastructure/redis"
	"github.com/iho/minibank/internal/usecase"
)

const (
	rateLimiterSweepInterval = 5 * time.Minute
	rateLimiterMaxIdle       = 30 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "minibank",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := newApp(ctx, cfg, log, registry)
	if err != nil {
		return err
	}
	defer a.close(log)

	workers, cancelWorkers := context.WithCancel(context.Background())
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		_ = a.dispatcher.Run(workers)
	}()
	go a.rateLimiter.Run(workers, rateLimiterSweepInterval, rateLimiterMaxIdle)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      a.handler,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.HTTPPort).Str("store", cfg.StoreBackend).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		cancelWorkers()
		<-dispatcherDone
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	// stop workers only after in-flight requests have published their events
	cancelWorkers()
	<-dispatcherDone

	log.Info().Msg("server stopped")
	return nil
}

// app is the wired object graph behind the HTTP server.
type app struct {
	handler     http.Handler
	dispatcher  *eventpublisher.Dispatcher
	rateLimiter *middleware.RateLimiter
	closers     []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger, registry *prometheus.Registry) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close(log)
		}
	}()

	store, storeCheck, err := a.openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	checks := []handler.Check{storeCheck}

	var idempotencyStore usecase.IdempotencyStore = memoryRepo.NewIdempotencyStore()
	if cfg.RedisEnabled {
		client, err := redis.NewClient(ctx, redis.Config{URL: cfg.RedisURL}, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		idempotencyStore = redisRepo.NewIdempotencyStore(client)
		checks = append(checks, handler.Check{
			Name: "redis",
			Ping: func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
	}

	m := metrics.New(registry)

	sink, err := a.openSink(cfg, log)
	if err != nil {
		return nil, err
	}
	a.dispatcher = eventpublisher.NewDispatcher(eventpublisher.Config{
		Sink:       sink,
		Observer:   m,
		Logger:     log,
		BufferSize: cfg.EventBufferSize,
		MaxRetries: 3,
	})

	ids := idgen.NewULIDGenerator()
	accountUC := usecase.NewAccountUseCase(store, ids, a.dispatcher, log).
		WithOperationTimeout(cfg.OperationTimeout)
	ledgerUC := usecase.NewLedgerUseCase(store, ids, a.dispatcher, m, log).
		WithOperationTimeout(cfg.OperationTimeout)
	consistencyUC := usecase.NewConsistencyUseCase(store)

	a.rateLimiter = middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	a.handler = httpAdapter.NewRouter(httpAdapter.RouterConfig{
		AccountHandler:   handler.NewAccountHandler(accountUC),
		LedgerHandler:    handler.NewLedgerHandler(ledgerUC, consistencyUC),
		TransferHandler:  handler.NewTransferHandler(ledgerUC),
		HealthHandler:    handler.NewHealthHandler(checks...),
		IdempotencyStore: idempotencyStore,
		IdempotencyTTL:   cfg.IdempotencyTTL,
		RateLimiter:      a.rateLimiter,
		Metrics:          m,
		Gatherer:         registry,
		Logger:           log,
	})

	return a, nil
}

// openStore connects the configured AccountStore backend.
func (a *app) openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (usecase.AccountStore, handler.Check, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		store := memoryRepo.NewAccountStore()
		log.Warn().Msg("using in-memory account store; balances are lost on restart")
		return store, handler.Check{Name: "store", Ping: store.Ping}, nil

	case config.BackendPostgres:
		if err := postgres.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath, log); err != nil {
			return nil, handler.Check{}, err
		}
		pool, err := postgres.NewPoolWithConfig(ctx, postgres.PoolConfig{
			DatabaseURL:    cfg.DatabaseURL,
			MaxConns:       cfg.DatabaseMaxConns,
			MinConns:       cfg.DatabaseMinConns,
			ConnectTimeout: cfg.DatabaseTimeout,
		})
		if err != nil {
			return nil, handler.Check{}, err
		}
		a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
		log.Info().Msg("connected to postgres")
		store := postgresRepo.NewAccountStore(pool, log)
		return store, handler.Check{Name: "postgres", Ping: store.Ping}, nil

	case config.BackendMongo:
		client, err := mongo.NewClient(ctx, mongo.Config{
			URI:      cfg.MongoURI,
			Database: cfg.MongoDatabase,
			Timeout:  cfg.MongoTimeout,
		}, log)
		if err != nil {
			return nil, handler.Check{}, err
		}
		a.closers = append(a.closers, client.Close)
		log.Info().Str("database", cfg.MongoDatabase).Msg("connected to mongodb")
		return mongoRepo.NewAccountStore(client.Database()), handler.Check{Name: "mongo", Ping: client.Ping}, nil

	default:
		return nil, handler.Check{}, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// openSink picks Kafka when brokers are configured and logs events otherwise.
func (a *app) openSink(cfg *config.Config, log zerolog.Logger) (eventpublisher.Sink, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return eventpublisher.NewLogPublisher(log.With().Str("component", "events").Logger()), nil
	}

	publisher, err := eventpublisher.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return publisher.Close() })
	return publisher, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close(log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			log.Error().Err(err).Msg("failed to release resource")
		}
	}
	a.closers = nil
}
