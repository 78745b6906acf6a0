package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"llm_fanout/internal/config"
	"llm_fanout/internal/httpapi"
	"llm_fanout/internal/logging"
	"llm_fanout/internal/metrics"
	"llm_fanout/internal/models"
	"llm_fanout/internal/orchestrator"
	"llm_fanout/internal/providers"
	"llm_fanout/internal/queue"
	"llm_fanout/internal/ratelimit"
	"llm_fanout/internal/storage"
	"llm_fanout/internal/utils"
)

// app holds every long-lived component of the serve command.
type app struct {
	cfg        *config.Config
	service    *orchestrator.Service
	dispatcher *orchestrator.Dispatcher
	queue      queue.Queue
	sink       logging.Sink
	metrics    *metrics.Prometheus
	stats      *storage.LRUCache[models.StatsSummary]
	health     httpapi.HealthCheck
	closers    []func(ctx context.Context) error
	logger     *utils.Logger
}

type stores struct {
	aggregates storage.AggregateStore
	projects   storage.ProjectStore
	health     httpapi.HealthCheck
	close      func(ctx context.Context) error
}

func buildApp(ctx context.Context, cfg *config.Config, migrate bool) (*app, error) {
	a := &app{cfg: cfg, logger: utils.NewLogger("main")}

	st, err := openStores(ctx, cfg, migrate)
	if err != nil {
		return nil, err
	}
	a.addCloser(st.close)
	a.health = st.health

	registry, err := buildRegistry(cfg)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	caller := providers.NewCaller(registry, orchestrator.NewHistoryLookup(st.aggregates), providers.CallerConfig{
		BaseURL:      cfg.Gateway.BaseURL,
		Timeout:      cfg.Gateway.RequestTimeout,
		MockMinDelay: cfg.Gateway.MockMinDelay,
		MockMaxDelay: cfg.Gateway.MockMaxDelay,
	})

	qcfg := queueConfig(cfg)
	var (
		dlq     queue.DeadLetterQueue
		limiter orchestrator.SubmissionLimiter = ratelimit.NewNoopLimiter()
	)
	if cfg.Redis.Enabled {
		client := newRedisClient(cfg.Redis)
		a.addCloser(func(context.Context) error { return client.Close() })

		redisQueue, err := queue.NewRedisQueue(client, qcfg)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("failed to create provider job queue: %w", err)
		}
		a.queue = redisQueue
		if dlq, err = queue.NewRedisDeadLetterQueue(client, qcfg); err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("failed to create dead letter queue: %w", err)
		}
		limiter = ratelimit.NewRateLimiter(client)
		a.logger.Info("Using Redis job queue", "address", cfg.Redis.Address, "queue", qcfg.QueueName)
	} else {
		a.queue = queue.NewMemoryQueue(qcfg)
		dlq = queue.NewMemoryDeadLetterQueue()
		a.logger.Info("Using in-process job queue", "queue", qcfg.QueueName)
	}

	a.sink, err = buildSink(ctx, cfg.LoggingSink)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	a.metrics = metrics.NewPrometheus()
	a.stats = storage.NewLRUCache[models.StatsSummary](cfg.StatsCache.Size, cfg.StatsCache.TTL)

	a.service, err = orchestrator.NewService(orchestrator.Dependencies{
		Aggregates:           st.aggregates,
		Projects:             st.projects,
		Registry:             registry,
		Caller:               caller,
		Queue:                a.queue,
		Sink:                 a.sink,
		Metrics:              a.metrics,
		StatsCache:           a.stats,
		Limiter:              limiter,
		SubmissionsPerMinute: cfg.RateLimit.SubmissionsPerMinute,
	})
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	a.dispatcher = orchestrator.NewDispatcher(a.service, dlq, qcfg, orchestrator.DispatcherOptions{
		Workers:     cfg.Dispatch.Workers,
		MaxInFlight: cfg.Dispatch.MaxInFlight,
	})

	enabled := registry.ListEnabled()
	a.logger.Info("Provider registry loaded", "providers", len(registry.List()), "enabled", len(enabled), "mock_mode", registry.MockMode())
	if len(enabled) == 0 {
		a.logger.Warn("No provider is enabled; set GATEWAY_API_KEY or MOCK_MODE=true")
	}
	return a, nil
}

func openStores(ctx context.Context, cfg *config.Config, migrate bool) (*stores, error) {
	switch cfg.Store.Backend {
	case config.StorePostgres:
		db, err := openDB(cfg.Database)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := storage.Migrate(ctx, db); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
		}
		return &stores{
			aggregates: db.NewAggregateRepository(),
			projects:   db.NewProjectRepository(),
			health:     db.Health,
			close:      func(context.Context) error { return db.Close() },
		}, nil

	case config.StoreMongo:
		m, err := openMongo(ctx, cfg.Mongo)
		if err != nil {
			return nil, err
		}
		if err := m.EnsureIndexes(ctx); err != nil {
			m.Close(ctx)
			return nil, fmt.Errorf("failed to create mongo indexes: %w", err)
		}
		return &stores{
			aggregates: m.AggregateStore(),
			projects:   m.ProjectStore(),
			health:     m.Health,
			close:      m.Close,
		}, nil

	default:
		return &stores{
			aggregates: storage.NewMemoryAggregateStore(),
			projects:   storage.NewMemoryProjectStore(),
		}, nil
	}
}

func openDB(cfg config.DatabaseConfig) (*storage.DB, error) {
	db, err := storage.NewDB(storage.DBConfig{
		URL:             cfg.URL,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return db, nil
}

func openMongo(ctx context.Context, cfg config.MongoConfig) (*storage.Mongo, error) {
	m, err := storage.NewMongo(ctx, storage.MongoConfig{
		URI:            cfg.URI,
		Database:       cfg.Database,
		Collection:     cfg.Collection,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mongo: %w", err)
	}
	return m, nil
}

func buildRegistry(cfg *config.Config) (*providers.Registry, error) {
	defs := providers.DefaultDefinitions()
	if cfg.Gateway.ProvidersFile != "" {
		loaded, err := providers.LoadDefinitions(cfg.Gateway.ProvidersFile)
		if err != nil {
			return nil, err
		}
		defs = loaded
	}

	registry, err := providers.NewRegistry(defs, providers.RegistryOptions{
		DefaultCredential: cfg.Gateway.DefaultAPIKey,
		MockMode:          cfg.Gateway.MockMode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize provider registry: %w", err)
	}
	return registry, nil
}

func buildSink(ctx context.Context, cfg config.LoggingSinkConfig) (logging.Sink, error) {
	if !cfg.Enabled {
		return logging.NewNoopSink(), nil
	}

	writer, err := logging.NewS3Writer(ctx, logging.S3WriterConfig{
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Prefix:    cfg.S3Prefix,
		PodName:   cfg.PodName,
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 call log: %w", err)
	}
	return logging.NewBufferedSink(writer, logging.BufferedSinkConfig{
		BufferSize:    cfg.BufferSize,
		FlushSize:     cfg.FlushSize,
		FlushInterval: cfg.FlushInterval,
	}), nil
}

func queueConfig(cfg *config.Config) *queue.Config {
	qcfg := queue.DefaultConfig(cfg.Dispatch.QueueName)
	qcfg.BatchSize = cfg.Dispatch.BatchSize
	qcfg.BatchTimeout = cfg.Dispatch.BatchTimeout
	qcfg.MaxRetries = cfg.Dispatch.MaxRetries
	qcfg.RetryBackoff = cfg.Dispatch.RetryBackoff
	return qcfg
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

// runStatsJanitor drops expired stats entries until ctx ends.
func (a *app) runStatsJanitor(ctx context.Context) {
	interval := a.cfg.StatsCache.TTL
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.stats.CleanupExpired(); n > 0 {
				a.logger.Debug("Expired stats entries removed", "count", n)
			}
		}
	}
}

func (a *app) addCloser(fn func(ctx context.Context) error) {
	if fn != nil {
		a.closers = append(a.closers, fn)
	}
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("Failed to close resource", "error", err)
		}
	}
	a.closers = nil
}
