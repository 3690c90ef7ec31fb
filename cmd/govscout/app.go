package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/govscout/internal/events"
	"github.com/Adithya-Monish-Kumar-K/govscout/internal/harvest"
	"github.com/Adithya-Monish-Kumar-K/govscout/internal/query"
	"github.com/Adithya-Monish-Kumar-K/govscout/internal/source"
	"github.com/Adithya-Monish-Kumar-K/govscout/internal/store"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/database"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/govscout/pkg/redis"
)

var errNoAPIKey = errors.New("no source API key configured: set GS_SOURCE_API_KEY or SAMGOV_API_KEY")

// app holds the dependencies shared by subcommands. Optional ones (cache,
// publisher) stay nil when not configured or unreachable.
type app struct {
	cfg           *config.Config
	db            *database.Client
	store         *store.Store
	schemaVersion uint
	metrics       *metrics.Metrics
	redis         *pkgredis.Client
	cache         *query.Cache
	publisher     *events.Publisher
	closers       []func()
}

// setup loads configuration, installs the logger and opens a migrated store.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	db, err := database.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	version, err := db.Migrate()
	if err != nil {
		db.Close()
		return nil, err
	}
	slog.Debug("store ready", "driver", cfg.Store.Driver, "schema_version", version)

	a := &app{
		cfg:           cfg,
		db:            db,
		schemaVersion: version,
		store:         store.New(db),
		metrics:       metrics.New(prometheus.NewRegistry()),
	}
	a.closers = append(a.closers, func() { db.Close() })
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// connectCache enables the query cache when Redis is configured and
// reachable. Failure only disables caching.
func (a *app) connectCache(ctx context.Context) {
	if a.cfg.Redis.Addr == "" {
		return
	}
	client, err := pkgredis.NewClient(ctx, a.cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, query caching disabled", "addr", a.cfg.Redis.Addr, "error", err)
		return
	}
	a.redis = client
	a.cache = query.NewCache(client, a.cfg.Redis)
	a.closers = append(a.closers, func() { client.Close() })
	slog.Info("query cache enabled", "addr", a.cfg.Redis.Addr, "ttl", a.cfg.Redis.CacheTTL)
}

// startPublisher publishes harvest events when Kafka brokers are configured.
// The publisher drains on close.
func (a *app) startPublisher(ctx context.Context) {
	if len(a.cfg.Kafka.Brokers) == 0 {
		return
	}
	producer := kafka.NewProducer(a.cfg.Kafka, a.cfg.Kafka.Topics.HarvestEvents)
	a.publisher = events.NewPublisher(producer, 0)
	a.publisher.Start(ctx)
	a.closers = append(a.closers, func() {
		a.publisher.Close()
		producer.Close()
	})
	slog.Info("harvest events enabled", "topic", a.cfg.Kafka.Topics.HarvestEvents)
}

// scheduler wires the source client into a harvest scheduler. Committed
// windows invalidate the cache directly and are announced on Kafka. The API
// key is only required when the scheduler will call the source; a dry run
// never does.
func (a *app) scheduler(callsSource bool) (*harvest.Scheduler, error) {
	if callsSource && a.cfg.Source.APIKey == "" {
		return nil, errNoAPIKey
	}
	client := source.NewClient(a.cfg.Source, a.metrics)
	opts := []harvest.Option{harvest.WithMetrics(a.metrics)}
	if a.cache != nil {
		opts = append(opts, harvest.WithInvalidator(a.cache))
	}
	if a.publisher != nil {
		opts = append(opts, harvest.WithTracker(a.publisher))
	}
	return harvest.New(a.store, source.NewFetcher(client, a.cfg.Source), a.cfg.Harvest, opts...)
}

func (a *app) queryService() *query.Service {
	opts := []query.ServiceOption{query.WithMetrics(a.metrics)}
	if a.cache != nil {
		opts = append(opts, query.WithCache(a.cache))
	}
	return query.NewService(a.store, a.cfg.Query, opts...)
}
