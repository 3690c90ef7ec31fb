package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/govscout/internal/api"
	"github.com/Adithya-Monish-Kumar-K/govscout/internal/harvest"
	"github.com/Adithya-Monish-Kumar-K/govscout/internal/query"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/middleware"
)

var serveHarvestEvery time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the search API, optionally harvesting on an interval",
	Long: `Serves the read-only HTTP API. With a harvest interval (--harvest-every or
harvest.interval) and a source API key, harvest runs also execute in-process
on that interval; a zero interval serves only. When Kafka is configured the
server consumes harvest events from other nodes to invalidate its cache.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&serveHarvestEvery, "harvest-every", 0, "harvest interval (overrides harvest.interval; 0 disables harvesting)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	a.connectCache(ctx)
	a.startPublisher(context.WithoutCancel(ctx))
	cfg := a.cfg

	interval := cfg.Harvest.Interval
	if cmd.Flags().Changed("harvest-every") {
		interval = serveHarvestEvery
	}
	var sched *harvest.Scheduler
	if interval > 0 {
		sched, err = a.scheduler(true)
		switch {
		case errors.Is(err, errNoAPIKey):
			slog.Warn("periodic harvest disabled", "reason", err)
			sched = nil
		case err != nil:
			return err
		}
	}

	checker := health.NewChecker()
	checker.Register("store", health.Ping(a.store.Ping, health.StatusDown))
	if a.redis != nil {
		checker.Register("cache", health.Ping(a.redis.Ping, health.StatusDegraded))
	}
	if sched != nil {
		lastRun := func(ctx context.Context) (time.Time, error) {
			cp, err := a.store.LoadCheckpoint(ctx)
			return cp.LastRunAt, err
		}
		checker.Register("harvest", health.Freshness(lastRun, 2*interval+cfg.Harvest.LeaseTTL, time.Now))
	}

	var limiter *middleware.Limiter
	if cfg.Query.RateLimitPerMinute > 0 {
		limiter = middleware.NewLimiter(cfg.Query.RateLimitPerMinute, time.Minute)
	}

	handler := api.NewHandler(a.queryService(), a.store)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, checker, a.metrics, limiter, cfg.Server),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("api listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if cfg.Metrics.Enabled && cfg.Metrics.Port != cfg.Server.Port {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Port, a.metrics, cfg.Server.ShutdownTimeout)
		})
	}
	if limiter != nil {
		g.Go(func() error {
			limiter.Sweep(gctx, 5*time.Minute)
			return nil
		})
	}
	if sched != nil {
		g.Go(func() error { return sched.Every(gctx, interval) })
	}
	if a.cache != nil && len(cfg.Kafka.Brokers) > 0 {
		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.HarvestEvents, query.InvalidationHandler(a.cache))
		g.Go(func() error {
			if err := consumer.Run(gctx); err != nil {
				slog.Error("cache invalidation consumer stopped", "error", err)
			}
			return nil
		})
	}

	err = g.Wait()
	slog.Info("govscout stopped")
	return err
}
