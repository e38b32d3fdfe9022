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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/adamj-ops/lending-os-sub002/internal/alerting"
	"github.com/adamj-ops/lending-os-sub002/internal/analytics"
	"github.com/adamj-ops/lending-os-sub002/internal/events/dispatch"
	eventhandler "github.com/adamj-ops/lending-os-sub002/internal/events/handler"
	"github.com/adamj-ops/lending-os-sub002/internal/events/metrics"
	eventports "github.com/adamj-ops/lending-os-sub002/internal/events/ports"
	"github.com/adamj-ops/lending-os-sub002/internal/events/registry"
	"github.com/adamj-ops/lending-os-sub002/internal/events/service"
	eventstore "github.com/adamj-ops/lending-os-sub002/internal/events/store/event"
	proclogstore "github.com/adamj-ops/lending-os-sub002/internal/events/store/proclog"
	registrystore "github.com/adamj-ops/lending-os-sub002/internal/events/store/registry"
	"github.com/adamj-ops/lending-os-sub002/internal/platform/config"
	"github.com/adamj-ops/lending-os-sub002/internal/platform/httpserver"
	"github.com/adamj-ops/lending-os-sub002/internal/platform/logger"
	"github.com/adamj-ops/lending-os-sub002/internal/platform/postgres"
	"github.com/adamj-ops/lending-os-sub002/internal/platform/redis"
	"github.com/adamj-ops/lending-os-sub002/internal/settlement/handlers"
	settlementports "github.com/adamj-ops/lending-os-sub002/internal/settlement/ports"
	settlementstore "github.com/adamj-ops/lending-os-sub002/internal/settlement/store"
	httptransport "github.com/adamj-ops/lending-os-sub002/internal/transport/http"
	"github.com/adamj-ops/lending-os-sub002/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	alerts := alerting.NewLogSink(log)

	var (
		pool       *pgxpool.Pool
		events     eventports.EventStore
		registryDB eventports.RegistryStore
		procLog    eventports.ProcessingLogStore
		settlement settlementports.Store
	)
	if cfg.PostgresURL != "" {
		var err error
		pool, err = postgres.Connect(ctx, cfg.PostgresURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		eventsPG := eventstore.NewPostgres(pool)
		registryPG := registrystore.NewPostgres(pool)
		procLogPG := proclogstore.NewPostgres(pool)
		settlementPG := settlementstore.NewPostgres(pool)
		for name, ensure := range map[string]func(context.Context) error{
			"events":     eventsPG.EnsureSchema,
			"registry":   registryPG.EnsureSchema,
			"proclog":    procLogPG.EnsureSchema,
			"settlement": settlementPG.EnsureSchema,
		} {
			if err := ensure(ctx); err != nil {
				return fmt.Errorf("ensure %s schema: %w", name, err)
			}
		}
		events, registryDB, procLog, settlement = eventsPG, registryPG, procLogPG, settlementPG
		log.Info("using postgres stores")
	} else {
		events = eventstore.NewMemory()
		registryDB = registrystore.NewMemory()
		procLog = proclogstore.NewMemory()
		settlement = settlementstore.NewMemory()
		log.Warn("no postgres configured, using in-memory stores")
	}

	var snapshots analytics.SnapshotStore = analytics.NewMemorySnapshots()
	redisClient, err := redis.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		snapshots = analytics.NewRedisSnapshots(redisClient)
		log.Info("using redis snapshot store")
	}
	projector := analytics.NewProjector(snapshots, log)

	publisherOpts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(m),
		service.WithProjector(projector),
	}
	if len(cfg.KafkaBrokers) > 0 {
		relay, err := analytics.NewKafkaRelay(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			return fmt.Errorf("connect kafka relay: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			relay.Close(flushCtx)
		}()
		publisherOpts = append(publisherOpts, service.WithRelay(relay))
		log.Info("kafka relay enabled", "topic", cfg.KafkaTopic)
	}

	publisher, err := service.New(events, publisherOpts...)
	if err != nil {
		return err
	}

	registrySvc, err := registry.New(registryDB, registry.WithLogger(log))
	if err != nil {
		return err
	}
	dispatcher, err := dispatch.New(events, registrySvc, procLog,
		dispatch.Config{HandlerTimeout: cfg.HandlerTimeout, MaxRetries: cfg.MaxRetries},
		dispatch.WithLogger(log), dispatch.WithAlertSink(alerts), dispatch.WithMetrics(m))
	if err != nil {
		return err
	}

	threshold := decimal.NewFromFloat(cfg.HighUtilizationThreshold)
	for _, registration := range []struct {
		handler  eventports.Handler
		priority int
	}{
		{handlers.NewCapitalAllocated(settlement, alerts, threshold, log), 10},
		{handlers.NewCapitalReturned(settlement, alerts, log), 10},
		{handlers.NewCapitalCalled(settlement, publisher, log), 20},
		{handlers.NewDistributionMade(settlement, publisher, log), 20},
		{handlers.NewLoanStatusChanged(settlement, alerts, log), 30},
	} {
		if err := dispatcher.Register(ctx, registration.handler, registration.priority); err != nil {
			return fmt.Errorf("register %s: %w", registration.handler.Name(), err)
		}
	}
	publisher.SetDispatcher(dispatcher)

	sweeper, err := dispatch.NewSweeper(events, dispatcher, dispatch.SweeperConfig{
		Interval:  cfg.SweepInterval,
		BatchSize: cfg.SweepBatchSize,
		StaleAge:  cfg.StaleProcessingAge,
	}, dispatch.WithSweeperLogger(log), dispatch.WithSweeperMetrics(m))
	if err != nil {
		return err
	}
	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("sweeper stopped", "error", err)
		}
	}()

	healthChecks := map[string]httptransport.Health{}
	if pool != nil {
		healthChecks["postgres"] = func(r *http.Request) error { return pool.Ping(r.Context()) }
	}
	if redisClient != nil {
		healthChecks["redis"] = func(r *http.Request) error { return redisClient.Health(r.Context()) }
	}

	eventsHandler := eventhandler.New(publisher, events, dispatcher, registrySvc, log)
	webhookHandler := webhook.NewHandler(webhook.NewMapper(), publisher, log)
	router := httptransport.NewRouter(eventsHandler, webhookHandler, log, healthChecks)

	srv := httpserver.New(cfg.Addr, router)
	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	log.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
