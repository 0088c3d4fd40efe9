// Package main is the orchestrator service entry point: it wires the
// store, step engine, workflow registry, orchestrator, event publisher,
// autoscaler, and retry sweeper into one HTTP process: flags with env
// fallbacks, router construction, signal-driven graceful shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/arca/workflow-orchestrator/applications/httpapi"
	"github.com/arca/workflow-orchestrator/domain/workflow/kinds"
	"github.com/arca/workflow-orchestrator/infrastructure/artifact"
	"github.com/arca/workflow-orchestrator/infrastructure/autoscale"
	"github.com/arca/workflow-orchestrator/infrastructure/browsergrid"
	"github.com/arca/workflow-orchestrator/infrastructure/config"
	"github.com/arca/workflow-orchestrator/infrastructure/credentials"
	"github.com/arca/workflow-orchestrator/infrastructure/engine"
	"github.com/arca/workflow-orchestrator/infrastructure/events"
	"github.com/arca/workflow-orchestrator/infrastructure/logging"
	"github.com/arca/workflow-orchestrator/infrastructure/metrics"
	"github.com/arca/workflow-orchestrator/infrastructure/middleware"
	"github.com/arca/workflow-orchestrator/infrastructure/orchestrator"
	"github.com/arca/workflow-orchestrator/infrastructure/retry"
	"github.com/arca/workflow-orchestrator/infrastructure/store"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides ADDR env)")
	apiToken := flag.String("api-token", "", "shared intake API token (overrides API_TOKEN env)")
	flag.Parse()

	cfg := config.Load()
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *apiToken != "" {
		cfg.APIToken = *apiToken
	}
	if cfg.APIToken == "" {
		log.Fatal("API_TOKEN (or -api-token) is required")
	}

	logger := logging.NewFromEnv("orchestrator")
	m := metrics.New("workflow-orchestrator")

	st := newStore(cfg, logger, m)
	defer st.Close()

	publisher := newPublisher(cfg, logger)
	defer publisher.Close()

	var resolver kinds.CredentialResolver
	devMode := config.GetEnvBool("DEV_MODE", false)
	if envResolver, err := credentials.NewEnvResolver(cfg.CredentialEncryptionKey, devMode); err != nil {
		logger.WithError(err).Warn("credential resolver unavailable; inline credentials only")
	} else {
		resolver = envResolver
	}

	scaler := autoscale.New(autoscale.Config{
		MinNodes:        cfg.ScaleMin,
		MaxNodes:        cfg.ScaleMax,
		SessionsPerNode: 4,
		IdleTimeout:     cfg.ScaleIdle,
		CheckInterval:   30 * time.Second,
	}, autoscale.ExecControlPlane{
		ScaleCommand: "true",
		ProbeCommand: "true",
	}, m, logger)

	grid := browsergrid.New(cfg.HubURL).WithMetrics(m)
	renderer := artifact.NewPlaceholderRenderer().WithMetrics(m)
	registry := kinds.NewRegistry(grid, renderer)

	eng := engine.New(m, logger)
	orch := orchestrator.New(registry, eng, st, publisher, m, logger).WithCapacity(scaler)
	sweeper := retry.New(st, orch, registry, m, logger)

	service := httpapi.NewService(st, orch, resolver, m, logger)
	defer service.Shutdown()

	handlers := httpapi.NewHandlers(service, registry, sweeper, logger)
	health := middleware.NewHealthChecker("1.0.0")
	health.RegisterCheck("store", func() error { return nil })
	router, stopRateLimiterCleanup := httpapi.NewRouter(handlers, cfg.APIToken, m, logger, health)

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	scalerCtx, cancelScaler := context.WithCancel(context.Background())
	go scaler.MonitorLoop(scalerCtx)

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	go func() {
		if err := sweeper.CronLoop(sweepCtx, cfg.RetrySweepCron, cfg.MaxRetries); err != nil {
			logger.WithError(err).Warn("retry sweep cron schedule invalid; falling back to a 1-minute ticker")
			sweeper.Loop(sweepCtx, time.Minute, cfg.MaxRetries)
		}
	}()

	shutdown := middleware.NewGracefulShutdown(server, 30*time.Second)
	shutdown.OnShutdown(func() {
		cancelScaler()
		cancelSweep()
		stopRateLimiterCleanup()
		service.Shutdown()
	})
	shutdown.ListenForSignals()

	logger.WithFields(map[string]interface{}{"addr": cfg.Addr}).Info("orchestrator listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
	shutdown.Wait()
}

// newStore selects the Redis-backed store when STORE_ENABLED is set,
// falling back to the in-memory store otherwise.
func newStore(cfg config.Config, logger *logging.Logger, m *metrics.Metrics) store.Store {
	if !cfg.StoreEnabled {
		return store.NewMemoryStore(time.Minute)
	}

	client := goredis.NewClient(&goredis.Options{Addr: cfg.StoreURL})
	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.WithError(err).Warn("redis unreachable at startup; continuing, circuit breaker will trip on use")
	}
	return store.NewRedisStore(client, logger).WithMetrics(m)
}

// newPublisher selects the Kafka-backed publisher when a bus bootstrap
// address is configured, falling back to the logging no-op publisher.
func newPublisher(cfg config.Config, logger *logging.Logger) events.Publisher {
	if cfg.BusBootstrap == "" {
		return events.NewNoopPublisher(logger)
	}
	return events.NewKafkaPublisher(cfg.BusBootstrap, "workflow.terminal", logger)
}
