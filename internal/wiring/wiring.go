// Package wiring is C9: it constructs the concrete store flavor,
// executors, and every scheduler component from loaded Config,
// following the teacher's cmd/server wire.go pattern of a single
// "assemble everything, return what the caller must run and close"
// entry point rather than a DI framework.
package wiring

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/vidforge/orchestrator/internal/config"
	"github.com/vidforge/orchestrator/internal/dispatcher"
	"github.com/vidforge/orchestrator/internal/executorclient"
	"github.com/vidforge/orchestrator/internal/httpapi"
	"github.com/vidforge/orchestrator/internal/httpapi/handler"
	"github.com/vidforge/orchestrator/internal/localpool"
	"github.com/vidforge/orchestrator/internal/monitor"
	"github.com/vidforge/orchestrator/internal/reconciler"
	"github.com/vidforge/orchestrator/internal/service"
	"github.com/vidforge/orchestrator/internal/store"
	"github.com/vidforge/orchestrator/internal/webhook"
)

// App bundles every constructed component the orchestrator binary
// needs to run and tear down. Fields are exported so cmd/orchestrator
// can start/stop each scheduler loop explicitly, mirroring the
// teacher's explicit goroutine-per-loop shutdown sequence in
// cmd/server/main.go rather than hiding it behind a single opaque
// "Start".
type App struct {
	Router *chi.Mux

	Store      store.JobStore
	Dispatcher *dispatcher.Dispatcher
	Monitor    *monitor.Monitor
	LocalPool  *localpool.Pool
	Reconciler *reconciler.Reconciler
	Notifier   *webhook.Notifier

	// DispatchTrigger wakes the dispatcher immediately instead of
	// waiting for its next tick; Dispatcher.Run listens on it. No
	// component in this module sends on it, so releases and enqueues
	// are picked up by the dispatcher's next ticker pass.
	DispatchTrigger chan struct{}

	// closers run in order on shutdown (redis client, SQL DLQ pool).
	closers []func() error
}

// Close runs every registered closer, returning the first error.
func (a *App) Close() error {
	var firstErr error
	for _, c := range a.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Build assembles every C1-C9 component from cfg. The durable-vs-
// in-memory store choice (§4.1 "Durability choice is external
// configuration") is the only branch in this function; everything
// downstream of JobStore is constructed identically regardless of
// backend, since both satisfy the same store.JobStore contract.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	app := &App{DispatchTrigger: make(chan struct{}, 1)}

	jobStore, redisClient, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("wiring: build store: %w", err)
	}
	app.Store = jobStore
	if redisClient != nil {
		app.closers = append(app.closers, redisClient.Close)
	}

	execClient := executorclient.New(cfg.Executor.BaseURL, cfg.Executor.Timeout, logger)

	dlq, err := buildDLQ(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("wiring: build webhook dlq: %w", err)
	}
	if closer, ok := dlq.(interface{ Close() error }); ok && closer != nil {
		app.closers = append(app.closers, closer.Close)
	}

	notifier := webhook.New(webhook.Config{
		Secret:      cfg.Webhook.Secret,
		MaxAttempts: cfg.Webhook.MaxAttempts,
	}, dlq, logger)
	app.Notifier = notifier

	alerter := buildAlerter(cfg, logger)

	svc := service.New(jobStore, execClient, notifier, alerter, service.Config{
		MaxRemoteWorkers:    cfg.Workers.MaxRemoteWorkers,
		MaxLocalConcurrency: cfg.Workers.MaxLocalConcurrency,
	}, logger)

	disp := dispatcher.New(jobStore, execClient, notifier,
		dispatcher.WithLogger(logger),
	)
	app.Dispatcher = disp

	lease, err := buildLease(cfg, redisClient)
	if err != nil {
		return nil, fmt.Errorf("wiring: build reconciler lease: %w", err)
	}
	recCfg := reconciler.DefaultConfig(instanceID())
	recCfg.Interval = cfg.Poll.ReconcileInterval
	rec := reconciler.New(jobStore, lease, recCfg, logger)
	app.Reconciler = rec

	mon := monitor.New(jobStore, execClient, notifier, monitorReconciler{rec}, monitor.Config{
		PollInterval:      cfg.Poll.PollInterval,
		TimeoutCheck:      cfg.Poll.TimeoutCheck,
		ReconcileInterval: cfg.Poll.ReconcileInterval,
	}, logger)
	app.Monitor = mon

	mediaExec := newExternalMediaExecutor(logger)
	pool := localpool.New(jobStore, notifier, mediaExec, cfg.Workers.MaxLocalConcurrency, logger)
	app.LocalPool = pool

	dlqReviewer, _ := dlq.(handler.DLQReviewer)
	srv := handler.NewServer(svc, jobStore, rec, dlqReviewer, logger)
	app.Router = httpapi.NewRouter(srv, httpapi.Config{
		APIKey: cfg.APIKey,
	})

	return app, nil
}

// buildStore constructs the in-memory or Redis-backed JobStore per
// QUEUE_STORAGE (§4.1, §6). Returns the redis client too (nil for
// memory) so the caller can register it for shutdown and hand it to
// the reconciler's lease.
func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.JobStore, *redis.Client, error) {
	storeCfg := store.Config{
		MaxRemoteWorkers: cfg.Workers.MaxRemoteWorkers,
		JobTTL:           cfg.Store.JobTTL,
	}

	switch cfg.Store.Backend {
	case "REDIS":
		opts, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		rs, err := store.NewRedisStore(ctx, client, storeCfg, logger)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return rs, client, nil
	default:
		return store.NewMemoryStore(storeCfg, logger), nil, nil
	}
}

// buildDLQ constructs the optional Postgres-backed dead-letter sink,
// falling back to the in-memory sink when no DSN is configured (§4.8:
// "persistence optional").
func buildDLQ(cfg *config.Config, logger *slog.Logger) (webhook.DeadLetterSink, error) {
	if cfg.Webhook.DLQDSN == "" {
		return webhook.NewMemoryDLQ(), nil
	}
	return webhook.NewSQLDLQ(cfg.Webhook.DLQDSN, logger)
}

// buildAlerter constructs the Slack queue-pressure alerter (§4.9.1)
// when ALERT_SLACK_TOKEN is set, otherwise returns nil to disable
// alerting entirely (service.New treats a nil QueueAlerter as a
// no-op).
func buildAlerter(cfg *config.Config, logger *slog.Logger) service.QueueAlerter {
	if cfg.Webhook.SlackToken == "" {
		return nil
	}
	return service.NewSlackAlerter(cfg.Webhook.SlackToken, cfg.Webhook.SlackChannel, logger)
}

// monitorReconciler narrows *reconciler.Reconciler's richer
// (ReconcileResult, error) return down to the error-only capability
// internal/monitor depends on (see internal/httpapi/handler/server.go
// for the symmetric case: the admin HTTP surface needs the full
// ReconcileResult, the monitor never does).
type monitorReconciler struct {
	rec *reconciler.Reconciler
}

func (m monitorReconciler) ReconcileOnce(ctx context.Context) error {
	_, err := m.rec.ReconcileOnce(ctx)
	return err
}

// instanceID derives the reconciler's worker identity from the host
// name, following the teacher's WorkerID convention of tying a
// reconciliation holder id to the process's host.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "orchestrator"
	}
	return host
}

// buildLease constructs the reconciler's exclusive-run primitive: a
// Redis lease for durable multi-process deployments, or nil for
// single-instance in-memory deployments (§4.7; reconciler.New treats
// a nil Lease as always-acquired).
func buildLease(cfg *config.Config, redisClient *redis.Client) (reconciler.Lease, error) {
	if redisClient == nil {
		return nil, nil
	}
	return reconciler.NewRedisLease(redisClient), nil
}
