// Command orchestrator runs the job-orchestration core: the HTTP
// surface (C8), the dispatcher (C5), the monitor's three ticker loops
// (C6), the local worker pool (C4), and the reconciler (C7), all
// sharing the job store built by internal/wiring (C9). Shutdown
// sequencing follows rezkam-mono/cmd/server/main.go's signal-context
// plus per-component graceful-stop pattern.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vidforge/orchestrator/internal/config"
	"github.com/vidforge/orchestrator/internal/wiring"
	"github.com/vidforge/orchestrator/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	obsCfg := observability.Config{
		Enabled:     cfg.Observ.OTelEnabled,
		ServiceName: cfg.Observ.ServiceName,
	}

	lp, logger, err := observability.InitLogger(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer shutdownWithTimeout(lp.Shutdown, 5*time.Second)
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("init tracer provider: %w", err)
	}
	defer shutdownWithTimeout(tp.Shutdown, 5*time.Second)

	mp, err := observability.InitMeterProvider(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("init meter provider: %w", err)
	}
	defer shutdownWithTimeout(mp.Shutdown, 5*time.Second)

	slog.InfoContext(ctx, "starting job orchestrator", "env", cfg.Env, "store", cfg.Store.Backend)

	app, err := wiring.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			slog.Error("error closing app resources", "error", err)
		}
	}()

	// Startup recovery (§4.7: "Run on startup and periodically"):
	// reconcile once before any scheduler loop starts, so a restart
	// after a crash begins from a consistent counter.
	if _, err := app.Reconciler.ReconcileOnce(ctx); err != nil {
		slog.WarnContext(ctx, "startup reconciliation failed", "error", err)
	}

	// Wrap the router with OTel HTTP instrumentation, same role it
	// plays around the teacher's REST gateway mux in cmd/server/main.go
	// (span-per-request, trace-context extraction from inbound headers).
	instrumented := otelhttp.NewHandler(app.Router, "job-orchestrator")

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           instrumented,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); app.Dispatcher.Run(ctx, app.DispatchTrigger) }()
	go func() { defer wg.Done(); app.Monitor.Run(ctx) }()
	go func() { defer wg.Done(); app.LocalPool.Run(ctx, 2*time.Second) }()
	go func() {
		defer wg.Done()
		if err := app.Reconciler.Run(ctx); err != nil && ctx.Err() == nil {
			slog.ErrorContext(ctx, "reconciler loop exited with error", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("serve http: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.WarnContext(shutdownCtx, "http server shutdown timed out, forcing close", "error", err)
			httpServer.Close()
		}
		wg.Wait()
		return nil
	case err := <-errCh:
		return err
	}
}

// shutdownWithTimeout runs an OTel provider's Shutdown with a bounded
// context so a stuck collector never blocks process exit.
func shutdownWithTimeout(shutdown func(context.Context) error, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "shutdown error", "error", err)
	}
}
