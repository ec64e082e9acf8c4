// Command orchestrator runs the pipeline orchestrator: the control-queue
// consumers, the resume routine, and the REST control surface.
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

	"github.com/oklog/ulid/v2"

	httpserver "github.com/fairyhunter13/flowpipe/internal/adapter/httpserver"
	asynqadp "github.com/fairyhunter13/flowpipe/internal/adapter/queue/asynq"
	"github.com/fairyhunter13/flowpipe/internal/adapter/statestore/redisstore"
	"github.com/fairyhunter13/flowpipe/internal/app"
	"github.com/fairyhunter13/flowpipe/internal/approval"
	"github.com/fairyhunter13/flowpipe/internal/breaker"
	"github.com/fairyhunter13/flowpipe/internal/config"
	"github.com/fairyhunter13/flowpipe/internal/domain"
	"github.com/fairyhunter13/flowpipe/internal/expr"
	"github.com/fairyhunter13/flowpipe/internal/observability"
	"github.com/fairyhunter13/flowpipe/internal/orchestrator"
	"github.com/fairyhunter13/flowpipe/internal/saga"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := redisstore.Open(ctx, cfg.RedisURL, redisstore.WithDeadLetterCap(cfg.DeadLetterCap))
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	transport, err := asynqadp.New(cfg.RedisURL,
		asynqadp.WithQueueConcurrency(domain.ControlQueue, cfg.ControlConcurrency),
		asynqadp.WithQueueConcurrency(domain.ApprovalTimeoutQueue, cfg.TimeoutConcurrency),
	)
	if err != nil {
		slog.Error("transport connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := transport.Close(); err != nil {
			slog.Error("transport close failed", slog.Any("error", err))
		}
	}()

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = "orchestrator-" + ulid.Make().String()
	}
	go app.RunHeartbeat(ctx, store, instanceID, cfg.HeartbeatTTL)

	breakers := breaker.NewRegistry(store)
	sagas := saga.New(store, transport, expr.New(), cfg.CompensationPacing)
	approvals := approval.New(store, store, transport, cfg.ApprovalGraceWindow, cfg.ApprovalRetention)
	orch := orchestrator.New(store, transport, breakers, sagas, approvals,
		orchestrator.WithOwner(instanceID),
		orchestrator.WithDefaultLeaseTTL(cfg.DefaultLeaseTTL),
	)
	if err := orch.Start(ctx); err != nil {
		slog.Error("orchestrator start failed", slog.Any("error", err))
		os.Exit(1)
	}

	srv := httpserver.NewServer(cfg, orch, store.Ping)
	handler := app.BuildRouter(cfg, srv)
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting",
			slog.Int("port", cfg.Port),
			slog.String("instance_id", instanceID))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
