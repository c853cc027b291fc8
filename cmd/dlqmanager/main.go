// Command dlqmanager replays dead-lettered class session events into the outbox and
// quarantines the ones that exhaust their retries.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/liveclass/internal/config"
	"example.com/liveclass/internal/outbox"
	httptransport "example.com/liveclass/internal/transport/http"
)

const batchSize = 50

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := log.New(os.Stderr, "[dlqmanager] ", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	ops := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           httptransport.OpsHandler(map[string]httptransport.ReadinessCheck{"postgres": pool.Ping}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("ops server: %v", err)
		}
	}()

	manager := outbox.NewDLQManager(pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay, outbox.WithDLQLogger(logger))
	logger.Printf("polling every %s, quarantining after %d retries", cfg.DLQPollInterval, cfg.DLQMaxRetries)
	manager.Run(ctx, cfg.DLQPollInterval, batchSize)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		logger.Printf("ops server shutdown: %v", err)
	}
}
