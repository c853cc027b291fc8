// Command consumer reads class session events from Kafka and appends them to the
// event log that backs class history reporting.
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
	"github.com/segmentio/kafka-go"

	"example.com/liveclass/internal/config"
	"example.com/liveclass/internal/consumer"
	httptransport "example.com/liveclass/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := log.New(os.Stderr, "[consumer] ", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		GroupID:        cfg.ConsumerGroupID,
		GroupTopics:    cfg.ConsumerTopics,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
		StartOffset:    kafka.FirstOffset,
	})
	defer reader.Close()

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

	proc := consumer.NewProcessor(reader, consumer.NewPersistenceHandler(pool), consumer.WithLogger(logger))
	logger.Printf("reading %v as group %s", cfg.ConsumerTopics, cfg.ConsumerGroupID)
	if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("processor stopped: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		logger.Printf("ops server shutdown: %v", err)
	}
}
