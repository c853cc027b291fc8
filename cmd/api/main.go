package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/liveclass/internal/api"
	"example.com/liveclass/internal/auth"
	"example.com/liveclass/internal/broker"
	"example.com/liveclass/internal/config"
	"example.com/liveclass/internal/coordinator"
	"example.com/liveclass/internal/domain"
	"example.com/liveclass/internal/mirror"
	"example.com/liveclass/internal/outbox"
	"example.com/liveclass/internal/persistence/memory"
	persistence "example.com/liveclass/internal/persistence/postgres"
	"example.com/liveclass/internal/session"
	"example.com/liveclass/internal/storage"
	httptransport "example.com/liveclass/internal/transport/http"
	"example.com/liveclass/internal/transport/ws"
)

// snapshotMirror is what both the coordinator and the live endpoint need from the mirror.
type snapshotMirror interface {
	Put(ctx context.Context, snap session.Snapshot) error
	Delete(ctx context.Context, classID string) error
	Get(ctx context.Context, classID string) (session.Snapshot, bool, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		store      domain.Store
		dispatcher *outbox.Dispatcher
	)
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		log.Printf("using in-memory store with demo data")
		store = memory.NewSeededStore()
	default:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		defer pool.Close()

		store = persistence.NewRepository(pool)

		producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
		defer producer.Close()

		registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
		dispatcher = outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		go dispatcher.Start(ctx)
	}

	retrying := storage.NewRetryingStore(store, storage.RetryConfig{
		Timeout:    cfg.StorageTimeout,
		MaxRetries: cfg.StorageMaxRetries,
	})

	var snapshots snapshotMirror = mirror.Noop{}
	if cfg.RedisAddr != "" {
		client, err := mirror.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer client.Close()
		snapshots = mirror.NewRedisMirror(client, cfg.SnapshotTTL)
	}

	brk := broker.New(broker.WithBufferSize(cfg.SubscriberBuffer))
	coord := coordinator.New(retrying, brk,
		coordinator.WithMirror(snapshots),
		coordinator.WithMinTick(cfg.MinTick),
	)

	socket := ws.NewHandler(coord, ws.Config{
		PingInterval: cfg.WSPingInterval,
		PongWait:     cfg.WSPongWait,
		WriteWait:    cfg.WSWriteWait,
	}, ws.WithCheckOrigin(func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(cfg.CORSAllowedOrigins, origin)
	}))

	handler := api.NewHandler(coord, snapshots, retrying, api.WithLiveSocket(socket))
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, httptransport.Chain(authMiddleware.Wrap(mux),
		httptransport.CORS(cfg.CORSAllowedOrigins),
		httptransport.RequestLogger(log.Default()),
	))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("liveclass listening on %s", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	log.Println("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	// Hijacked websocket connections outlive server.Shutdown; closing the
	// coordinator ends their subscriptions so they can say goodbye.
	if err := coord.Shutdown(shutdownCtx); err != nil {
		log.Printf("coordinator shutdown: %v", err)
	}
	socket.Wait()

	cancel()
	if dispatcher != nil {
		dispatcher.Wait()
	}
}
