package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"example.com/sessiontimeline/internal/api"
	"example.com/sessiontimeline/internal/auth"
	"example.com/sessiontimeline/internal/config"
	"example.com/sessiontimeline/internal/ingest"
	persistence "example.com/sessiontimeline/internal/persistence/postgres"
	"example.com/sessiontimeline/internal/session"
	httptransport "example.com/sessiontimeline/internal/transport/http"
	"example.com/sessiontimeline/internal/zones"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	classifier, err := zones.NewClassifier(cfg.Zones())
	if err != nil {
		log.Fatalf("invalid zone configuration: %v", err)
	}

	repo := persistence.NewRepository(pool)
	manager := session.NewManager(cfg.SessionConfig(), classifier, repo)

	// Readings arrive over Kafka and must land on the instance holding the
	// session, so the ingest loop shares this process with the orchestrators.
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.KafkaBrokers,
		GroupID: cfg.ConsumerGroup,
		Topic:   cfg.ReadingsTopic,
	})
	processor := ingest.NewProcessor(reader, manager)

	ingestDone := make(chan struct{})
	go func() {
		defer close(ingestDone)
		if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("ingest stopped: %v", err)
		}
	}()

	handler := api.NewHandler(manager, repo)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	// Basic request logger
	logger := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("%s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}, authMiddleware.Wrap(logger(mux)))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("session-timeline listening on %s", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	if err := reader.Close(); err != nil {
		log.Printf("kafka reader close failed: %v", err)
	}
	<-ingestDone

	// Force a final persist for every session still live in this process.
	manager.Shutdown(shutdownCtx)
}
