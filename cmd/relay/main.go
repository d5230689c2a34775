// Package main is a demo relay worker: it dispatches outbox events from a
// single database to a logging publisher and runs the retention sweeps.
// Real deployments supply their own Publisher and wire the dispatcher
// into their service lifecycle.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"relaybox/dispatch"
	"relaybox/outbox"
	"relaybox/pkg/logger"
	"relaybox/storage/postgres"
)

func main() {
	log, err := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Development: getEnv("APP_ENV", "development") == "development",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("starting relay worker")

	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(mustEnv("DATABASE_URL")))
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()
	prometheus.MustRegister(pool.MetricsCollector())

	txManager := postgres.NewTxManager(pool)
	storeCfg := postgres.Config{
		OutboxTable: getEnv("OUTBOX_TABLE", ""),
		InboxTable:  getEnv("INBOX_TABLE", ""),
	}
	store := postgres.NewStore(pool, txManager, storeCfg)

	publisher := dispatch.PublisherFunc(func(ctx context.Context, event *outbox.Event) error {
		log.Infow("event published",
			"event_id", event.ID,
			"event_type", event.EventType,
			"aggregate_type", event.AggregateType,
			"aggregate_id", event.AggregateID,
		)
		return nil
	})

	dispatcher := dispatch.New(store, publisher, dispatch.Options{
		PollInterval: getEnvDuration("POLL_INTERVAL", time.Second),
		BatchSize:    getEnvInt("BATCH_SIZE", 50),
		Retry: dispatch.RetryPolicy{
			MaxAttempts:       getEnvInt("MAX_ATTEMPTS", 10),
			InitialBackoff:    getEnvDuration("INITIAL_BACKOFF", time.Second),
			BackoffMultiplier: 2,
		},
		Logger: log,
	})

	if err := dispatcher.Start(ctx); err != nil {
		log.Fatalw("failed to start dispatcher", "error", err)
	}

	archiver, err := postgres.NewArchiver(pool, storeCfg)
	if err != nil {
		log.Fatalw("failed to create archiver", "error", err)
	}
	go runRetention(ctx, log, store, archiver)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down relay worker...")
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := dispatcher.Stop(stopCtx); err != nil {
		log.Errorw("dispatcher stop failed", "error", err)
	}
	log.Info("relay worker stopped")
}

// runRetention archives terminal outbox rows and prunes processed inbox
// records once an hour.
func runRetention(ctx context.Context, log *logger.Logger, store *postgres.Store, archiver *postgres.Archiver) {
	retainFor := getEnvDuration("RETAIN_FOR", 7*24*time.Hour)

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-retainFor)

			if n, err := archiver.ArchiveTerminal(ctx, cutoff); err != nil {
				log.Errorw("outbox archival failed", "error", err)
			} else if n > 0 {
				log.Infow("archived terminal outbox events", "count", n)
			}

			if n, err := store.DeleteInboxBefore(ctx, cutoff); err != nil {
				log.Errorw("inbox cleanup failed", "error", err)
			} else if n > 0 {
				log.Infow("cleaned up processed inbox records", "count", n)
			}
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func mustEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		fmt.Printf("required environment variable %s not set\n", key)
		os.Exit(1)
	}
	return value
}
