package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sethvargo/go-retry"

	"github.com/deckgen/pipeline/internal/api"
	"github.com/deckgen/pipeline/internal/broker"
	"github.com/deckgen/pipeline/internal/config"
	"github.com/deckgen/pipeline/internal/db"
	"github.com/deckgen/pipeline/internal/jobs"
	"github.com/deckgen/pipeline/internal/logger"
)

const migrationsDir = "migrations"

func main() {
	cfg := config.Load()
	logger.Init("pipeline-api")
	logger.Logger.Info().Msg("Starting pipeline API server")

	ctx := context.Background()

	nc, js := connectBroker(ctx, cfg.NATSURL)
	defer nc.Close()

	// Topology provisioning failure is fatal: the system must not run
	// without its exchanges and queues.
	provisioner := broker.NewProvisioner(js)
	if err := provisioner.Provision(broker.DefaultTopology()); err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to provision broker topology")
	}

	var store jobs.JobStore
	if cfg.DatabaseURL != "" {
		database, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer database.Close()

		if err := db.RunMigrations(database, migrationsDir); err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to run migrations")
		}

		api.SetDBConnection(database)
		store = db.NewStore(database)
	} else {
		logger.Logger.Warn().Msg("DATABASE_URL not set, using in-memory store")
		store = jobs.NewMemStore()
	}

	machine := jobs.NewMachine(store)
	dispatcher := broker.NewDispatcher(js, broker.DefaultTopology(), cfg.MaxAttempts)

	server := api.NewServer(store, machine, dispatcher, cfg.Addr())
	go func() {
		if err := server.Start(); err != nil {
			logger.Logger.Fatal().Err(err).Msg("API server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Logger.Info().Msg("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error().Err(err).Msg("Server shutdown failed")
	}
	logger.Logger.Info().Msg("Server stopped")
}

func connectBroker(ctx context.Context, url string) (*nats.Conn, nats.JetStreamContext) {
	var nc *nats.Conn
	backoff := retry.WithMaxRetries(5, retry.NewExponential(1*time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		nc, err = nats.Connect(url)
		if err != nil {
			logger.Logger.Warn().Err(err).Msg("Broker not ready, retrying")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		logger.Logger.Fatal().Err(err).Str("url", url).Msg("Failed to connect to broker")
	}

	js, err := nc.JetStream()
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to open JetStream context")
	}
	return nc, js
}
