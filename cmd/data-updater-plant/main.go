// Data Updater Plant — consumes device messages from the broker data
// queues, runs the per-device actors, persists values and dispatches
// trigger events.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/astarte-platform/astarte-data-updater-plant/pkg/amqpclient"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/api"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/config"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/consumer"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/database"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/events"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/queries"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/updater"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/version"
	"github.com/astarte-platform/astarte-data-updater-plant/pkg/vmq"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting Data Updater Plant",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Connect to Cassandra
	dbClient, err := database.NewClient(ctx, database.Config{
		Nodes:          cfg.Database.Nodes,
		Username:       cfg.Database.Username,
		Password:       cfg.Database.Password,
		Keyspace:       cfg.Database.Keyspace,
		ConnectTimeout: cfg.Database.ConnectTimeout,
		Timeout:        cfg.Database.Timeout,
		RunMigrations:  cfg.Database.RunMigrations,
	})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to Cassandra cluster", "nodes", cfg.Database.Nodes)

	// 3. Connect to the AMQP broker shared by consumers and publishers
	amqpClient, err := amqpclient.Dial(ctx, cfg.AMQP.URL, slog.Default())
	if err != nil {
		slog.Error("Failed to connect to AMQP broker", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := amqpClient.Close(); err != nil {
			slog.Error("Error closing AMQP connection", "error", err)
		}
	}()

	// 4. Trigger events publisher and broker plugin client
	eventsPublisher, err := amqpclient.NewPublisher(amqpClient, cfg.Events.ExchangeName, cfg.Events.ExchangeType)
	if err != nil {
		slog.Error("Failed to open events publisher", "error", err)
		os.Exit(1)
	}
	defer eventsPublisher.Close()
	emitter := events.NewTriggersHandler(eventsPublisher)

	// The plugin command queue is addressed through the default exchange.
	vmqPublisher, err := amqpclient.NewPublisher(amqpClient, "", "")
	if err != nil {
		slog.Error("Failed to open broker plugin publisher", "error", err)
		os.Exit(1)
	}
	defer vmqPublisher.Close()
	vmqClient := vmq.NewClient(vmqPublisher, cfg.VerneMQ.RPCQueueName)

	// 5. Device actor registry
	realmQueries := queries.New(dbClient.Session())
	repos := func(realm string) (updater.Repository, error) {
		return realmQueries.Realm(realm)
	}
	registry := updater.NewRegistry(slog.Default(), repos, emitter, vmqClient)

	// 6. Start the data queue consumers
	dataConsumer := consumer.New(amqpClient, registry, consumer.Config{
		QueuePrefix:   cfg.Consumer.DataQueuePrefix,
		QueueCount:    cfg.Consumer.DataQueueCount,
		PrefetchCount: cfg.Consumer.PrefetchCount,
	})
	if err := dataConsumer.Start(ctx); err != nil {
		slog.Error("Failed to start data consumers", "error", err)
		os.Exit(1)
	}

	// 7. Start the admin API server (non-blocking)
	apiServer := api.NewServer(dbClient, dataConsumer, registry)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Admin API listening", "addr", cfg.API.BindAddress)
		if err := apiServer.Start(cfg.API.BindAddress); err != nil && err != http.ErrServerClosed {
			slog.Error("Admin API server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Data Updater Plant started",
		"data_queues", cfg.Consumer.DataQueueCount,
		"queue_prefix", cfg.Consumer.DataQueuePrefix)

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: stop the admin API, stop consuming, then drain
	// the device actors. Unsettled deliveries requeue when the connection
	// closes, so a timeout here loses no data.
	apiShutdownCtx, apiCancel := context.WithTimeout(ctx, 5*time.Second)
	defer apiCancel()
	if err := apiServer.Shutdown(apiShutdownCtx); err != nil {
		slog.Error("Admin API shutdown error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Consumer.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		dataConsumer.Stop()
		registry.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Consumers and device actors stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded — unsettled deliveries will be redelivered")
	}

	slog.Info("Shutdown complete")
}
