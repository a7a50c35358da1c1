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

	"github.com/joho/godotenv"

	"github.com/substratehq/chronicle/api"
	"github.com/substratehq/chronicle/internal/config"
	"github.com/substratehq/chronicle/internal/envelope"
	"github.com/substratehq/chronicle/internal/lens/notes"
	"github.com/substratehq/chronicle/internal/projection"
	"github.com/substratehq/chronicle/internal/relay"
	"github.com/substratehq/chronicle/internal/server"
	"github.com/substratehq/chronicle/internal/storage"
	"github.com/substratehq/chronicle/internal/telemetry"
	"github.com/substratehq/chronicle/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("CHRONICLE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("chronicle starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// Register connection pool OTEL metrics (after telemetry.Init).
	db.RegisterPoolMetrics()

	// Run embedded migrations. RunMigrations tracks applied files in
	// schema_migrations and skips duplicates, so errors here indicate real
	// failures (not "already exists").
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Event kind registry. The built-in notes lens contributes its kinds;
	// embedders add more via the chronicle package options.
	registry := envelope.NewRegistry()

	// Built-in notes lens (optional — disabled if the path is empty).
	var consumers []relay.Consumer
	var notesLens *notes.Lens
	if cfg.NotesLensPath != "" {
		notesLens, err = notes.Open(cfg.NotesLensPath)
		if err != nil {
			return fmt.Errorf("notes lens: %w", err)
		}
		defer func() { _ = notesLens.Close() }()

		for kind, schema := range notes.Schemas() {
			registry.Register(kind, schema)
		}

		rt := projection.NewRuntime(notes.ConsumerName, notesLens, db, db, logger)
		consumers = append(consumers, rt)
		logger.Info("notes lens: enabled", "path", cfg.NotesLensPath)
	} else {
		logger.Info("notes lens: disabled (no CHRONICLE_NOTES_LENS_PATH)")
	}

	// Outbox relay.
	var rly *relay.Relay
	if len(consumers) > 0 {
		rly, err = relay.New(db, consumers, logger, relay.Config{
			PollInterval:    cfg.RelayPollInterval,
			BatchSize:       cfg.RelayBatchSize,
			Workers:         cfg.RelayWorkers,
			LeaseDuration:   cfg.RelayLease,
			DeliveryTimeout: cfg.RelayDeliveryTimeout,
			BackoffBase:     cfg.RelayBackoffBase,
			BackoffCap:      cfg.RelayBackoffCap,
			MaxAttempts:     cfg.RelayMaxAttempts,
			PruneRetention:  cfg.RelayPruneRetention,
		})
		if err != nil {
			return fmt.Errorf("relay: %w", err)
		}
		rly.Start(ctx)
	} else {
		logger.Info("relay: idle (no consumers registered)")
	}

	// Expired idempotency keys are swept in the background; the unique
	// constraint only needs to hold within the TTL window.
	go idempotencySweepLoop(ctx, db, logger, cfg.IdempotencyTTL)

	// Create and start HTTP server.
	srv := server.New(server.ServerConfig{
		DB:                  db,
		Registry:            registry,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop accepting new
	// HTTP requests and drain in-flight appends, (2) let the relay finish its
	// current batch so claimed leases settle cleanly.
	slog.Info("chronicle shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if rly != nil {
		relayCtx, relayCancel := context.WithTimeout(context.Background(), 10*time.Second)
		rly.Drain(relayCtx)
		relayCancel()
	}

	slog.Info("chronicle stopped")
	return nil
}

// idempotencySweepLoop deletes idempotency keys older than the TTL once an
// hour. A missed sweep is harmless; the next one catches up.
func idempotencySweepLoop(ctx context.Context, db *storage.DB, logger *slog.Logger, ttl time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.CleanupIdempotencyKeys(ctx, ttl)
			if err != nil {
				logger.Warn("idempotency sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("idempotency sweep complete", "deleted", n)
			}
		}
	}
}
