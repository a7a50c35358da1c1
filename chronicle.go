// Package chronicle is the public API for embedding the Chronicle event log
// server.
//
// Embedders import this package to construct and extend the server without
// forking it:
//
//	app, err := chronicle.New(
//	    chronicle.WithVersion(version),
//	    chronicle.WithLogger(logger),
//	    chronicle.WithKind("order.placed", orderSchema),
//	    chronicle.WithConsumer(myProjection{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: chronicle (root) imports
// internal/*, but internal/* never imports chronicle (root). Public types
// (Event, Schema, etc.) are standalone structs with no internal imports;
// conversion helpers (toPublicEvent, toInternalSchema) live here because this
// is the only file that sees both sides of the boundary.
package chronicle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/substratehq/chronicle/api"
	"github.com/substratehq/chronicle/internal/config"
	"github.com/substratehq/chronicle/internal/envelope"
	"github.com/substratehq/chronicle/internal/lens/notes"
	"github.com/substratehq/chronicle/internal/model"
	"github.com/substratehq/chronicle/internal/projection"
	"github.com/substratehq/chronicle/internal/relay"
	"github.com/substratehq/chronicle/internal/server"
	"github.com/substratehq/chronicle/internal/storage"
	"github.com/substratehq/chronicle/internal/telemetry"
	"github.com/substratehq/chronicle/migrations"
)

// Permanent marks a consumer error as irrecoverable. The relay dead-letters
// the delivery immediately instead of retrying.
func Permanent(err error) error {
	return relay.Permanent(err)
}

// App is the Chronicle server lifecycle. Construct with New(), run with
// Run(). App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	relay        *relay.Relay // nil when no consumers are registered
	notesLens    *notes.Lens  // nil when the notes lens is disabled
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Chronicle server. It connects to the database, runs
// migrations, wires the registry, consumers, and relay, and returns a
// ready-to-run App. It does NOT start any goroutines or accept HTTP
// connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("chronicle starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	// Run built-in migrations, then any embedder-supplied ones.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Event kind registry: built-in notes kinds plus embedder kinds.
	registry := envelope.NewRegistry()
	var consumers []relay.Consumer

	var notesLens *notes.Lens
	if cfg.NotesLensPath != "" && !o.disableNotes {
		notesLens, err = notes.Open(cfg.NotesLensPath)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("notes lens: %w", err)
		}
		for kind, schema := range notes.Schemas() {
			registry.Register(kind, schema)
		}
		consumers = append(consumers, projection.NewRuntime(notes.ConsumerName, notesLens, db, db, logger))
		logger.Info("notes lens: enabled", "path", cfg.NotesLensPath)
	} else {
		logger.Info("notes lens: disabled")
	}

	for kind, schema := range o.kinds {
		registry.Register(kind, toInternalSchema(schema))
	}

	// Every embedder consumer runs behind its own projection runtime so it
	// inherits ordering, dedup, backfill, and digest semantics.
	for _, c := range o.consumers {
		adapter := &consumerAdapter{consumer: c}
		consumers = append(consumers, projection.NewRuntime(c.Name(), adapter, db, db, logger))
	}

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
			if notesLens != nil {
				_ = notesLens.Close()
			}
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("relay: %w", err)
		}
	} else {
		logger.Info("relay: idle (no consumers registered)")
	}

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

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		relay:        rly,
		notesLens:    notesLens,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the root HTTP handler for use in tests and embedders that
// mount Chronicle under their own server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the relay and the HTTP server, then blocks until ctx is
// cancelled or a fatal server error occurs. On return, Shutdown is called
// automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if a.relay != nil {
		a.relay.Start(ctx)
	}
	go a.idempotencySweepLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a two-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight appends,
// (2) let the relay finish its current batch so claimed leases settle.
// It then closes the lens, the database pool, and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("chronicle shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if a.relay != nil {
		relayCtx, relayCancel := context.WithTimeout(ctx, 10*time.Second)
		a.relay.Drain(relayCtx)
		relayCancel()
	}

	if a.notesLens != nil {
		_ = a.notesLens.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("chronicle stopped")
	return nil
}

// idempotencySweepLoop deletes idempotency keys older than the TTL once an
// hour. A missed sweep is harmless; the next one catches up.
func (a *App) idempotencySweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.db.CleanupIdempotencyKeys(ctx, a.cfg.IdempotencyTTL)
			if err != nil {
				a.logger.Warn("idempotency sweep failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("idempotency sweep complete", "deleted", n)
			}
		}
	}
}

// ── Public/internal boundary adapters ─────────────────────────────────────────

// consumerAdapter bridges a public Consumer into the projection runtime's
// Applier interface.
type consumerAdapter struct {
	consumer Consumer
}

func (a *consumerAdapter) Apply(ctx context.Context, env model.Envelope) error {
	return a.consumer.Apply(ctx, toPublicEvent(env))
}

func toPublicEvent(env model.Envelope) Event {
	return Event{
		TenantID:        env.TenantID,
		Branch:          env.Branch,
		GlobalSeq:       env.GlobalSeq,
		EventID:         env.EventID,
		Kind:            env.Kind,
		Payload:         env.Payload,
		Actor:           Actor{Agent: env.Actor.Agent, Metadata: env.Actor.Metadata},
		ClientTimestamp: env.ClientTimestamp,
		ReceivedAt:      env.ReceivedAt,
		PayloadHash:     env.PayloadHash,
	}
}

func toInternalSchema(s Schema) envelope.Schema {
	out := envelope.Schema{
		Required: make(map[string]envelope.FieldType, len(s.Required)),
		Optional: make(map[string]envelope.FieldType, len(s.Optional)),
	}
	for k, v := range s.Required {
		out.Required[k] = envelope.FieldType(v)
	}
	for k, v := range s.Optional {
		out.Optional[k] = envelope.FieldType(v)
	}
	return out
}
