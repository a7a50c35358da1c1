package chronicle

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	logger          *slog.Logger
	version         string
	kinds           map[string]Schema
	consumers       []Consumer
	extraMigrations []fs.FS
	disableNotes    bool
}

// WithPort overrides the TCP port from config (CHRONICLE_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithKind registers a payload schema for an event kind. Envelopes carrying
// an unregistered kind, or a payload that violates the schema, are rejected
// at ingestion with 400. Registering the same kind twice keeps the last
// schema.
func WithKind(kind string, schema Schema) Option {
	return func(o *resolvedOptions) {
		if o.kinds == nil {
			o.kinds = make(map[string]Schema)
		}
		o.kinds[kind] = schema
	}
}

// WithConsumer registers a projection consumer. Multiple consumers may be
// registered; each gets its own watermark cursor and delivery stream, so one
// consumer's failures never block another's progress.
func WithConsumer(c Consumer) Option {
	return func(o *resolvedOptions) { o.consumers = append(o.consumers, c) }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run after
// the built-in migrations. Multiple filesystems may be registered; they are
// applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}

// WithoutNotesLens disables the built-in notes projection regardless of
// CHRONICLE_NOTES_LENS_PATH. Embedders that only run their own consumers use
// this to avoid creating the SQLite file.
func WithoutNotesLens() Option {
	return func(o *resolvedOptions) { o.disableNotes = true }
}
