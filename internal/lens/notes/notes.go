// Package notes is a relational lens: a read-side projection of note events
// into SQLite tables. It embeds the projection runtime and demonstrates the
// contract every lens honors — apply events idempotently per event_id, only
// this component writes to its storage, and replay from genesis reproduces
// identical state.
package notes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/substratehq/chronicle/internal/envelope"
	"github.com/substratehq/chronicle/internal/model"
)

// ConsumerName identifies this lens in outbox deliveries and watermarks.
const ConsumerName = "notes-lens"

// ErrNoteNotFound is returned when a queried note does not exist.
var ErrNoteNotFound = errors.New("notes: note not found")

// Note is one row of the projected notes table.
type Note struct {
	TenantID string
	Branch   string
	NoteID   string
	Title    string
	Body     string
	Archived bool
	Tags     []string
}

// Lens applies note.* and link.* events to a SQLite database. It satisfies
// projection.Applier.
type Lens struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS notes (
	tenant_id TEXT NOT NULL,
	branch    TEXT NOT NULL,
	note_id   TEXT NOT NULL,
	title     TEXT NOT NULL DEFAULT '',
	body      TEXT NOT NULL DEFAULT '',
	archived  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, branch, note_id)
);
CREATE TABLE IF NOT EXISTS note_tags (
	tenant_id TEXT NOT NULL,
	branch    TEXT NOT NULL,
	note_id   TEXT NOT NULL,
	tag       TEXT NOT NULL,
	PRIMARY KEY (tenant_id, branch, note_id, tag)
);
CREATE TABLE IF NOT EXISTS note_links (
	tenant_id TEXT NOT NULL,
	branch    TEXT NOT NULL,
	from_note TEXT NOT NULL,
	to_note   TEXT NOT NULL,
	PRIMARY KEY (tenant_id, branch, from_note, to_note)
);
CREATE TABLE IF NOT EXISTS applied_events (
	event_id   TEXT PRIMARY KEY,
	applied_at TEXT NOT NULL
);
`

// Open creates (or opens) the lens database at path and ensures its schema.
// Use ":memory:" for tests.
func Open(path string) (*Lens, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("notes: open %s: %w", path, err)
	}
	// SQLite allows one writer; the projection runtime serializes per-pair
	// application anyway, so a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("notes: ensure schema: %w", err)
	}
	return &Lens{db: db}, nil
}

// Close releases the underlying database handle.
func (l *Lens) Close() error {
	return l.db.Close()
}

// Apply implements projection.Applier. The effect and the applied_events
// marker commit in one SQLite transaction, so re-delivery after a crash
// mid-apply is absorbed without doubling the effect.
func (l *Lens) Apply(ctx context.Context, env model.Envelope) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("notes: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var seen int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM applied_events WHERE event_id = ?`, env.EventID.String(),
	).Scan(&seen)
	if err != nil {
		return fmt.Errorf("notes: check applied: %w", err)
	}
	if seen > 0 {
		return nil
	}

	if err := l.applyKind(ctx, tx, env); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO applied_events (event_id, applied_at) VALUES (?, ?)`,
		env.EventID.String(), time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("notes: mark applied: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("notes: commit apply: %w", err)
	}
	return nil
}

func (l *Lens) applyKind(ctx context.Context, tx *sql.Tx, env model.Envelope) error {
	tenant := env.TenantID.String()
	switch env.Kind {
	case "note.created":
		noteID, _ := env.Payload["note_id"].(string)
		title, _ := env.Payload["title"].(string)
		body, _ := env.Payload["body"].(string)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO notes (tenant_id, branch, note_id, title, body)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (tenant_id, branch, note_id)
			 DO UPDATE SET title = excluded.title, body = excluded.body, archived = 0`,
			tenant, env.Branch, noteID, title, body)
		return wrapApply("note.created", err)

	case "note.updated":
		noteID, _ := env.Payload["note_id"].(string)
		if title, ok := env.Payload["title"].(string); ok {
			if _, err := tx.ExecContext(ctx,
				`UPDATE notes SET title = ? WHERE tenant_id = ? AND branch = ? AND note_id = ?`,
				title, tenant, env.Branch, noteID); err != nil {
				return wrapApply("note.updated", err)
			}
		}
		if body, ok := env.Payload["body"].(string); ok {
			if _, err := tx.ExecContext(ctx,
				`UPDATE notes SET body = ? WHERE tenant_id = ? AND branch = ? AND note_id = ?`,
				body, tenant, env.Branch, noteID); err != nil {
				return wrapApply("note.updated", err)
			}
		}
		return nil

	case "note.archived":
		noteID, _ := env.Payload["note_id"].(string)
		_, err := tx.ExecContext(ctx,
			`UPDATE notes SET archived = 1 WHERE tenant_id = ? AND branch = ? AND note_id = ?`,
			tenant, env.Branch, noteID)
		return wrapApply("note.archived", err)

	case "note.tagged":
		noteID, _ := env.Payload["note_id"].(string)
		tag, _ := env.Payload["tag"].(string)
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO note_tags (tenant_id, branch, note_id, tag) VALUES (?, ?, ?, ?)`,
			tenant, env.Branch, noteID, tag)
		return wrapApply("note.tagged", err)

	case "link.added":
		from, _ := env.Payload["from"].(string)
		to, _ := env.Payload["to"].(string)
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO note_links (tenant_id, branch, from_note, to_note) VALUES (?, ?, ?, ?)`,
			tenant, env.Branch, from, to)
		return wrapApply("link.added", err)

	case "link.removed":
		from, _ := env.Payload["from"].(string)
		to, _ := env.Payload["to"].(string)
		_, err := tx.ExecContext(ctx,
			`DELETE FROM note_links WHERE tenant_id = ? AND branch = ? AND from_note = ? AND to_note = ?`,
			tenant, env.Branch, from, to)
		return wrapApply("link.removed", err)

	default:
		// The relay fans every committed event out to every consumer, so kinds
		// registered by other lenses land here too. Acknowledge them with no
		// effect; rejecting would stall the whole (tenant, branch) stream, and
		// the runtime's digest fold already accounts for every event.
		return nil
	}
}

func wrapApply(kind string, err error) error {
	if err != nil {
		return fmt.Errorf("notes: apply %s: %w", kind, err)
	}
	return nil
}

// GetNote returns one projected note with its tags, or ErrNoteNotFound.
func (l *Lens) GetNote(ctx context.Context, tenantID, branch, noteID string) (Note, error) {
	n := Note{TenantID: tenantID, Branch: branch, NoteID: noteID}
	var archived int
	err := l.db.QueryRowContext(ctx,
		`SELECT title, body, archived FROM notes WHERE tenant_id = ? AND branch = ? AND note_id = ?`,
		tenantID, branch, noteID,
	).Scan(&n.Title, &n.Body, &archived)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNoteNotFound
	}
	if err != nil {
		return Note{}, fmt.Errorf("notes: get note: %w", err)
	}
	n.Archived = archived != 0

	rows, err := l.db.QueryContext(ctx,
		`SELECT tag FROM note_tags WHERE tenant_id = ? AND branch = ? AND note_id = ? ORDER BY tag`,
		tenantID, branch, noteID)
	if err != nil {
		return Note{}, fmt.Errorf("notes: get tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return Note{}, fmt.Errorf("notes: scan tag: %w", err)
		}
		n.Tags = append(n.Tags, tag)
	}
	return n, rows.Err()
}

// CountNotes returns the number of projected notes for a (tenant, branch).
func (l *Lens) CountNotes(ctx context.Context, tenantID, branch string) (int, error) {
	var count int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notes WHERE tenant_id = ? AND branch = ?`,
		tenantID, branch,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("notes: count notes: %w", err)
	}
	return count, nil
}

// Schemas declares the strict payload contract for every kind this lens
// consumes. The server registers them so malformed payloads die at the
// ingestion boundary instead of dead-lettering here.
func Schemas() map[string]envelope.Schema {
	return map[string]envelope.Schema{
		"note.created": {
			Required: map[string]envelope.FieldType{"note_id": envelope.TypeString, "title": envelope.TypeString},
			Optional: map[string]envelope.FieldType{"body": envelope.TypeString},
		},
		"note.updated": {
			Required: map[string]envelope.FieldType{"note_id": envelope.TypeString},
			Optional: map[string]envelope.FieldType{"title": envelope.TypeString, "body": envelope.TypeString},
		},
		"note.archived": {
			Required: map[string]envelope.FieldType{"note_id": envelope.TypeString},
		},
		"note.tagged": {
			Required: map[string]envelope.FieldType{"note_id": envelope.TypeString, "tag": envelope.TypeString},
		},
		"link.added": {
			Required: map[string]envelope.FieldType{"from": envelope.TypeString, "to": envelope.TypeString},
		},
		"link.removed": {
			Required: map[string]envelope.FieldType{"from": envelope.TypeString, "to": envelope.TypeString},
		},
	}
}
