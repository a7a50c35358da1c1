package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/substratehq/chronicle/internal/model"
)

// MaxListLimit caps a single event page to bound response size.
const MaxListLimit = 1000

// defaultListLimit applies when the caller passes limit <= 0.
const defaultListLimit = 100

// EffectiveListLimit normalizes a caller-supplied page size the same way
// ListEvents does, so callers can tell a full page from the last one.
func EffectiveListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// AppendEvent commits one validated envelope in a single transaction:
// idempotency check, per-(tenant, branch) sequence assignment, event row,
// matching outbox record, and idempotency index entry.
//
// Sequence assignment locks only the (tenant, branch) counter row, so
// concurrent appends on the same pair serialize while independent pairs never
// block each other. A rollback releases the row lock before the increment is
// visible, which keeps committed sequences gapless.
//
// A duplicate idempotency key fails with *model.ConflictError identifying the
// original event; no new row and no new outbox record are written.
func (db *DB) AppendEvent(ctx context.Context, env model.Envelope, idempotencyKey string) (model.AppendResult, error) {
	var res model.AppendResult
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		var txErr error
		res, txErr = db.appendEventTx(ctx, env, idempotencyKey)
		return txErr
	})
	if err == nil {
		return res, nil
	}

	// A concurrent append with the same key can slip past the lookup and
	// surface as a unique violation on the idempotency index. Re-read the
	// committed winner and report the conflict it owns.
	var pgErr *pgconn.PgError
	if idempotencyKey != "" && errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "idempotency_keys_pkey" {
		if original, lookupErr := db.lookupIdempotencyKey(ctx, env.TenantID, env.Branch, idempotencyKey); lookupErr == nil {
			return model.AppendResult{}, original
		}
	}
	return model.AppendResult{}, err
}

func (db *DB) appendEventTx(ctx context.Context, env model.Envelope, idempotencyKey string) (model.AppendResult, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.AppendResult{}, fmt.Errorf("storage: begin append tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if idempotencyKey != "" {
		var eventID uuid.UUID
		var globalSeq int64
		err := tx.QueryRow(ctx,
			`SELECT event_id, global_seq FROM idempotency_keys
			 WHERE tenant_id = $1 AND branch = $2 AND idempotency_key = $3`,
			env.TenantID, env.Branch, idempotencyKey,
		).Scan(&eventID, &globalSeq)
		switch {
		case err == nil:
			return model.AppendResult{}, &model.ConflictError{EventID: eventID, GlobalSeq: globalSeq}
		case errors.Is(err, pgx.ErrNoRows):
			// Key is free; proceed.
		default:
			return model.AppendResult{}, fmt.Errorf("storage: idempotency lookup: %w", err)
		}
	}

	var globalSeq int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO branch_sequences (tenant_id, branch, next_seq)
		 VALUES ($1, $2, 1)
		 ON CONFLICT (tenant_id, branch)
		 DO UPDATE SET next_seq = branch_sequences.next_seq + 1
		 RETURNING next_seq`,
		env.TenantID, env.Branch,
	).Scan(&globalSeq); err != nil {
		return model.AppendResult{}, fmt.Errorf("storage: assign sequence: %w", err)
	}

	eventID := uuid.New()
	receivedAt := time.Now().UTC()

	var idemKey *string
	if idempotencyKey != "" {
		idemKey = &idempotencyKey
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO events (tenant_id, branch, global_seq, event_id, kind, payload, actor, client_timestamp, received_at, payload_hash, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		env.TenantID, env.Branch, globalSeq, eventID, env.Kind, env.Payload, env.Actor,
		env.ClientTimestamp, receivedAt, env.PayloadHash, idemKey,
	); err != nil {
		return model.AppendResult{}, fmt.Errorf("storage: insert event: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO outbox (tenant_id, branch, global_seq, event_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		env.TenantID, env.Branch, globalSeq, eventID, model.DeliveryPending, receivedAt,
	); err != nil {
		return model.AppendResult{}, fmt.Errorf("storage: insert outbox record: %w", err)
	}

	if idempotencyKey != "" {
		if _, err := tx.Exec(ctx,
			`INSERT INTO idempotency_keys (tenant_id, branch, idempotency_key, event_id, global_seq)
			 VALUES ($1, $2, $3, $4, $5)`,
			env.TenantID, env.Branch, idempotencyKey, eventID, globalSeq,
		); err != nil {
			return model.AppendResult{}, fmt.Errorf("storage: record idempotency key: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.AppendResult{}, fmt.Errorf("storage: commit append: %w", err)
	}

	return model.AppendResult{EventID: eventID, GlobalSeq: globalSeq, ReceivedAt: receivedAt}, nil
}

// ListEvents returns events for a (tenant, branch) in ascending global_seq
// order, resuming after afterSeq, optionally filtered by kind. The limit is
// capped at MaxListLimit.
func (db *DB) ListEvents(ctx context.Context, tenantID uuid.UUID, branch, kind string, afterSeq int64, limit int) ([]model.Envelope, error) {
	limit = EffectiveListLimit(limit)

	query := `SELECT tenant_id, branch, global_seq, event_id, kind, payload, actor, client_timestamp, received_at, payload_hash
	          FROM events
	          WHERE tenant_id = $1 AND branch = $2 AND global_seq > $3`
	args := []any{tenantID, branch, afterSeq}
	if kind != "" {
		query += ` AND kind = $4`
		args = append(args, kind)
	}
	query += fmt.Sprintf(` ORDER BY global_seq ASC LIMIT %d`, limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	return scanEnvelopes(rows)
}

// GetEvent retrieves a single event by identity, or ErrNotFound.
func (db *DB) GetEvent(ctx context.Context, eventID uuid.UUID) (model.Envelope, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT tenant_id, branch, global_seq, event_id, kind, payload, actor, client_timestamp, received_at, payload_hash
		 FROM events WHERE event_id = $1`, eventID)

	env, err := scanEnvelope(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Envelope{}, ErrNotFound
	}
	if err != nil {
		return model.Envelope{}, fmt.Errorf("storage: get event: %w", err)
	}
	return env, nil
}

// Head returns the highest committed global_seq for a (tenant, branch),
// or 0 when the pair has no events.
func (db *DB) Head(ctx context.Context, tenantID uuid.UUID, branch string) (int64, error) {
	var head int64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(global_seq), 0) FROM events WHERE tenant_id = $1 AND branch = $2`,
		tenantID, branch,
	).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("storage: head: %w", err)
	}
	return head, nil
}

// HeadKey identifies one (tenant, branch) log in bulk head lookups.
type HeadKey struct {
	TenantID uuid.UUID
	Branch   string
}

// ListHeads returns the highest committed global_seq of every (tenant,
// branch) in one query, optionally scoped by tenant. Pairs with no events
// are absent from the map.
func (db *DB) ListHeads(ctx context.Context, tenantID uuid.UUID) (map[HeadKey]int64, error) {
	query := `SELECT tenant_id, branch, MAX(global_seq) FROM events`
	args := []any{}
	if tenantID != uuid.Nil {
		query += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	query += ` GROUP BY tenant_id, branch`

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list heads: %w", err)
	}
	defer rows.Close()

	heads := make(map[HeadKey]int64)
	for rows.Next() {
		var key HeadKey
		var head int64
		if err := rows.Scan(&key.TenantID, &key.Branch, &head); err != nil {
			return nil, fmt.Errorf("storage: scan head: %w", err)
		}
		heads[key] = head
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list heads: %w", err)
	}
	return heads, nil
}

func (db *DB) lookupIdempotencyKey(ctx context.Context, tenantID uuid.UUID, branch, key string) (*model.ConflictError, error) {
	var eventID uuid.UUID
	var globalSeq int64
	if err := db.pool.QueryRow(ctx,
		`SELECT event_id, global_seq FROM idempotency_keys
		 WHERE tenant_id = $1 AND branch = $2 AND idempotency_key = $3`,
		tenantID, branch, key,
	).Scan(&eventID, &globalSeq); err != nil {
		return nil, err
	}
	return &model.ConflictError{EventID: eventID, GlobalSeq: globalSeq}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (model.Envelope, error) {
	var e model.Envelope
	if err := row.Scan(
		&e.TenantID, &e.Branch, &e.GlobalSeq, &e.EventID, &e.Kind,
		&e.Payload, &e.Actor, &e.ClientTimestamp, &e.ReceivedAt, &e.PayloadHash,
	); err != nil {
		return model.Envelope{}, err
	}
	return e, nil
}

func scanEnvelopes(rows pgx.Rows) ([]model.Envelope, error) {
	var events []model.Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
