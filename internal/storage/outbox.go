package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/substratehq/chronicle/internal/model"
)

// FanOutDeliveries creates per-consumer delivery rows for every outbox record
// not yet settled. The insert is idempotent (ON CONFLICT DO NOTHING), so a
// crash between fan-out and claim never duplicates work items, and consumers
// registered after an event was committed still receive its backlog.
func (db *DB) FanOutDeliveries(ctx context.Context, consumers []string) (int64, error) {
	if len(consumers) == 0 {
		return 0, nil
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO outbox_deliveries (tenant_id, branch, global_seq, event_id, consumer, state, next_attempt_at)
		 SELECT o.tenant_id, o.branch, o.global_seq, o.event_id, c.name, $1, now()
		 FROM outbox o
		 CROSS JOIN unnest($2::text[]) AS c(name)
		 WHERE o.status = $3
		 ON CONFLICT (tenant_id, branch, global_seq, consumer) DO NOTHING`,
		model.DeliveryPending, consumers, model.DeliveryPending,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: fan out deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ClaimDueDeliveries selects a bounded batch of due delivery rows for the
// given consumers and leases them until lockedUntil. Claimed rows are skipped
// by concurrent workers (FOR UPDATE SKIP LOCKED plus the lease), so a row is
// never processed by two workers at once. Rows come back ordered by
// (tenant, branch, global_seq) so per-pair delivery stays in log order.
func (db *DB) ClaimDueDeliveries(ctx context.Context, consumers []string, batchSize int, lease time.Duration) ([]model.OutboxDelivery, error) {
	if len(consumers) == 0 || batchSize <= 0 {
		return nil, nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx,
		`SELECT id, tenant_id, branch, global_seq, event_id, consumer, state, attempts, next_attempt_at, last_error, created_at, updated_at
		 FROM outbox_deliveries
		 WHERE consumer = ANY($1)
		   AND state IN ($2, $3)
		   AND next_attempt_at <= now()
		   AND (locked_until IS NULL OR locked_until < now())
		 ORDER BY tenant_id, branch, global_seq ASC
		 LIMIT $4
		 FOR UPDATE SKIP LOCKED`,
		consumers, model.DeliveryPending, model.DeliveryRetryable, batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: select due deliveries: %w", err)
	}

	deliveries, err := scanDeliveries(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: scan deliveries: %w", err)
	}
	if len(deliveries) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, len(deliveries))
	for i, d := range deliveries {
		ids[i] = d.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE outbox_deliveries
		 SET locked_until = now() + ($1 * interval '1 microsecond')
		 WHERE id = ANY($2)`,
		lease.Microseconds(), ids,
	); err != nil {
		return nil, fmt.Errorf("storage: lease deliveries: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit claim: %w", err)
	}
	return deliveries, nil
}

// MarkDelivered transitions one claimed delivery to delivered and releases
// its lease.
func (db *DB) MarkDelivered(ctx context.Context, id int64) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE outbox_deliveries
		 SET state = $1, locked_until = NULL, last_error = NULL, updated_at = now()
		 WHERE id = $2`,
		model.DeliveryDelivered, id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark delivered: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt on one claimed delivery. Retryable
// failures schedule the next attempt at nextAttemptAt; dead-lettered rows are
// excluded from automatic delivery until an operator replays them.
func (db *DB) MarkFailed(ctx context.Context, id int64, errMsg string, nextAttemptAt time.Time, dead bool) error {
	state := model.DeliveryRetryable
	if dead {
		state = model.DeliveryDeadLettered
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE outbox_deliveries
		 SET state = $1, attempts = attempts + 1, last_error = $2,
		     next_attempt_at = $3, locked_until = NULL, updated_at = now()
		 WHERE id = $4`,
		state, errMsg, nextAttemptAt.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark failed: %w", err)
	}
	return nil
}

// ListDeadLetters returns dead-lettered deliveries, optionally scoped by
// tenant, newest first.
func (db *DB) ListDeadLetters(ctx context.Context, tenantID uuid.UUID, limit int) ([]model.OutboxDelivery, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	query := `SELECT id, tenant_id, branch, global_seq, event_id, consumer, state, attempts, next_attempt_at, last_error, created_at, updated_at
	          FROM outbox_deliveries WHERE state = $1`
	args := []any{model.DeliveryDeadLettered}
	if tenantID != uuid.Nil {
		query += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}
	query += fmt.Sprintf(` ORDER BY updated_at DESC LIMIT %d`, limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list dead letters: %w", err)
	}
	defer rows.Close()

	return scanDeliveries(rows)
}

// ReplayDeadLetter requeues one dead-lettered delivery for automatic
// delivery: state back to pending, attempt counter reset, due immediately.
func (db *DB) ReplayDeadLetter(ctx context.Context, id int64) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE outbox_deliveries
		 SET state = $1, attempts = 0, next_attempt_at = now(), locked_until = NULL, updated_at = now()
		 WHERE id = $2 AND state = $3`,
		model.DeliveryPending, id, model.DeliveryDeadLettered,
	)
	if err != nil {
		return fmt.Errorf("storage: replay dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SettleOutbox flips outbox records to delivered once every per-consumer
// delivery row has reached a terminal state (delivered or dead-lettered).
// Settled records are eligible for archival via PruneDelivered.
func (db *DB) SettleOutbox(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE outbox o
		 SET status = $1
		 WHERE o.status = $2
		   AND EXISTS (
		     SELECT 1 FROM outbox_deliveries d
		     WHERE d.tenant_id = o.tenant_id AND d.branch = o.branch AND d.global_seq = o.global_seq)
		   AND NOT EXISTS (
		     SELECT 1 FROM outbox_deliveries d
		     WHERE d.tenant_id = o.tenant_id AND d.branch = o.branch AND d.global_seq = o.global_seq
		       AND d.state NOT IN ($3, $4))`,
		model.DeliveryDelivered, model.DeliveryPending,
		model.DeliveryDelivered, model.DeliveryDeadLettered,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: settle outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneDelivered archives settled outbox records and their delivered delivery
// rows older than the retention window. Dead-lettered delivery rows are kept
// for operator inspection.
func (db *DB) PruneDelivered(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM outbox o
		 WHERE o.status = $1
		   AND o.created_at < now() - ($2 * interval '1 microsecond')
		   AND NOT EXISTS (
		     SELECT 1 FROM outbox_deliveries d
		     WHERE d.tenant_id = o.tenant_id AND d.branch = o.branch AND d.global_seq = o.global_seq
		       AND d.state = $3)`,
		model.DeliveryDelivered, retention.Microseconds(), model.DeliveryDeadLettered,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: prune delivered outbox: %w", err)
	}
	if tag.RowsAffected() > 0 {
		if _, err := db.pool.Exec(ctx,
			`DELETE FROM outbox_deliveries d
			 WHERE d.state = $1
			   AND NOT EXISTS (
			     SELECT 1 FROM outbox o
			     WHERE o.tenant_id = d.tenant_id AND o.branch = d.branch AND o.global_seq = d.global_seq)`,
			model.DeliveryDelivered,
		); err != nil {
			return tag.RowsAffected(), fmt.Errorf("storage: prune delivery rows: %w", err)
		}
	}
	return tag.RowsAffected(), nil
}

// CountBacklog returns the number of delivery rows still awaiting delivery.
func (db *DB) CountBacklog(ctx context.Context) (int64, error) {
	var count int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox_deliveries WHERE state IN ($1, $2)`,
		model.DeliveryPending, model.DeliveryRetryable,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count backlog: %w", err)
	}
	return count, nil
}

// FetchEnvelopes loads the events behind a claimed batch, keyed by event_id.
func (db *DB) FetchEnvelopes(ctx context.Context, eventIDs []uuid.UUID) (map[uuid.UUID]model.Envelope, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT tenant_id, branch, global_seq, event_id, kind, payload, actor, client_timestamp, received_at, payload_hash
		 FROM events WHERE event_id = ANY($1)`,
		eventIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: fetch envelopes: %w", err)
	}
	defer rows.Close()

	envelopes, err := scanEnvelopes(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]model.Envelope, len(envelopes))
	for _, e := range envelopes {
		byID[e.EventID] = e
	}
	return byID, nil
}

func scanDeliveries(rows pgx.Rows) ([]model.OutboxDelivery, error) {
	defer rows.Close()
	var deliveries []model.OutboxDelivery
	for rows.Next() {
		var d model.OutboxDelivery
		if err := rows.Scan(
			&d.ID, &d.TenantID, &d.Branch, &d.GlobalSeq, &d.EventID, &d.Consumer,
			&d.State, &d.Attempts, &d.NextAttemptAt, &d.LastError, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// GetDelivery returns one delivery row by id, or ErrNotFound.
func (db *DB) GetDelivery(ctx context.Context, id int64) (model.OutboxDelivery, error) {
	var d model.OutboxDelivery
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, branch, global_seq, event_id, consumer, state, attempts, next_attempt_at, last_error, created_at, updated_at
		 FROM outbox_deliveries WHERE id = $1`, id,
	).Scan(
		&d.ID, &d.TenantID, &d.Branch, &d.GlobalSeq, &d.EventID, &d.Consumer,
		&d.State, &d.Attempts, &d.NextAttemptAt, &d.LastError, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.OutboxDelivery{}, ErrNotFound
	}
	if err != nil {
		return model.OutboxDelivery{}, fmt.Errorf("storage: get delivery: %w", err)
	}
	return d, nil
}
