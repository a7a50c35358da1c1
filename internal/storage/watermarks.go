package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/substratehq/chronicle/internal/model"
)

// GetWatermark returns the cursor for one (tenant, branch, consumer), or
// ErrNotFound on first contact.
func (db *DB) GetWatermark(ctx context.Context, tenantID uuid.UUID, branch, consumer string) (model.Watermark, error) {
	var wm model.Watermark
	err := db.pool.QueryRow(ctx,
		`SELECT tenant_id, branch, consumer, watermark, digest, state, updated_at
		 FROM watermarks WHERE tenant_id = $1 AND branch = $2 AND consumer = $3`,
		tenantID, branch, consumer,
	).Scan(&wm.TenantID, &wm.Branch, &wm.Consumer, &wm.Seq, &wm.Digest, &wm.State, &wm.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Watermark{}, ErrNotFound
	}
	if err != nil {
		return model.Watermark{}, fmt.Errorf("storage: get watermark: %w", err)
	}
	return wm, nil
}

// LoadWatermark is the projection-runtime flavor of GetWatermark: first
// contact reports found=false instead of an error.
func (db *DB) LoadWatermark(ctx context.Context, tenantID uuid.UUID, branch, consumer string) (model.Watermark, bool, error) {
	wm, err := db.GetWatermark(ctx, tenantID, branch, consumer)
	if errors.Is(err, ErrNotFound) {
		return model.Watermark{}, false, nil
	}
	if err != nil {
		return model.Watermark{}, false, err
	}
	return wm, true, nil
}

// SaveWatermark upserts a consumer's cursor. Updates are monotonic: a stale
// writer can never move the watermark backwards.
func (db *DB) SaveWatermark(ctx context.Context, wm model.Watermark) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO watermarks (tenant_id, branch, consumer, watermark, digest, state, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (tenant_id, branch, consumer)
		 DO UPDATE SET watermark = EXCLUDED.watermark, digest = EXCLUDED.digest,
		               state = EXCLUDED.state, updated_at = now()
		 WHERE watermarks.watermark <= EXCLUDED.watermark`,
		wm.TenantID, wm.Branch, wm.Consumer, wm.Seq, wm.Digest, wm.State,
	)
	if err != nil {
		return fmt.Errorf("storage: save watermark: %w", err)
	}
	return nil
}

// ListWatermarks returns all consumer cursors, optionally scoped by tenant,
// for the operator health surface.
func (db *DB) ListWatermarks(ctx context.Context, tenantID uuid.UUID) ([]model.Watermark, error) {
	query := `SELECT tenant_id, branch, consumer, watermark, digest, state, updated_at FROM watermarks`
	args := []any{}
	if tenantID != uuid.Nil {
		query += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	query += ` ORDER BY tenant_id, branch, consumer`

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list watermarks: %w", err)
	}
	defer rows.Close()

	var wms []model.Watermark
	for rows.Next() {
		var wm model.Watermark
		if err := rows.Scan(&wm.TenantID, &wm.Branch, &wm.Consumer, &wm.Seq, &wm.Digest, &wm.State, &wm.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan watermark: %w", err)
		}
		wms = append(wms, wm)
	}
	return wms, rows.Err()
}
