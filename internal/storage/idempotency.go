package storage

import (
	"context"
	"fmt"
	"time"
)

// CleanupIdempotencyKeys removes index entries older than ttl. The events they
// point at are untouched — only the deduplication window shrinks, so a caller
// retrying after the window is treated as submitting a new, distinct event.
func (db *DB) CleanupIdempotencyKeys(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE created_at < now() - ($1 * interval '1 microsecond')`,
		ttl.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
