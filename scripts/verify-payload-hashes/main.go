// Command verify-payload-hashes audits the event log for storage corruption.
// It recomputes the envelope hash of every committed event from its canonical
// fields and compares it with the stored payload_hash.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./scripts/verify-payload-hashes
//
// The scan is read-only. Mismatches are printed one per line with the event's
// identity; a non-zero exit code signals that at least one was found. The
// stored hash is the source of truth for projection replay, so a mismatch
// means the event row was altered after commit and the affected (tenant,
// branch) logs need operator attention before any consumer replays them.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/substratehq/chronicle/internal/integrity"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	rows, err := pool.Query(ctx,
		`SELECT tenant_id, branch, global_seq, event_id, kind, payload,
		        actor->>'agent', COALESCE(actor->'metadata', '{}'::jsonb), client_timestamp, payload_hash
		 FROM events
		 ORDER BY tenant_id, branch, global_seq ASC`)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var total, mismatched int
	for rows.Next() {
		var (
			tenantID   uuid.UUID
			branch     string
			globalSeq  int64
			eventID    uuid.UUID
			kind       string
			payload    map[string]any
			agent      string
			metadata   map[string]any
			clientTS   *time.Time
			storedHash string
		)
		if err := rows.Scan(&tenantID, &branch, &globalSeq, &eventID, &kind, &payload, &agent, &metadata, &clientTS, &storedHash); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		total++

		canonical, err := integrity.CanonicalPayload(payload)
		if err != nil {
			return fmt.Errorf("canonicalize event %s: %w", eventID, err)
		}
		canonicalMeta, err := integrity.CanonicalMetadata(metadata)
		if err != nil {
			return fmt.Errorf("canonicalize metadata for event %s: %w", eventID, err)
		}
		if !integrity.VerifyEnvelopeHash(storedHash, tenantID, branch, kind, agent, canonicalMeta, clientTS, canonical) {
			mismatched++
			fmt.Printf("MISMATCH tenant=%s branch=%s global_seq=%d event_id=%s kind=%s stored=%s\n",
				tenantID, branch, globalSeq, eventID, kind, storedHash)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows: %w", err)
	}

	fmt.Printf("scanned %d events, %d hash mismatches\n", total, mismatched)
	if mismatched > 0 {
		os.Exit(1)
	}
	return nil
}
