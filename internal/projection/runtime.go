// Package projection is the reusable harness a lens consumer embeds to apply
// events exactly-effectively-once. It tracks a per-(tenant, branch) watermark,
// absorbs at-least-once re-delivery, self-heals gaps against the event log,
// and folds a deterministic state digest for replay-equality verification.
package projection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/substratehq/chronicle/internal/integrity"
	"github.com/substratehq/chronicle/internal/model"
)

// Consumer state machine values, recorded on the watermark row.
const (
	StateUninitialized = "uninitialized"
	StateCatchingUp    = "catching-up"
	StateLive          = "live"
	StateHalted        = "halted"
)

// Applier applies one event's side effects to lens-specific storage.
// Implementations must be idempotent per event_id: a crash between apply and
// watermark save causes re-application, which must not double its effect.
// A returned error aborts the apply without advancing the watermark.
type Applier interface {
	Apply(ctx context.Context, env model.Envelope) error
}

// Reader pages committed events from the event log in ascending global_seq
// order. Used to self-heal when delivery skips ahead of the watermark.
type Reader interface {
	ListEvents(ctx context.Context, tenantID uuid.UUID, branch, kind string, afterSeq int64, limit int) ([]model.Envelope, error)
}

// WatermarkStore persists consumer cursors. Saves must be monotonic.
type WatermarkStore interface {
	LoadWatermark(ctx context.Context, tenantID uuid.UUID, branch, consumer string) (model.Watermark, bool, error)
	SaveWatermark(ctx context.Context, wm model.Watermark) error
}

// backfillPage is how many events one self-healing fetch requests.
const backfillPage = 256

// Runtime drives one consumer. It satisfies the relay's Consumer interface,
// so a lens registers by wrapping its Applier in a Runtime.
//
// Application for a given (tenant, branch) is serialized; independent pairs
// proceed in parallel.
type Runtime struct {
	name       string
	applier    Applier
	watermarks WatermarkStore
	reader     Reader
	logger     *slog.Logger

	mu    sync.Mutex
	pairs map[pairKey]*sync.Mutex
}

type pairKey struct {
	tenant uuid.UUID
	branch string
}

// NewRuntime creates a projection runtime for the named consumer.
func NewRuntime(name string, applier Applier, watermarks WatermarkStore, reader Reader, logger *slog.Logger) *Runtime {
	return &Runtime{
		name:       name,
		applier:    applier,
		watermarks: watermarks,
		reader:     reader,
		logger:     logger,
		pairs:      make(map[pairKey]*sync.Mutex),
	}
}

// Name implements the relay Consumer interface.
func (rt *Runtime) Name() string { return rt.name }

// Deliver implements the relay Consumer interface.
func (rt *Runtime) Deliver(ctx context.Context, env model.Envelope) error {
	return rt.Apply(ctx, env)
}

// Apply processes one delivered event:
//
//   - global_seq <= watermark: already applied, skipped without side effects
//     (this absorbs at-least-once re-delivery).
//   - global_seq == watermark+1: applied in order.
//   - global_seq > watermark+1: the missing range is fetched from the event
//     log and applied first, rather than silently advancing.
//
// The payload hash is verified before any side effect; a mismatch halts this
// consumer for the affected (tenant, branch) until an operator intervenes.
func (rt *Runtime) Apply(ctx context.Context, env model.Envelope) error {
	lock := rt.pairLock(env.TenantID, env.Branch)
	lock.Lock()
	defer lock.Unlock()

	wm, found, err := rt.watermarks.LoadWatermark(ctx, env.TenantID, env.Branch, rt.name)
	if err != nil {
		return fmt.Errorf("projection %s: load watermark: %w", rt.name, err)
	}
	if !found {
		wm = model.Watermark{
			TenantID: env.TenantID,
			Branch:   env.Branch,
			Consumer: rt.name,
			State:    StateUninitialized,
		}
	}
	if wm.State == StateHalted {
		return fmt.Errorf("projection %s: consumer halted for %s/%s, refusing to apply", rt.name, env.TenantID, env.Branch)
	}

	if env.GlobalSeq <= wm.Seq {
		rt.logger.Debug("projection: skipping already-applied event",
			"consumer", rt.name, "event_id", env.EventID, "global_seq", env.GlobalSeq, "watermark", wm.Seq)
		return nil
	}

	if env.GlobalSeq > wm.Seq+1 {
		if wm, err = rt.backfill(ctx, wm, env.GlobalSeq-1); err != nil {
			return err
		}
	}

	return rt.applyNext(ctx, &wm, env, StateLive)
}

// CatchUp replays the backlog for one (tenant, branch) from the current
// watermark to the log head. Used at startup and by replay tooling.
func (rt *Runtime) CatchUp(ctx context.Context, tenantID uuid.UUID, branch string) error {
	lock := rt.pairLock(tenantID, branch)
	lock.Lock()
	defer lock.Unlock()

	wm, found, err := rt.watermarks.LoadWatermark(ctx, tenantID, branch, rt.name)
	if err != nil {
		return fmt.Errorf("projection %s: load watermark: %w", rt.name, err)
	}
	if !found {
		wm = model.Watermark{TenantID: tenantID, Branch: branch, Consumer: rt.name, State: StateUninitialized}
	}
	if wm.State == StateHalted {
		return fmt.Errorf("projection %s: consumer halted for %s/%s", rt.name, tenantID, branch)
	}

	for {
		events, err := rt.reader.ListEvents(ctx, tenantID, branch, "", wm.Seq, backfillPage)
		if err != nil {
			return fmt.Errorf("projection %s: list backlog: %w", rt.name, err)
		}
		if len(events) == 0 {
			return nil
		}
		for _, env := range events {
			if err := rt.applyNext(ctx, &wm, env, StateCatchingUp); err != nil {
				return err
			}
		}
	}
}

// backfill applies the missing range (wm.Seq, upTo] from the event log.
func (rt *Runtime) backfill(ctx context.Context, wm model.Watermark, upTo int64) (model.Watermark, error) {
	rt.logger.Info("projection: healing watermark gap",
		"consumer", rt.name, "tenant_id", wm.TenantID, "branch", wm.Branch,
		"watermark", wm.Seq, "up_to", upTo)

	for wm.Seq < upTo {
		events, err := rt.reader.ListEvents(ctx, wm.TenantID, wm.Branch, "", wm.Seq, backfillPage)
		if err != nil {
			return wm, fmt.Errorf("projection %s: backfill: %w", rt.name, err)
		}
		if len(events) == 0 {
			return wm, fmt.Errorf("projection %s: gap at seq %d not present in event log", rt.name, wm.Seq+1)
		}
		for _, env := range events {
			if env.GlobalSeq > upTo {
				return wm, nil
			}
			if err := rt.applyNext(ctx, &wm, env, StateCatchingUp); err != nil {
				return wm, err
			}
		}
	}
	return wm, nil
}

// applyNext verifies, applies, and commits exactly one event at watermark+1,
// advancing the caller's watermark on success.
func (rt *Runtime) applyNext(ctx context.Context, wm *model.Watermark, env model.Envelope, state string) error {
	if env.GlobalSeq != wm.Seq+1 {
		return fmt.Errorf("projection %s: event %s out of order: global_seq %d, watermark %d",
			rt.name, env.EventID, env.GlobalSeq, wm.Seq)
	}

	canonical, err := integrity.CanonicalPayload(env.Payload)
	if err != nil {
		return fmt.Errorf("projection %s: canonicalize payload: %w", rt.name, err)
	}
	canonicalMeta, err := integrity.CanonicalMetadata(env.Actor.Metadata)
	if err != nil {
		return fmt.Errorf("projection %s: canonicalize metadata: %w", rt.name, err)
	}
	if !integrity.VerifyEnvelopeHash(env.PayloadHash, env.TenantID, env.Branch, env.Kind, env.Actor.Agent, canonicalMeta, env.ClientTimestamp, canonical) {
		rt.halt(ctx, *wm)
		return &integrity.Error{EventID: env.EventID, Stored: env.PayloadHash}
	}

	if err := rt.applier.Apply(ctx, env); err != nil {
		return fmt.Errorf("projection %s: apply event %s: %w", rt.name, env.EventID, err)
	}

	wm.Seq = env.GlobalSeq
	wm.Digest = integrity.FoldDigest(wm.Digest, env.EventID, env.GlobalSeq, canonical)
	wm.State = state
	if err := rt.watermarks.SaveWatermark(ctx, *wm); err != nil {
		// The applier already committed its effect; re-delivery is absorbed
		// by the applier's per-event idempotence, so failing here is safe.
		return fmt.Errorf("projection %s: save watermark: %w", rt.name, err)
	}
	return nil
}

// halt pins the consumer for a (tenant, branch) after an integrity failure.
// Best-effort: the typed error is surfaced regardless.
func (rt *Runtime) halt(ctx context.Context, wm model.Watermark) {
	wm.State = StateHalted
	if err := rt.watermarks.SaveWatermark(ctx, wm); err != nil {
		rt.logger.Error("projection: record halt", "consumer", rt.name, "error", err)
	}
	rt.logger.Error("projection: consumer halted on integrity failure",
		"consumer", rt.name, "tenant_id", wm.TenantID, "branch", wm.Branch, "watermark", wm.Seq)
}

func (rt *Runtime) pairLock(tenantID uuid.UUID, branch string) *sync.Mutex {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	key := pairKey{tenant: tenantID, branch: branch}
	lock, ok := rt.pairs[key]
	if !ok {
		lock = &sync.Mutex{}
		rt.pairs[key] = lock
	}
	return lock
}
