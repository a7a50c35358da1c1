// Package relay delivers committed events from the outbox to registered
// projection consumers. Delivery is at-least-once: consumers absorb
// re-delivery through their watermark check. The relay polls, claims a
// bounded batch under a lease, attempts delivery per record, and records the
// outcome transactionally per record, so a crash at any point loses nothing
// and at worst re-delivers.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/substratehq/chronicle/internal/model"
	"github.com/substratehq/chronicle/internal/storage"
	"github.com/substratehq/chronicle/internal/telemetry"
)

// Consumer is a registered delivery endpoint for one projection. Deliver
// returns nil to acknowledge, a plain error for a transient failure (the
// relay retries with backoff), or a PermanentError to reject the event
// irrecoverably (immediate dead-letter).
type Consumer interface {
	Name() string
	Deliver(ctx context.Context, env model.Envelope) error
}

// Config holds the relay's tunable delivery parameters.
type Config struct {
	PollInterval    time.Duration
	BatchSize       int
	Workers         int
	LeaseDuration   time.Duration // must exceed DeliveryTimeout so a live claim never expires mid-attempt
	DeliveryTimeout time.Duration
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	MaxAttempts     int
	PruneRetention  time.Duration
}

// Relay polls the outbox and drives the per-consumer delivery state machine.
type Relay struct {
	db        *storage.DB
	consumers []Consumer
	names     []string
	logger    *slog.Logger
	cfg       Config

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	lastPrune  time.Time
	drainCh    chan context.Context // carries the drain context to pollLoop for the final poll
}

// New creates a relay over the given consumers. Consumer names must be
// unique; they key the per-consumer delivery state. The backoff fields are
// validated here because backoff computes jitter from BackoffBase and a zero
// base would panic on the first failed delivery.
func New(db *storage.DB, consumers []Consumer, logger *slog.Logger, cfg Config) (*Relay, error) {
	if cfg.BackoffBase <= 0 {
		return nil, fmt.Errorf("relay: BackoffBase must be positive, got %s", cfg.BackoffBase)
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		return nil, fmt.Errorf("relay: BackoffCap %s must be at least BackoffBase %s", cfg.BackoffCap, cfg.BackoffBase)
	}
	seen := make(map[string]bool, len(consumers))
	names := make([]string, 0, len(consumers))
	for _, c := range consumers {
		if c.Name() == "" {
			return nil, fmt.Errorf("relay: consumer with empty name")
		}
		if seen[c.Name()] {
			return nil, fmt.Errorf("relay: duplicate consumer name %q", c.Name())
		}
		seen[c.Name()] = true
		names = append(names, c.Name())
	}
	return &Relay{
		db:        db,
		consumers: consumers,
		names:     names,
		logger:    logger,
		cfg:       cfg,
		done:      make(chan struct{}),
		drainCh:   make(chan context.Context, 1),
	}, nil
}

// Start begins the background poll loop. Safe to call only once; subsequent
// calls are no-ops and log a warning.
func (r *Relay) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		r.logger.Warn("relay: Start called more than once, ignoring")
		return
	}
	r.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancelLoop = cancel
	go r.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, runs a final poll for in-flight work,
// and blocks until done or the context expires. A relay that never started
// has no loop to wait for, so Drain returns immediately.
func (r *Relay) Drain(ctx context.Context) {
	if !r.started.Load() {
		return
	}
	select {
	case r.drainCh <- ctx:
	default:
	}
	if r.cancelLoop != nil {
		r.cancelLoop()
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("relay: drain timed out")
	}
}

func (r *Relay) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-r.drainCh:
			default:
			}
			if drainCtx != nil {
				r.processBatch(drainCtx)
			} else {
				// Direct cancellation without Drain (e.g., tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				r.processBatch(fallbackCtx)
				cancel()
			}
			r.once.Do(func() { close(r.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, r.batchBudget())
			r.processBatch(batchCtx)
			cancel()
		}
	}
}

// batchBudget bounds one poll iteration. The claim lease must outlive it so
// another worker cannot pick up rows this one is still processing.
func (r *Relay) batchBudget() time.Duration {
	budget := r.cfg.LeaseDuration / 2
	if budget < r.cfg.DeliveryTimeout {
		budget = r.cfg.DeliveryTimeout
	}
	return budget
}

// ProcessOnce runs a single fan-out/claim/deliver cycle. Exposed for tests
// and for operator-triggered catch-up.
func (r *Relay) ProcessOnce(ctx context.Context) {
	r.processBatch(ctx)
}

func (r *Relay) processBatch(ctx context.Context) {
	if _, err := r.db.FanOutDeliveries(ctx, r.names); err != nil {
		r.logger.Error("relay: fan out", "error", err)
		return
	}

	deliveries, err := r.db.ClaimDueDeliveries(ctx, r.names, r.cfg.BatchSize, r.cfg.LeaseDuration)
	if err != nil {
		r.logger.Error("relay: claim batch", "error", err)
		return
	}
	if len(deliveries) > 0 {
		r.deliverBatch(ctx, deliveries)
	}

	if _, err := r.db.SettleOutbox(ctx); err != nil {
		r.logger.Error("relay: settle outbox", "error", err)
	}

	if time.Since(r.lastPrune) > time.Hour {
		if n, err := r.db.PruneDelivered(ctx, r.cfg.PruneRetention); err != nil {
			r.logger.Error("relay: prune delivered", "error", err)
		} else if n > 0 {
			r.logger.Info("relay: pruned delivered outbox records", "count", n)
		}
		r.lastPrune = time.Now()
	}
}

// streamKey partitions claimed deliveries so one goroutine owns all work for
// a (tenant, branch, consumer) — strict per-pair ordering — while distinct
// pairs proceed fully in parallel.
type streamKey struct {
	tenant   string
	branch   string
	consumer string
}

func (r *Relay) deliverBatch(ctx context.Context, deliveries []model.OutboxDelivery) {
	eventIDs := make([]uuid.UUID, len(deliveries))
	for i, d := range deliveries {
		eventIDs[i] = d.EventID
	}
	envelopes, err := r.db.FetchEnvelopes(ctx, eventIDs)
	if err != nil {
		r.logger.Error("relay: fetch envelopes", "error", err, "count", len(eventIDs))
		return
	}

	byName := make(map[string]Consumer, len(r.consumers))
	for _, c := range r.consumers {
		byName[c.Name()] = c
	}

	// ClaimDueDeliveries returns rows ordered by global_seq, so each stream's
	// slice is already in log order.
	streams := make(map[streamKey][]model.OutboxDelivery)
	var order []streamKey
	for _, d := range deliveries {
		key := streamKey{tenant: d.TenantID.String(), branch: d.Branch, consumer: d.Consumer}
		if _, ok := streams[key]; !ok {
			order = append(order, key)
		}
		streams[key] = append(streams[key], d)
	}

	workers := r.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, key := range order {
		stream := streams[key]
		g.Go(func() error {
			r.deliverStream(gctx, byName[key.consumer], stream, envelopes)
			return nil
		})
	}
	_ = g.Wait()
}

// deliverStream attempts each delivery of one (tenant, branch, consumer)
// stream in global_seq order. The first failure stops the stream for this
// cycle: later events stay claimed-but-unprocessed and become due again when
// the lease expires, which keeps re-delivery ordered.
func (r *Relay) deliverStream(ctx context.Context, consumer Consumer, stream []model.OutboxDelivery, envelopes map[uuid.UUID]model.Envelope) {
	for _, d := range stream {
		env, ok := envelopes[d.EventID]
		if !ok {
			// Event row missing for a committed outbox record: storage
			// corruption. Dead-letter so an operator sees it.
			r.failDelivery(ctx, d, fmt.Errorf("event %s not found for outbox record", d.EventID), true)
			return
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.DeliveryTimeout)
		err := consumer.Deliver(attemptCtx, env)
		cancel()

		if err == nil {
			if mErr := r.db.MarkDelivered(ctx, d.ID); mErr != nil {
				r.logger.Error("relay: mark delivered", "error", mErr, "delivery_id", d.ID)
				return
			}
			continue
		}

		// A timed-out attempt is a transient failure, never a silent drop.
		permanent := IsPermanent(err) && !errors.Is(err, context.DeadlineExceeded)
		r.failDelivery(ctx, d, err, permanent)
		return
	}
}

func (r *Relay) failDelivery(ctx context.Context, d model.OutboxDelivery, deliverErr error, permanent bool) {
	dead := permanent || d.Attempts+1 >= r.cfg.MaxAttempts
	nextAttempt := time.Now().UTC().Add(r.backoff(d.Attempts))

	if err := r.db.MarkFailed(ctx, d.ID, deliverErr.Error(), nextAttempt, dead); err != nil {
		r.logger.Error("relay: mark failed", "error", err, "delivery_id", d.ID)
		return
	}

	if dead {
		r.logger.Warn("relay: dead-lettered delivery",
			"delivery_id", d.ID,
			"event_id", d.EventID,
			"consumer", d.Consumer,
			"global_seq", d.GlobalSeq,
			"attempts", d.Attempts+1,
			"permanent", permanent,
			"error", deliverErr,
		)
		return
	}
	r.logger.Debug("relay: delivery failed, will retry",
		"delivery_id", d.ID,
		"consumer", d.Consumer,
		"attempts", d.Attempts+1,
		"next_attempt_at", nextAttempt,
		"error", deliverErr,
	)
}

// backoff computes the delay before the next attempt: base * 2^attempts,
// capped, plus up to one base of jitter to spread retries during an outage.
func (r *Relay) backoff(attempts int) time.Duration {
	delay := r.cfg.BackoffBase
	for range attempts {
		delay *= 2
		if delay >= r.cfg.BackoffCap {
			delay = r.cfg.BackoffCap
			break
		}
	}
	jitter := time.Duration(rand.Int64N(int64(r.cfg.BackoffBase))) //nolint:gosec // jitter doesn't need crypto-strength randomness
	return delay + jitter
}

// registerMetrics registers an observable OTEL gauge for backlog depth.
func (r *Relay) registerMetrics() {
	meter := telemetry.Meter("chronicle/relay")

	_, _ = meter.Int64ObservableGauge("chronicle.relay.backlog",
		metric.WithDescription("Number of delivery rows still awaiting delivery"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			count, err := r.db.CountBacklog(ctx)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(count)
			return nil
		}),
	)
}
