package storage_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratehq/chronicle/internal/integrity"
	"github.com/substratehq/chronicle/internal/model"
	"github.com/substratehq/chronicle/internal/storage"
	"github.com/substratehq/chronicle/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var (
	testDB     *storage.DB
	testLogger *slog.Logger
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()
	testLogger = testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up test DB: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func newEnvelope(t *testing.T, tenantID uuid.UUID, branch, kind string, payload map[string]any) model.Envelope {
	t.Helper()
	canonical, err := json.Marshal(payload)
	require.NoError(t, err)

	env := model.Envelope{
		TenantID: tenantID,
		Branch:   branch,
		Kind:     kind,
		Payload:  payload,
		Actor:    model.Actor{Agent: "storage-test"},
	}
	env.PayloadHash = integrity.ComputeEnvelopeHash(tenantID, branch, kind, env.Actor.Agent, nil, nil, canonical)
	return env
}

func mustAppend(t *testing.T, tenantID uuid.UUID, branch, kind string, payload map[string]any) model.AppendResult {
	t.Helper()
	res, err := testDB.AppendEvent(context.Background(),
		newEnvelope(t, tenantID, branch, kind, payload), "")
	require.NoError(t, err)
	return res
}

func TestAppendAssignsGaplessSequence(t *testing.T) {
	tenantID := uuid.New()

	for i := 1; i <= 5; i++ {
		res := mustAppend(t, tenantID, "main", "note.created", map[string]any{"n": i})
		assert.Equal(t, int64(i), res.GlobalSeq)
		assert.NotEqual(t, uuid.Nil, res.EventID)
		assert.False(t, res.ReceivedAt.IsZero())
	}

	head, err := testDB.Head(context.Background(), tenantID, "main")
	require.NoError(t, err)
	assert.Equal(t, int64(5), head)
}

func TestAppendSequencesPerBranch(t *testing.T) {
	tenantID := uuid.New()

	main1 := mustAppend(t, tenantID, "main", "note.created", map[string]any{"n": 1})
	draft1 := mustAppend(t, tenantID, "draft", "note.created", map[string]any{"n": 1})
	main2 := mustAppend(t, tenantID, "main", "note.created", map[string]any{"n": 2})

	assert.Equal(t, int64(1), main1.GlobalSeq)
	assert.Equal(t, int64(1), draft1.GlobalSeq)
	assert.Equal(t, int64(2), main2.GlobalSeq)
}

func TestAppendSequencesPerTenant(t *testing.T) {
	a := uuid.New()
	b := uuid.New()

	resA := mustAppend(t, a, "main", "note.created", map[string]any{})
	resB := mustAppend(t, b, "main", "note.created", map[string]any{})

	assert.Equal(t, int64(1), resA.GlobalSeq)
	assert.Equal(t, int64(1), resB.GlobalSeq)
}

func TestConcurrentAppendsStayGapless(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	const writers = 20

	envs := make([]model.Envelope, writers)
	for i := range writers {
		envs[i] = newEnvelope(t, tenantID, "main", "note.created", map[string]any{"writer": i})
	}

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := testDB.AppendEvent(ctx, envs[i], ""); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events, err := testDB.ListEvents(ctx, tenantID, "main", "", 0, writers)
	require.NoError(t, err)
	require.Len(t, events, writers)
	for i, env := range events {
		assert.Equal(t, int64(i+1), env.GlobalSeq)
	}
}

func TestAppendIdempotencyConflict(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()

	env := newEnvelope(t, tenantID, "main", "note.created", map[string]any{"note_id": "n1"})
	first, err := testDB.AppendEvent(ctx, env, "key-1")
	require.NoError(t, err)

	_, err = testDB.AppendEvent(ctx, env, "key-1")
	var conflict *model.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.EventID, conflict.EventID)
	assert.Equal(t, first.GlobalSeq, conflict.GlobalSeq)

	// The duplicate wrote nothing: no event row, no sequence consumed.
	head, err := testDB.Head(ctx, tenantID, "main")
	require.NoError(t, err)
	assert.Equal(t, first.GlobalSeq, head)
}

func TestIdempotencyKeyScopedToBranch(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()

	_, err := testDB.AppendEvent(ctx,
		newEnvelope(t, tenantID, "main", "note.created", map[string]any{}), "key-1")
	require.NoError(t, err)

	// Same key on another branch is a fresh claim.
	_, err = testDB.AppendEvent(ctx,
		newEnvelope(t, tenantID, "draft", "note.created", map[string]any{}), "key-1")
	require.NoError(t, err)
}

func TestConcurrentAppendsSameKeyOneWinner(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	const racers = 10

	type outcome struct {
		res model.AppendResult
		err error
	}
	envs := make([]model.Envelope, racers)
	for i := range racers {
		envs[i] = newEnvelope(t, tenantID, "main", "note.created", map[string]any{})
	}

	results := make(chan outcome, racers)
	var wg sync.WaitGroup
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := testDB.AppendEvent(ctx, envs[i], "contended-key")
			results <- outcome{res: res, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var winners []model.AppendResult
	var conflicts []*model.ConflictError
	for o := range results {
		if o.err == nil {
			winners = append(winners, o.res)
			continue
		}
		var conflict *model.ConflictError
		require.ErrorAs(t, o.err, &conflict)
		conflicts = append(conflicts, conflict)
	}

	require.Len(t, winners, 1)
	require.Len(t, conflicts, racers-1)
	for _, c := range conflicts {
		assert.Equal(t, winners[0].EventID, c.EventID)
		assert.Equal(t, winners[0].GlobalSeq, c.GlobalSeq)
	}
}

func TestCleanupIdempotencyKeysShrinksWindow(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()

	_, err := testDB.AppendEvent(ctx,
		newEnvelope(t, tenantID, "main", "note.created", map[string]any{}), "expiring-key")
	require.NoError(t, err)

	// A generous TTL keeps the key.
	_, err = testDB.CleanupIdempotencyKeys(ctx, time.Hour)
	require.NoError(t, err)
	_, err = testDB.AppendEvent(ctx,
		newEnvelope(t, tenantID, "main", "note.created", map[string]any{}), "expiring-key")
	var conflict *model.ConflictError
	require.ErrorAs(t, err, &conflict)

	// A zero TTL expires everything; the retry lands as a new event.
	n, err := testDB.CleanupIdempotencyKeys(ctx, 0)
	require.NoError(t, err)
	assert.Positive(t, n)

	res, err := testDB.AppendEvent(ctx,
		newEnvelope(t, tenantID, "main", "note.created", map[string]any{}), "expiring-key")
	require.NoError(t, err)
	assert.NotEqual(t, conflict.EventID, res.EventID)
}

func TestListEventsPagination(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()

	for i := 1; i <= 7; i++ {
		mustAppend(t, tenantID, "main", "note.created", map[string]any{"n": i})
	}

	page1, err := testDB.ListEvents(ctx, tenantID, "main", "", 0, 3)
	require.NoError(t, err)
	require.Len(t, page1, 3)
	assert.Equal(t, int64(3), page1[2].GlobalSeq)

	page2, err := testDB.ListEvents(ctx, tenantID, "main", "", page1[2].GlobalSeq, 3)
	require.NoError(t, err)
	require.Len(t, page2, 3)
	assert.Equal(t, int64(4), page2[0].GlobalSeq)

	page3, err := testDB.ListEvents(ctx, tenantID, "main", "", page2[2].GlobalSeq, 3)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, int64(7), page3[0].GlobalSeq)
}

func TestListEventsKindFilter(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()

	mustAppend(t, tenantID, "main", "note.created", map[string]any{})
	mustAppend(t, tenantID, "main", "note.archived", map[string]any{})
	mustAppend(t, tenantID, "main", "note.created", map[string]any{})

	got, err := testDB.ListEvents(ctx, tenantID, "main", "note.created", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, env := range got {
		assert.Equal(t, "note.created", env.Kind)
	}
}

func TestListEventsIsolatesBranches(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()

	mustAppend(t, tenantID, "main", "note.created", map[string]any{"b": "main"})
	mustAppend(t, tenantID, "draft", "note.created", map[string]any{"b": "draft"})

	got, err := testDB.ListEvents(ctx, tenantID, "draft", "", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "draft", got[0].Branch)
}

func TestEffectiveListLimit(t *testing.T) {
	assert.Equal(t, 100, storage.EffectiveListLimit(0))
	assert.Equal(t, 100, storage.EffectiveListLimit(-5))
	assert.Equal(t, 25, storage.EffectiveListLimit(25))
	assert.Equal(t, storage.MaxListLimit, storage.EffectiveListLimit(storage.MaxListLimit+1))
}

func TestGetEventRoundTrip(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	env := newEnvelope(t, tenantID, "main", "note.created", map[string]any{"note_id": "n1"})
	env.ClientTimestamp = &ts
	res, err := testDB.AppendEvent(ctx, env, "")
	require.NoError(t, err)

	got, err := testDB.GetEvent(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, tenantID, got.TenantID)
	assert.Equal(t, "main", got.Branch)
	assert.Equal(t, res.GlobalSeq, got.GlobalSeq)
	assert.Equal(t, "note.created", got.Kind)
	assert.Equal(t, map[string]any{"note_id": "n1"}, got.Payload)
	assert.Equal(t, "storage-test", got.Actor.Agent)
	assert.Equal(t, env.PayloadHash, got.PayloadHash)
	require.NotNil(t, got.ClientTimestamp)
	assert.True(t, ts.Equal(*got.ClientTimestamp))
}

// The hash covers actor metadata, so it must still verify after the metadata
// round-trips through the jsonb column.
func TestGetEventHashVerifiesWithMetadata(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	payload := map[string]any{"note_id": "n1"}
	metadata := map[string]any{"session": "s-1", "trace": "t-9"}

	canonical, err := json.Marshal(payload)
	require.NoError(t, err)
	canonicalMeta, err := integrity.CanonicalMetadata(metadata)
	require.NoError(t, err)

	env := model.Envelope{
		TenantID: tenantID,
		Branch:   "main",
		Kind:     "note.created",
		Payload:  payload,
		Actor:    model.Actor{Agent: "storage-test", Metadata: metadata},
	}
	env.PayloadHash = integrity.ComputeEnvelopeHash(tenantID, "main", env.Kind, env.Actor.Agent, canonicalMeta, nil, canonical)

	res, err := testDB.AppendEvent(ctx, env, "")
	require.NoError(t, err)

	got, err := testDB.GetEvent(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, metadata, got.Actor.Metadata)

	gotCanonical, err := integrity.CanonicalPayload(got.Payload)
	require.NoError(t, err)
	gotMeta, err := integrity.CanonicalMetadata(got.Actor.Metadata)
	require.NoError(t, err)
	assert.True(t, integrity.VerifyEnvelopeHash(got.PayloadHash,
		got.TenantID, got.Branch, got.Kind, got.Actor.Agent, gotMeta, got.ClientTimestamp, gotCanonical))
}

func TestGetEventNotFound(t *testing.T) {
	_, err := testDB.GetEvent(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHeadEmptyBranch(t *testing.T) {
	head, err := testDB.Head(context.Background(), uuid.New(), "main")
	require.NoError(t, err)
	assert.Equal(t, int64(0), head)
}

func TestListHeadsGroupsByPair(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	other := uuid.New()

	mustAppend(t, tenantID, "main", "note.created", map[string]any{"n": 1})
	mustAppend(t, tenantID, "main", "note.created", map[string]any{"n": 2})
	mustAppend(t, tenantID, "draft", "note.created", map[string]any{"n": 1})
	mustAppend(t, other, "main", "note.created", map[string]any{"n": 1})

	heads, err := testDB.ListHeads(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, map[storage.HeadKey]int64{
		{TenantID: tenantID, Branch: "main"}:  2,
		{TenantID: tenantID, Branch: "draft"}: 1,
	}, heads)

	// Unscoped lookups span tenants.
	all, err := testDB.ListHeads(ctx, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), all[storage.HeadKey{TenantID: tenantID, Branch: "main"}])
	assert.Equal(t, int64(1), all[storage.HeadKey{TenantID: other, Branch: "main"}])
}

func TestWatermarkLifecycle(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()

	_, found, err := testDB.LoadWatermark(ctx, tenantID, "main", "notes")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = testDB.GetWatermark(ctx, tenantID, "main", "notes")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	wm := model.Watermark{
		TenantID: tenantID, Branch: "main", Consumer: "notes",
		Seq: 3, Digest: "d3", State: "live",
	}
	require.NoError(t, testDB.SaveWatermark(ctx, wm))

	got, found, err := testDB.LoadWatermark(ctx, tenantID, "main", "notes")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(3), got.Seq)
	assert.Equal(t, "d3", got.Digest)
	assert.Equal(t, "live", got.State)
}

func TestSaveWatermarkIsMonotonic(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()

	wm := model.Watermark{TenantID: tenantID, Branch: "main", Consumer: "notes", Seq: 5, Digest: "d5", State: "live"}
	require.NoError(t, testDB.SaveWatermark(ctx, wm))

	// A stale writer cannot move the cursor backwards.
	stale := wm
	stale.Seq = 2
	stale.Digest = "d2"
	require.NoError(t, testDB.SaveWatermark(ctx, stale))

	got, err := testDB.GetWatermark(ctx, tenantID, "main", "notes")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Seq)
	assert.Equal(t, "d5", got.Digest)

	// Same-seq updates go through, so a consumer can record a state change
	// without advancing.
	halted := wm
	halted.State = "halted"
	require.NoError(t, testDB.SaveWatermark(ctx, halted))

	got, err = testDB.GetWatermark(ctx, tenantID, "main", "notes")
	require.NoError(t, err)
	assert.Equal(t, "halted", got.State)
}

func TestListWatermarksScopedByTenant(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	other := uuid.New()

	require.NoError(t, testDB.SaveWatermark(ctx, model.Watermark{
		TenantID: tenantID, Branch: "main", Consumer: "notes", Seq: 1, Digest: "d", State: "live"}))
	require.NoError(t, testDB.SaveWatermark(ctx, model.Watermark{
		TenantID: tenantID, Branch: "draft", Consumer: "notes", Seq: 2, Digest: "d", State: "live"}))
	require.NoError(t, testDB.SaveWatermark(ctx, model.Watermark{
		TenantID: other, Branch: "main", Consumer: "notes", Seq: 9, Digest: "d", State: "live"}))

	got, err := testDB.ListWatermarks(ctx, tenantID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "draft", got[0].Branch)
	assert.Equal(t, "main", got[1].Branch)
}

func TestFanOutDeliveriesIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	consumers := []string{"fanout-a", "fanout-b"}

	mustAppend(t, tenantID, "main", "note.created", map[string]any{})
	mustAppend(t, tenantID, "main", "note.created", map[string]any{})

	n, err := testDB.FanOutDeliveries(ctx, consumers)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(4))

	// Re-running creates nothing new for these events.
	var count int
	err = testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM outbox_deliveries WHERE tenant_id = $1`, tenantID).Scan(&count)
	require.NoError(t, err)
	_, err = testDB.FanOutDeliveries(ctx, consumers)
	require.NoError(t, err)
	var after int
	err = testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM outbox_deliveries WHERE tenant_id = $1`, tenantID).Scan(&after)
	require.NoError(t, err)
	assert.Equal(t, count, after)
}

// claimForTenant claims a large batch and filters to one tenant. Fan-out
// covers every pending outbox record in the shared database, so a test's
// consumer picks up rows from other tests' tenants too.
func claimForTenant(t *testing.T, tenantID uuid.UUID, consumers []string, lease time.Duration) []model.OutboxDelivery {
	t.Helper()
	claimed, err := testDB.ClaimDueDeliveries(context.Background(), consumers, 1000, lease)
	require.NoError(t, err)
	var mine []model.OutboxDelivery
	for _, d := range claimed {
		if d.TenantID == tenantID {
			mine = append(mine, d)
		}
	}
	return mine
}

func TestClaimDueDeliveriesLeases(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	consumer := "lease-lens"

	mustAppend(t, tenantID, "main", "note.created", map[string]any{})
	_, err := testDB.FanOutDeliveries(ctx, []string{consumer})
	require.NoError(t, err)

	claimed := claimForTenant(t, tenantID, []string{consumer}, 200*time.Millisecond)
	require.Len(t, claimed, 1)
	assert.Equal(t, consumer, claimed[0].Consumer)

	// A second claim inside the lease window sees nothing.
	again := claimForTenant(t, tenantID, []string{consumer}, 200*time.Millisecond)
	assert.Empty(t, again)

	// Once the lease lapses, the row is claimable again.
	time.Sleep(250 * time.Millisecond)
	again = claimForTenant(t, tenantID, []string{consumer}, 200*time.Millisecond)
	require.Len(t, again, 1)
	assert.Equal(t, claimed[0].ID, again[0].ID)
}

func TestFetchEnvelopes(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()

	r1 := mustAppend(t, tenantID, "main", "note.created", map[string]any{"n": 1})
	r2 := mustAppend(t, tenantID, "main", "note.created", map[string]any{"n": 2})

	got, err := testDB.FetchEnvelopes(ctx, []uuid.UUID{r1.EventID, r2.EventID, uuid.New()})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[r1.EventID].GlobalSeq)
	assert.Equal(t, int64(2), got[r2.EventID].GlobalSeq)
}

func TestGetDelivery(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	consumer := "get-delivery-lens"

	res := mustAppend(t, tenantID, "main", "note.created", map[string]any{})
	_, err := testDB.FanOutDeliveries(ctx, []string{consumer})
	require.NoError(t, err)

	var id int64
	err = testDB.Pool().QueryRow(ctx,
		`SELECT id FROM outbox_deliveries WHERE event_id = $1 AND consumer = $2`,
		res.EventID, consumer).Scan(&id)
	require.NoError(t, err)

	got, err := testDB.GetDelivery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, res.EventID, got.EventID)
	assert.Equal(t, model.DeliveryPending, got.State)

	_, err = testDB.GetDelivery(ctx, -1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSettleOutboxWaitsForAllConsumers(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	consumers := []string{"settle-a", "settle-b"}

	res := mustAppend(t, tenantID, "main", "note.created", map[string]any{})
	_, err := testDB.FanOutDeliveries(ctx, consumers)
	require.NoError(t, err)

	claimed := claimForTenant(t, tenantID, consumers, time.Minute)

	deliveryIDs := make(map[string]int64)
	for _, d := range claimed {
		if d.EventID == res.EventID {
			deliveryIDs[d.Consumer] = d.ID
		}
	}
	require.Len(t, deliveryIDs, 2)

	// One consumer down, record stays pending.
	require.NoError(t, testDB.MarkDelivered(ctx, deliveryIDs["settle-a"]))
	_, err = testDB.SettleOutbox(ctx)
	require.NoError(t, err)

	var status model.DeliveryState
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT status FROM outbox WHERE event_id = $1`, res.EventID).Scan(&status))
	assert.Equal(t, model.DeliveryPending, status)

	// Both down, record settles.
	require.NoError(t, testDB.MarkDelivered(ctx, deliveryIDs["settle-b"]))
	_, err = testDB.SettleOutbox(ctx)
	require.NoError(t, err)

	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT status FROM outbox WHERE event_id = $1`, res.EventID).Scan(&status))
	assert.Equal(t, model.DeliveryDelivered, status)
}

func TestPruneDeliveredKeepsDeadLetters(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	consumer := "prune-lens"

	settled := mustAppend(t, tenantID, "main", "note.created", map[string]any{"n": 1})
	poisoned := mustAppend(t, tenantID, "main", "note.created", map[string]any{"n": 2})

	_, err := testDB.FanOutDeliveries(ctx, []string{consumer})
	require.NoError(t, err)
	claimed := claimForTenant(t, tenantID, []string{consumer}, time.Minute)

	for _, d := range claimed {
		switch d.EventID {
		case settled.EventID:
			require.NoError(t, testDB.MarkDelivered(ctx, d.ID))
		case poisoned.EventID:
			require.NoError(t, testDB.MarkFailed(ctx, d.ID, "poison", time.Now(), true))
		}
	}
	_, err = testDB.SettleOutbox(ctx)
	require.NoError(t, err)

	// Age the records past the retention window.
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE outbox SET created_at = now() - interval '2 days' WHERE tenant_id = $1`, tenantID)
	require.NoError(t, err)

	_, err = testDB.PruneDelivered(ctx, 24*time.Hour)
	require.NoError(t, err)

	var remaining int
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM outbox WHERE tenant_id = $1`, tenantID).Scan(&remaining))
	assert.Equal(t, 1, remaining, "record with a dead letter survives pruning")

	var deadRows int
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM outbox_deliveries WHERE tenant_id = $1 AND state = $2`,
		tenantID, model.DeliveryDeadLettered).Scan(&deadRows))
	assert.Equal(t, 1, deadRows)

	// The event log itself is untouched by outbox pruning.
	events, err := testDB.ListEvents(ctx, tenantID, "main", "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestCountBacklog(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	consumer := "backlog-lens"

	before, err := testDB.CountBacklog(ctx)
	require.NoError(t, err)

	mustAppend(t, tenantID, "main", "note.created", map[string]any{})
	_, err = testDB.FanOutDeliveries(ctx, []string{consumer})
	require.NoError(t, err)

	after, err := testDB.CountBacklog(ctx)
	require.NoError(t, err)
	assert.Greater(t, after, before)
}
