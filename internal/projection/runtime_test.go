package projection

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratehq/chronicle/internal/integrity"
	"github.com/substratehq/chronicle/internal/model"
	"github.com/substratehq/chronicle/internal/testutil"
)

var testTenant = uuid.MustParse("3f1d0a6c-9b2e-4c5d-8e7f-0a1b2c3d4e5f")

// fakeApplier records applied event IDs and can be told to fail.
type fakeApplier struct {
	applied []uuid.UUID
	failOn  map[uuid.UUID]error
}

func (a *fakeApplier) Apply(_ context.Context, env model.Envelope) error {
	if err, ok := a.failOn[env.EventID]; ok {
		return err
	}
	a.applied = append(a.applied, env.EventID)
	return nil
}

// fakeLog is an in-memory event log ordered by global_seq.
type fakeLog struct {
	events []model.Envelope
}

func (l *fakeLog) ListEvents(_ context.Context, tenantID uuid.UUID, branch, kind string, afterSeq int64, limit int) ([]model.Envelope, error) {
	var out []model.Envelope
	for _, e := range l.events {
		if e.TenantID == tenantID && e.Branch == branch && e.GlobalSeq > afterSeq {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// fakeWatermarks is an in-memory watermark store.
type fakeWatermarks struct {
	rows     map[string]model.Watermark
	saveErr  error
	loadErr  error
	saveSeen []model.Watermark
}

func newFakeWatermarks() *fakeWatermarks {
	return &fakeWatermarks{rows: make(map[string]model.Watermark)}
}

func wmKey(tenantID uuid.UUID, branch, consumer string) string {
	return tenantID.String() + "/" + branch + "/" + consumer
}

func (s *fakeWatermarks) LoadWatermark(_ context.Context, tenantID uuid.UUID, branch, consumer string) (model.Watermark, bool, error) {
	if s.loadErr != nil {
		return model.Watermark{}, false, s.loadErr
	}
	wm, ok := s.rows[wmKey(tenantID, branch, consumer)]
	return wm, ok, nil
}

func (s *fakeWatermarks) SaveWatermark(_ context.Context, wm model.Watermark) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saveSeen = append(s.saveSeen, wm)
	s.rows[wmKey(wm.TenantID, wm.Branch, wm.Consumer)] = wm
	return nil
}

// makeEvent builds a committed envelope with a correct payload hash.
func makeEvent(t *testing.T, seq int64, payload map[string]any) model.Envelope {
	t.Helper()
	canonical, err := integrity.CanonicalPayload(payload)
	require.NoError(t, err)

	env := model.Envelope{
		TenantID:  testTenant,
		Branch:    "main",
		EventID:   uuid.New(),
		Kind:      "note.created",
		Payload:   payload,
		Actor:     model.Actor{Agent: "agent-1"},
		GlobalSeq: seq,
	}
	env.PayloadHash = integrity.ComputeEnvelopeHash(env.TenantID, env.Branch, env.Kind, env.Actor.Agent, nil, nil, canonical)
	return env
}

func newTestRuntime(applier Applier, store WatermarkStore, log Reader) *Runtime {
	return NewRuntime("test-lens", applier, store, log, testutil.TestLogger())
}

func TestApplyInOrder(t *testing.T) {
	applier := &fakeApplier{}
	store := newFakeWatermarks()
	log := &fakeLog{}
	rt := newTestRuntime(applier, store, log)

	e1 := makeEvent(t, 1, map[string]any{"n": float64(1)})
	e2 := makeEvent(t, 2, map[string]any{"n": float64(2)})
	log.events = []model.Envelope{e1, e2}

	require.NoError(t, rt.Apply(context.Background(), e1))
	require.NoError(t, rt.Apply(context.Background(), e2))

	assert.Equal(t, []uuid.UUID{e1.EventID, e2.EventID}, applier.applied)

	wm := store.rows[wmKey(testTenant, "main", "test-lens")]
	assert.Equal(t, int64(2), wm.Seq)
	assert.Equal(t, StateLive, wm.State)
	assert.NotEmpty(t, wm.Digest)
}

func TestApplySkipsAlreadyApplied(t *testing.T) {
	applier := &fakeApplier{}
	store := newFakeWatermarks()
	rt := newTestRuntime(applier, store, &fakeLog{})

	e1 := makeEvent(t, 1, map[string]any{"n": float64(1)})
	require.NoError(t, rt.Apply(context.Background(), e1))
	digest := store.rows[wmKey(testTenant, "main", "test-lens")].Digest

	// Re-delivery of the same event is a no-op.
	require.NoError(t, rt.Apply(context.Background(), e1))
	assert.Len(t, applier.applied, 1)
	assert.Equal(t, digest, store.rows[wmKey(testTenant, "main", "test-lens")].Digest)
}

func TestApplyBackfillsGap(t *testing.T) {
	applier := &fakeApplier{}
	store := newFakeWatermarks()
	log := &fakeLog{}
	rt := newTestRuntime(applier, store, log)

	e1 := makeEvent(t, 1, map[string]any{"n": float64(1)})
	e2 := makeEvent(t, 2, map[string]any{"n": float64(2)})
	e3 := makeEvent(t, 3, map[string]any{"n": float64(3)})
	log.events = []model.Envelope{e1, e2, e3}

	// Deliver seq 3 first; the runtime must fetch and apply 1 and 2 from
	// the log before 3.
	require.NoError(t, rt.Apply(context.Background(), e3))

	assert.Equal(t, []uuid.UUID{e1.EventID, e2.EventID, e3.EventID}, applier.applied)
	assert.Equal(t, int64(3), store.rows[wmKey(testTenant, "main", "test-lens")].Seq)
}

func TestApplyGapMissingFromLogFails(t *testing.T) {
	applier := &fakeApplier{}
	store := newFakeWatermarks()
	rt := newTestRuntime(applier, store, &fakeLog{})

	e3 := makeEvent(t, 3, map[string]any{"n": float64(3)})
	err := rt.Apply(context.Background(), e3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gap")
	assert.Empty(t, applier.applied)
}

func TestApplyHaltsOnIntegrityFailure(t *testing.T) {
	applier := &fakeApplier{}
	store := newFakeWatermarks()
	rt := newTestRuntime(applier, store, &fakeLog{})

	e1 := makeEvent(t, 1, map[string]any{"n": float64(1)})
	e1.PayloadHash = "v1:" + "00000000000000000000000000000000000000000000000000000000deadbeef"

	err := rt.Apply(context.Background(), e1)
	var intErr *integrity.Error
	require.ErrorAs(t, err, &intErr)
	assert.Equal(t, e1.EventID, intErr.EventID)
	assert.Empty(t, applier.applied)

	// The consumer is pinned; later deliveries are refused.
	wm := store.rows[wmKey(testTenant, "main", "test-lens")]
	assert.Equal(t, StateHalted, wm.State)

	e2 := makeEvent(t, 1, map[string]any{"n": float64(1)})
	err = rt.Apply(context.Background(), e2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "halted")
}

func TestApplyDoesNotAdvanceOnApplierError(t *testing.T) {
	e1 := makeEvent(t, 1, map[string]any{"n": float64(1)})
	applier := &fakeApplier{failOn: map[uuid.UUID]error{e1.EventID: fmt.Errorf("lens storage down")}}
	store := newFakeWatermarks()
	rt := newTestRuntime(applier, store, &fakeLog{})

	require.Error(t, rt.Apply(context.Background(), e1))
	_, found := store.rows[wmKey(testTenant, "main", "test-lens")]
	assert.False(t, found, "watermark must not advance past a failed apply")

	// Retry succeeds once the applier recovers.
	applier.failOn = nil
	require.NoError(t, rt.Apply(context.Background(), e1))
	assert.Equal(t, int64(1), store.rows[wmKey(testTenant, "main", "test-lens")].Seq)
}

func TestCatchUpReplaysBacklog(t *testing.T) {
	applier := &fakeApplier{}
	store := newFakeWatermarks()
	log := &fakeLog{}
	rt := newTestRuntime(applier, store, log)

	for seq := int64(1); seq <= 5; seq++ {
		log.events = append(log.events, makeEvent(t, seq, map[string]any{"n": float64(seq)}))
	}

	require.NoError(t, rt.CatchUp(context.Background(), testTenant, "main"))
	assert.Len(t, applier.applied, 5)

	wm := store.rows[wmKey(testTenant, "main", "test-lens")]
	assert.Equal(t, int64(5), wm.Seq)
	assert.Equal(t, StateCatchingUp, wm.State)
}

func TestReplayDigestDeterministic(t *testing.T) {
	log := &fakeLog{}
	for seq := int64(1); seq <= 4; seq++ {
		log.events = append(log.events, makeEvent(t, seq, map[string]any{"n": float64(seq)}))
	}

	replay := func() string {
		store := newFakeWatermarks()
		rt := newTestRuntime(&fakeApplier{}, store, log)
		require.NoError(t, rt.CatchUp(context.Background(), testTenant, "main"))
		return store.rows[wmKey(testTenant, "main", "test-lens")].Digest
	}

	first := replay()
	assert.NotEmpty(t, first)
	assert.Equal(t, first, replay(), "independent replays over the same log must converge on one digest")
}

func TestRuntimeIsARelayConsumer(t *testing.T) {
	rt := newTestRuntime(&fakeApplier{}, newFakeWatermarks(), &fakeLog{})
	assert.Equal(t, "test-lens", rt.Name())

	e1 := makeEvent(t, 1, map[string]any{"n": float64(1)})
	require.NoError(t, rt.Deliver(context.Background(), e1))
}
