package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/substratehq/chronicle/internal/envelope"
	"github.com/substratehq/chronicle/internal/model"
	"github.com/substratehq/chronicle/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	registry            *envelope.Registry
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	Registry            *envelope.Registry
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		registry:            d.Registry,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAppendEvent handles POST /events: validate, then commit the envelope,
// its outbox record, and the idempotency entry in one transaction.
func (h *Handlers) HandleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var in model.EnvelopeInput
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "malformed JSON body: "+err.Error(), nil)
		return
	}

	env, err := envelope.Validate(in, h.registry)
	if err != nil {
		var vErr *model.ValidationError
		if errors.As(err, &vErr) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, vErr.Reason,
				map[string]string{"field": vErr.Field})
			return
		}
		h.writeInternalError(w, r, "envelope validation", err)
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	res, err := h.db.AppendEvent(r.Context(), env, idempotencyKey)
	if err != nil {
		var cErr *model.ConflictError
		if errors.As(err, &cErr) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
				"idempotency key already used",
				model.ConflictDetails{EventID: cErr.EventID, GlobalSeq: cErr.GlobalSeq})
			return
		}
		h.writeInternalError(w, r, "append event", err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.AppendEventResponse{
		EventID:       res.EventID,
		GlobalSeq:     res.GlobalSeq,
		ReceivedAt:    res.ReceivedAt,
		CorrelationID: CorrelationIDFromContext(r.Context()),
	})
}

// HandleListEvents handles GET /events: one ascending page plus resume cursor.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	tenantID, err := model.ParseTenantID(q.Get("tenant_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error(),
			map[string]string{"field": "tenant_id"})
		return
	}

	branch := q.Get("branch")
	if branch == "" {
		branch = model.DefaultBranch
	}
	if err := model.ValidateBranch(branch); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error(),
			map[string]string{"field": "branch"})
		return
	}

	var afterSeq int64
	if raw := q.Get("after_global_seq"); raw != "" {
		afterSeq, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || afterSeq < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"after_global_seq must be a non-negative integer",
				map[string]string{"field": "after_global_seq"})
			return
		}
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"limit must be a non-negative integer",
				map[string]string{"field": "limit"})
			return
		}
	}

	events, err := h.db.ListEvents(r.Context(), tenantID, branch, q.Get("kind"), afterSeq, limit)
	if err != nil {
		h.writeInternalError(w, r, "list events", err)
		return
	}

	resp := model.ListEventsResponse{Events: events, NextAfterGlobalSeq: afterSeq}
	if len(events) > 0 {
		resp.NextAfterGlobalSeq = events[len(events)-1].GlobalSeq
		resp.HasMore = len(events) == storage.EffectiveListLimit(limit)
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleGetEvent handles GET /events/{event_id}.
func (h *Handlers) HandleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID, err := uuid.Parse(r.PathValue("event_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "event_id must be a valid UUID",
			map[string]string{"field": "event_id"})
		return
	}

	event, err := h.db.GetEvent(r.Context(), eventID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "event not found", nil)
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "get event", err)
		return
	}
	writeJSON(w, r, http.StatusOK, event)
}

// HandleListConsumers handles GET /consumers: the watermark/lag/digest health
// surface for every registered consumer cursor.
func (h *Handlers) HandleListConsumers(w http.ResponseWriter, r *http.Request) {
	tenantID := uuid.Nil
	if raw := r.URL.Query().Get("tenant_id"); raw != "" {
		var err error
		tenantID, err = model.ParseTenantID(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error(),
				map[string]string{"field": "tenant_id"})
			return
		}
	}

	wms, err := h.db.ListWatermarks(r.Context(), tenantID)
	if err != nil {
		h.writeInternalError(w, r, "list watermarks", err)
		return
	}

	// One grouped query for every log head instead of one query per cursor.
	heads, err := h.db.ListHeads(r.Context(), tenantID)
	if err != nil {
		h.writeInternalError(w, r, "log heads", err)
		return
	}

	statuses := make([]model.ConsumerStatus, 0, len(wms))
	for _, wm := range wms {
		head := heads[storage.HeadKey{TenantID: wm.TenantID, Branch: wm.Branch}]
		statuses = append(statuses, model.ConsumerStatus{
			TenantID:  wm.TenantID,
			Branch:    wm.Branch,
			Consumer:  wm.Consumer,
			Watermark: wm.Seq,
			Head:      head,
			Lag:       head - wm.Seq,
			Digest:    wm.Digest,
			State:     wm.State,
			UpdatedAt: wm.UpdatedAt,
		})
	}
	writeJSON(w, r, http.StatusOK, statuses)
}

// HandleListDeadLetters handles GET /outbox/deadletters.
func (h *Handlers) HandleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	tenantID := uuid.Nil
	if raw := r.URL.Query().Get("tenant_id"); raw != "" {
		var err error
		tenantID, err = model.ParseTenantID(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error(),
				map[string]string{"field": "tenant_id"})
			return
		}
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		var err error
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"limit must be a non-negative integer",
				map[string]string{"field": "limit"})
			return
		}
	}

	deadLetters, err := h.db.ListDeadLetters(r.Context(), tenantID, limit)
	if err != nil {
		h.writeInternalError(w, r, "list dead letters", err)
		return
	}
	writeJSON(w, r, http.StatusOK, deadLetters)
}

// HandleReplayDeadLetter handles POST /outbox/deadletters/{id}/replay:
// requeues one dead-lettered delivery for automatic delivery.
func (h *Handlers) HandleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "id must be an integer",
			map[string]string{"field": "id"})
		return
	}

	if err := h.db.ReplayDeadLetter(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "dead-lettered delivery not found", nil)
			return
		}
		h.writeInternalError(w, r, "replay dead letter", err)
		return
	}

	delivery, err := h.db.GetDelivery(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "get delivery", err)
		return
	}
	writeJSON(w, r, http.StatusOK, delivery)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "database unreachable", nil)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeInternalError logs the cause and returns a 500 carrying the
// correlation id so operators can find the matching log line.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error("internal error",
		"op", op,
		"error", err,
		"request_id", RequestIDFromContext(r.Context()),
		"correlation_id", CorrelationIDFromContext(r.Context()),
	)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error", nil)
}
