package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/guardeme/internal/db"
	"github.com/lalithlochan/guardeme/internal/intent"
	"github.com/lalithlochan/guardeme/internal/metrics"
	"github.com/lalithlochan/guardeme/internal/redis"
	"github.com/lalithlochan/guardeme/internal/schedule"
	"github.com/lalithlochan/guardeme/internal/worker"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// IntentDecoder turns a transcript into an intent.
type IntentDecoder interface {
	Normalize(ctx context.Context, transcript string, partial bool) (*intent.Intent, error)
}

// MemoryWriter creates a memory together with its schedule.
type MemoryWriter interface {
	CreateMemoryWithSchedule(ctx context.Context, userID uuid.UUID, mi schedule.MemoryInput, si schedule.ScheduleInput) (*schedule.Result, error)
}

// DeliveryRunner runs one claim/dispatch/record pass.
type DeliveryRunner interface {
	Run(ctx context.Context) (worker.Summary, error)
}

// Repository is the direct store access the handlers need.
type Repository interface {
	ListMemoriesByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*db.Memory, error)
	UpsertPushToken(ctx context.Context, t *db.PushToken) error
	UpdateScheduleStatus(ctx context.Context, id uuid.UUID, status string) error
	GetDelivery(ctx context.Context, id uuid.UUID) (*db.Delivery, error)
	RetryDelivery(ctx context.Context, id uuid.UUID) (*db.Delivery, error)
	CreateIntentLog(ctx context.Context, l *db.IntentLog) error
}

// ErrorResponse is an application/problem+json body. Issues is set for
// intent schema violations.
type ErrorResponse struct {
	Type   string         `json:"type"`
	Title  string         `json:"title"`
	Status int            `json:"status"`
	Detail string         `json:"detail,omitempty"`
	Issues []intent.Issue `json:"issues,omitempty"`
}

type DecodeRequest struct {
	TranscriptRedacted string  `json:"transcript_redacted"`
	Partial            bool    `json:"partial,omitempty"`
	UserID             *string `json:"user_id,omitempty"`
}

type CreateScheduleRequest struct {
	UserID   string                 `json:"user_id"`
	Memory   schedule.MemoryInput   `json:"memory"`
	Schedule schedule.ScheduleInput `json:"schedule"`
}

type PushTokenRequest struct {
	UserID   string `json:"user_id"`
	Platform string `json:"platform"`
	Token    string `json:"token"`
}

type Handler struct {
	logger      *zap.Logger
	repo        Repository
	intents     IntentDecoder
	writer      MemoryWriter
	runner      DeliveryRunner
	idempotency *redis.IdempotencyService // nil without Redis
}

func NewHandler(logger *zap.Logger, repo Repository, intents IntentDecoder, writer MemoryWriter, runner DeliveryRunner) *Handler {
	return &Handler{
		logger:  logger,
		repo:    repo,
		intents: intents,
		writer:  writer,
		runner:  runner,
	}
}

// WithIdempotency enables Idempotency-Key handling on schedule/create.
func (h *Handler) WithIdempotency(svc *redis.IdempotencyService) *Handler {
	h.idempotency = svc
	return h
}

// DecodeIntent handles POST /api/intent/decode
func (h *Handler) DecodeIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req DecodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	var userID *uuid.UUID
	if req.UserID != nil && *req.UserID != "" {
		id, err := uuid.Parse(*req.UserID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
			return
		}
		userID = &id
	}

	result, err := h.intents.Normalize(ctx, req.TranscriptRedacted, req.Partial)
	if err != nil {
		kind := intent.KindOf(err)
		metrics.RecordIntentDecode(string(kind))

		var ie *intent.Error
		errors.As(err, &ie)

		switch kind {
		case intent.KindInvalidInput:
			h.writeError(w, http.StatusBadRequest, string(kind), "Invalid transcript", err.Error())
		case intent.KindMalformedResponse, intent.KindSchemaViolation:
			h.writeProblem(w, ErrorResponse{
				Type:   string(kind),
				Title:  "Model output rejected",
				Status: http.StatusUnprocessableEntity,
				Detail: err.Error(),
				Issues: ie.Issues,
			})
		default:
			h.logger.Error("intent decode failed", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "upstream_unavailable", "Intent model unavailable", "")
		}
		return
	}
	metrics.RecordIntentDecode("ok")

	if userID != nil {
		h.logIntent(ctx, *userID, req.TranscriptRedacted, result)
	}

	h.writeJSON(w, http.StatusOK, result)
}

// logIntent is best effort; the decode already succeeded.
func (h *Handler) logIntent(ctx context.Context, userID uuid.UUID, transcript string, result *intent.Intent) {
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	entry := &db.IntentLog{
		ID:                 uuid.New(),
		UserID:             &userID,
		TranscriptRedacted: transcript,
		Intent:             raw,
	}
	if err := h.repo.CreateIntentLog(ctx, entry); err != nil {
		h.logger.Warn("failed to store intent log",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
	}
}

// CreateSchedule handles POST /api/schedule/create
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_input", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	key := r.Header.Get("Idempotency-Key")
	scope := "schedule-create:" + userID.String()
	reserved := false

	if key != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, scope, key)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
		case cached != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		default:
			reserved = true
		}
	}

	result, err := h.writer.CreateMemoryWithSchedule(ctx, userID, req.Memory, req.Schedule)
	if err != nil {
		if reserved {
			if rerr := h.idempotency.Release(context.WithoutCancel(ctx), scope, key); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr))
			}
		}

		var we *schedule.WriteError
		if !errors.As(err, &we) {
			h.logger.Error("failed to create memory with schedule",
				zap.Error(err),
				zap.String("user_id", userID.String()),
			)
			h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create memory", "")
			return
		}

		cause := err
		if we.Err != nil {
			cause = we.Err
		}

		switch we.Kind {
		case schedule.KindInvalidInput:
			h.writeError(w, http.StatusBadRequest, string(we.Kind), "Invalid "+we.Field, err.Error())
		case schedule.KindMemoryCreateFailed:
			h.logger.Error("failed to create memory", zap.Error(err), zap.String("user_id", userID.String()))
			h.writeError(w, http.StatusBadRequest, string(we.Kind), "Failed to create memory", worker.SanitizeError(cause))
		default:
			h.logger.Error("failed to create schedule", zap.Error(err), zap.String("user_id", userID.String()))
			h.writeError(w, http.StatusBadRequest, string(we.Kind), "Failed to create schedule", worker.SanitizeError(cause))
		}
		return
	}

	metrics.RecordMemoryScheduled(result.Schedule.WhenType, result.Schedule.Channel)

	body, err := json.Marshal(map[string]any{
		"success": true,
		"data":    result,
	})
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to encode response", "")
		return
	}

	if reserved {
		cached := &redis.CachedResponse{StatusCode: http.StatusCreated, Body: body}
		if err := h.idempotency.Store(ctx, scope, key, cached, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

// RunDeliveries handles POST /api/deliver/run
func (h *Handler) RunDeliveries(w http.ResponseWriter, r *http.Request) {
	summary, err := h.runner.Run(r.Context())
	if err != nil {
		h.logger.Error("delivery run aborted", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "claim_failed", "Delivery run failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"results": summary,
	})
}

// ListMemories handles GET /api/memories?user_id=xxx&limit=20
func (h *Handler) ListMemories(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userIDStr := r.URL.Query().Get("user_id")
	if userIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user_id", "user_id query parameter is required")
		return
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	limit := defaultListLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = min(l, maxListLimit)
		}
	}

	memories, err := h.repo.ListMemoriesByUser(ctx, userID, limit)
	if err != nil {
		h.logger.Error("failed to list memories",
			zap.Error(err),
			zap.String("user_id", userIDStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list memories", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    memories,
		"count":   len(memories),
	})
}

// RegisterPushToken handles POST /api/push-tokens
func (h *Handler) RegisterPushToken(w http.ResponseWriter, r *http.Request) {
	var req PushTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing token", "token is required")
		return
	}
	if !oneOf(req.Platform, db.Platforms) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid platform",
			"platform must be one of: "+strings.Join(db.Platforms, ", "))
		return
	}

	tok := &db.PushToken{
		ID:       uuid.New(),
		UserID:   userID,
		Platform: req.Platform,
		Token:    req.Token,
	}
	if err := h.repo.UpsertPushToken(r.Context(), tok); err != nil {
		h.logger.Error("failed to register push token", zap.Error(err), zap.String("user_id", req.UserID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to register push token", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    tok,
	})
}

// UpdateScheduleStatus handles PATCH /api/schedules/{id}/status
func (h *Handler) UpdateScheduleStatus(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid schedule ID", "ID must be a valid UUID")
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	// completed is reached only by the recorder.
	settable := []string{db.ScheduleScheduled, db.SchedulePaused, db.ScheduleCanceled}
	if !oneOf(req.Status, settable) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: "+strings.Join(settable, ", "))
		return
	}

	if err := h.repo.UpdateScheduleStatus(r.Context(), id, req.Status); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Schedule not found", "schedule does not exist or is completed")
			return
		}
		h.logger.Error("failed to update schedule status", zap.Error(err), zap.String("id", idStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update schedule", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     idStr,
		"status": req.Status,
	})
}

// GetDelivery handles GET /api/deliveries/{id}
func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid delivery ID", "ID must be a valid UUID")
		return
	}

	del, err := h.repo.GetDelivery(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Delivery not found", "")
			return
		}
		h.logger.Error("failed to get delivery", zap.Error(err), zap.String("id", idStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get delivery", "")
		return
	}

	h.writeJSON(w, http.StatusOK, del)
}

// RetryDelivery handles POST /api/deliveries/{id}/retry
func (h *Handler) RetryDelivery(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid delivery ID", "ID must be a valid UUID")
		return
	}

	retry, err := h.repo.RetryDelivery(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Delivery not found", "")
		case errors.Is(err, db.ErrNotRetryable):
			h.writeError(w, http.StatusConflict, "not_retryable", "Delivery cannot be retried", err.Error())
		default:
			h.logger.Error("failed to retry delivery", zap.Error(err), zap.String("id", idStr))
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to retry delivery", "")
		}
		return
	}

	h.logger.Info("delivery retry queued",
		zap.String("failed_delivery_id", idStr),
		zap.String("new_delivery_id", retry.ID.String()),
	)

	h.writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"data":    retry,
	})
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to encode response", "")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	h.writeProblem(w, ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func (h *Handler) writeProblem(w http.ResponseWriter, p ErrorResponse) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}
