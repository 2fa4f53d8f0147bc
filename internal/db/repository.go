package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ErrNotFound is wrapped by lookups that match no row.
var ErrNotFound = errors.New("not found")

// ErrNotRetryable is returned when retrying a delivery that has not failed
// or whose occurrence already has a live retry.
var ErrNotRetryable = errors.New("only failed deliveries can be retried")

// DefaultClaimBatch bounds a claim when the caller passes a non-positive size.
const DefaultClaimBatch = 50

// Repository handles database operations for memories, schedules and deliveries
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type scanner interface {
	Scan(dest ...any) error
}

const memoryColumns = `id, user_id, content_type, content_text, media_path, source, tags, privacy_mode, created_at`

func scanMemory(row scanner, m *Memory) error {
	return row.Scan(
		&m.ID,
		&m.UserID,
		&m.ContentType,
		&m.ContentText,
		&m.MediaPath,
		&m.Source,
		&m.Tags,
		&m.PrivacyMode,
		&m.CreatedAt,
	)
}

const scheduleColumns = `id, user_id, memory_id, when_type, dtstart, rrule, timezone, channel, status, next_run_at, created_at`

func scanSchedule(row scanner, s *Schedule) error {
	return row.Scan(
		&s.ID,
		&s.UserID,
		&s.MemoryID,
		&s.WhenType,
		&s.DTStart,
		&s.RRule,
		&s.Timezone,
		&s.Channel,
		&s.Status,
		&s.NextRunAt,
		&s.CreatedAt,
	)
}

const deliveryColumns = `id, user_id, schedule_id, channel, status, attempt, last_error, run_at, created_at, updated_at`

func scanDelivery(row scanner, d *Delivery) error {
	return row.Scan(
		&d.ID,
		&d.UserID,
		&d.ScheduleID,
		&d.Channel,
		&d.Status,
		&d.Attempt,
		&d.LastError,
		&d.RunAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
}

// CreateMemory inserts a new memory.
func (r *Repository) CreateMemory(ctx context.Context, m *Memory) error {
	if m.Tags == nil {
		m.Tags = []string{}
	}

	query := `
		INSERT INTO memories (
			id, user_id, content_type, content_text, media_path,
			source, tags, privacy_mode
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		m.ID,
		m.UserID,
		m.ContentType,
		m.ContentText,
		m.MediaPath,
		m.Source,
		m.Tags,
		m.PrivacyMode,
	).Scan(&m.CreatedAt)
	if err != nil {
		r.logger.Error("failed to create memory",
			zap.Error(err),
			zap.String("memory_id", m.ID.String()),
		)
		return fmt.Errorf("insert memory: %w", err)
	}

	r.logger.Info("memory created",
		zap.String("memory_id", m.ID.String()),
		zap.String("user_id", m.UserID.String()),
		zap.String("content_type", m.ContentType),
	)

	return nil
}

// GetMemory retrieves a memory by ID
func (r *Repository) GetMemory(ctx context.Context, id uuid.UUID) (*Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE id = $1`

	var m Memory
	err := scanMemory(r.db.Pool().QueryRow(ctx, query, id), &m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query memory: %w", err)
	}

	return &m, nil
}

// DeleteMemory removes a memory. Schedules and deliveries cascade.
func (r *Repository) DeleteMemory(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		r.logger.Error("failed to delete memory",
			zap.Error(err),
			zap.String("memory_id", id.String()),
		)
		return fmt.Errorf("delete memory: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}

	r.logger.Info("memory deleted", zap.String("memory_id", id.String()))

	return nil
}

// ListMemoriesByUser returns the newest memories of a user.
func (r *Repository) ListMemoriesByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Memory, error) {
	query := `
		SELECT ` + memoryColumns + `
		FROM memories
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	memories := []*Memory{}
	for rows.Next() {
		var m Memory
		if err := scanMemory(rows, &m); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		memories = append(memories, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return memories, nil
}

// CreateSchedule inserts a new schedule.
func (r *Repository) CreateSchedule(ctx context.Context, s *Schedule) error {
	query := `
		INSERT INTO schedules (
			id, user_id, memory_id, when_type, dtstart, rrule,
			timezone, channel, status, next_run_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		s.ID,
		s.UserID,
		s.MemoryID,
		s.WhenType,
		s.DTStart,
		s.RRule,
		s.Timezone,
		s.Channel,
		s.Status,
		s.NextRunAt,
	).Scan(&s.CreatedAt)
	if err != nil {
		r.logger.Error("failed to create schedule",
			zap.Error(err),
			zap.String("schedule_id", s.ID.String()),
			zap.String("memory_id", s.MemoryID.String()),
		)
		return fmt.Errorf("insert schedule: %w", err)
	}

	r.logger.Info("schedule created",
		zap.String("schedule_id", s.ID.String()),
		zap.String("when_type", s.WhenType),
		zap.String("channel", s.Channel),
	)

	return nil
}

// GetSchedule retrieves a schedule by ID
func (r *Repository) GetSchedule(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1`

	var s Schedule
	err := scanSchedule(r.db.Pool().QueryRow(ctx, query, id), &s)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query schedule: %w", err)
	}

	return &s, nil
}

// GetScheduleWithMemory loads a schedule joined to its memory.
func (r *Repository) GetScheduleWithMemory(ctx context.Context, scheduleID uuid.UUID) (*Schedule, *Memory, error) {
	query := `
		SELECT
			s.id, s.user_id, s.memory_id, s.when_type, s.dtstart, s.rrule,
			s.timezone, s.channel, s.status, s.next_run_at, s.created_at,
			m.id, m.user_id, m.content_type, m.content_text, m.media_path,
			m.source, m.tags, m.privacy_mode, m.created_at
		FROM schedules s
		JOIN memories m ON m.id = s.memory_id
		WHERE s.id = $1
	`

	var s Schedule
	var m Memory
	err := r.db.Pool().QueryRow(ctx, query, scheduleID).Scan(
		&s.ID, &s.UserID, &s.MemoryID, &s.WhenType, &s.DTStart, &s.RRule,
		&s.Timezone, &s.Channel, &s.Status, &s.NextRunAt, &s.CreatedAt,
		&m.ID, &m.UserID, &m.ContentType, &m.ContentText, &m.MediaPath,
		&m.Source, &m.Tags, &m.PrivacyMode, &m.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("schedule or memory for %s: %w", scheduleID, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("query schedule with memory: %w", err)
	}

	return &s, &m, nil
}

// UpdateScheduleStatus changes the status of a schedule that is not completed.
func (r *Repository) UpdateScheduleStatus(ctx context.Context, id uuid.UUID, status string) error {
	query := `
		UPDATE schedules
		SET status = $1
		WHERE id = $2 AND status <> 'completed'
	`

	result, err := r.db.Pool().Exec(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("update schedule status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s (or already completed): %w", id, ErrNotFound)
	}

	r.logger.Info("schedule status updated",
		zap.String("schedule_id", id.String()),
		zap.String("status", status),
	)

	return nil
}

// AdvanceSchedule moves a scheduled schedule past the occurrence at runAt.
// A nil next completes the schedule. Paused and canceled schedules are left
// alone. Both updates only move forward, so repeating the call for the same
// occurrence changes nothing.
func (r *Repository) AdvanceSchedule(ctx context.Context, id uuid.UUID, runAt time.Time, next *time.Time) (bool, error) {
	var query string
	var args []any

	if next != nil {
		query = `
			UPDATE schedules
			SET next_run_at = $2
			WHERE id = $1
			  AND status = 'scheduled'
			  AND (next_run_at IS NULL OR next_run_at < $2)
		`
		args = []any{id, *next}
	} else {
		query = `
			UPDATE schedules
			SET status = 'completed', next_run_at = NULL
			WHERE id = $1
			  AND status = 'scheduled'
			  AND (next_run_at IS NULL OR next_run_at <= $2)
		`
		args = []any{id, runAt}
	}

	result, err := r.db.Pool().Exec(ctx, query, args...)
	if err != nil {
		r.logger.Error("failed to advance schedule",
			zap.Error(err),
			zap.String("schedule_id", id.String()),
		)
		return false, fmt.Errorf("advance schedule: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// EnqueueDueDeliveries creates one pending delivery for every scheduled
// occurrence that is due and has neither a live nor a succeeded delivery.
// An occurrence whose deliveries all failed without moving the schedule on
// (refused while paused, or the advance was lost) is enqueued again.
func (r *Repository) EnqueueDueDeliveries(ctx context.Context) (int, error) {
	query := `
		INSERT INTO deliveries (user_id, schedule_id, channel, status, run_at)
		SELECT s.user_id, s.id, s.channel, 'pending', s.next_run_at
		FROM schedules s
		WHERE s.status = 'scheduled'
		  AND s.next_run_at IS NOT NULL
		  AND s.next_run_at <= NOW()
		  AND NOT EXISTS (
			  SELECT 1 FROM deliveries d
			  WHERE d.schedule_id = s.id AND d.run_at = s.next_run_at
			    AND d.status IN ('pending', 'in_flight', 'succeeded')
		  )
		ON CONFLICT (schedule_id, run_at) WHERE status IN ('pending', 'in_flight') DO NOTHING
	`

	result, err := r.db.Pool().Exec(ctx, query)
	if err != nil {
		r.logger.Error("failed to enqueue due deliveries", zap.Error(err))
		return 0, fmt.Errorf("enqueue due deliveries: %w", err)
	}

	return int(result.RowsAffected()), nil
}

// ListStalledSchedules returns scheduled schedules whose due next_run_at
// already has a succeeded delivery, i.e. the outcome was recorded but the
// schedule was never moved past it.
func (r *Repository) ListStalledSchedules(ctx context.Context, limit int) ([]*Schedule, error) {
	if limit <= 0 {
		limit = DefaultClaimBatch
	}

	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules s
		WHERE s.status = 'scheduled'
		  AND s.next_run_at IS NOT NULL
		  AND s.next_run_at <= NOW()
		  AND EXISTS (
			  SELECT 1 FROM deliveries d
			  WHERE d.schedule_id = s.id AND d.run_at = s.next_run_at
			    AND d.status = 'succeeded'
		  )
		ORDER BY s.next_run_at, s.id
		LIMIT $1
	`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query stalled schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		var sc Schedule
		if err := scanSchedule(rows, &sc); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, &sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}

	return schedules, nil
}

// ClaimPendingDeliveries atomically moves up to maxRows due pending
// deliveries to in_flight and returns them oldest first.
// Rows locked by a concurrent claim are skipped, never returned twice.
func (r *Repository) ClaimPendingDeliveries(ctx context.Context, maxRows int) ([]*Delivery, error) {
	if maxRows <= 0 {
		maxRows = DefaultClaimBatch
	}

	query := `
		UPDATE deliveries
		SET status = 'in_flight', updated_at = NOW()
		WHERE status = 'pending'
		  AND id IN (
			SELECT id FROM deliveries
			WHERE status = 'pending' AND run_at <= NOW()
			ORDER BY run_at ASC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		  )
		RETURNING ` + deliveryColumns

	rows, err := r.db.Pool().Query(ctx, query, maxRows)
	if err != nil {
		return nil, fmt.Errorf("claim deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := []*Delivery{}
	for rows.Next() {
		var d Delivery
		if err := scanDelivery(rows, &d); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, &d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim deliveries: %w", err)
	}

	SortDeliveries(deliveries)

	return deliveries, nil
}

// MarkDelivery records the terminal status of an in_flight delivery.
// Failures increment attempt. Returns false when the row was not in_flight.
func (r *Repository) MarkDelivery(ctx context.Context, id uuid.UUID, status string, lastError *string) (bool, error) {
	query := `
		UPDATE deliveries
		SET status = $2::text,
			last_error = $3,
			attempt = attempt + CASE WHEN $2::text = 'failed' THEN 1 ELSE 0 END,
			updated_at = NOW()
		WHERE id = $1 AND status = 'in_flight'
	`

	result, err := r.db.Pool().Exec(ctx, query, id, status, lastError)
	if err != nil {
		r.logger.Error("failed to mark delivery",
			zap.Error(err),
			zap.String("delivery_id", id.String()),
			zap.String("status", status),
		)
		return false, fmt.Errorf("mark delivery: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// GetDelivery retrieves a delivery by ID
func (r *Repository) GetDelivery(ctx context.Context, id uuid.UUID) (*Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = $1`

	var d Delivery
	err := scanDelivery(r.db.Pool().QueryRow(ctx, query, id), &d)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery: %w", err)
	}

	return &d, nil
}

// RetryDelivery appends a new pending delivery for the same occurrence as a
// failed one. The failed row is left untouched.
func (r *Repository) RetryDelivery(ctx context.Context, id uuid.UUID) (*Delivery, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var failed Delivery
	err = scanDelivery(tx.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1 FOR UPDATE`, id), &failed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery: %w", err)
	}

	if failed.Status != StatusFailed {
		return nil, fmt.Errorf("delivery %s is %s: %w", id, failed.Status, ErrNotRetryable)
	}

	retry := &Delivery{
		ID:         uuid.New(),
		UserID:     failed.UserID,
		ScheduleID: failed.ScheduleID,
		Channel:    failed.Channel,
		Status:     StatusPending,
		Attempt:    failed.Attempt,
		RunAt:      failed.RunAt,
	}

	insertQuery := `
		INSERT INTO deliveries (id, user_id, schedule_id, channel, status, attempt, run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err = tx.QueryRow(ctx, insertQuery,
		retry.ID,
		retry.UserID,
		retry.ScheduleID,
		retry.Channel,
		retry.Status,
		retry.Attempt,
		retry.RunAt,
	).Scan(&retry.CreatedAt, &retry.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		// an earlier retry of this occurrence is still live
		return nil, fmt.Errorf("delivery %s already retried: %w", id, ErrNotRetryable)
	}
	if err != nil {
		return nil, fmt.Errorf("insert retry delivery: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("delivery retried",
		zap.String("failed_delivery_id", id.String()),
		zap.String("new_delivery_id", retry.ID.String()),
	)

	return retry, nil
}

// ListEnabledPushTokens returns the enabled devices of a user.
func (r *Repository) ListEnabledPushTokens(ctx context.Context, userID uuid.UUID) ([]*PushToken, error) {
	query := `
		SELECT id, user_id, platform, token, enabled, last_seen_at
		FROM push_tokens
		WHERE user_id = $1 AND enabled
		ORDER BY last_seen_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query push tokens: %w", err)
	}
	defer rows.Close()

	tokens := []*PushToken{}
	for rows.Next() {
		var t PushToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.Platform, &t.Token, &t.Enabled, &t.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan push token: %w", err)
		}
		tokens = append(tokens, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return tokens, nil
}

// UpsertPushToken registers a device, re-enabling it if it was known.
func (r *Repository) UpsertPushToken(ctx context.Context, t *PushToken) error {
	query := `
		INSERT INTO push_tokens (id, user_id, platform, token, enabled, last_seen_at)
		VALUES ($1, $2, $3, $4, TRUE, NOW())
		ON CONFLICT (user_id, token) DO UPDATE
		SET platform = EXCLUDED.platform, enabled = TRUE, last_seen_at = NOW()
		RETURNING id, enabled, last_seen_at
	`

	err := r.db.Pool().QueryRow(ctx, query, t.ID, t.UserID, t.Platform, t.Token).
		Scan(&t.ID, &t.Enabled, &t.LastSeenAt)
	if err != nil {
		return fmt.Errorf("upsert push token: %w", err)
	}

	r.logger.Info("push token registered",
		zap.String("user_id", t.UserID.String()),
		zap.String("platform", t.Platform),
	)

	return nil
}

// GetProfileEmail returns the email on the user's profile, or "" if none.
func (r *Repository) GetProfileEmail(ctx context.Context, userID uuid.UUID) (string, error) {
	var email *string
	err := r.db.Pool().QueryRow(ctx, `SELECT email FROM profiles WHERE user_id = $1`, userID).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query profile email: %w", err)
	}
	if email == nil {
		return "", nil
	}
	return *email, nil
}

// CreateIntentLog stores a decoded intent.
func (r *Repository) CreateIntentLog(ctx context.Context, l *IntentLog) error {
	query := `
		INSERT INTO intent_logs (id, user_id, transcript_redacted, intent)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query, l.ID, l.UserID, l.TranscriptRedacted, l.Intent).Scan(&l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert intent log: %w", err)
	}

	return nil
}
