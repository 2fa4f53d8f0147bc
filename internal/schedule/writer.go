// Package schedule creates a memory together with the schedule that replays it.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/guardeme/internal/db"
	"github.com/lalithlochan/guardeme/internal/recurrence"
)

// Kind classifies a write failure.
type Kind string

const (
	KindInvalidInput         Kind = "invalid_input"
	KindMemoryCreateFailed   Kind = "memory_create_failed"
	KindScheduleCreateFailed Kind = "schedule_create_failed"
)

// WriteError is returned by CreateMemoryWithSchedule for every failure.
// Field is set for InvalidInput.
type WriteError struct {
	Kind  Kind
	Field string
	Err   error
}

func (e *WriteError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func invalid(field, format string, args ...any) *WriteError {
	return &WriteError{Kind: KindInvalidInput, Field: field, Err: fmt.Errorf(format, args...)}
}

// Store is the persistence the Writer needs.
type Store interface {
	CreateMemory(ctx context.Context, m *db.Memory) error
	CreateSchedule(ctx context.Context, s *db.Schedule) error
	DeleteMemory(ctx context.Context, id uuid.UUID) error
}

// MemoryInput is the memory half of a create request.
type MemoryInput struct {
	ContentType string   `json:"content_type"`
	ContentText *string  `json:"content_text,omitempty"`
	MediaPath   *string  `json:"media_path,omitempty"`
	Source      *string  `json:"source,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	PrivacyMode string   `json:"privacy_mode,omitempty"`
}

// ScheduleInput is the schedule half of a create request. DTStart is
// RFC 3339, a local date-time, or a bare date read in Timezone.
type ScheduleInput struct {
	WhenType string  `json:"when_type"`
	DTStart  *string `json:"dtstart,omitempty"`
	RRule    *string `json:"rrule,omitempty"`
	Timezone string  `json:"timezone,omitempty"`
	Channel  string  `json:"channel,omitempty"`
}

// Result holds the rows that were written.
type Result struct {
	Memory   *db.Memory   `json:"memory"`
	Schedule *db.Schedule `json:"schedule"`
}

// Writer creates memories and their first schedule.
type Writer struct {
	store           Store
	evaluator       recurrence.Evaluator
	defaultTimezone string
	logger          *zap.Logger
	now             func() time.Time
}

// NewWriter creates a Writer. defaultTimezone applies when the input has none.
func NewWriter(store Store, evaluator recurrence.Evaluator, defaultTimezone string, logger *zap.Logger) *Writer {
	if defaultTimezone == "" {
		defaultTimezone = "America/Sao_Paulo"
	}
	return &Writer{
		store:           store,
		evaluator:       evaluator,
		defaultTimezone: defaultTimezone,
		logger:          logger,
		now:             time.Now,
	}
}

// CreateMemoryWithSchedule validates both inputs, then inserts the memory and
// the schedule. If the schedule insert fails the memory is deleted again.
func (w *Writer) CreateMemoryWithSchedule(ctx context.Context, userID uuid.UUID, mi MemoryInput, si ScheduleInput) (*Result, error) {
	if userID == uuid.Nil {
		return nil, invalid("user_id", "required")
	}

	memory, err := w.buildMemory(userID, mi)
	if err != nil {
		return nil, err
	}

	sched, err := w.buildSchedule(userID, memory.ID, si)
	if err != nil {
		return nil, err
	}

	if err := w.store.CreateMemory(ctx, memory); err != nil {
		return nil, &WriteError{Kind: KindMemoryCreateFailed, Err: err}
	}

	if err := w.store.CreateSchedule(ctx, sched); err != nil {
		w.logger.Warn("schedule insert failed, removing memory",
			zap.String("memory_id", memory.ID.String()),
			zap.Error(err),
		)

		// Detached so a canceled request still gets cleaned up.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if delErr := w.store.DeleteMemory(cleanupCtx, memory.ID); delErr != nil && !errors.Is(delErr, db.ErrNotFound) {
			w.logger.Error("failed to remove orphaned memory",
				zap.String("memory_id", memory.ID.String()),
				zap.Error(delErr),
			)
			err = errors.Join(err, fmt.Errorf("remove memory %s: %w", memory.ID, delErr))
		}
		return nil, &WriteError{Kind: KindScheduleCreateFailed, Err: err}
	}

	w.logger.Info("memory scheduled",
		zap.String("memory_id", memory.ID.String()),
		zap.String("schedule_id", sched.ID.String()),
		zap.String("when_type", sched.WhenType),
		zap.Timep("next_run_at", sched.NextRunAt),
	)

	return &Result{Memory: memory, Schedule: sched}, nil
}

func (w *Writer) buildMemory(userID uuid.UUID, mi MemoryInput) (*db.Memory, error) {
	if !slices.Contains(db.ContentTypes, mi.ContentType) {
		return nil, invalid("memory.content_type", "must be one of %s", strings.Join(db.ContentTypes, ", "))
	}
	if mi.Source != nil && !slices.Contains(db.Sources, *mi.Source) {
		return nil, invalid("memory.source", "must be one of %s", strings.Join(db.Sources, ", "))
	}

	privacy := mi.PrivacyMode
	if privacy == "" {
		privacy = db.PrivacyStandard
	}
	if !slices.Contains(db.PrivacyModes, privacy) {
		return nil, invalid("memory.privacy_mode", "must be one of %s", strings.Join(db.PrivacyModes, ", "))
	}

	tags := mi.Tags
	if tags == nil {
		tags = []string{}
	}

	return &db.Memory{
		ID:          uuid.New(),
		UserID:      userID,
		ContentType: mi.ContentType,
		ContentText: mi.ContentText,
		MediaPath:   mi.MediaPath,
		Source:      mi.Source,
		Tags:        tags,
		PrivacyMode: privacy,
	}, nil
}

func (w *Writer) buildSchedule(userID, memoryID uuid.UUID, si ScheduleInput) (*db.Schedule, error) {
	if !slices.Contains(db.WhenTypes, si.WhenType) {
		return nil, invalid("schedule.when_type", "must be one of %s", strings.Join(db.WhenTypes, ", "))
	}

	channel := si.Channel
	if channel == "" {
		channel = db.ChannelPush
	}
	if !slices.Contains(db.Channels, channel) {
		return nil, invalid("schedule.channel", "must be one of %s", strings.Join(db.Channels, ", "))
	}

	tz := si.Timezone
	if tz == "" {
		tz = w.defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, invalid("schedule.timezone", "unknown IANA zone %q", tz)
	}

	var dtstart *time.Time
	if si.DTStart != nil && strings.TrimSpace(*si.DTStart) != "" {
		t, err := ParseStart(*si.DTStart, loc)
		if err != nil {
			return nil, invalid("schedule.dtstart", "%v", err)
		}
		dtstart = &t
	}

	sched := &db.Schedule{
		ID:       uuid.New(),
		UserID:   userID,
		MemoryID: memoryID,
		WhenType: si.WhenType,
		Timezone: tz,
		Channel:  channel,
		Status:   db.ScheduleScheduled,
	}

	switch si.WhenType {
	case db.WhenDate, db.WhenDateTime:
		if dtstart == nil {
			return nil, invalid("schedule.dtstart", "required for when_type %s", si.WhenType)
		}
		sched.DTStart = dtstart
		next := *dtstart
		sched.NextRunAt = &next

	case db.WhenRecurrence:
		if si.RRule == nil || strings.TrimSpace(*si.RRule) == "" {
			return nil, invalid("schedule.rrule", "required for when_type recurrence")
		}
		rule := strings.TrimSpace(*si.RRule)

		now := w.now().UTC().Truncate(time.Second)
		anchor := now
		if dtstart != nil {
			anchor = *dtstart
		}

		// The anchor is stored so later advances evaluate the same rule.
		first, ok, err := w.evaluator.First(recurrence.Rule{RRule: rule, Timezone: tz, Anchor: anchor}, now)
		if err != nil {
			return nil, invalid("schedule.rrule", "%v", err)
		}
		if !ok {
			return nil, invalid("schedule.rrule", "rule has no occurrence after %s", now.Format(time.RFC3339))
		}

		sched.DTStart = &anchor
		sched.RRule = &rule
		sched.NextRunAt = &first
	}

	return sched, nil
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseStart reads an RFC 3339 instant, or a zone-less date-time or date
// in loc, and returns it in UTC.
func ParseStart(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not an ISO-8601 date or instant", s)
}
