package worker

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/guardeme/internal/db"
	"github.com/lalithlochan/guardeme/internal/metrics"
	"github.com/lalithlochan/guardeme/internal/recurrence"
	"github.com/lalithlochan/guardeme/internal/sqs"
)

const maxErrorRunes = 500

// OutcomeStore is the persistence the Recorder needs.
type OutcomeStore interface {
	MarkDelivery(ctx context.Context, id uuid.UUID, status string, lastError *string) (bool, error)
	AdvanceSchedule(ctx context.Context, id uuid.UUID, runAt time.Time, next *time.Time) (bool, error)
}

// Recorder writes the outcome of a dispatch and moves the schedule on.
type Recorder struct {
	store     OutcomeStore
	evaluator recurrence.Evaluator
	logger    *zap.Logger
}

func NewRecorder(store OutcomeStore, evaluator recurrence.Evaluator, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, evaluator: evaluator, logger: logger}
}

// Record marks del succeeded when dispatchErr is nil and failed otherwise,
// then advances sched past del.RunAt. A nil sched is not advanced. Only a
// failed mark is returned: a lost advance is picked up by Reconcile on a
// later run. Repeating Record for the same delivery changes nothing.
func (r *Recorder) Record(ctx context.Context, del *db.Delivery, sched *db.Schedule, dispatchErr error) (sqs.DeliveryEvent, error) {
	status := db.StatusSucceeded
	attempt := del.Attempt
	var lastError *string
	if dispatchErr != nil {
		status = db.StatusFailed
		attempt++
		msg := SanitizeError(dispatchErr)
		lastError = &msg
	}

	applied, err := r.store.MarkDelivery(ctx, del.ID, status, lastError)
	if err != nil {
		return sqs.DeliveryEvent{}, fmt.Errorf("mark delivery %s: %w", del.ID, err)
	}
	if !applied {
		r.logger.Info("delivery already recorded",
			zap.String("delivery_id", del.ID.String()),
			zap.String("status", status),
		)
	} else {
		metrics.RecordDeliveryOutcome(status, del.Channel, time.Since(del.RunAt))
	}

	if sched != nil {
		if err := r.advance(ctx, sched, del.RunAt); err != nil {
			r.logger.Error("delivery recorded but schedule not advanced",
				zap.String("delivery_id", del.ID.String()),
				zap.String("schedule_id", sched.ID.String()),
				zap.Error(err),
			)
		}
	}

	var errText string
	if lastError != nil {
		errText = *lastError
	}
	ev := sqs.NewEvent(del.ID.String(), del.ScheduleID.String(), del.UserID.String(),
		del.Channel, status, attempt, errText, del.RunAt)

	return ev, nil
}

// Reconcile advances sched past its current next_run_at. It is used for
// schedules whose occurrence was already delivered.
func (r *Recorder) Reconcile(ctx context.Context, sched *db.Schedule) error {
	if sched.NextRunAt == nil {
		return nil
	}
	return r.advance(ctx, sched, *sched.NextRunAt)
}

// advance moves the schedule to the occurrence after runAt, computed from
// the rule alone, or completes it when there is none.
func (r *Recorder) advance(ctx context.Context, sched *db.Schedule, runAt time.Time) error {
	var next *time.Time

	if sched.WhenType == db.WhenRecurrence && sched.RRule != nil {
		anchor := sched.CreatedAt
		if sched.DTStart != nil {
			anchor = *sched.DTStart
		}

		t, ok, err := r.evaluator.Next(recurrence.Rule{
			RRule:    *sched.RRule,
			Timezone: sched.Timezone,
			Anchor:   anchor,
		}, runAt)
		if err != nil {
			r.logger.Error("stored recurrence rule cannot be evaluated, completing schedule",
				zap.String("schedule_id", sched.ID.String()),
				zap.Error(err),
			)
		} else if ok {
			next = &t
		}
	}

	changed, err := r.store.AdvanceSchedule(ctx, sched.ID, runAt, next)
	if err != nil {
		return fmt.Errorf("advance schedule %s: %w", sched.ID, err)
	}

	if changed {
		if next != nil {
			r.logger.Debug("schedule advanced",
				zap.String("schedule_id", sched.ID.String()),
				zap.Time("next_run_at", *next),
			)
		} else {
			r.logger.Info("schedule completed", zap.String("schedule_id", sched.ID.String()))
		}
	}

	return nil
}

// SanitizeError flattens err to one printable line of bounded length.
func SanitizeError(err error) string {
	msg := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, err.Error())
	msg = strings.Join(strings.Fields(msg), " ")

	if rs := []rune(msg); len(rs) > maxErrorRunes {
		msg = string(rs[:maxErrorRunes-1]) + "…"
	}
	if msg == "" {
		msg = "unknown error"
	}
	return msg
}
