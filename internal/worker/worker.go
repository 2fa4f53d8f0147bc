package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/guardeme/internal/db"
	"github.com/lalithlochan/guardeme/internal/metrics"
	"github.com/lalithlochan/guardeme/internal/sqs"
)

// ErrClaimFailed aborts a run. Nothing was claimed.
var ErrClaimFailed = errors.New("claim pending deliveries failed")

type Store interface {
	Recipients
	OutcomeStore
	EnqueueDueDeliveries(ctx context.Context) (int, error)
	ClaimPendingDeliveries(ctx context.Context, maxRows int) ([]*db.Delivery, error)
	ListStalledSchedules(ctx context.Context, limit int) ([]*db.Schedule, error)
	GetScheduleWithMemory(ctx context.Context, scheduleID uuid.UUID) (*db.Schedule, *db.Memory, error)
}

// EventPublisher receives the outcome events of a run.
type EventPublisher interface {
	PublishOutcomes(ctx context.Context, events []sqs.DeliveryEvent) error
}

type Worker struct {
	store      Store
	dispatcher *Dispatcher
	recorder   *Recorder
	events     EventPublisher
	config     Config
	logger     *zap.Logger
}

type Config struct {
	BatchSize    int
	Concurrency  int
	EnqueueOnRun bool
}

// Summary reports one run. It is not persisted.
type Summary struct {
	Processed int      `json:"processed"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors"`
}

// New creates a Worker. events may be nil.
func New(store Store, dispatcher *Dispatcher, recorder *Recorder, events EventPublisher, cfg Config, logger *zap.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = db.DefaultClaimBatch
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	return &Worker{
		store:      store,
		dispatcher: dispatcher,
		recorder:   recorder,
		events:     events,
		config:     cfg,
		logger:     logger,
	}
}

// Run enqueues due occurrences, claims one batch and processes it.
// Only a failed claim returns an error; per-delivery failures are in the
// Summary. Concurrent runs, in this process or others, never share a
// delivery.
func (w *Worker) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	defer func() { metrics.RecordRunDuration(time.Since(start)) }()

	summary := Summary{Errors: []string{}}

	w.reconcile(ctx)

	if w.config.EnqueueOnRun {
		n, err := w.store.EnqueueDueDeliveries(ctx)
		if err != nil {
			w.logger.Warn("enqueue due deliveries failed, claiming existing rows", zap.Error(err))
		} else if n > 0 {
			metrics.RecordEnqueued(n)
			w.logger.Info("enqueued due deliveries", zap.Int("count", n))
		}
	}

	claimed, err := w.store.ClaimPendingDeliveries(ctx, w.config.BatchSize)
	if err != nil {
		metrics.RecordClaimFailure()
		return summary, fmt.Errorf("%w: %v", ErrClaimFailed, err)
	}
	metrics.RecordClaimed(len(claimed))

	if len(claimed) == 0 {
		return summary, nil
	}

	w.logger.Info("claimed deliveries", zap.Int("count", len(claimed)))

	// Claimed rows must reach a terminal status even if the caller goes away.
	workCtx := context.WithoutCancel(ctx)

	results := make([]error, len(claimed))
	events := make([]*sqs.DeliveryEvent, len(claimed))

	var g errgroup.Group
	g.SetLimit(w.config.Concurrency)
	for i, del := range claimed {
		g.Go(func() error {
			ev, err := w.process(workCtx, del)
			results[i] = err
			events[i] = ev
			return nil
		})
	}
	_ = g.Wait()

	published := make([]sqs.DeliveryEvent, 0, len(claimed))
	for i, del := range claimed {
		summary.Processed++
		if results[i] == nil {
			summary.Succeeded++
		} else {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("Delivery %s: %s", del.ID, SanitizeError(results[i])))
		}
		if events[i] != nil {
			published = append(published, *events[i])
		}
	}

	if w.events != nil {
		if err := w.events.PublishOutcomes(workCtx, published); err != nil {
			w.logger.Warn("failed to publish outcome events", zap.Error(err))
		}
	}

	w.logger.Info("delivery run completed",
		zap.Int("processed", summary.Processed),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Duration("took", time.Since(start)),
	)

	return summary, nil
}

// reconcile moves on schedules whose latest occurrence was delivered but
// never advanced. Failures are logged; the next run tries again.
func (w *Worker) reconcile(ctx context.Context) {
	stalled, err := w.store.ListStalledSchedules(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.Warn("list stalled schedules failed", zap.Error(err))
		return
	}

	for _, sched := range stalled {
		if err := w.recorder.Reconcile(ctx, sched); err != nil {
			w.logger.Warn("reconcile schedule failed",
				zap.String("schedule_id", sched.ID.String()),
				zap.Error(err),
			)
			continue
		}
		w.logger.Info("stalled schedule advanced", zap.String("schedule_id", sched.ID.String()))
	}
}

// process dispatches and records one delivery. The returned error is what
// the summary reports for it.
func (w *Worker) process(ctx context.Context, del *db.Delivery) (*sqs.DeliveryEvent, error) {
	sched, dispatchErr := w.deliver(ctx, del)

	ev, err := w.recorder.Record(ctx, del, sched, dispatchErr)
	if err != nil {
		w.logger.Error("failed to record delivery outcome",
			zap.String("delivery_id", del.ID.String()),
			zap.Error(err),
		)
		if dispatchErr != nil {
			return nil, errors.Join(dispatchErr, err)
		}
		return nil, err
	}

	return &ev, dispatchErr
}

// deliver loads the schedule and memory and dispatches. A panic is turned
// into an error for this delivery only.
func (w *Worker) deliver(ctx context.Context, del *db.Delivery) (sched *db.Schedule, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic while delivering",
				zap.String("delivery_id", del.ID.String()),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	sched, mem, err := w.store.GetScheduleWithMemory(ctx, del.ScheduleID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, errors.New("schedule or memory not found")
		}
		return nil, fmt.Errorf("load schedule: %w", err)
	}

	// Refused occurrences stay where they are; resuming the schedule
	// enqueues them again.
	if sched.Status == db.ScheduleCanceled || sched.Status == db.SchedulePaused {
		return nil, fmt.Errorf("schedule is %s", sched.Status)
	}

	outcome, err := w.dispatcher.Dispatch(ctx, del, mem)
	if outcome.Targets > 0 && (del.Channel == db.ChannelPush || del.Channel == db.ChannelInApp) {
		metrics.RecordPushSends(outcome.Sent, outcome.Targets-outcome.Sent)
	}
	if err != nil {
		w.logger.Warn("dispatch failed",
			zap.String("delivery_id", del.ID.String()),
			zap.String("channel", del.Channel),
			zap.Error(err),
		)
		return sched, err
	}

	w.logger.Info("delivered",
		zap.String("delivery_id", del.ID.String()),
		zap.String("channel", del.Channel),
		zap.Int("sent", outcome.Sent),
		zap.Bool("noop", outcome.NoOp),
	)

	return sched, nil
}
