package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/guardeme/internal/db"
	"github.com/lalithlochan/guardeme/internal/recurrence"
)

type mockStore struct {
	memories    map[uuid.UUID]*db.Memory
	schedules   map[uuid.UUID]*db.Schedule
	scheduleErr error
	deleted     []uuid.UUID
}

func newMockStore() *mockStore {
	return &mockStore{
		memories:  map[uuid.UUID]*db.Memory{},
		schedules: map[uuid.UUID]*db.Schedule{},
	}
}

func (m *mockStore) CreateMemory(ctx context.Context, mem *db.Memory) error {
	mem.CreatedAt = time.Now()
	m.memories[mem.ID] = mem
	return nil
}

func (m *mockStore) CreateSchedule(ctx context.Context, s *db.Schedule) error {
	if m.scheduleErr != nil {
		return m.scheduleErr
	}
	s.CreatedAt = time.Now()
	m.schedules[s.ID] = s
	return nil
}

func (m *mockStore) DeleteMemory(ctx context.Context, id uuid.UUID) error {
	m.deleted = append(m.deleted, id)
	if _, ok := m.memories[id]; !ok {
		return db.ErrNotFound
	}
	delete(m.memories, id)
	return nil
}

var fixedNow = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func newTestWriter(store Store) *Writer {
	w := NewWriter(store, recurrence.NewEvaluator(), "America/Sao_Paulo", zap.NewNop())
	w.now = func() time.Time { return fixedNow }
	return w
}

func strPtr(s string) *string { return &s }

func TestCreateMemoryWithSchedule_DateTime(t *testing.T) {
	store := newMockStore()
	w := newTestWriter(store)

	res, err := w.CreateMemoryWithSchedule(context.Background(), uuid.New(),
		MemoryInput{ContentType: db.ContentText, ContentText: strPtr("comprar pão")},
		ScheduleInput{WhenType: db.WhenDateTime, DTStart: strPtr("2026-03-03T08:00:00-03:00")},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if *res.Memory.ContentText != "comprar pão" {
		t.Errorf("content_text = %q", *res.Memory.ContentText)
	}
	if res.Memory.PrivacyMode != db.PrivacyStandard {
		t.Errorf("privacy_mode = %q, want standard", res.Memory.PrivacyMode)
	}
	if res.Schedule.Status != db.ScheduleScheduled {
		t.Errorf("status = %q, want scheduled", res.Schedule.Status)
	}
	if res.Schedule.Channel != db.ChannelPush {
		t.Errorf("channel = %q, want push", res.Schedule.Channel)
	}
	if res.Schedule.Timezone != "America/Sao_Paulo" {
		t.Errorf("timezone = %q", res.Schedule.Timezone)
	}
	want := time.Date(2026, 3, 3, 11, 0, 0, 0, time.UTC)
	if res.Schedule.NextRunAt == nil || !res.Schedule.NextRunAt.Equal(want) {
		t.Errorf("next_run_at = %v, want %s", res.Schedule.NextRunAt, want)
	}
	if res.Schedule.MemoryID != res.Memory.ID {
		t.Error("schedule does not reference the memory")
	}
}

func TestCreateMemoryWithSchedule_DateInTimezone(t *testing.T) {
	store := newMockStore()
	w := newTestWriter(store)

	res, err := w.CreateMemoryWithSchedule(context.Background(), uuid.New(),
		MemoryInput{ContentType: db.ContentPhoto, MediaPath: strPtr("u/1/p.jpg")},
		ScheduleInput{WhenType: db.WhenDate, DTStart: strPtr("2026-05-10"), Timezone: "Europe/Lisbon", Channel: db.ChannelEmail},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := time.Date(2026, 5, 9, 23, 0, 0, 0, time.UTC)
	if !res.Schedule.NextRunAt.Equal(want) {
		t.Errorf("next_run_at = %s, want %s", res.Schedule.NextRunAt, want)
	}
}

func TestCreateMemoryWithSchedule_RecurrenceStartsAtFirstOccurrence(t *testing.T) {
	store := newMockStore()
	w := newTestWriter(store)

	// 15:00 UTC is 12:00 in São Paulo, so today's 18:00 is still ahead.
	res, err := w.CreateMemoryWithSchedule(context.Background(), uuid.New(),
		MemoryInput{ContentType: db.ContentText, ContentText: strPtr("alongar")},
		ScheduleInput{WhenType: db.WhenRecurrence, RRule: strPtr("RRULE:FREQ=DAILY;BYHOUR=18;BYMINUTE=0;BYSECOND=0")},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := time.Date(2026, 3, 2, 21, 0, 0, 0, time.UTC)
	if !res.Schedule.NextRunAt.Equal(want) {
		t.Errorf("next_run_at = %s, want %s", res.Schedule.NextRunAt, want)
	}
	if res.Schedule.DTStart == nil || !res.Schedule.DTStart.Equal(fixedNow) {
		t.Errorf("dtstart = %v, want creation time as anchor", res.Schedule.DTStart)
	}
	if res.Schedule.NextRunAt.Before(fixedNow) {
		t.Error("next_run_at precedes creation")
	}
}

func TestCreateMemoryWithSchedule_InvalidInputWritesNothing(t *testing.T) {
	tests := []struct {
		name      string
		memory    MemoryInput
		schedule  ScheduleInput
		wantField string
	}{
		{
			name:      "recurrence without rrule",
			memory:    MemoryInput{ContentType: db.ContentText},
			schedule:  ScheduleInput{WhenType: db.WhenRecurrence},
			wantField: "schedule.rrule",
		},
		{
			name:      "datetime without dtstart",
			memory:    MemoryInput{ContentType: db.ContentText},
			schedule:  ScheduleInput{WhenType: db.WhenDateTime},
			wantField: "schedule.dtstart",
		},
		{
			name:      "unknown channel",
			memory:    MemoryInput{ContentType: db.ContentText},
			schedule:  ScheduleInput{WhenType: db.WhenDate, DTStart: strPtr("2026-03-03"), Channel: "sms"},
			wantField: "schedule.channel",
		},
		{
			name:      "unknown content type",
			memory:    MemoryInput{ContentType: "video"},
			schedule:  ScheduleInput{WhenType: db.WhenDate, DTStart: strPtr("2026-03-03")},
			wantField: "memory.content_type",
		},
		{
			name:      "unknown timezone",
			memory:    MemoryInput{ContentType: db.ContentText},
			schedule:  ScheduleInput{WhenType: db.WhenDate, DTStart: strPtr("2026-03-03"), Timezone: "Mars/Olympus"},
			wantField: "schedule.timezone",
		},
		{
			name:      "garbage dtstart",
			memory:    MemoryInput{ContentType: db.ContentText},
			schedule:  ScheduleInput{WhenType: db.WhenDateTime, DTStart: strPtr("amanhã")},
			wantField: "schedule.dtstart",
		},
		{
			name:      "unparseable rrule",
			memory:    MemoryInput{ContentType: db.ContentText},
			schedule:  ScheduleInput{WhenType: db.WhenRecurrence, RRule: strPtr("FREQ=SOMETIMES")},
			wantField: "schedule.rrule",
		},
		{
			name:      "exhausted rrule",
			memory:    MemoryInput{ContentType: db.ContentText},
			schedule:  ScheduleInput{WhenType: db.WhenRecurrence, RRule: strPtr("FREQ=DAILY;COUNT=2"), DTStart: strPtr("2020-01-01T09:00:00Z")},
			wantField: "schedule.rrule",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			_, err := newTestWriter(store).CreateMemoryWithSchedule(context.Background(), uuid.New(), tt.memory, tt.schedule)

			var we *WriteError
			if !errors.As(err, &we) || we.Kind != KindInvalidInput {
				t.Fatalf("expected invalid input, got %v", err)
			}
			if we.Field != tt.wantField {
				t.Errorf("field = %q, want %q", we.Field, tt.wantField)
			}
			if len(store.memories) != 0 || len(store.schedules) != 0 {
				t.Error("rows were written for invalid input")
			}
		})
	}
}

func TestCreateMemoryWithSchedule_CompensatesFailedSchedule(t *testing.T) {
	store := newMockStore()
	store.scheduleErr = errors.New("insert schedule: connection reset")
	w := newTestWriter(store)

	_, err := w.CreateMemoryWithSchedule(context.Background(), uuid.New(),
		MemoryInput{ContentType: db.ContentText, ContentText: strPtr("x")},
		ScheduleInput{WhenType: db.WhenDateTime, DTStart: strPtr("2026-03-03T08:00:00Z")},
	)

	var we *WriteError
	if !errors.As(err, &we) || we.Kind != KindScheduleCreateFailed {
		t.Fatalf("expected schedule create failure, got %v", err)
	}
	if len(store.deleted) != 1 {
		t.Fatalf("expected one compensating delete, got %d", len(store.deleted))
	}
	if _, ok := store.memories[store.deleted[0]]; ok {
		t.Error("memory still exists after failed schedule insert")
	}
}

func TestCreateMemoryWithSchedule_CompensatesOnCanceledContext(t *testing.T) {
	store := newMockStore()
	store.scheduleErr = context.Canceled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestWriter(store).CreateMemoryWithSchedule(ctx, uuid.New(),
		MemoryInput{ContentType: db.ContentText},
		ScheduleInput{WhenType: db.WhenDate, DTStart: strPtr("2026-03-03")},
	)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(store.memories) != 0 {
		t.Error("memory survived a canceled request")
	}
}

func TestCreateMemoryWithSchedule_RequiresUser(t *testing.T) {
	_, err := newTestWriter(newMockStore()).CreateMemoryWithSchedule(context.Background(), uuid.Nil,
		MemoryInput{ContentType: db.ContentText},
		ScheduleInput{WhenType: db.WhenDate, DTStart: strPtr("2026-03-03")},
	)
	var we *WriteError
	if !errors.As(err, &we) || we.Field != "user_id" {
		t.Fatalf("expected user_id error, got %v", err)
	}
}

func TestParseStart(t *testing.T) {
	loc, _ := time.LoadLocation("America/Sao_Paulo")

	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"2026-03-03T08:00:00Z", time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC), false},
		{"2026-03-03T08:00:00-03:00", time.Date(2026, 3, 3, 11, 0, 0, 0, time.UTC), false},
		{"2026-03-03T08:00:00", time.Date(2026, 3, 3, 11, 0, 0, 0, time.UTC), false},
		{"2026-03-03T08:00", time.Date(2026, 3, 3, 11, 0, 0, 0, time.UTC), false},
		{"2026-03-03", time.Date(2026, 3, 3, 3, 0, 0, 0, time.UTC), false},
		{"03/03/2026", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStart(tt.in, loc)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}
