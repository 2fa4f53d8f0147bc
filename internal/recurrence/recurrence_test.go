package recurrence

import (
	"errors"
	"testing"
	"time"
)

const saoPaulo = "America/Sao_Paulo"

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load %s: %v", name, err)
	}
	return loc
}

func TestNext_DailyInScheduleTimezone(t *testing.T) {
	loc := mustLoad(t, saoPaulo)
	anchor := time.Date(2026, 3, 2, 8, 0, 0, 0, loc)
	r := Rule{RRule: "FREQ=DAILY", Timezone: saoPaulo, Anchor: anchor}

	next, ok, err := NewEvaluator().Next(r, anchor)
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}

	want := time.Date(2026, 3, 3, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %s, want %s", next, want)
	}
}

func TestNext_SameRunAtIsDeterministic(t *testing.T) {
	loc := mustLoad(t, saoPaulo)
	anchor := time.Date(2026, 3, 6, 18, 0, 0, 0, loc)
	r := Rule{RRule: "RRULE:FREQ=WEEKLY;BYDAY=FR;BYHOUR=18;BYMINUTE=0;BYSECOND=0", Timezone: saoPaulo, Anchor: anchor}
	runAt := anchor.Add(7 * 24 * time.Hour)
	ev := NewEvaluator()

	first, _, err := ev.Next(r, runAt)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	second, _, err := ev.Next(r, runAt)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if !first.Equal(second) {
		t.Fatalf("Next not deterministic: %s vs %s", first, second)
	}
	if want := runAt.Add(7 * 24 * time.Hour); !first.Equal(want) {
		t.Errorf("next = %s, want %s", first, want)
	}
}

func TestNext_ExhaustedRule(t *testing.T) {
	anchor := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	r := Rule{RRule: "FREQ=DAILY;COUNT=2", Timezone: "UTC", Anchor: anchor}
	ev := NewEvaluator()

	second, ok, err := ev.Next(r, anchor)
	if err != nil || !ok {
		t.Fatalf("expected a second occurrence, ok=%v err=%v", ok, err)
	}

	_, ok, err = ev.Next(r, second)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ok {
		t.Error("expected rule to be exhausted after COUNT=2")
	}
}

func TestFirst_NotBeforeNow(t *testing.T) {
	loc := mustLoad(t, saoPaulo)
	anchor := time.Date(2026, 1, 1, 8, 0, 0, 0, loc)
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC) // 09:00 local
	r := Rule{RRule: "FREQ=DAILY;BYHOUR=8;BYMINUTE=0;BYSECOND=0", Timezone: saoPaulo, Anchor: anchor}

	first, ok, err := NewEvaluator().First(r, now)
	if err != nil || !ok {
		t.Fatalf("First: ok=%v err=%v", ok, err)
	}

	want := time.Date(2026, 1, 11, 11, 0, 0, 0, time.UTC)
	if !first.Equal(want) {
		t.Errorf("first = %s, want %s", first, want)
	}
}

func TestFirst_FutureAnchorWins(t *testing.T) {
	anchor := time.Date(2030, 5, 1, 10, 0, 0, 0, time.UTC)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := Rule{RRule: "FREQ=MONTHLY", Timezone: "UTC", Anchor: anchor}

	first, ok, err := NewEvaluator().First(r, now)
	if err != nil || !ok {
		t.Fatalf("First: ok=%v err=%v", ok, err)
	}
	if !first.Equal(anchor) {
		t.Errorf("first = %s, want anchor %s", first, anchor)
	}
}

func TestValidate(t *testing.T) {
	anchor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{"valid daily", Rule{RRule: "FREQ=DAILY", Timezone: saoPaulo, Anchor: anchor}, false},
		{"rrule prefix", Rule{RRule: "RRULE:FREQ=WEEKLY;BYDAY=MO", Timezone: "UTC", Anchor: anchor}, false},
		{"empty", Rule{RRule: "  ", Timezone: "UTC", Anchor: anchor}, true},
		{"unknown freq", Rule{RRule: "FREQ=SOMETIMES", Timezone: "UTC", Anchor: anchor}, true},
		{"bad timezone", Rule{RRule: "FREQ=DAILY", Timezone: "Nowhere/City", Anchor: anchor}, true},
		{"zero anchor", Rule{RRule: "FREQ=DAILY", Timezone: "UTC"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.rule)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRule) {
				t.Errorf("error %v does not wrap ErrInvalidRule", err)
			}
		})
	}
}
