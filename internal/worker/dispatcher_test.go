package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/guardeme/internal/db"
)

type stubRecipients struct {
	tokens   []*db.PushToken
	email    string
	tokenErr error
}

func (s *stubRecipients) ListEnabledPushTokens(ctx context.Context, userID uuid.UUID) ([]*db.PushToken, error) {
	return s.tokens, s.tokenErr
}

func (s *stubRecipients) GetProfileEmail(ctx context.Context, userID uuid.UUID) (string, error) {
	return s.email, nil
}

func newTestDispatcher(rcpt Recipients, push PushSender, email EmailSender, fallback string) *Dispatcher {
	return NewDispatcher(rcpt, push, email, DispatcherConfig{FallbackEmail: fallback, PushRatePerSecond: 1000}, zap.NewNop())
}

func TestContent(t *testing.T) {
	long := strings.Repeat("ã", 200)

	tests := []struct {
		name     string
		memory   *db.Memory
		wantBody string
	}{
		{"nil memory", nil, FallbackBody},
		{"no text", &db.Memory{}, FallbackBody},
		{"empty text", &db.Memory{ContentText: text("")}, FallbackBody},
		{"short text", &db.Memory{ContentText: text("comprar pão")}, "comprar pão"},
		{"long text", &db.Memory{ContentText: &long}, strings.Repeat("ã", 120)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			title, body := Content(tt.memory)
			if title != ReminderTitle {
				t.Errorf("title = %q", title)
			}
			if body != tt.wantBody {
				t.Errorf("body = %q (%d runes), want %d runes", body, utf8.RuneCountInString(body), utf8.RuneCountInString(tt.wantBody))
			}
		})
	}
}

func TestDispatch_PushFanOut(t *testing.T) {
	push := &fakePush{failFor: map[string]bool{}, panicFor: map[string]bool{}}
	rcpt := &stubRecipients{tokens: []*db.PushToken{
		{Token: "a", Platform: db.PlatformAndroid},
		{Token: "b", Platform: db.PlatformIOS},
		{Token: "c", Platform: db.PlatformWeb},
	}}
	d := newTestDispatcher(rcpt, push, &fakeEmail{}, "")

	del := &db.Delivery{ID: uuid.New(), UserID: uuid.New(), Channel: db.ChannelPush, RunAt: time.Now()}
	out, err := d.Dispatch(context.Background(), del, &db.Memory{ContentText: text("regar as plantas")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Targets != 3 || out.Sent != 3 {
		t.Errorf("outcome = %+v", out)
	}
	for _, msg := range push.sent {
		if msg.Data["type"] != "memory_delivery" || msg.Data["delivery_id"] != del.ID.String() {
			t.Errorf("data = %v", msg.Data)
		}
		if msg.Body != "regar as plantas" {
			t.Errorf("body = %q", msg.Body)
		}
	}
}

func TestDispatch_PushAllDevicesFail(t *testing.T) {
	push := &fakePush{failFor: map[string]bool{"a": true, "b": true}, panicFor: map[string]bool{}}
	rcpt := &stubRecipients{tokens: []*db.PushToken{{Token: "a"}, {Token: "b"}}}
	d := newTestDispatcher(rcpt, push, &fakeEmail{}, "")

	out, err := d.Dispatch(context.Background(), &db.Delivery{ID: uuid.New(), Channel: db.ChannelInApp}, nil)
	if err == nil {
		t.Fatal("expected error when every device fails")
	}
	if len(out.TokenFails) != 2 {
		t.Errorf("token failures = %d, want 2", len(out.TokenFails))
	}
}

func TestDispatch_TokenLookupError(t *testing.T) {
	d := newTestDispatcher(&stubRecipients{tokenErr: errors.New("db down")}, &fakePush{}, &fakeEmail{}, "")

	if _, err := d.Dispatch(context.Background(), &db.Delivery{Channel: db.ChannelPush}, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestDispatch_EmailFallbackAddress(t *testing.T) {
	email := &fakeEmail{}
	d := newTestDispatcher(&stubRecipients{}, &fakePush{}, email, "teste@guarde.me")

	out, err := d.Dispatch(context.Background(), &db.Delivery{ID: uuid.New(), Channel: db.ChannelEmail, RunAt: time.Now()}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Sent != 1 {
		t.Errorf("sent = %d", out.Sent)
	}
	if email.sent[0].To != "teste@guarde.me" {
		t.Errorf("to = %s, want fallback", email.sent[0].To)
	}
	if email.sent[0].Subject != ReminderTitle {
		t.Errorf("subject = %q", email.sent[0].Subject)
	}
}

func TestDispatch_EmailTransportError(t *testing.T) {
	email := &fakeEmail{err: errors.New("ses send failed: throttled")}
	d := newTestDispatcher(&stubRecipients{email: "a@b.c"}, &fakePush{}, email, "")

	_, err := d.Dispatch(context.Background(), &db.Delivery{ID: uuid.New(), Channel: db.ChannelEmail}, nil)
	if err == nil || !strings.Contains(err.Error(), "throttled") {
		t.Fatalf("err = %v", err)
	}
}

func TestDispatch_CalendarIsNoOp(t *testing.T) {
	push := &fakePush{}
	email := &fakeEmail{}
	d := newTestDispatcher(&stubRecipients{}, push, email, "")

	out, err := d.Dispatch(context.Background(), &db.Delivery{ID: uuid.New(), Channel: db.ChannelCalendar}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.NoOp || len(push.sent) != 0 || len(email.sent) != 0 {
		t.Errorf("calendar dispatch did something: %+v", out)
	}
}

func TestDispatch_UnknownChannel(t *testing.T) {
	d := newTestDispatcher(&stubRecipients{}, &fakePush{}, &fakeEmail{}, "")

	if _, err := d.Dispatch(context.Background(), &db.Delivery{Channel: "sms"}, nil); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

func TestBuildICS(t *testing.T) {
	start := time.Date(2026, 3, 3, 11, 0, 0, 0, time.UTC)

	got := BuildICS(Event{
		UID:         "d-1",
		Start:       start,
		Summary:     "Guarde.me — Lembrete",
		Description: "pão, leite; café",
	})

	want := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//Guarde.me//EN",
		"BEGIN:VEVENT",
		"UID:d-1",
		"DTSTAMP:20260303T110000Z",
		"DTSTART:20260303T110000Z",
		"DTEND:20260303T111000Z",
		"SUMMARY:Guarde.me — Lembrete",
		`DESCRIPTION:pão\, leite\; café`,
		"END:VEVENT",
		"END:VCALENDAR",
	}, "\r\n")

	if got != want {
		t.Errorf("BuildICS mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestBuildICS_NoDescriptionAndLocalTime(t *testing.T) {
	loc, _ := time.LoadLocation("America/Sao_Paulo")
	got := BuildICS(Event{UID: "x", Start: time.Date(2026, 3, 3, 8, 0, 0, 0, loc), Summary: "s"})

	if strings.Contains(got, "DESCRIPTION") {
		t.Error("empty description should be omitted")
	}
	if !strings.Contains(got, "DTSTART:20260303T110000Z") {
		t.Errorf("start not converted to UTC: %q", got)
	}
}

func TestBuildMIME(t *testing.T) {
	raw, err := BuildMIME("Guarde.me <noreply@guarde.me>", EmailMessage{
		To:      "ana@example.com",
		Subject: ReminderTitle,
		HTML:    "<p>oi</p>",
		Attachments: []Attachment{{
			Filename:    "reminder.ics",
			ContentType: "text/calendar",
			Content:     []byte("BEGIN:VCALENDAR"),
		}},
	})
	if err != nil {
		t.Fatalf("BuildMIME: %v", err)
	}

	msg := string(raw)
	for _, want := range []string{
		"To: ana@example.com\r\n",
		"Subject: =?utf-8?q?",
		"Content-Type: multipart/mixed; boundary=",
		`Content-Disposition: attachment; filename="reminder.ics"`,
		"QkVHSU46VkNBTEVOREFS", // base64 of BEGIN:VCALENDAR
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}
