package worker

import (
	"context"
	"errors"
	"fmt"
	"html"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/guardeme/internal/db"
)

const (
	ReminderTitle = "Guarde.me — Lembrete"
	FallbackBody  = "Você tem uma memória para revisitar."
	maxBodyRunes  = 120
)

// ErrNoEmail means neither the profile nor the fallback gave an address.
var ErrNoEmail = errors.New("no email configured for delivery")

// Recipients resolves where a user's deliveries go.
type Recipients interface {
	ListEnabledPushTokens(ctx context.Context, userID uuid.UUID) ([]*db.PushToken, error)
	GetProfileEmail(ctx context.Context, userID uuid.UUID) (string, error)
}

type DispatcherConfig struct {
	FallbackEmail     string
	SendTimeout       time.Duration // per external call, default 10s
	PushRatePerSecond int           // across all tokens, default 20
	PushConcurrency   int           // tokens in flight per delivery, default 8
}

// Outcome describes what a dispatch did. It carries no error state.
type Outcome struct {
	Channel    string
	Targets    int
	Sent       int
	NoOp       bool
	TokenFails []string
}

// Dispatcher sends one claimed delivery over its channel. It never writes
// to the store.
type Dispatcher struct {
	recipients Recipients
	push       PushSender
	email      EmailSender
	limiter    *rate.Limiter
	config     DispatcherConfig
	logger     *zap.Logger
}

func NewDispatcher(recipients Recipients, push PushSender, email EmailSender, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.PushRatePerSecond <= 0 {
		cfg.PushRatePerSecond = 20
	}
	if cfg.PushConcurrency <= 0 {
		cfg.PushConcurrency = 8
	}

	return &Dispatcher{
		recipients: recipients,
		push:       push,
		email:      email,
		limiter:    rate.NewLimiter(rate.Limit(cfg.PushRatePerSecond), cfg.PushRatePerSecond),
		config:     cfg,
		logger:     logger,
	}
}

// Content builds the title and body shown to the user for a memory.
func Content(m *db.Memory) (title, body string) {
	title = ReminderTitle
	if m == nil || m.ContentText == nil || *m.ContentText == "" {
		return title, FallbackBody
	}
	r := []rune(*m.ContentText)
	if len(r) > maxBodyRunes {
		r = r[:maxBodyRunes]
	}
	return title, string(r)
}

// Dispatch delivers del for memory m. A returned error is a dispatch failure
// for this delivery only.
func (d *Dispatcher) Dispatch(ctx context.Context, del *db.Delivery, m *db.Memory) (Outcome, error) {
	title, body := Content(m)

	switch del.Channel {
	case db.ChannelPush, db.ChannelInApp:
		return d.dispatchPush(ctx, del, title, body)
	case db.ChannelEmail:
		return d.dispatchEmail(ctx, del, title, body)
	case db.ChannelCalendar:
		d.logger.Info("calendar channel has no sender, skipping",
			zap.String("delivery_id", del.ID.String()),
		)
		return Outcome{Channel: del.Channel, NoOp: true}, nil
	default:
		return Outcome{Channel: del.Channel}, fmt.Errorf("unsupported channel: %s", del.Channel)
	}
}

func (d *Dispatcher) dispatchPush(ctx context.Context, del *db.Delivery, title, body string) (Outcome, error) {
	out := Outcome{Channel: del.Channel}

	tokens, err := d.recipients.ListEnabledPushTokens(ctx, del.UserID)
	if err != nil {
		return out, fmt.Errorf("load push tokens: %w", err)
	}
	if len(tokens) == 0 {
		out.NoOp = true
		d.logger.Debug("no push tokens, nothing to deliver",
			zap.String("delivery_id", del.ID.String()),
			zap.String("user_id", del.UserID.String()),
		)
		return out, nil
	}
	out.Targets = len(tokens)

	data := map[string]string{
		"type":        "memory_delivery",
		"delivery_id": del.ID.String(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}

	// Sends never cancel each other, so the group context is not used.
	errs := make([]error, len(tokens))
	var g errgroup.Group
	g.SetLimit(d.config.PushConcurrency)

	for i, tok := range tokens {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("push sender panic: %v", r)
				}
			}()
			if err := d.limiter.Wait(ctx); err != nil {
				errs[i] = err
				return nil
			}
			sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
			defer cancel()

			errs[i] = d.push.SendPush(sendCtx, PushMessage{
				Token:    tok.Token,
				Platform: tok.Platform,
				Title:    title,
				Body:     body,
				Data:     data,
			})
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err == nil {
			out.Sent++
			continue
		}
		out.TokenFails = append(out.TokenFails, err.Error())
		d.logger.Warn("push to device failed",
			zap.String("delivery_id", del.ID.String()),
			zap.String("platform", tokens[i].Platform),
			zap.Error(err),
		)
	}

	if out.Sent == 0 {
		return out, fmt.Errorf("push failed for all %d devices: %w", len(tokens), errors.Join(errs...))
	}
	return out, nil
}

func (d *Dispatcher) dispatchEmail(ctx context.Context, del *db.Delivery, title, body string) (Outcome, error) {
	out := Outcome{Channel: del.Channel}

	to, err := d.recipients.GetProfileEmail(ctx, del.UserID)
	if err != nil {
		return out, fmt.Errorf("load profile email: %w", err)
	}
	if to == "" {
		to = d.config.FallbackEmail
	}
	if to == "" {
		return out, ErrNoEmail
	}
	out.Targets = 1

	ics := BuildICS(Event{
		UID:         del.ID.String(),
		Start:       del.RunAt,
		Summary:     title,
		Description: body,
	})

	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	defer cancel()

	err = d.email.SendEmail(sendCtx, EmailMessage{
		To:      to,
		Subject: title,
		HTML:    "<p>" + html.EscapeString(body) + "</p>",
		Attachments: []Attachment{{
			Filename:    "reminder.ics",
			ContentType: "text/calendar; charset=UTF-8; method=PUBLISH",
			Content:     []byte(ics),
		}},
	})
	if err != nil {
		return out, fmt.Errorf("send email: %w", err)
	}

	out.Sent = 1
	return out, nil
}
