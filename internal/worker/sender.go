package worker

import (
	"context"

	"go.uber.org/zap"
)

// PushMessage is one notification to one device.
type PushMessage struct {
	Token    string
	Platform string
	Title    string
	Body     string
	Data     map[string]string
}

// Attachment is a file attached to an email.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// EmailMessage is one email to one recipient.
type EmailMessage struct {
	To          string
	Subject     string
	HTML        string
	Attachments []Attachment
}

// PushSender delivers to a single device token.
// Implementations: FCM, SNS platform endpoints, log.
type PushSender interface {
	SendPush(ctx context.Context, msg PushMessage) error
}

// EmailSender delivers a single email.
// Implementations: SES, log.
type EmailSender interface {
	SendEmail(ctx context.Context, msg EmailMessage) error
}

// LogSender logs messages instead of sending them (for development)
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendPush(ctx context.Context, msg PushMessage) error {
	s.logger.Info("push sent (development mode)",
		zap.String("platform", msg.Platform),
		zap.String("token_suffix", tokenSuffix(msg.Token)),
		zap.String("title", msg.Title),
		zap.Any("data", msg.Data),
	)
	return nil
}

func (s *LogSender) SendEmail(ctx context.Context, msg EmailMessage) error {
	names := make([]string, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		names = append(names, a.Filename)
	}
	s.logger.Info("email sent (development mode)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Strings("attachments", names),
	)
	return nil
}

// tokenSuffix keeps device tokens out of logs.
func tokenSuffix(token string) string {
	if len(token) <= 6 {
		return token
	}
	return "…" + token[len(token)-6:]
}
