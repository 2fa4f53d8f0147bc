package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/guardeme/internal/worker"
)

// call runs fn through the breaker.
func (cb *CircuitBreaker) call(fn func() error) error {
	if !cb.Allow() {
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, cb.config.Name)
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// ProtectedPushSender wraps a worker.PushSender with a CircuitBreaker.
// A rejected device token still counts as a provider failure.
type ProtectedPushSender struct {
	sender  worker.PushSender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedPushSender(sender worker.PushSender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedPushSender {
	return &ProtectedPushSender{sender: sender, breaker: breaker, logger: logger}
}

func (p *ProtectedPushSender) SendPush(ctx context.Context, msg worker.PushMessage) error {
	err := p.breaker.call(func() error { return p.sender.SendPush(ctx, msg) })
	if err != nil {
		p.logger.Debug("protected push send failed",
			zap.String("breaker", p.breaker.config.Name),
			zap.Stringer("state", p.breaker.GetState()),
			zap.Error(err),
		)
	}
	return err
}

func (p *ProtectedPushSender) Breaker() *CircuitBreaker {
	return p.breaker
}

// ProtectedEmailSender wraps a worker.EmailSender with a CircuitBreaker.
type ProtectedEmailSender struct {
	sender  worker.EmailSender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedEmailSender(sender worker.EmailSender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedEmailSender {
	return &ProtectedEmailSender{sender: sender, breaker: breaker, logger: logger}
}

func (p *ProtectedEmailSender) SendEmail(ctx context.Context, msg worker.EmailMessage) error {
	err := p.breaker.call(func() error { return p.sender.SendEmail(ctx, msg) })
	if err != nil {
		p.logger.Debug("protected email send failed",
			zap.String("breaker", p.breaker.config.Name),
			zap.Stringer("state", p.breaker.GetState()),
			zap.Error(err),
		)
	}
	return err
}

func (p *ProtectedEmailSender) Breaker() *CircuitBreaker {
	return p.breaker
}
