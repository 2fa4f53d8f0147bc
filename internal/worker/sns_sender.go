package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

// snsAPI is the part of the SNS client the sender calls.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender sends push notifications to SNS mobile platform endpoints.
// The stored device token is the endpoint ARN.
type SNSSender struct {
	client snsAPI
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

// NewSNSSender creates a new SNS push sender
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// SendPush publishes one message to one platform endpoint.
func (s *SNSSender) SendPush(ctx context.Context, msg PushMessage) error {
	if msg.Token == "" {
		return fmt.Errorf("sns: empty endpoint arn")
	}

	message, err := snsMessage(msg)
	if err != nil {
		return err
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(msg.Token),
		Message:          aws.String(message),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Debug("push delivered via SNS",
		zap.String("platform", msg.Platform),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// snsMessage renders the per-platform JSON SNS expects with
// MessageStructure=json.
func snsMessage(msg PushMessage) (string, error) {
	gcm, err := json.Marshal(map[string]any{
		"notification": map[string]string{"title": msg.Title, "body": msg.Body},
		"data":         msg.Data,
	})
	if err != nil {
		return "", fmt.Errorf("marshal gcm payload: %w", err)
	}

	apnsBody := map[string]any{
		"aps": map[string]any{"alert": map[string]string{"title": msg.Title, "body": msg.Body}},
	}
	for k, v := range msg.Data {
		apnsBody[k] = v
	}
	apns, err := json.Marshal(apnsBody)
	if err != nil {
		return "", fmt.Errorf("marshal apns payload: %w", err)
	}

	out, err := json.Marshal(map[string]string{
		"default": msg.Body,
		"GCM":     string(gcm),
		"APNS":    string(apns),
	})
	if err != nil {
		return "", fmt.Errorf("marshal sns message: %w", err)
	}
	return string(out), nil
}
