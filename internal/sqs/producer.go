package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// maxBatch is the SQS limit for SendMessageBatch.
const maxBatch = 10

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// DeliveryEvent is published once per recorded delivery outcome.
type DeliveryEvent struct {
	DeliveryID string `json:"delivery_id"`
	ScheduleID string `json:"schedule_id"`
	UserID     string `json:"user_id"`
	Channel    string `json:"channel"`
	Status     string `json:"status"`
	Attempt    int    `json:"attempt"`
	Error      string `json:"error,omitempty"`
	RunAt      int64  `json:"run_at"`
	RecordedAt int64  `json:"recorded_at"`
}

type sqsAPI interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// Producer publishes delivery outcome events to a queue for downstream
// consumers (analytics, user activity feeds).
type Producer struct {
	client   sqsAPI
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// PublishOutcomes sends events in batches of ten. It returns an error if any
// event could not be sent; events in other batches are still attempted.
func (p *Producer) PublishOutcomes(ctx context.Context, events []DeliveryEvent) error {
	if len(events) == 0 {
		return nil
	}

	failed := 0
	for start := 0; start < len(events); start += maxBatch {
		end := min(start+maxBatch, len(events))
		n, err := p.sendBatch(ctx, events[start:end])
		if err != nil {
			p.logger.Warn("failed to publish outcome batch", zap.Error(err), zap.Int("events", end-start))
			failed += end - start
			continue
		}
		failed += n
	}

	if failed > 0 {
		return fmt.Errorf("sqs: %d of %d outcome events not published", failed, len(events))
	}
	return nil
}

func (p *Producer) sendBatch(ctx context.Context, events []DeliveryEvent) (int, error) {
	entries := make([]types.SendMessageBatchRequestEntry, 0, len(events))
	for i, ev := range events {
		body, err := json.Marshal(ev)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal event: %w", err)
		}
		entries = append(entries, types.SendMessageBatchRequestEntry{
			Id:          aws.String(strconv.Itoa(i)),
			MessageBody: aws.String(string(body)),
		})
	}

	result, err := p.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(p.queueURL),
		Entries:  entries,
	})
	if err != nil {
		return 0, fmt.Errorf("sqs send batch failed: %w", err)
	}

	for _, f := range result.Failed {
		p.logger.Warn("outcome event rejected",
			zap.String("entry", aws.ToString(f.Id)),
			zap.String("code", aws.ToString(f.Code)),
			zap.String("message", aws.ToString(f.Message)),
		)
	}

	return len(result.Failed), nil
}

// NewEvent stamps RecordedAt.
func NewEvent(deliveryID, scheduleID, userID, channel, status string, attempt int, errMsg string, runAt time.Time) DeliveryEvent {
	return DeliveryEvent{
		DeliveryID: deliveryID,
		ScheduleID: scheduleID,
		UserID:     userID,
		Channel:    channel,
		Status:     status,
		Attempt:    attempt,
		Error:      errMsg,
		RunAt:      runAt.Unix(),
		RecordedAt: time.Now().Unix(),
	}
}
