package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const DefaultFCMEndpoint = "https://fcm.googleapis.com/fcm/send"

// FCMSender sends push notifications through the FCM HTTP API.
type FCMSender struct {
	client    *http.Client
	endpoint  string
	serverKey string
	logger    *zap.Logger
}

type FCMConfig struct {
	ServerKey string
	Endpoint  string        // defaults to DefaultFCMEndpoint
	Timeout   time.Duration // per request, default 10s
}

// NewFCMSender creates a new FCM sender
func NewFCMSender(cfg FCMConfig, logger *zap.Logger) *FCMSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultFCMEndpoint
	}

	return &FCMSender{
		client:    &http.Client{Timeout: timeout},
		endpoint:  endpoint,
		serverKey: cfg.ServerKey,
		logger:    logger,
	}
}

type fcmRequest struct {
	To           string            `json:"to"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

// SendPush posts one message to one device token.
func (s *FCMSender) SendPush(ctx context.Context, msg PushMessage) error {
	if msg.Token == "" {
		return fmt.Errorf("fcm: empty device token")
	}

	body, err := json.Marshal(fcmRequest{
		To:           msg.Token,
		Notification: fcmNotification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
	})
	if err != nil {
		return fmt.Errorf("marshal fcm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create fcm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+s.serverKey)
	req.Header.Set("User-Agent", "Guardeme/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fcm request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("fcm returned non-2xx status: %d, body: %s", resp.StatusCode, string(respBody))
	}

	// FCM answers 200 even for rejected tokens; the verdict is in the body.
	var result fcmResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("decode fcm response: %w", err)
	}
	if result.Failure > 0 {
		reason := "unknown"
		if len(result.Results) > 0 && result.Results[0].Error != "" {
			reason = result.Results[0].Error
		}
		return fmt.Errorf("fcm rejected token: %s", reason)
	}

	s.logger.Debug("push delivered via FCM",
		zap.String("platform", msg.Platform),
		zap.String("token_suffix", tokenSuffix(msg.Token)),
	)

	return nil
}
