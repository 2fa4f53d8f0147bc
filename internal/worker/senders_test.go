package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

func TestFCMSender_Send(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		response   string
		wantErr    string
	}{
		{
			name:       "accepted",
			statusCode: http.StatusOK,
			response:   `{"success":1,"failure":0,"results":[{"message_id":"0:1"}]}`,
		},
		{
			name:       "token rejected",
			statusCode: http.StatusOK,
			response:   `{"success":0,"failure":1,"results":[{"error":"NotRegistered"}]}`,
			wantErr:    "NotRegistered",
		},
		{
			name:       "server error",
			statusCode: http.StatusInternalServerError,
			response:   `oops`,
			wantErr:    "non-2xx status: 500",
		},
		{
			name:       "unreadable body",
			statusCode: http.StatusOK,
			response:   `<html>`,
			wantErr:    "decode fcm response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got fcmRequest
			var auth string

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				auth = r.Header.Get("Authorization")
				_ = json.NewDecoder(r.Body).Decode(&got)
				w.WriteHeader(tt.statusCode)
				w.Write([]byte(tt.response))
			}))
			defer server.Close()

			sender := NewFCMSender(FCMConfig{ServerKey: "srv-key", Endpoint: server.URL, Timeout: time.Second}, zap.NewNop())
			err := sender.SendPush(context.Background(), PushMessage{
				Token: "device-token",
				Title: ReminderTitle,
				Body:  "comprar pão",
				Data:  map[string]string{"type": "memory_delivery"},
			})

			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			} else if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}

			if auth != "key=srv-key" {
				t.Errorf("authorization = %q", auth)
			}
			if got.To != "device-token" || got.Notification.Body != "comprar pão" || got.Data["type"] != "memory_delivery" {
				t.Errorf("request = %+v", got)
			}
		})
	}
}

func TestFCMSender_EmptyToken(t *testing.T) {
	sender := NewFCMSender(FCMConfig{ServerKey: "k"}, zap.NewNop())
	if err := sender.SendPush(context.Background(), PushMessage{}); err == nil {
		t.Fatal("expected error for empty token")
	}
}

type mockSNS struct {
	input *sns.PublishInput
	err   error
}

func (m *mockSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.input = in
	if m.err != nil {
		return nil, m.err
	}
	return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
}

func TestSNSSender_PublishesPlatformJSON(t *testing.T) {
	client := &mockSNS{}
	sender := &SNSSender{client: client, logger: zap.NewNop()}

	arn := "arn:aws:sns:sa-east-1:123:endpoint/GCM/guardeme/abc"
	err := sender.SendPush(context.Background(), PushMessage{
		Token: arn,
		Title: "t",
		Body:  "b",
		Data:  map[string]string{"delivery_id": "d-1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if aws.ToString(client.input.TargetArn) != arn {
		t.Errorf("target = %s", aws.ToString(client.input.TargetArn))
	}
	if aws.ToString(client.input.MessageStructure) != "json" {
		t.Error("message structure should be json")
	}

	var envelope map[string]string
	if err := json.Unmarshal([]byte(aws.ToString(client.input.Message)), &envelope); err != nil {
		t.Fatalf("message is not json: %v", err)
	}
	if envelope["default"] != "b" {
		t.Errorf("default = %q", envelope["default"])
	}
	if !strings.Contains(envelope["GCM"], `"delivery_id":"d-1"`) {
		t.Errorf("GCM payload = %s", envelope["GCM"])
	}
	if !strings.Contains(envelope["APNS"], `"aps"`) {
		t.Errorf("APNS payload = %s", envelope["APNS"])
	}
}

func TestSNSSender_Error(t *testing.T) {
	sender := &SNSSender{client: &mockSNS{err: errors.New("EndpointDisabled")}, logger: zap.NewNop()}
	if err := sender.SendPush(context.Background(), PushMessage{Token: "arn"}); err == nil {
		t.Fatal("expected error")
	}
}

type mockSES struct {
	input *ses.SendRawEmailInput
}

func (m *mockSES) SendRawEmail(ctx context.Context, in *ses.SendRawEmailInput, _ ...func(*ses.Options)) (*ses.SendRawEmailOutput, error) {
	m.input = in
	return &ses.SendRawEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func TestSESSender_SendsRawMessage(t *testing.T) {
	client := &mockSES{}
	sender := &SESSender{client: client, from: "Guarde.me <noreply@guarde.me>", logger: zap.NewNop()}

	err := sender.SendEmail(context.Background(), EmailMessage{
		To:          "ana@example.com",
		Subject:     ReminderTitle,
		HTML:        "<p>oi</p>",
		Attachments: []Attachment{{Filename: "reminder.ics", ContentType: "text/calendar", Content: []byte("BEGIN:VCALENDAR")}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(client.input.Destinations) != 1 || client.input.Destinations[0] != "ana@example.com" {
		t.Errorf("destinations = %v", client.input.Destinations)
	}
	if !strings.Contains(string(client.input.RawMessage.Data), "reminder.ics") {
		t.Error("raw message missing attachment")
	}
}

func TestSESSender_Validation(t *testing.T) {
	sender := &SESSender{client: &mockSES{}, logger: zap.NewNop()}

	tests := []struct {
		name string
		msg  EmailMessage
	}{
		{"missing recipient", EmailMessage{Subject: "s"}},
		{"missing subject", EmailMessage{To: "a@b.c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := sender.SendEmail(context.Background(), tt.msg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLogSender(t *testing.T) {
	s := NewLogSender(zap.NewNop())
	if err := s.SendPush(context.Background(), PushMessage{Token: "abcdefghij"}); err != nil {
		t.Errorf("SendPush: %v", err)
	}
	if err := s.SendEmail(context.Background(), EmailMessage{To: "a@b.c"}); err != nil {
		t.Errorf("SendEmail: %v", err)
	}
	if got := tokenSuffix("abcdefghij"); got != "…efghij" {
		t.Errorf("tokenSuffix = %q", got)
	}
}
