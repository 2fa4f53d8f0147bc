package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "LOG_LEVEL", "ENV", "DEFAULT_TIMEZONE", "DELIVERY_BATCH_SIZE", "PUSH_PROVIDER", "EMAIL_PROVIDER", "OPENAI_API_KEY"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.DefaultTimezone != "America/Sao_Paulo" {
		t.Errorf("expected default timezone America/Sao_Paulo, got %s", cfg.DefaultTimezone)
	}
	if cfg.DeliveryBatchSize != 50 {
		t.Errorf("expected batch size 50, got %d", cfg.DeliveryBatchSize)
	}
	if cfg.PushProvider != "log" || cfg.EmailProvider != "log" {
		t.Errorf("expected log providers, got push=%s email=%s", cfg.PushProvider, cfg.EmailProvider)
	}
	if cfg.AIEnabled {
		t.Error("expected AI disabled without OPENAI_API_KEY")
	}
	if !cfg.EnqueueOnRun {
		t.Error("expected enqueue on run by default")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("ENV", "production")
	t.Setenv("DEFAULT_TIMEZONE", "Europe/Lisbon")
	t.Setenv("DELIVERY_BATCH_SIZE", "10")
	t.Setenv("SEND_TIMEOUT_SECONDS", "3")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ENQUEUE_ON_RUN", "false")
	t.Setenv("PUSH_PROVIDER", "sns")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.DefaultTimezone != "Europe/Lisbon" {
		t.Errorf("expected Europe/Lisbon, got %s", cfg.DefaultTimezone)
	}
	if cfg.DeliveryBatchSize != 10 {
		t.Errorf("expected batch size 10, got %d", cfg.DeliveryBatchSize)
	}
	if cfg.SendTimeout != 3*time.Second {
		t.Errorf("expected 3s send timeout, got %s", cfg.SendTimeout)
	}
	if !cfg.AIEnabled {
		t.Error("expected AI enabled with OPENAI_API_KEY")
	}
	if cfg.EnqueueOnRun {
		t.Error("expected enqueue on run disabled")
	}
	if cfg.PushProvider != "sns" {
		t.Errorf("expected sns push provider, got %s", cfg.PushProvider)
	}
}

func TestLoad_DatabaseURLAndPoolSize(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://app@db:5432/guardeme?sslmode=require")
	t.Setenv("DB_MAX_CONNS", "40")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.DatabaseURL != "postgres://app@db:5432/guardeme?sslmode=require" {
		t.Errorf("expected DATABASE_URL to be kept, got %q", cfg.DatabaseURL)
	}
	if cfg.DBMaxConns != 40 {
		t.Errorf("expected 40 max conns, got %d", cfg.DBMaxConns)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non-numeric port", "PORT", "eighty"},
		{"unknown timezone", "DEFAULT_TIMEZONE", "Mars/Olympus_Mons"},
		{"zero batch size", "DELIVERY_BATCH_SIZE", "0"},
		{"unknown push provider", "PUSH_PROVIDER", "pigeon"},
		{"unknown email provider", "EMAIL_PROVIDER", "fax"},
		{"bad bool", "ENQUEUE_ON_RUN", "maybe"},
		{"non-numeric pool size", "DB_MAX_CONNS", "lots"},
		{"zero pool size", "DB_MAX_CONNS", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestLoad_FCMRequiresKey(t *testing.T) {
	t.Setenv("PUSH_PROVIDER", "fcm")
	t.Setenv("FCM_SERVER_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when fcm provider has no server key")
	}
}
