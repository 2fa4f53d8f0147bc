package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/guardeme/internal/api"
	"github.com/lalithlochan/guardeme/internal/circuitbreaker"
	"github.com/lalithlochan/guardeme/internal/config"
	"github.com/lalithlochan/guardeme/internal/db"
	"github.com/lalithlochan/guardeme/internal/intent"
	"github.com/lalithlochan/guardeme/internal/metrics"
	"github.com/lalithlochan/guardeme/internal/observ"
	"github.com/lalithlochan/guardeme/internal/recurrence"
	"github.com/lalithlochan/guardeme/internal/redis"
	"github.com/lalithlochan/guardeme/internal/schedule"
	"github.com/lalithlochan/guardeme/internal/sqs"
	"github.com/lalithlochan/guardeme/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting guardeme gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("push_provider", cfg.PushProvider),
		zap.String("email_provider", cfg.EmailProvider),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, db.Config{
		URL:      cfg.DatabaseURL,
		MaxConns: int32(cfg.DBMaxConns),
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs idempotency and rate limiting; both are skipped without it.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var idempotency *redis.IdempotencyService
	var limiter *redis.RateLimiter
	if redisClient != nil {
		defer redisClient.Close()
		idempotency = redis.NewIdempotencyService(redisClient, logger)
		limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: time.Minute,
		})
	}

	pushBreaker, push, err := newPushSender(ctx, cfg, logger)
	if err != nil {
		return err
	}
	emailBreaker, email, err := newEmailSender(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var events worker.EventPublisher
	if cfg.SQSEventsQueueURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{Region: cfg.SQSRegion, QueueURL: cfg.SQSEventsQueueURL}, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, outcome events disabled", zap.Error(err))
		} else {
			events = producer
		}
	}

	evaluator := recurrence.NewEvaluator()

	dispatcher := worker.NewDispatcher(repo, push, email, worker.DispatcherConfig{
		FallbackEmail:     cfg.FallbackEmail,
		SendTimeout:       cfg.SendTimeout,
		PushRatePerSecond: max(1, int(cfg.PushRatePerSecond)),
	}, logger)
	recorder := worker.NewRecorder(repo, evaluator, logger)

	w := worker.New(repo, dispatcher, recorder, events, worker.Config{
		BatchSize:    cfg.DeliveryBatchSize,
		Concurrency:  cfg.DeliveryConcurrency,
		EnqueueOnRun: cfg.EnqueueOnRun,
	}, logger)

	if cfg.DeliveryCron != "" {
		c, err := w.Schedule(ctx, cfg.DeliveryCron)
		if err != nil {
			return err
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
		logger.Info("in-process delivery trigger started", zap.String("cron", cfg.DeliveryCron))
	}

	var gen intent.Generator
	if g := intent.NewOpenAIGenerator(intent.OpenAIConfig{
		APIKey:  cfg.OpenAIAPIKey,
		Model:   cfg.OpenAIModel,
		BaseURL: cfg.OpenAIBaseURL,
	}); g != nil {
		gen = g
	} else {
		logger.Warn("OPENAI_API_KEY not set, intent decoding will return 500")
	}
	normalizer := intent.NewNormalizer(gen, intent.Config{
		Timeout:  cfg.AITimeout,
		Timezone: cfg.DefaultTimezone,
	}, logger)

	writer := schedule.NewWriter(repo, evaluator, cfg.DefaultTimezone, logger)

	handler := api.NewHandler(logger, repo, normalizer, writer, w)
	if idempotency != nil {
		handler.WithIdempotency(idempotency)
	}

	checks := map[string]api.HealthCheck{"database": database.Health}
	if redisClient != nil {
		checks["redis"] = redisClient.Ping
	}
	router := api.NewRouter(handler, api.RouterConfig{
		Limiter: limiter,
		Checks:  checks,
		Extra: func() map[string]any {
			return map[string]any{
				"circuit_breakers": []circuitbreaker.Stats{pushBreaker.Stats(), emailBreaker.Stats()},
			}
		},
	}, logger)

	go reportPoolStats(ctx, database, redisClient)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second, // deliver/run waits for a whole batch
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logger.Info("server stopped gracefully")
	}

	return nil
}

func newPushSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*circuitbreaker.CircuitBreaker, worker.PushSender, error) {
	var inner worker.PushSender
	switch cfg.PushProvider {
	case "fcm":
		inner = worker.NewFCMSender(worker.FCMConfig{
			ServerKey: cfg.FCMServerKey,
			Endpoint:  cfg.FCMEndpoint,
			Timeout:   cfg.SendTimeout,
		}, logger)
	case "sns":
		s, err := worker.NewSNSSender(ctx, worker.SNSConfig{Region: cfg.SNSRegion}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create SNS push sender: %w", err)
		}
		inner = s
	default:
		inner = worker.NewLogSender(logger)
	}

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(cfg.PushProvider+"-push"), logger)
	return breaker, circuitbreaker.NewProtectedPushSender(inner, breaker, logger), nil
}

func newEmailSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*circuitbreaker.CircuitBreaker, worker.EmailSender, error) {
	var inner worker.EmailSender
	switch cfg.EmailProvider {
	case "ses":
		s, err := worker.NewSESSender(ctx, worker.SESConfig{Region: cfg.AWSRegion, FromEmail: cfg.SESFromEmail}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create SES email sender: %w", err)
		}
		inner = s
	default:
		inner = worker.NewLogSender(logger)
	}

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(cfg.EmailProvider+"-email"), logger)
	return breaker, circuitbreaker.NewProtectedEmailSender(inner, breaker, logger), nil
}

// reportPoolStats feeds the connection gauges until ctx is done.
func reportPoolStats(ctx context.Context, database *db.DB, redisClient *redis.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetDBConnections(int(database.Pool().Stat().TotalConns()))
			if redisClient != nil {
				total, _ := redisClient.PoolStats()
				metrics.SetRedisConnections(total)
			}
		}
	}
}
