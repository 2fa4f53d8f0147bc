package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database. DatabaseURL, when set, wins over the DB_* fields.
	DatabaseURL string
	DBMaxConns  int
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string
	SQSRegion    string

	// SQSEventsQueueURL receives delivery outcome events. Empty disables publishing.
	SQSEventsQueueURL string

	// Transports
	PushProvider  string // log, fcm or sns
	EmailProvider string // log or ses
	FCMServerKey  string
	FCMEndpoint   string
	FallbackEmail string // used when the owner's profile carries no address

	// AI / OpenAI config
	AIEnabled     bool
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	AITimeout     time.Duration

	// Scheduling
	DefaultTimezone     string
	DeliveryBatchSize   int
	DeliveryConcurrency int
	DeliveryCron        string // empty disables the in-process trigger
	EnqueueOnRun        bool
	SendTimeout         time.Duration
	PushRatePerSecond   float64

	RateLimitPerMinute int
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "guardeme",
		DBName:    "guardeme",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion:    "us-east-1",
		SESFromEmail: "Guarde.me <noreply@guarde.me>",

		PushProvider:  "log",
		EmailProvider: "log",
		FCMEndpoint:   "https://fcm.googleapis.com/fcm/send",

		OpenAIModel: "gpt-4o-mini",
		AITimeout:   15 * time.Second,

		DefaultTimezone:     "America/Sao_Paulo",
		DeliveryBatchSize:   50,
		DeliveryConcurrency: 4,
		EnqueueOnRun:        true,
		SendTimeout:         10 * time.Second,
		PushRatePerSecond:   20,

		RateLimitPerMinute: 30,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	if maxConns := os.Getenv("DB_MAX_CONNS"); maxConns != "" {
		n, err := strconv.Atoi(maxConns)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_MAX_CONNS: %w", err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("invalid DB_MAX_CONNS: must be positive, got %d", n)
		}
		cfg.DBMaxConns = n
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// AWS
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_EVENTS_QUEUE_URL"); url != "" {
		cfg.SQSEventsQueueURL = url
	}

	// Transports
	if provider := os.Getenv("PUSH_PROVIDER"); provider != "" {
		switch provider {
		case "log", "fcm", "sns":
			cfg.PushProvider = provider
		default:
			return nil, fmt.Errorf("invalid PUSH_PROVIDER: %q", provider)
		}
	}

	if provider := os.Getenv("EMAIL_PROVIDER"); provider != "" {
		switch provider {
		case "log", "ses":
			cfg.EmailProvider = provider
		default:
			return nil, fmt.Errorf("invalid EMAIL_PROVIDER: %q", provider)
		}
	}

	if key := os.Getenv("FCM_SERVER_KEY"); key != "" {
		cfg.FCMServerKey = key
	}

	if endpoint := os.Getenv("FCM_ENDPOINT"); endpoint != "" {
		cfg.FCMEndpoint = endpoint
	}

	if cfg.PushProvider == "fcm" && cfg.FCMServerKey == "" {
		return nil, fmt.Errorf("FCM_SERVER_KEY is required when PUSH_PROVIDER=fcm")
	}

	if email := os.Getenv("FALLBACK_EMAIL"); email != "" {
		cfg.FallbackEmail = email
	}

	// AI config
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.OpenAIAPIKey = key
		cfg.AIEnabled = true
	}

	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		cfg.OpenAIModel = model
	}

	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.OpenAIBaseURL = baseURL
	}

	if timeout := os.Getenv("AI_TIMEOUT_SECONDS"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid AI_TIMEOUT_SECONDS: %w", err)
		}
		cfg.AITimeout = time.Duration(t) * time.Second
	}

	// Scheduling
	if tz := os.Getenv("DEFAULT_TIMEZONE"); tz != "" {
		cfg.DefaultTimezone = tz
	}
	if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_TIMEZONE: %w", err)
	}

	if size := os.Getenv("DELIVERY_BATCH_SIZE"); size != "" {
		s, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid DELIVERY_BATCH_SIZE: %w", err)
		}
		if s <= 0 {
			return nil, fmt.Errorf("invalid DELIVERY_BATCH_SIZE: must be positive")
		}
		cfg.DeliveryBatchSize = s
	}

	if concurrency := os.Getenv("DELIVERY_CONCURRENCY"); concurrency != "" {
		c, err := strconv.Atoi(concurrency)
		if err != nil {
			return nil, fmt.Errorf("invalid DELIVERY_CONCURRENCY: %w", err)
		}
		cfg.DeliveryConcurrency = c
	}

	if spec := os.Getenv("DELIVERY_CRON"); spec != "" {
		cfg.DeliveryCron = spec
	}

	if enqueue := os.Getenv("ENQUEUE_ON_RUN"); enqueue != "" {
		b, err := strconv.ParseBool(enqueue)
		if err != nil {
			return nil, fmt.Errorf("invalid ENQUEUE_ON_RUN: %w", err)
		}
		cfg.EnqueueOnRun = b
	}

	if timeout := os.Getenv("SEND_TIMEOUT_SECONDS"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SEND_TIMEOUT_SECONDS: %w", err)
		}
		cfg.SendTimeout = time.Duration(t) * time.Second
	}

	if rate := os.Getenv("PUSH_RATE_PER_SECOND"); rate != "" {
		r, err := strconv.ParseFloat(rate, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid PUSH_RATE_PER_SECOND: %w", err)
		}
		cfg.PushRatePerSecond = r
	}

	if limit := os.Getenv("RATE_LIMIT_PER_MINUTE"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %w", err)
		}
		cfg.RateLimitPerMinute = l
	}

	return cfg, nil
}
