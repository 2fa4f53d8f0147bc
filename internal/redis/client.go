// Package redis backs request idempotency and per-client rate limits.
package redis

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int // 0 means 10
}

// Client wraps the go-redis client shared by the idempotency store and the
// rate limiter.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects and pings. Callers decide whether an unreachable Redis is
// fatal; the gateway runs without idempotency and rate limits instead.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	// Request-path callers fail open on timeout.
	rdb := redis.NewClient(&redis.Options{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: min(2, poolSize),
		PoolTimeout:  2 * time.Second,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info("redis connected",
		zap.String("addr", rdb.Options().Addr),
		zap.Int("db", cfg.DB),
		zap.Int("pool_size", poolSize),
	)

	return &Client{rdb: rdb, logger: logger}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// PoolStats reports total and idle connections for the metrics loop.
func (c *Client) PoolStats() (total, idle int) {
	s := c.rdb.PoolStats()
	return int(s.TotalConns), int(s.IdleConns)
}
