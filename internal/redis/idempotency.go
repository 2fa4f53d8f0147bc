package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a completed schedule/create response is
	// replayed for the same Idempotency-Key.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL bounds the lock if the gateway dies mid-request.
	processingTTL = 2 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest means another request with the same key is still in flight.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key is being processed")

// CachedResponse is the response replayed for a repeated key.
type CachedResponse struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
	CreatedAt  int64           `json:"created_at"`
}

type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{client: client, logger: logger}
}

// Keys are scoped so the same client key on two routes never collides.
func idempotencyKey(scope, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", scope, key)
}

// Check returns (nil, nil) for an unknown key and ErrDuplicateRequest while
// the key is reserved but not yet stored.
func (s *IdempotencyService) Check(ctx context.Context, scope, key string) (*CachedResponse, error) {
	val, err := s.client.rdb.Get(ctx, idempotencyKey(scope, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var cached CachedResponse
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}

	s.logger.Debug("idempotency replay",
		zap.String("scope", scope),
		zap.Int("status", cached.StatusCode),
	)
	return &cached, nil
}

// Reserve takes the key with SET NX. False means someone else holds it.
func (s *IdempotencyService) Reserve(ctx context.Context, scope, key string) (bool, error) {
	ok, err := s.client.rdb.SetNX(ctx, idempotencyKey(scope, key), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// CheckOrReserve returns the cached response, or reserves the key and
// returns (nil, nil) so the caller proceeds.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, scope, key string) (*CachedResponse, error) {
	cached, err := s.Check(ctx, scope, key)
	if err != nil || cached != nil {
		return cached, err
	}

	ok, err := s.Reserve(ctx, scope, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDuplicateRequest
	}
	return nil, nil
}

// Store replaces the reservation with the final response.
func (s *IdempotencyService) Store(ctx context.Context, scope, key string, resp *CachedResponse, ttl time.Duration) error {
	if resp.CreatedAt == 0 {
		resp.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode cached response: %w", err)
	}

	if err := s.client.rdb.Set(ctx, idempotencyKey(scope, key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Release drops a reservation so the client can retry after a failure that
// should not be replayed.
func (s *IdempotencyService) Release(ctx context.Context, scope, key string) error {
	if err := s.client.rdb.Del(ctx, idempotencyKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
