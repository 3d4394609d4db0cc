package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// IdempotencyStore reserves client-supplied request keys so a retried
// mutation is executed at most once within the TTL window.
type IdempotencyStore interface {
	// Reserve claims the key. Returns false when the key was already
	// claimed within the TTL.
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisIdempotencyStore reserves keys with SETNX so reservations are
// shared across replicas.
type RedisIdempotencyStore struct {
	client *redis.Client
}

// NewRedisIdempotencyStore creates a Redis-backed store.
func NewRedisIdempotencyStore(client *redis.Client) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Reserve implements IdempotencyStore.
func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, "idem:"+key, 1, ttl).Result()
}

// MemoryIdempotencyStore is the single-process fallback when Redis is
// not configured.
type MemoryIdempotencyStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryIdempotencyStore creates an in-memory store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{seen: make(map[string]time.Time)}
}

// Reserve implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if expiry, ok := s.seen[key]; ok && now.Before(expiry) {
		return false, nil
	}
	s.seen[key] = now.Add(ttl)
	// Opportunistic cleanup of expired keys.
	for k, exp := range s.seen {
		if now.After(exp) {
			delete(s.seen, k)
		}
	}
	return true, nil
}

// Idempotency returns a Gin middleware that enforces at-most-once
// execution of mutating requests carrying an Idempotency-Key header.
// Requests without the header pass through; a duplicate key within the
// TTL is rejected with 409. A store failure fails open: the request
// proceeds and the failure is logged.
func Idempotency(store IdempotencyStore, ttl time.Duration, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}
		key := c.GetHeader("Idempotency-Key")
		if key == "" {
			c.Next()
			return
		}

		ok, err := store.Reserve(c.Request.Context(), key, ttl)
		if err != nil {
			logger.Warn("idempotency reservation failed", zap.Error(err))
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error": "duplicate request: idempotency key already used",
			})
			return
		}
		c.Next()
	}
}
