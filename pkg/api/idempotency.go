package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// cachedResponse stores a previously-seen response for idempotent replay.
type cachedResponse struct {
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	CachedAt   time.Time   `json:"cached_at"`
}

// IdempotencyStorer is the backend behind the Idempotency-Key middleware.
type IdempotencyStorer interface {
	Check(ctx context.Context, key string) (*cachedResponse, bool)
	Set(ctx context.Context, key string, statusCode int, headers http.Header, body []byte)
}

// MemoryIdempotencyStore holds cached responses keyed by idempotency key.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*cachedResponse
	ttl     time.Duration
}

// NewIdempotencyStore creates a new in-memory idempotency store.
func NewIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	s := &MemoryIdempotencyStore{
		entries: make(map[string]*cachedResponse),
		ttl:     ttl,
	}
	go s.cleanup()
	return s
}

func (s *MemoryIdempotencyStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		now := time.Now()
		for k, v := range s.entries {
			if now.Sub(v.CachedAt) > s.ttl {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// Check returns a cached response if one exists and has not expired.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (*cachedResponse, bool) {
	s.mu.RLock()
	cached, exists := s.entries[key]
	s.mu.RUnlock()

	if exists && time.Since(cached.CachedAt) < s.ttl {
		return cached, true
	}
	return nil, false
}

// Set stores a response.
func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, statusCode int, headers http.Header, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &cachedResponse{
		StatusCode: statusCode,
		Headers:    headers,
		Body:       body,
		CachedAt:   time.Now(),
	}
}

// RedisIdempotencyStore shares replay state across intake replicas.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisIdempotencyStore builds the Redis-backed store.
func NewRedisIdempotencyStore(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisIdempotencyStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisIdempotencyStore{client: client, ttl: ttl, logger: logger}
}

func redisKey(key string) string { return "saihai:idem:" + key }

// Check returns a cached response if the key is live in Redis. Backend
// failures are treated as a miss; the request proceeds.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key string) (*cachedResponse, bool) {
	raw, err := s.client.Get(ctx, redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		s.logger.Warn("idempotency cache read failed", "key", key, "error", err)
		return nil, false
	}
	var cached cachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, false
	}
	return &cached, true
}

// Set stores a response with the configured TTL.
func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, statusCode int, headers http.Header, body []byte) {
	raw, err := json.Marshal(&cachedResponse{
		StatusCode: statusCode,
		Headers:    headers,
		Body:       body,
		CachedAt:   time.Now(),
	})
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, redisKey(key), raw, s.ttl).Err(); err != nil {
		s.logger.Warn("idempotency cache write failed", "key", key, "error", err)
	}
}

// responseCapture wraps http.ResponseWriter to capture the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the cached response for mutating requests
// that repeat an Idempotency-Key header. Only 2xx responses are cached; a
// failed attempt may be retried with the same key.
func IdempotencyMiddleware(store IdempotencyStorer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if cached, exists := store.Check(r.Context(), key); exists {
				for k, vals := range cached.Headers {
					for _, v := range vals {
						w.Header().Set(k, v)
					}
				}
				w.Header().Set("X-Idempotent-Replay", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				store.Set(r.Context(), key, capture.statusCode, w.Header().Clone(), capture.body.Bytes())
			}
		})
	}
}
