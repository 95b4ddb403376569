// Package idempotency deduplicates retried operator writes. A response is
// cached under a client-supplied key together with a hash of the request
// that produced it; a retry with the same key and hash replays the cached
// response, a retry with a different hash is a CONFLICT.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/intake/internal/config"
	"github.com/pitabwire/intake/model"
)

// Response is a cached HTTP response.
type Response struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Store caches responses by idempotency key.
type Store interface {
	// Check looks up key. found reports whether an entry exists. When the
	// stored hash differs from hash a CONFLICT error is returned.
	Check(ctx context.Context, key, hash string) (resp *Response, found bool, err error)

	// Save caches resp under key for ttl.
	Save(ctx context.Context, key, hash string, resp Response, ttl time.Duration) error

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

type entry struct {
	Hash     string   `json:"hash"`
	Response Response `json:"response"`
}

// Key builds the storage key for a client key scoped to one route target,
// e.g. "POST /api/admin/submissions/{id}/transition".
func Key(scope, clientKey string) string {
	return fmt.Sprintf("idem:intake:%s:%s", scope, clientKey)
}

// HashRequest fingerprints a request body.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with a different request", key))
}

// --- Memory ---

// MemoryStore keeps entries in process. Expired entries are dropped on read.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

// Check implements Store.
func (s *MemoryStore) Check(_ context.Context, key, hash string) (*Response, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	if e.Hash != hash {
		return nil, true, conflict(key)
	}
	resp := e.Response
	return &resp, true, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, key, hash string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{
		entry:     entry{Hash: hash, Response: resp},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// --- Redis ---

// RedisStore keeps entries in Redis with native key expiry.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a store over client.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check implements Store.
func (s *RedisStore) Check(ctx context.Context, key, hash string) (*Response, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("decode idempotency entry %q: %w", key, err)
	}
	if e.Hash != hash {
		return nil, true, conflict(key)
	}
	return &e.Response, true, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, key, hash string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(entry{Hash: hash, Response: resp})
	if err != nil {
		return fmt.Errorf("encode idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// New builds the store selected by cfg. It returns a nil Store when
// idempotency is disabled. The returned close function is never nil.
func New(cfg config.IdempotencyConfig) (Store, func() error, error) {
	noop := func() error { return nil }
	if !cfg.Enabled {
		return nil, noop, nil
	}
	switch cfg.Store.Driver {
	case "", "memory":
		return NewMemoryStore(), noop, nil
	case "redis":
		addr := cfg.Store.Addr()
		if addr == "" {
			return nil, noop, fmt.Errorf("idempotency: %s is not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		return NewRedisStore(client), client.Close, nil
	}
	return nil, noop, fmt.Errorf("idempotency: unknown driver %q", cfg.Store.Driver)
}
