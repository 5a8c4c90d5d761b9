package qrcheckin

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTokenNotFound means the token was never issued, already redeemed,
// or expired out of the store.
var ErrTokenNotFound = errors.New("qr token not found")

// TokenRecord is the server-side state bound to one issued token.
type TokenRecord struct {
	SessionID int64     `json:"session_id"`
	TrainerID int64     `json:"trainer_id"`
	IssuedAt  time.Time `json:"issued_at"`
}

// TokenStore is a TTL-bounded key-value store for issued tokens, so
// tokens expire deterministically without manual cleanup. Consume must
// be atomic: a token can be redeemed at most once.
type TokenStore interface {
	Save(ctx context.Context, jti string, rec TokenRecord, ttl time.Duration) error
	Consume(ctx context.Context, jti string) (*TokenRecord, error)
}

// RedisStore keeps tokens in Redis, shared across instances.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis token store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "smartattend:qrtoken:"}
}

// Save stores the record under the token id with the given TTL.
func (s *RedisStore) Save(ctx context.Context, jti string, rec TokenRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+jti, data, ttl).Err()
}

// Consume atomically fetches and deletes the record via GETDEL.
func (s *RedisStore) Consume(ctx context.Context, jti string) (*TokenRecord, error) {
	data, err := s.client.GetDel(ctx, s.prefix+jti).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	var rec TokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// MemoryStore is a single-node token store for dev and tests.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

type memoryItem struct {
	rec     TokenRecord
	expires time.Time
}

// NewMemoryStore creates an in-memory token store. now defaults to
// time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{items: make(map[string]memoryItem), now: now}
}

// Save stores the record and opportunistically evicts expired entries.
func (s *MemoryStore) Save(_ context.Context, jti string, rec TokenRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, it := range s.items {
		if now.After(it.expires) {
			delete(s.items, k)
		}
	}
	s.items[jti] = memoryItem{rec: rec, expires: now.Add(ttl)}
	return nil
}

// Consume removes and returns the record if present and unexpired.
func (s *MemoryStore) Consume(_ context.Context, jti string) (*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[jti]
	if !ok {
		return nil, ErrTokenNotFound
	}
	delete(s.items, jti)
	if s.now().After(it.expires) {
		return nil, ErrTokenNotFound
	}
	rec := it.rec
	return &rec, nil
}
