// Package idempotency remembers the outcome of order submissions keyed by the
// client's Idempotency-Key header so retried requests are answered without
// placing the order twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrInFlight is returned while another request holds the key.
	ErrInFlight = errors.New("request with this idempotency key is in progress")
	// ErrKeyReuse is returned when the key was used for a different body.
	ErrKeyReuse = errors.New("idempotency key reused with a different request")
)

// Response is a completed result replayed to retries.
type Response struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

type state string

const (
	statePending state = "pending"
	stateDone    state = "done"
)

type record struct {
	State       state  `json:"state"`
	Fingerprint string `json:"fingerprint"`
	Response
}

// client is the subset of redis commands used; *redis.Client satisfies it.
type client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Config tunes key lifetimes.
type Config struct {
	Prefix string
	// LockTTL bounds how long a crashed request can hold a key.
	LockTTL time.Duration
	// TTL is how long completed responses are replayed.
	TTL time.Duration
}

// RedisStore keeps idempotency records in Redis.
type RedisStore struct {
	rdb     client
	prefix  string
	lockTTL time.Duration
	ttl     time.Duration
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(rdb client, cfg Config) *RedisStore {
	if cfg.Prefix == "" {
		cfg.Prefix = "storefront:idem:"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, prefix: cfg.Prefix, lockTTL: cfg.LockTTL, ttl: cfg.TTL}
}

// Fingerprint hashes a request body.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Reserve claims key for a request with the given fingerprint. A nil
// response with a nil error means the caller owns the key and must Save or
// Release it. A non-nil response is the stored result of an earlier request.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string) (*Response, error) {
	pending, err := json.Marshal(record{State: statePending, Fingerprint: fingerprint})
	if err != nil {
		return nil, errors.Wrap(err, "marshal record")
	}

	// The second pass covers a record expiring between SETNX and GET.
	for range 2 {
		ok, err := s.rdb.SetNX(ctx, s.prefix+key, pending, s.lockTTL).Result()
		if err != nil {
			return nil, errors.Wrap(err, "reserve key")
		}
		if ok {
			return nil, nil
		}

		raw, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "get key")
		}

		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, errors.Wrap(err, "decode record")
		}
		switch {
		case rec.Fingerprint != fingerprint:
			return nil, ErrKeyReuse
		case rec.State == statePending:
			return nil, ErrInFlight
		default:
			return &rec.Response, nil
		}
	}
	return nil, ErrInFlight
}

// Save stores the final response for key.
func (s *RedisStore) Save(ctx context.Context, key, fingerprint string, resp Response) error {
	raw, err := json.Marshal(record{State: stateDone, Fingerprint: fingerprint, Response: resp})
	if err != nil {
		return errors.Wrap(err, "marshal record")
	}
	if err := s.rdb.Set(ctx, s.prefix+key, raw, s.ttl).Err(); err != nil {
		return errors.Wrap(err, "save response")
	}
	return nil
}

// Release drops a reservation so the client may retry.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return errors.Wrap(err, "release key")
	}
	return nil
}
