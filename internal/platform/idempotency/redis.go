package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// abandonScript deletes the key only while it is still an unfinished claim for the fingerprint.
var abandonScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then return 0 end
local entry = cjson.decode(raw)
if entry.fingerprint == ARGV[1] and not entry.done then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps entries as JSON values with a native expiry.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore returns a store writing keys under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) ttl(expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(s.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *RedisStore) Claim(ctx context.Context, key, fingerprint string, expiresAt time.Time) (Entry, State, error) {
	fresh := Entry{Fingerprint: fingerprint, ExpiresAt: expiresAt}
	payload, err := json.Marshal(fresh)
	if err != nil {
		return Entry{}, StateNew, err
	}
	// A key can expire between SETNX and GET; one retry covers it.
	for attempt := 0; attempt < 2; attempt++ {
		claimed, err := s.client.SetNX(ctx, s.prefix+key, payload, s.ttl(expiresAt)).Result()
		if err != nil {
			return Entry{}, StateNew, fmt.Errorf("idempotency: claim: %w", err)
		}
		if claimed {
			return fresh, StateNew, nil
		}
		raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Entry{}, StateNew, fmt.Errorf("idempotency: read: %w", err)
		}
		var existing Entry
		if err := json.Unmarshal(raw, &existing); err != nil {
			return Entry{}, StateNew, fmt.Errorf("idempotency: decode: %w", err)
		}
		if existing.Fingerprint != fingerprint {
			return Entry{}, StateNew, ErrKeyReused
		}
		return existing, state(existing), nil
	}
	return Entry{}, StateInFlight, nil
}

func (s *RedisStore) Finish(ctx context.Context, key string, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefix+key, payload, s.ttl(entry.ExpiresAt)).Err(); err != nil {
		return fmt.Errorf("idempotency: finish: %w", err)
	}
	return nil
}

func (s *RedisStore) Abandon(ctx context.Context, key, fingerprint string) error {
	err := abandonScript.Run(ctx, s.client, []string{s.prefix + key}, fingerprint).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("idempotency: abandon: %w", err)
	}
	return nil
}
