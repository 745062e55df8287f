package ratestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fortexa/loginguard/internal/models"
	"github.com/redis/go-redis/v9"
)

// hitScript mirrors RateLimitWindow.Hit on a hash with millisecond timestamps.
// Returns {attempts, window_start, blocked_until, was_blocked}.
var hitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local penalty = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local h = redis.call('HMGET', KEYS[1], 'attempts', 'start', 'blocked_until')
local attempts = tonumber(h[1]) or 0
local start = tonumber(h[2]) or 0
local blocked = tonumber(h[3]) or 0

if blocked > now then
	return {attempts, start, blocked, 1}
end

if start == 0 or now >= start + window or blocked > 0 then
	attempts = 1
	start = now
	blocked = 0
else
	attempts = attempts + 1
end

if attempts > max then
	blocked = now + penalty
end

redis.call('HSET', KEYS[1], 'attempts', attempts, 'start', start, 'blocked_until', blocked)
redis.call('PEXPIRE', KEYS[1], ttl)
return {attempts, start, blocked, 0}
`)

// RedisStore shares windows between instances.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "ratelimit:"}
}

func (s *RedisStore) key(k models.RateLimitKey) string {
	return s.prefix + k.String()
}

func (s *RedisStore) Hit(ctx context.Context, key models.RateLimitKey, policy models.RateLimitPolicy, now time.Time) (models.RateLimitWindow, bool, error) {
	const op = "ratestore.RedisStore.Hit"

	vals, err := hitScript.Run(ctx, s.client, []string{s.key(key)},
		now.UnixMilli(),
		policy.Window.Milliseconds(),
		policy.MaxAttempts,
		policy.PenaltyDuration().Milliseconds(),
		retention(policy).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return models.RateLimitWindow{}, false, fmt.Errorf("%s: %w: %v", op, models.ErrStoreUnavailable, err)
	}
	if len(vals) != 4 {
		return models.RateLimitWindow{}, false, fmt.Errorf("%s: unexpected reply length %d", op, len(vals))
	}

	w := windowFromMillis(key, vals[0], vals[1], vals[2])
	return w, vals[3] == 1, nil
}

func (s *RedisStore) Peek(ctx context.Context, key models.RateLimitKey) (*models.RateLimitWindow, error) {
	const op = "ratestore.RedisStore.Peek"

	vals, err := s.client.HMGet(ctx, s.key(key), "attempts", "start", "blocked_until").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w: %v", op, models.ErrStoreUnavailable, err)
	}
	if len(vals) != 3 || vals[1] == nil {
		return nil, nil
	}

	var n [3]int64
	for i, v := range vals {
		str, _ := v.(string)
		if _, err := fmt.Sscan(str, &n[i]); err != nil {
			return nil, fmt.Errorf("%s: field %d: %w", op, i, err)
		}
	}
	w := windowFromMillis(key, n[0], n[1], n[2])
	return &w, nil
}

func (s *RedisStore) Reset(ctx context.Context, key models.RateLimitKey) error {
	const op = "ratestore.RedisStore.Reset"

	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("%s: %w: %v", op, models.ErrStoreUnavailable, err)
	}
	return nil
}

func windowFromMillis(key models.RateLimitKey, attempts, start, blocked int64) models.RateLimitWindow {
	w := models.RateLimitWindow{
		Identifier:      key.Identifier,
		LimitType:       key.LimitType,
		CurrentAttempts: int(attempts),
		WindowStart:     time.UnixMilli(start).UTC(),
	}
	if blocked > 0 {
		until := time.UnixMilli(blocked).UTC()
		w.BlockedUntil = &until
	}
	return w
}
