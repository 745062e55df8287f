//go:build integration

package ratestore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fortexa/loginguard/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedisStore_MatchesWindowSemantics(t *testing.T) {
	s := NewRedisStore(setupRedis(t))
	ctx := context.Background()
	key := models.RateLimitKey{Identifier: "203.0.113.9", LimitType: models.LimitIPLogin}
	now := time.Now().Truncate(time.Millisecond)

	for i := 1; i <= loginPolicy.MaxAttempts; i++ {
		w, wasBlocked, err := s.Hit(ctx, key, loginPolicy, now)
		require.NoError(t, err)
		assert.False(t, wasBlocked)
		assert.Equal(t, i, w.CurrentAttempts)
	}

	w, wasBlocked, err := s.Hit(ctx, key, loginPolicy, now)
	require.NoError(t, err)
	assert.False(t, wasBlocked)
	assert.True(t, w.Blocked(now))

	_, wasBlocked, err = s.Hit(ctx, key, loginPolicy, now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, wasBlocked)

	peeked, err := s.Peek(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, peeked)
	assert.Equal(t, w.BlockedUntil.UnixMilli(), peeked.BlockedUntil.UnixMilli())

	require.NoError(t, s.Reset(ctx, key))
	peeked, err = s.Peek(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, peeked)
}

func TestRedisStore_ConcurrentHits(t *testing.T) {
	s := NewRedisStore(setupRedis(t))
	ctx := context.Background()
	key := models.RateLimitKey{Identifier: "bob@example.com", LimitType: models.LimitUserLogin}
	policy := models.RateLimitPolicy{MaxAttempts: 10, Window: time.Minute}
	now := time.Now()

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, wasBlocked, err := s.Hit(ctx, key, policy, now)
			if !assert.NoError(t, err) {
				return
			}
			if models.EvaluateWindow(key, w, wasBlocked, policy, now).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, policy.MaxAttempts, allowed)
}
