package ratestore

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/fortexa/loginguard/internal/models"
)

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	windows map[models.RateLimitKey]models.RateLimitWindow
}

// MemoryStore keeps windows in process. Keys are spread over mutex-guarded
// shards so unrelated identifiers do not contend.
type MemoryStore struct {
	shards [shardCount]*shard
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &shard{windows: make(map[models.RateLimitKey]models.RateLimitWindow)}
	}
	return s
}

func (s *MemoryStore) shardFor(key models.RateLimitKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.LimitType))
	h.Write([]byte{0})
	h.Write([]byte(key.Identifier))
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) Hit(_ context.Context, key models.RateLimitKey, policy models.RateLimitPolicy, now time.Time) (models.RateLimitWindow, bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	prev, ok := sh.windows[key]
	if !ok {
		prev = models.RateLimitWindow{Identifier: key.Identifier, LimitType: key.LimitType}
	}
	wasBlocked := prev.Blocked(now)
	next := prev.Hit(policy, now)
	sh.windows[key] = next
	return next, wasBlocked, nil
}

func (s *MemoryStore) Peek(_ context.Context, key models.RateLimitKey) (*models.RateLimitWindow, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (s *MemoryStore) Reset(_ context.Context, key models.RateLimitKey) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	delete(sh.windows, key)
	sh.mu.Unlock()
	return nil
}

// Sweep drops windows that are neither blocking nor younger than maxAge.
func (s *MemoryStore) Sweep(now time.Time, maxAge time.Duration) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, w := range sh.windows {
			if w.Blocked(now) || now.Sub(w.WindowStart) < maxAge {
				continue
			}
			delete(sh.windows, k)
			removed++
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len is the number of tracked windows.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}
