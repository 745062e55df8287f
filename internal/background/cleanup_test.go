package background

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer guards a log buffer written from job goroutines
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCleanupManager_RunsOnStartAndOnTick(t *testing.T) {
	cm := NewCleanupManager(slog.New(slog.NewTextHandler(io.Discard, nil)))

	var runs atomic.Int32
	cm.Add(Job{Name: "count", Interval: 10 * time.Millisecond, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})

	cm.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)

	cm.Stop()
	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after Stop")

	// Stop is idempotent
	cm.Stop()
}

func TestCleanupManager_SkipsJobsWithoutInterval(t *testing.T) {
	cm := NewCleanupManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
	cm.Add(Job{Name: "disabled", Interval: 0, Run: func(context.Context) error { return nil }})
	cm.Add(Job{Name: "no-run", Interval: time.Second})
	assert.Empty(t, cm.jobs)
}

func TestCleanupManager_SweepLogsRowsAndErrors(t *testing.T) {
	var logs syncBuffer
	cm := NewCleanupManager(slog.New(slog.NewTextHandler(&logs, nil)))
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cm.now = func() time.Time { return fixed }

	var seen atomic.Value
	cm.Sweep("expired_attempts", time.Hour, func(_ context.Context, now time.Time) (int64, error) {
		seen.Store(now)
		return 7, nil
	})
	cm.Sweep("broken", time.Hour, func(context.Context, time.Time) (int64, error) {
		return 0, errors.New("store down")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cm.Start(ctx)
	require.Eventually(t, func() bool {
		out := logs.String()
		return strings.Contains(out, "rows_deleted=7") && strings.Contains(out, "store down")
	}, time.Second, 5*time.Millisecond)

	cancel()
	cm.Stop()
	assert.Equal(t, fixed, seen.Load())
	assert.Contains(t, logs.String(), "job=expired_attempts")
	assert.Contains(t, logs.String(), "maintenance job failed")
}
