package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortexa/loginguard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSessionStore struct {
	*MemorySessionStore
	err error
}

func (s *failingSessionStore) Extend(context.Context, string, string, time.Time, time.Time) error {
	return s.err
}

func TestSessionService_Lifecycle(t *testing.T) {
	store := NewMemorySessionStore()
	svc := NewSessionService(store, time.Hour, discardLogger())
	ctx := context.Background()
	start := time.Now()
	svc.now = func() time.Time { return start }

	sess, err := svc.Start(ctx, "user-1", "198.51.100.1", testBrowserUA)
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, start.Add(time.Hour), sess.ExpiresAt)

	// Refreshing late in the window pushes the expiry out again.
	svc.now = func() time.Time { return start.Add(50 * time.Minute) }
	require.NoError(t, svc.Refresh(ctx, "user-1", sess.ID))
	assert.Equal(t, start.Add(110*time.Minute), store.Get(sess.ID).ExpiresAt)

	assert.ErrorIs(t, svc.Refresh(ctx, "user-2", sess.ID), models.ErrUnauthorized, "foreign session")

	n, err := svc.CountActive(ctx, "user-1", start.Add(100*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, svc.End(ctx, "user-1", sess.ID, SessionEndLogout))
	assert.ErrorIs(t, svc.Refresh(ctx, "user-1", sess.ID), models.ErrUnauthorized)
	require.NotNil(t, store.Get(sess.ID).EndReason)
	assert.Equal(t, SessionEndLogout, *store.Get(sess.ID).EndReason)
}

func TestSessionService_ExpiredSessionCannotRefresh(t *testing.T) {
	svc := NewSessionService(NewMemorySessionStore(), time.Hour, discardLogger())
	ctx := context.Background()
	start := time.Now()
	svc.now = func() time.Time { return start }

	sess, err := svc.Start(ctx, "user-1", "", "")
	require.NoError(t, err)

	svc.now = func() time.Time { return start.Add(2 * time.Hour) }
	assert.ErrorIs(t, svc.Refresh(ctx, "user-1", sess.ID), models.ErrUnauthorized)

	n, err := svc.CountActive(ctx, "user-1", start.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSessionService_EndAll(t *testing.T) {
	store := NewMemorySessionStore()
	svc := NewSessionService(store, time.Hour, discardLogger())
	ctx := context.Background()

	for range 3 {
		_, err := svc.Start(ctx, "user-1", "", "")
		require.NoError(t, err)
	}
	other, err := svc.Start(ctx, "user-2", "", "")
	require.NoError(t, err)

	require.NoError(t, svc.EndAll(ctx, "user-1", SessionEndAccountLocked))

	n, err := svc.CountActive(ctx, "user-1", time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Nil(t, store.Get(other.ID).EndedAt)
}

func TestSessionService_EdgeCases(t *testing.T) {
	ctx := context.Background()
	svc := NewSessionService(NewMemorySessionStore(), time.Hour, discardLogger())

	n, err := svc.CountActive(ctx, "", time.Now())
	require.NoError(t, err)
	assert.Zero(t, n, "unknown accounts hold no sessions")
	assert.NoError(t, svc.End(ctx, "user-1", "", SessionEndLogout), "tokens issued without a session")

	broken := NewSessionService(&failingSessionStore{MemorySessionStore: NewMemorySessionStore(), err: errors.New("connection reset")}, time.Hour, discardLogger())
	err = broken.Refresh(ctx, "user-1", "sess-1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrUnauthorized)
}
