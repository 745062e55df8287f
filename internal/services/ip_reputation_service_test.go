package services

import (
	"context"
	"testing"
	"time"

	"github.com/fortexa/loginguard/internal/config"
	"github.com/fortexa/loginguard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReputationService(cfg config.ReputationConfig) (*IPReputationService, *MemoryIPStore) {
	store := NewMemoryIPStore()
	return NewIPReputationService(store, nil, cfg, discardLogger()), store
}

func TestIPReputationService_LowFailureRateStaysUnknown(t *testing.T) {
	s, _ := newReputationService(config.DefaultSecurity().Reputation)
	now := time.Now()
	rec := models.NewIPAddressRecord("198.51.100.150", now)

	for i := 1; i <= 2000; i++ {
		s.RecordOutcome(rec, i%100 != 0, now.Add(time.Duration(i)*time.Second))
	}

	assert.Equal(t, 2000, rec.LoginAttempts)
	assert.Equal(t, 20, rec.FailedLogins)
	assert.LessOrEqual(t, rec.RecentFailures(), 1)
	assert.Equal(t, models.ReputationUnknown, rec.Reputation)
}

func TestIPReputationService_Classification(t *testing.T) {
	cfg := config.DefaultSecurity().Reputation

	tests := []struct {
		name     string
		failures int
		total    int
		want     models.Reputation
	}{
		{"below minimum attempts", cfg.SuspiciousMinAttempts - 1, cfg.SuspiciousMinAttempts - 1, models.ReputationUnknown},
		{"mostly failing", cfg.SuspiciousMinAttempts, cfg.SuspiciousMinAttempts, models.ReputationSuspicious},
		{"failure cap", cfg.MaliciousFailures, cfg.MaliciousFailures, models.ReputationMalicious},
		{"healthy mix", 2, 10, models.ReputationUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newReputationService(cfg)
			now := time.Now()
			rec := models.NewIPAddressRecord("198.51.100.151", now)
			for i := 0; i < tt.total; i++ {
				s.RecordOutcome(rec, i >= tt.failures, now)
			}
			assert.Equal(t, tt.want, rec.Reputation)
		})
	}
}

func TestIPReputationService_RecoversAfterFailuresAgeOut(t *testing.T) {
	cfg := config.DefaultSecurity().Reputation
	s, _ := newReputationService(cfg)
	now := time.Now()
	rec := models.NewIPAddressRecord("198.51.100.152", now)

	for i := 0; i < cfg.MaliciousFailures; i++ {
		s.RecordOutcome(rec, false, now)
	}
	require.Equal(t, models.ReputationMalicious, rec.Reputation)

	for i := 0; i < cfg.TrailingAttempts; i++ {
		s.RecordOutcome(rec, true, now)
	}
	assert.Equal(t, models.ReputationUnknown, rec.Reputation)
	assert.Equal(t, cfg.MaliciousFailures, rec.FailedLogins, "lifetime counters are kept")
}

func TestIPReputationService_IdleAddressStartsFresh(t *testing.T) {
	cfg := config.DefaultSecurity().Reputation
	s, _ := newReputationService(cfg)
	now := time.Now()
	rec := models.NewIPAddressRecord("198.51.100.153", now)

	for i := 0; i < cfg.SuspiciousMinAttempts; i++ {
		s.RecordOutcome(rec, false, now)
	}
	require.Equal(t, models.ReputationSuspicious, rec.Reputation)

	old, changed := s.RecordOutcome(rec, true, now.Add(cfg.TrailingResetAfter+time.Minute))
	assert.True(t, changed)
	assert.Equal(t, models.ReputationSuspicious, old)
	assert.Equal(t, models.ReputationUnknown, rec.Reputation)
	assert.Equal(t, 1, rec.RecentCount)
}

func TestIPReputationService_ListsOverrideCounters(t *testing.T) {
	s, _ := newReputationService(config.DefaultSecurity().Reputation)
	now := time.Now()
	rec := models.NewIPAddressRecord("198.51.100.154", now)

	rec.IsWhitelisted = true
	for i := 0; i < 30; i++ {
		s.RecordOutcome(rec, false, now)
	}
	assert.Equal(t, models.ReputationTrusted, rec.Reputation)

	rec.IsWhitelisted, rec.IsBlacklisted = false, true
	assert.Equal(t, models.ReputationMalicious, s.Classify(rec))
}

func TestIPReputationService_SettleOutcome(t *testing.T) {
	cfg := config.DefaultSecurity().Reputation
	s, store := newReputationService(cfg)
	ctx := context.Background()
	now := time.Now()

	ev, err := s.SettleOutcome(ctx, "", false, now)
	require.NoError(t, err)
	assert.Nil(t, ev)

	for i := 0; i < cfg.SuspiciousMinAttempts-1; i++ {
		ev, err = s.SettleOutcome(ctx, "198.51.100.155", false, now)
		require.NoError(t, err)
		assert.Nil(t, ev)
	}

	ev, err = s.SettleOutcome(ctx, "198.51.100.155", false, now)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.EventIPReputationChanged, ev.EventType)
	assert.Equal(t, string(models.ReputationSuspicious), ev.Metadata["new_reputation"])

	rec, err := store.Get(ctx, "198.51.100.155")
	require.NoError(t, err)
	assert.Equal(t, cfg.SuspiciousMinAttempts, rec.FailedLogins)
	assert.Equal(t, models.ReputationSuspicious, rec.Reputation)
}
