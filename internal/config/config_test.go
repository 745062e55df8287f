package config

import (
	"testing"
	"time"

	"github.com/fortexa/loginguard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "test-secret-32-characters-long!")
	t.Setenv("DB_PASSWORD", "test")
}

func TestLoad_RequiresSecrets(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	assert.ErrorContains(t, err, "JWT_SECRET")

	t.Setenv("JWT_SECRET", "test-secret-32-characters-long!")
	t.Setenv("DB_PASSWORD", "")
	_, err = Load()
	assert.ErrorContains(t, err, "DB_PASSWORD")
}

func TestLoad_RejectsWeakJWTSecretInProduction(t *testing.T) {
	setRequired(t)
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "only-twenty-chars-xx")

	_, err := Load()
	assert.ErrorContains(t, err, "at least 32 characters")
}

func TestServerConfig_Timeouts(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		read  time.Duration
		write time.Duration
		idle  time.Duration
	}{
		{"defaults", nil, 15 * time.Second, 15 * time.Second, 60 * time.Second},
		{"custom", map[string]string{"SERVER_READ_TIMEOUT": "30s", "SERVER_WRITE_TIMEOUT": "45s", "SERVER_IDLE_TIMEOUT": "120s"}, 30 * time.Second, 45 * time.Second, 120 * time.Second},
		{"invalid falls back", map[string]string{"SERVER_READ_TIMEOUT": "not-a-duration"}, 15 * time.Second, 15 * time.Second, 60 * time.Second},
		{"zero honored", map[string]string{"SERVER_READ_TIMEOUT": "0s"}, 0, 15 * time.Second, 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			require.NoError(t, err)
			assert.Equal(t, tt.read, cfg.Server.ReadTimeout)
			assert.Equal(t, tt.write, cfg.Server.WriteTimeout)
			assert.Equal(t, tt.idle, cfg.Server.IdleTimeout)
		})
	}
}

func TestLoadSecurity_Defaults(t *testing.T) {
	cfg, err := LoadSecurity()
	require.NoError(t, err)

	assert.Equal(t, DefaultSecurity(), *cfg)
	assert.Equal(t, "postgres", cfg.RateLimit.Backend)
	assert.False(t, cfg.RateLimit.FailOpen)
	assert.Equal(t, models.RateLimitPolicy{MaxAttempts: 20, Window: 15 * time.Minute}, cfg.RateLimit.Policies()[models.LimitIPLogin])
}

func TestLoadSecurity_EnvOverrides(t *testing.T) {
	t.Setenv("RISK_WEIGHT_GEO", "0.8")
	t.Setenv("RISK_HIGH_THRESHOLD", "0.7")
	t.Setenv("RATE_LIMIT_BACKEND", "redis")
	t.Setenv("RATE_LIMIT_IP_LOGIN_MAX_ATTEMPTS", "5")
	t.Setenv("RATE_LIMIT_IP_LOGIN_WINDOW", "5m")
	t.Setenv("LOCKOUT_MULTIPLIER", "3")
	t.Setenv("THREAT_INTEL_MALICIOUS_CIDRS", "10.0.0.0/8,172.16.0.0/12")

	cfg, err := LoadSecurity()
	require.NoError(t, err)

	assert.Equal(t, 0.8, cfg.Risk.Weights.Geo)
	assert.Equal(t, 0.35, cfg.Risk.Weights.IPReputation, "untouched values keep their default")
	assert.Equal(t, 0.7, cfg.Risk.HighThreshold)
	assert.Equal(t, "redis", cfg.RateLimit.Backend)
	assert.Equal(t, 5, cfg.RateLimit.IPLogin.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.RateLimit.IPLogin.Window)
	assert.Equal(t, 3.0, cfg.Lockout.Multiplier)
	assert.Equal(t, []string{"10.0.0.0/8", "172.16.0.0/12"}, cfg.ThreatIntel.MaliciousCIDRs)
}

func TestSecurityConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SecurityConfig)
		want   string
	}{
		{"negative weight", func(c *SecurityConfig) { c.Risk.Weights.Device = -1 }, "must not be negative"},
		{"thresholds out of order", func(c *SecurityConfig) { c.Risk.HighThreshold = 0.2 }, "severity thresholds"},
		{"unknown backend", func(c *SecurityConfig) { c.RateLimit.Backend = "etcd" }, "RATE_LIMIT_BACKEND"},
		{"zero window", func(c *SecurityConfig) { c.RateLimit.UserLogin.Window = 0 }, "USER_LOGIN"},
		{"multiplier below one", func(c *SecurityConfig) { c.Lockout.Multiplier = 0.5 }, "lockout"},
		{"no workers", func(c *SecurityConfig) { c.Pipeline.NotificationWorkers = 0 }, "notification"},
		{"no session allowance", func(c *SecurityConfig) { c.Risk.MaxActiveSessions = 0 }, "MAX_ACTIVE_SESSIONS"},
		{"trailing window too wide", func(c *SecurityConfig) { c.Reputation.TrailingAttempts = 64 }, "TRAILING_ATTEMPTS"},
		{"cap outside window", func(c *SecurityConfig) { c.Reputation.TrailingAttempts = 10 }, "fit inside"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSecurity()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
