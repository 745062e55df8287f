package services

import (
	"math"
	"testing"
	"time"

	"github.com/fortexa/loginguard/internal/config"
	"github.com/fortexa/loginguard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	newYork = models.GeoLocation{Country: "US", City: "New York", Latitude: 40.7128, Longitude: -74.0060, HasCoords: true}
	tokyo   = models.GeoLocation{Country: "JP", City: "Tokyo", Latitude: 35.6762, Longitude: 139.6503, HasCoords: true}
	boston  = models.GeoLocation{Country: "US", City: "Boston", Latitude: 42.3601, Longitude: -71.0589, HasCoords: true}
)

func baseAttempt(now time.Time) *models.AttemptContext {
	return &models.AttemptContext{
		Email:             "alice@example.com",
		UserID:            "user-1",
		CredentialsValid:  true,
		IPAddress:         "198.51.100.20",
		UserAgent:         testBrowserUA,
		DeviceFingerprint: "fp-1",
		Timestamp:         now,
		Device:            models.DeviceStatus{Known: true, Trusted: true, HasTrustedDevices: true},
	}
}

func TestRiskEvaluator_CleanAttemptIsLow(t *testing.T) {
	e := NewRiskEvaluator(config.DefaultSecurity().Risk)
	ac := baseAttempt(time.Now())

	a := e.Evaluate(ac)

	// Only the UNKNOWN reputation baseline contributes.
	assert.InDelta(t, 0.035, a.Score, 1e-9)
	assert.Equal(t, models.SeverityLow, a.Severity)
	assert.Empty(t, a.Factors)
	assert.NotNil(t, a.Factors)
	assert.Nil(t, a.TravelSpeedKMH)
}

func TestRiskEvaluator_IsPure(t *testing.T) {
	e := NewRiskEvaluator(config.DefaultSecurity().Risk)
	now := time.Now()
	ac := baseAttempt(now)
	ac.Geo = &tokyo
	ac.LastLogin = &models.LoginSite{At: now.Add(-time.Hour), Country: "US", Latitude: newYork.Latitude, Longitude: newYork.Longitude, HasCoords: true}
	ac.RecentFailures = 3
	ac.RecentCountries = []string{"US"}
	ac.TypicalHours = []int{9, 10, 11}
	before := *ac

	first := e.Evaluate(ac)
	second := e.Evaluate(ac)

	assert.Equal(t, first, second)
	assert.Equal(t, before, *ac)
}

func TestRiskEvaluator_MonotonicInFailures(t *testing.T) {
	e := NewRiskEvaluator(config.DefaultSecurity().Risk)
	ac := baseAttempt(time.Now())

	prev := -1.0
	for failures := 0; failures <= 15; failures++ {
		ac.RecentFailures = failures
		score := e.Evaluate(ac).Score
		assert.GreaterOrEqual(t, score, prev, "failures=%d", failures)
		prev = score
	}

	ac.RecentFailures = 10
	saturated := e.Evaluate(ac)
	assert.InDelta(t, 0.035+0.35, saturated.Score, 1e-9)
	assert.Contains(t, saturated.Factors, models.FactorRecentFailures)
}

func TestRiskEvaluator_ImpossibleTravel(t *testing.T) {
	e := NewRiskEvaluator(config.DefaultSecurity().Risk)
	now := time.Now()
	ac := baseAttempt(now)
	ac.Geo = &tokyo
	ac.LastLogin = &models.LoginSite{At: now.Add(-time.Hour), Country: "US", Latitude: newYork.Latitude, Longitude: newYork.Longitude, HasCoords: true}

	a := e.Evaluate(ac)

	assert.Contains(t, a.Factors, models.FactorImpossibleTravel)
	require.NotNil(t, a.TravelSpeedKMH)
	assert.Greater(t, *a.TravelSpeedKMH, 10000.0)
	assert.InDelta(t, 0.685, a.Score, 1e-9)
	assert.Equal(t, models.SeverityHigh, a.Severity)
}

func TestRiskEvaluator_PlausibleTravel(t *testing.T) {
	e := NewRiskEvaluator(config.DefaultSecurity().Risk)
	now := time.Now()
	ac := baseAttempt(now)
	ac.Geo = &tokyo
	// A day is enough to fly New York to Tokyo.
	ac.LastLogin = &models.LoginSite{At: now.Add(-24 * time.Hour), Country: "US", Latitude: newYork.Latitude, Longitude: newYork.Longitude, HasCoords: true}
	ac.RecentCountries = []string{"US"}

	a := e.Evaluate(ac)

	assert.NotContains(t, a.Factors, models.FactorImpossibleTravel)
	assert.Contains(t, a.Factors, models.FactorNewCountry)
	require.NotNil(t, a.TravelSpeedKMH)
	assert.Less(t, *a.TravelSpeedKMH, 1000.0)
}

func TestRiskEvaluator_ShortHopIsIgnored(t *testing.T) {
	e := NewRiskEvaluator(config.DefaultSecurity().Risk)
	now := time.Now()
	ac := baseAttempt(now)
	ac.Geo = &boston
	ac.LastLogin = &models.LoginSite{At: now.Add(-time.Minute), Country: "US", Latitude: newYork.Latitude, Longitude: newYork.Longitude, HasCoords: true}

	a := e.Evaluate(ac)

	assert.NotContains(t, a.Factors, models.FactorImpossibleTravel)
	assert.Nil(t, a.TravelSpeedKMH)
}

func TestRiskEvaluator_SameInstantFarAwayIsImpossible(t *testing.T) {
	e := NewRiskEvaluator(config.DefaultSecurity().Risk)
	now := time.Now()
	ac := baseAttempt(now)
	ac.Geo = &tokyo
	ac.LastLogin = &models.LoginSite{At: now, Latitude: newYork.Latitude, Longitude: newYork.Longitude, HasCoords: true}

	a := e.Evaluate(ac)

	assert.Contains(t, a.Factors, models.FactorImpossibleTravel)
	require.NotNil(t, a.TravelSpeedKMH)
	assert.False(t, math.IsInf(*a.TravelSpeedKMH, 0))
}

func TestRiskEvaluator_DeviceSignal(t *testing.T) {
	e := NewRiskEvaluator(config.DefaultSecurity().Risk)

	tests := []struct {
		name   string
		userID string
		device models.DeviceStatus
		factor string
		signal float64
	}{
		{"trusted device", "user-1", models.DeviceStatus{Known: true, Trusted: true, HasTrustedDevices: true}, "", 0},
		{"new device beside trusted ones", "user-1", models.DeviceStatus{HasTrustedDevices: true}, models.FactorNewDevice, 0.25},
		{"first device ever", "user-1", models.DeviceStatus{}, models.FactorFirstDevice, 0.25 * 0.2},
		{"unknown account", "", models.DeviceStatus{}, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ac := baseAttempt(time.Now())
			ac.UserID = tt.userID
			ac.Device = tt.device

			a := e.Evaluate(ac)

			assert.InDelta(t, tt.signal, a.Signals[SignalDevice], 1e-9)
			if tt.factor != "" {
				assert.Contains(t, a.Factors, tt.factor)
			}
		})
	}
}

func TestRiskEvaluator_IPSignal(t *testing.T) {
	e := NewRiskEvaluator(config.DefaultSecurity().Risk)

	tests := []struct {
		name    string
		rep     models.Reputation
		geo     *models.GeoLocation
		intel   bool
		signal  float64
		factors []string
	}{
		{"trusted", models.ReputationTrusted, &models.GeoLocation{IsTor: true}, false, 0, nil},
		{"unknown", models.ReputationUnknown, nil, false, 0.1, nil},
		{"suspicious", models.ReputationSuspicious, nil, false, 0.5, []string{models.FactorIPReputation}},
		{"malicious", models.ReputationMalicious, nil, false, 0.9, []string{models.FactorIPReputation}},
		{"vpn adds", models.ReputationUnknown, &models.GeoLocation{IsVPN: true}, false, 0.2, []string{models.FactorVPN}},
		{"tor adds", models.ReputationSuspicious, &models.GeoLocation{IsTor: true}, false, 0.7, []string{models.FactorTor}},
		{"threat intel saturates", models.ReputationUnknown, &models.GeoLocation{IsProxy: true}, true, 1, []string{models.FactorThreatIntel, models.FactorProxy}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ac := baseAttempt(time.Now())
			ac.IP = &models.IPAddressRecord{IPAddress: ac.IPAddress, Reputation: tt.rep}
			ac.Geo = tt.geo
			ac.ThreatIntelMatch = tt.intel

			a := e.Evaluate(ac)

			assert.InDelta(t, 0.35*tt.signal, a.Signals[SignalIPReputation], 1e-9)
			for _, f := range tt.factors {
				assert.Contains(t, a.Factors, f)
			}
		})
	}
}

func TestRiskEvaluator_UnusualHour(t *testing.T) {
	e := NewRiskEvaluator(config.DefaultSecurity().Risk)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	ac := baseAttempt(day.Add(3 * time.Hour))
	ac.TypicalHours = []int{13, 14, 15, 14}
	a := e.Evaluate(ac)
	assert.Contains(t, a.Factors, models.FactorUnusualLoginTime)

	// Distance wraps around midnight.
	ac = baseAttempt(day.Add(23 * time.Hour))
	ac.TypicalHours = []int{1, 2, 3}
	a = e.Evaluate(ac)
	assert.NotContains(t, a.Factors, models.FactorUnusualLoginTime)

	// Too little history to judge.
	ac = baseAttempt(day.Add(3 * time.Hour))
	ac.TypicalHours = []int{14, 14}
	a = e.Evaluate(ac)
	assert.NotContains(t, a.Factors, models.FactorUnusualLoginTime)
}

func TestRiskEvaluator_RateLimitNearExhaustion(t *testing.T) {
	e := NewRiskEvaluator(config.DefaultSecurity().Risk)
	ac := baseAttempt(time.Now())
	ac.RateLimits = []models.RateLimitResult{
		{Key: models.RateLimitKey{LimitType: models.LimitIPLogin}, Allowed: true, Remaining: 10},
		{Key: models.RateLimitKey{LimitType: models.LimitUserLogin}, Allowed: true, Remaining: 1},
	}

	a := e.Evaluate(ac)

	assert.Contains(t, a.Factors, models.FactorRateLimitNearLimit)
	assert.InDelta(t, 0.15, a.Signals[SignalRateLimit], 1e-9)
}

func TestRiskEvaluator_ExcessiveSessions(t *testing.T) {
	cfg := config.DefaultSecurity().Risk
	e := NewRiskEvaluator(cfg)

	tests := []struct {
		name     string
		userID   string
		sessions int
		want     bool
	}{
		{"at the limit", "user-1", cfg.MaxActiveSessions, false},
		{"over the limit", "user-1", cfg.MaxActiveSessions + 1, true},
		{"unknown account", "", cfg.MaxActiveSessions + 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ac := baseAttempt(time.Now())
			ac.UserID = tt.userID
			ac.ActiveSessions = tt.sessions

			a := e.Evaluate(ac)

			assert.Equal(t, tt.want, a.HasFactor(models.FactorExcessiveSessions))
			if tt.want {
				assert.InDelta(t, cfg.Weights.Sessions, a.Signals[SignalSessions], 1e-9)
			} else {
				assert.Zero(t, a.Signals[SignalSessions])
			}
		})
	}
}

func TestRiskEvaluator_ScoreIsClamped(t *testing.T) {
	e := NewRiskEvaluator(config.DefaultSecurity().Risk)
	now := time.Now()
	ac := baseAttempt(now)
	ac.IP = &models.IPAddressRecord{Reputation: models.ReputationMalicious}
	ac.ThreatIntelMatch = true
	ac.Geo = &tokyo
	ac.LastLogin = &models.LoginSite{At: now.Add(-time.Minute), Latitude: newYork.Latitude, Longitude: newYork.Longitude, HasCoords: true}
	ac.Device = models.DeviceStatus{HasTrustedDevices: true}
	ac.RecentFailures = 50
	ac.UserAgent = "curl/8.4.0"

	a := e.Evaluate(ac)

	assert.Equal(t, 1.0, a.Score)
	assert.Equal(t, models.SeverityCritical, a.Severity)
}

func TestRiskEvaluator_Severity(t *testing.T) {
	e := NewRiskEvaluator(config.DefaultSecurity().Risk)

	assert.Equal(t, models.SeverityLow, e.Severity(0))
	assert.Equal(t, models.SeverityLow, e.Severity(0.2999))
	assert.Equal(t, models.SeverityMedium, e.Severity(0.3))
	assert.Equal(t, models.SeverityHigh, e.Severity(0.6))
	assert.Equal(t, models.SeverityCritical, e.Severity(0.85))
	assert.Equal(t, models.SeverityCritical, e.Severity(1))
}

func TestIsSuspiciousUserAgent(t *testing.T) {
	tests := []struct {
		ua   string
		want bool
	}{
		{"", false},
		{testBrowserUA, false},
		{"curl/8.4.0", true},
		{"python-requests/2.31.0 (compatible; automation)", true},
		{"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)", true},
		{"SomeInternalClient/1.0 build 20240101", true},
		{"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsSuspiciousUserAgent(tt.ua), tt.ua)
	}
}

func TestHaversineKM(t *testing.T) {
	d := HaversineKM(newYork.Latitude, newYork.Longitude, tokyo.Latitude, tokyo.Longitude)
	assert.InDelta(t, 10850, d, 50)
	assert.InDelta(t, 0, HaversineKM(1, 1, 1, 1), 1e-9)
}
