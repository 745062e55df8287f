package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/fortexa/loginguard/internal/models"
)

// SecurityConfig tunes the login risk engine. Every field has a default from
// DefaultSecurity; environment variables override individual values.
type SecurityConfig struct {
	Risk        RiskConfig        `envPrefix:"RISK_"`
	RateLimit   RateLimitConfig   `envPrefix:"RATE_LIMIT_"`
	Lockout     LockoutConfig     `envPrefix:"LOCKOUT_"`
	Reputation  ReputationConfig  `envPrefix:"IP_REPUTATION_"`
	ThreatIntel ThreatIntelConfig `envPrefix:"THREAT_INTEL_"`
	Challenge   ChallengeConfig   `envPrefix:"MFA_CHALLENGE_"`
	Pipeline    PipelineConfig    `envPrefix:"PIPELINE_"`
}

// RiskWeights scale each normalized signal before they are summed.
type RiskWeights struct {
	IPReputation float64 `env:"IP"`
	Geo          float64 `env:"GEO"`
	Device       float64 `env:"DEVICE"`
	Behavior     float64 `env:"BEHAVIOR"`
	RateLimit    float64 `env:"RATE_LIMIT"`
	UserAgent    float64 `env:"USER_AGENT"`
	LoginTime    float64 `env:"LOGIN_TIME"`
	Sessions     float64 `env:"SESSIONS"`
}

type RiskConfig struct {
	Weights RiskWeights `envPrefix:"WEIGHT_"`

	// IP reputation signal values
	UnknownReputation    float64 `env:"UNKNOWN_REPUTATION"`
	SuspiciousReputation float64 `env:"SUSPICIOUS_REPUTATION"`
	MaliciousReputation  float64 `env:"MALICIOUS_REPUTATION"`
	VPNIncrement         float64 `env:"VPN_INCREMENT"`
	ProxyIncrement       float64 `env:"PROXY_INCREMENT"`
	TorIncrement         float64 `env:"TOR_INCREMENT"`

	// Geographic signal
	MaxTravelSpeedKMH   float64 `env:"MAX_TRAVEL_SPEED_KMH"`
	MinTravelDistanceKM float64 `env:"MIN_TRAVEL_DISTANCE_KM"`
	NewCountrySignal    float64 `env:"NEW_COUNTRY_SIGNAL"`

	// Device signal for a user with no trusted devices at all
	FirstDeviceSignal float64 `env:"FIRST_DEVICE_SIGNAL"`

	// Behavioral signal saturates at FailureCeiling failures inside FailureWindow
	FailureCeiling int           `env:"FAILURE_CEILING"`
	FailureWindow  time.Duration `env:"FAILURE_WINDOW"`

	// Login-time signal
	UnusualHourDistance int `env:"UNUSUAL_HOUR_DISTANCE"`
	MinTypicalHours     int `env:"MIN_TYPICAL_HOURS"`

	// More active sessions than this flags excessive_sessions
	MaxActiveSessions int `env:"MAX_ACTIVE_SESSIONS"`

	// Severity breakpoints: score < Medium is LOW, < High is MEDIUM, < Critical is HIGH
	MediumThreshold   float64 `env:"MEDIUM_THRESHOLD"`
	HighThreshold     float64 `env:"HIGH_THRESHOLD"`
	CriticalThreshold float64 `env:"CRITICAL_THRESHOLD"`

	// History consulted for new-country and login-hour signals
	HistoryWindow time.Duration `env:"HISTORY_WINDOW"`
	HistoryLimit  int           `env:"HISTORY_LIMIT"`
}

// LimitPolicy is one rate-limit type's bounds.
type LimitPolicy struct {
	MaxAttempts int           `env:"MAX_ATTEMPTS"`
	Window      time.Duration `env:"WINDOW"`
	Penalty     time.Duration `env:"PENALTY"`
}

func (p LimitPolicy) Policy() models.RateLimitPolicy {
	return models.RateLimitPolicy{MaxAttempts: p.MaxAttempts, Window: p.Window, Penalty: p.Penalty}
}

type RateLimitConfig struct {
	// Backend is postgres, redis or memory.
	Backend string `env:"BACKEND"`
	// FailOpen admits attempts when the window store is unreachable.
	FailOpen bool `env:"FAIL_OPEN"`
	// EnforceGlobal also charges the IP_GLOBAL and USER_GLOBAL limits on login.
	EnforceGlobal bool `env:"ENFORCE_GLOBAL"`

	IPLogin    LimitPolicy `envPrefix:"IP_LOGIN_"`
	UserLogin  LimitPolicy `envPrefix:"USER_LOGIN_"`
	IPGlobal   LimitPolicy `envPrefix:"IP_GLOBAL_"`
	UserGlobal LimitPolicy `envPrefix:"USER_GLOBAL_"`
	IPAPI      LimitPolicy `envPrefix:"IP_API_"`
	UserAPI    LimitPolicy `envPrefix:"USER_API_"`
}

// Policies returns the policy for every limit type.
func (c RateLimitConfig) Policies() map[models.LimitType]models.RateLimitPolicy {
	return map[models.LimitType]models.RateLimitPolicy{
		models.LimitIPLogin:    c.IPLogin.Policy(),
		models.LimitUserLogin:  c.UserLogin.Policy(),
		models.LimitIPGlobal:   c.IPGlobal.Policy(),
		models.LimitUserGlobal: c.UserGlobal.Policy(),
		models.LimitIPAPI:      c.IPAPI.Policy(),
		models.LimitUserAPI:    c.UserAPI.Policy(),
	}
}

type LockoutConfig struct {
	MaxFailedAttempts int           `env:"MAX_FAILED_ATTEMPTS"`
	BaseDuration      time.Duration `env:"BASE_DURATION"`
	Multiplier        float64       `env:"MULTIPLIER"`
	MaxDuration       time.Duration `env:"MAX_DURATION"`
	// RollingPeriod is how long earlier locks keep counting toward the backoff.
	RollingPeriod time.Duration `env:"ROLLING_PERIOD"`
}

type ReputationConfig struct {
	SuspiciousFailureRatio float64 `env:"SUSPICIOUS_FAILURE_RATIO"`
	SuspiciousMinAttempts  int     `env:"SUSPICIOUS_MIN_ATTEMPTS"`
	MaliciousFailures      int     `env:"MALICIOUS_FAILURES"`
	// TrailingAttempts is how many recent outcomes classification looks at.
	TrailingAttempts int `env:"TRAILING_ATTEMPTS"`
	// TrailingResetAfter forgets the trailing outcomes of an address idle this long.
	TrailingResetAfter time.Duration `env:"TRAILING_RESET_AFTER"`
	// GeoTTL is how long resolved geolocation stays usable.
	GeoTTL time.Duration `env:"GEO_TTL"`
}

type ThreatIntelConfig struct {
	LookupTimeout   time.Duration `env:"LOOKUP_TIMEOUT"`
	CacheTTL        time.Duration `env:"CACHE_TTL"`
	MaliciousCIDRs  []string      `env:"MALICIOUS_CIDRS"`
	DNSBLZones      []string      `env:"DNSBL_ZONES"`
	TorExitListURL  string        `env:"TOR_EXIT_LIST_URL"`
	TorRefreshEvery time.Duration `env:"TOR_REFRESH_INTERVAL"`
}

type ChallengeConfig struct {
	TTL              time.Duration `env:"TTL"`
	MaxAttempts      int           `env:"MAX_ATTEMPTS"`
	CodeDigits       int           `env:"CODE_DIGITS"`
	TrustedDeviceTTL time.Duration `env:"TRUSTED_DEVICE_TTL"`
}

type PipelineConfig struct {
	Timeout             time.Duration `env:"TIMEOUT"`
	RuleReloadInterval  time.Duration `env:"RULE_RELOAD_INTERVAL"`
	NotificationQueue   int           `env:"NOTIFICATION_QUEUE"`
	NotificationWorkers int           `env:"NOTIFICATION_WORKERS"`
	AttemptRetention    time.Duration `env:"ATTEMPT_RETENTION"`
}

// DefaultSecurity returns the engine defaults.
func DefaultSecurity() SecurityConfig {
	return SecurityConfig{
		Risk: RiskConfig{
			Weights: RiskWeights{
				IPReputation: 0.35,
				Geo:          0.65,
				Device:       0.25,
				Behavior:     0.35,
				RateLimit:    0.15,
				UserAgent:    0.15,
				LoginTime:    0.1,
				Sessions:     0.15,
			},
			UnknownReputation:    0.1,
			SuspiciousReputation: 0.5,
			MaliciousReputation:  0.9,
			VPNIncrement:         0.1,
			ProxyIncrement:       0.1,
			TorIncrement:         0.2,
			MaxTravelSpeedKMH:    1000,
			MinTravelDistanceKM:  500,
			NewCountrySignal:     0.3,
			FirstDeviceSignal:    0.2,
			FailureCeiling:       10,
			FailureWindow:        15 * time.Minute,
			UnusualHourDistance:  6,
			MinTypicalHours:      3,
			MaxActiveSessions:    5,
			MediumThreshold:      0.3,
			HighThreshold:        0.6,
			CriticalThreshold:    0.85,
			HistoryWindow:        90 * 24 * time.Hour,
			HistoryLimit:         50,
		},
		RateLimit: RateLimitConfig{
			Backend:    "postgres",
			IPLogin:    LimitPolicy{MaxAttempts: 20, Window: 15 * time.Minute},
			UserLogin:  LimitPolicy{MaxAttempts: 10, Window: 10 * time.Minute},
			IPGlobal:   LimitPolicy{MaxAttempts: 300, Window: time.Minute},
			UserGlobal: LimitPolicy{MaxAttempts: 600, Window: time.Hour},
			IPAPI:      LimitPolicy{MaxAttempts: 100, Window: time.Minute},
			UserAPI:    LimitPolicy{MaxAttempts: 1000, Window: time.Hour},
		},
		Lockout: LockoutConfig{
			MaxFailedAttempts: 5,
			BaseDuration:      15 * time.Minute,
			Multiplier:        2,
			MaxDuration:       24 * time.Hour,
			RollingPeriod:     24 * time.Hour,
		},
		Reputation: ReputationConfig{
			SuspiciousFailureRatio: 0.5,
			SuspiciousMinAttempts:  5,
			MaliciousFailures:      20,
			TrailingAttempts:       50,
			TrailingResetAfter:     24 * time.Hour,
			GeoTTL:                 24 * time.Hour,
		},
		ThreatIntel: ThreatIntelConfig{
			LookupTimeout:   300 * time.Millisecond,
			CacheTTL:        time.Hour,
			MaliciousCIDRs:  []string{"192.0.2.0/24", "203.0.113.0/24"},
			TorRefreshEvery: 6 * time.Hour,
		},
		Challenge: ChallengeConfig{
			TTL:              10 * time.Minute,
			MaxAttempts:      5,
			CodeDigits:       6,
			TrustedDeviceTTL: 30 * 24 * time.Hour,
		},
		Pipeline: PipelineConfig{
			Timeout:             5 * time.Second,
			RuleReloadInterval:  30 * time.Second,
			NotificationQueue:   1024,
			NotificationWorkers: 4,
			AttemptRetention:    90 * 24 * time.Hour,
		},
	}
}

// LoadSecurity overlays environment variables on DefaultSecurity and validates the result.
func LoadSecurity() (*SecurityConfig, error) {
	cfg := DefaultSecurity()
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse security config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *SecurityConfig) Validate() error {
	w := c.Risk.Weights
	for name, v := range map[string]float64{
		"ip": w.IPReputation, "geo": w.Geo, "device": w.Device, "behavior": w.Behavior,
		"rate_limit": w.RateLimit, "user_agent": w.UserAgent, "login_time": w.LoginTime,
		"sessions": w.Sessions,
	} {
		if v < 0 {
			return fmt.Errorf("risk weight %s must not be negative", name)
		}
	}
	if w.IPReputation+w.Geo+w.Device+w.Behavior+w.RateLimit+w.UserAgent+w.LoginTime+w.Sessions == 0 {
		return fmt.Errorf("at least one risk weight must be positive")
	}

	r := c.Risk
	if !(0 < r.MediumThreshold && r.MediumThreshold < r.HighThreshold && r.HighThreshold < r.CriticalThreshold && r.CriticalThreshold <= 1) {
		return fmt.Errorf("severity thresholds must satisfy 0 < medium < high < critical <= 1")
	}
	if r.FailureCeiling < 1 {
		return fmt.Errorf("RISK_FAILURE_CEILING must be positive")
	}
	if r.MaxTravelSpeedKMH <= 0 {
		return fmt.Errorf("RISK_MAX_TRAVEL_SPEED_KMH must be positive")
	}

	if r.MaxActiveSessions < 1 {
		return fmt.Errorf("RISK_MAX_ACTIVE_SESSIONS must be positive")
	}

	rep := c.Reputation
	if rep.TrailingAttempts < 1 || rep.TrailingAttempts > models.MaxTrailingOutcomes {
		return fmt.Errorf("IP_REPUTATION_TRAILING_ATTEMPTS must be within 1-%d", models.MaxTrailingOutcomes)
	}
	if rep.SuspiciousMinAttempts > rep.TrailingAttempts || rep.MaliciousFailures > rep.TrailingAttempts {
		return fmt.Errorf("IP reputation thresholds must fit inside IP_REPUTATION_TRAILING_ATTEMPTS")
	}

	switch c.RateLimit.Backend {
	case "postgres", "redis", "memory":
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be postgres, redis or memory, got %q", c.RateLimit.Backend)
	}
	for limitType, p := range c.RateLimit.Policies() {
		if p.MaxAttempts < 1 || p.Window <= 0 {
			return fmt.Errorf("rate limit %s needs positive max attempts and window", limitType)
		}
	}

	l := c.Lockout
	if l.MaxFailedAttempts < 1 || l.BaseDuration <= 0 || l.Multiplier < 1 || l.MaxDuration < l.BaseDuration {
		return fmt.Errorf("lockout settings are inconsistent")
	}

	if c.Challenge.MaxAttempts < 1 || c.Challenge.TTL <= 0 || c.Challenge.CodeDigits < 4 {
		return fmt.Errorf("mfa challenge settings are inconsistent")
	}
	if c.Pipeline.NotificationWorkers < 1 || c.Pipeline.NotificationQueue < 1 {
		return fmt.Errorf("notification queue and workers must be positive")
	}
	return nil
}
