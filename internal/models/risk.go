package models

import "time"

// LoginAttemptInput is what the web layer hands to the login pipeline. The
// password has already been checked; only the outcome travels here.
type LoginAttemptInput struct {
	Email             string
	UserID            string // empty when the email matches no account
	CredentialsValid  bool
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
	AcceptLanguage    string
	AcceptEncoding    string
	Accept            string
	Timestamp         time.Time
}

// AttemptContext is the immutable snapshot of everything known about one
// attempt. The risk evaluator and rule conditions read it and nothing else.
type AttemptContext struct {
	Email             string
	UserID            string
	CredentialsValid  bool
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
	Timestamp         time.Time

	IP               *IPAddressRecord
	Geo              *GeoLocation // nil when absent or stale
	ThreatIntelMatch bool
	Device           DeviceStatus

	LastLogin       *LoginSite
	RecentCountries []string
	TypicalHours    []int
	RecentFailures  int
	RateLimits      []RateLimitResult
	ActiveSessions  int
}

// RateLimitNearExhaustion reports whether any charged limit has at most one attempt left.
func (c *AttemptContext) RateLimitNearExhaustion() bool {
	for _, r := range c.RateLimits {
		if r.NearExhaustion() {
			return true
		}
	}
	return false
}

// Reputation returns the IP classification, UNKNOWN when no record was loaded.
func (c *AttemptContext) Reputation() Reputation {
	if c.IP == nil || c.IP.Reputation == "" {
		return ReputationUnknown
	}
	return c.IP.Reputation
}

// Country returns the resolved country code, empty when geolocation is unknown.
func (c *AttemptContext) Country() string {
	if c.Geo == nil {
		return ""
	}
	return c.Geo.Country
}

// RiskAssessment is the result of scoring one attempt.
type RiskAssessment struct {
	Score    float64            `json:"score"`
	Severity Severity           `json:"severity"`
	Factors  []string           `json:"factors"`
	Signals  map[string]float64 `json:"signals,omitempty"`
	// TravelSpeedKMH is set when a previous login location was comparable.
	TravelSpeedKMH *float64 `json:"travel_speed_kmh,omitempty"`
}

// HasFactor reports whether the assessment carries the named factor.
func (a *RiskAssessment) HasFactor(name string) bool {
	if a == nil {
		return false
	}
	for _, f := range a.Factors {
		if f == name {
			return true
		}
	}
	return false
}

// LoginDecision is the answer of the login pipeline for one attempt.
type LoginDecision struct {
	Action     Action         `json:"action"`
	Assessment RiskAssessment `json:"risk_assessment"`
	Allowed    bool           `json:"allowed"`
	Reason     string         `json:"reason,omitempty"`
	RuleID     *string        `json:"rule_id,omitempty"`
	RuleName   string         `json:"rule_name,omitempty"`
	RetryAfter time.Duration  `json:"retry_after,omitempty"`
	Challenge  *MFAChallenge  `json:"challenge,omitempty"`
	AttemptID  string         `json:"attempt_id,omitempty"`
}
