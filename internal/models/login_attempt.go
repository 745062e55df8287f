package models

import "time"

// LoginAttempt represents a single login attempt in the system. Rows are append-only.
type LoginAttempt struct {
	ID                string    `json:"id"`
	Email             string    `json:"email"`
	UserID            *string   `json:"user_id,omitempty"`
	IPAddress         string    `json:"ip_address"`
	UserAgent         string    `json:"user_agent"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	Country           string    `json:"country,omitempty"`
	City              string    `json:"city,omitempty"`
	Success           bool      `json:"success"`
	FailureReason     *string   `json:"failure_reason,omitempty"`
	RiskScore         float64   `json:"risk_score"`
	Severity          Severity  `json:"severity,omitempty"`
	Action            Action    `json:"action"`
	IsBlocked         bool      `json:"is_blocked"`
	IsSuspicious      bool      `json:"is_suspicious"`
	AttemptTime       time.Time `json:"attempt_time"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// Failure reasons recorded on denied attempts
const (
	FailureInvalidCredentials = "invalid_credentials"
	FailureRateLimited        = "rate_limited"
	FailureIPBlacklisted      = "ip_blacklisted"
	FailureAccountLocked      = "account_locked"
	FailureAccountDisabled    = "account_disabled"
	FailureRiskBlocked        = "risk_blocked"
	FailureMFAPending         = "mfa_pending"
	FailureMFAFailed          = "mfa_failed"
	FailureStoreUnavailable   = "store_unavailable"
)

// LoginAttemptFilter narrows admin listings of login attempts.
type LoginAttemptFilter struct {
	Email       string
	IPAddress   string
	Success     *bool
	OnlyBlocked bool
	Suspicious  bool
	Since       *time.Time
	Until       *time.Time
	Limit       int
	Offset      int
}

// AttemptStats are totals used by the admin summary.
type AttemptStats struct {
	Total      int `json:"total"`
	Failed     int `json:"failed"`
	Blocked    int `json:"blocked"`
	Suspicious int `json:"suspicious"`
}
