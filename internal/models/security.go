package models

import "strings"

// Severity grades a risk assessment or a security event.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank orders severities from LOW (0) to CRITICAL (3). Unknown values rank -1.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// ParseSeverity accepts any casing.
func ParseSeverity(v string) (Severity, bool) {
	s := Severity(strings.ToUpper(strings.TrimSpace(v)))
	return s, s.Valid()
}

// Action is the response the pipeline takes for one login attempt.
type Action string

const (
	ActionLogOnly             Action = "LOG_ONLY"
	ActionRequireMFA          Action = "REQUIRE_MFA"
	ActionBlockRequest        Action = "BLOCK_REQUEST"
	ActionLockAccount         Action = "LOCK_ACCOUNT"
	ActionAlertAdmin          Action = "ALERT_ADMIN"
	ActionBlacklistIP         Action = "BLACKLIST_IP"
	ActionRequireVerification Action = "REQUIRE_VERIFICATION"
)

func (a Action) Valid() bool {
	switch a {
	case ActionLogOnly, ActionRequireMFA, ActionBlockRequest, ActionLockAccount,
		ActionAlertAdmin, ActionBlacklistIP, ActionRequireVerification:
		return true
	}
	return false
}

// Denies reports whether the action rejects the attempt outright.
func (a Action) Denies() bool {
	switch a {
	case ActionBlockRequest, ActionLockAccount, ActionBlacklistIP:
		return true
	}
	return false
}

// Challenges reports whether the action defers the attempt to a second factor.
func (a Action) Challenges() bool {
	return a == ActionRequireMFA || a == ActionRequireVerification
}

// Reputation classifies how far an IP address can be trusted.
type Reputation string

const (
	ReputationTrusted    Reputation = "TRUSTED"
	ReputationUnknown    Reputation = "UNKNOWN"
	ReputationSuspicious Reputation = "SUSPICIOUS"
	ReputationMalicious  Reputation = "MALICIOUS"
)

func (r Reputation) Valid() bool {
	switch r {
	case ReputationTrusted, ReputationUnknown, ReputationSuspicious, ReputationMalicious:
		return true
	}
	return false
}

// AccountState is the lock state machine position of one account.
type AccountState string

const (
	AccountStateActive     AccountState = "ACTIVE"
	AccountStateLocked     AccountState = "LOCKED"
	AccountStatePendingMFA AccountState = "PENDING_MFA"
)

// RuleType labels what a security rule inspects.
type RuleType string

const (
	RuleTypeIPBased       RuleType = "IP_BASED"
	RuleTypeBehaviorBased RuleType = "BEHAVIOR_BASED"
	RuleTypeGeographic    RuleType = "GEOGRAPHIC"
	RuleTypeTimeBased     RuleType = "TIME_BASED"
	RuleTypePatternBased  RuleType = "PATTERN_BASED"
)

func (t RuleType) Valid() bool {
	switch t {
	case RuleTypeIPBased, RuleTypeBehaviorBased, RuleTypeGeographic, RuleTypeTimeBased, RuleTypePatternBased:
		return true
	}
	return false
}

// Security event types
const (
	EventRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	EventBlacklistedIPAttempt   = "BLACKLISTED_IP_ATTEMPT"
	EventIPBlacklisted          = "IP_BLACKLISTED"
	EventIPWhitelisted          = "IP_WHITELISTED"
	EventIPReputationChanged    = "IP_REPUTATION_CHANGED"
	EventSuspiciousLogin        = "SUSPICIOUS_LOGIN"
	EventLoginBlocked           = "LOGIN_BLOCKED"
	EventImpossibleTravel       = "IMPOSSIBLE_TRAVEL"
	EventNewDevice              = "NEW_DEVICE"
	EventAccountLocked          = "ACCOUNT_LOCKED"
	EventAccountUnlocked        = "ACCOUNT_UNLOCKED"
	EventMFAChallengeIssued     = "MFA_CHALLENGE_ISSUED"
	EventMFAChallengePassed     = "MFA_CHALLENGE_PASSED"
	EventMFAChallengeFailed     = "MFA_CHALLENGE_FAILED"
	EventAdminAlert             = "ADMIN_ALERT"
	EventRuleConfigurationError = "RULE_CONFIGURATION_ERROR"
	EventTrustedDeviceRevoked   = "TRUSTED_DEVICE_REVOKED"
)

// Risk factors attached to assessments and exposed to rule conditions.
const (
	FactorIPReputation        = "ip_reputation"
	FactorVPN                 = "vpn"
	FactorProxy               = "proxy"
	FactorTor                 = "tor"
	FactorThreatIntel         = "threat_intel_match"
	FactorImpossibleTravel    = "impossible_travel"
	FactorNewCountry          = "new_country"
	FactorNewDevice           = "new_device"
	FactorFirstDevice         = "first_device"
	FactorRecentFailures      = "recent_failures"
	FactorRateLimitNearLimit  = "rate_limit_near_exhaustion"
	FactorSuspiciousUserAgent = "suspicious_user_agent"
	FactorUnusualLoginTime    = "unusual_login_time"
	FactorExcessiveSessions   = "excessive_sessions"
)
