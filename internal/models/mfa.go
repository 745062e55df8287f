package models

import (
	"time"
)

// MFADevice is an enrolled TOTP authenticator
type MFADevice struct {
	ID                  string
	UserID              string
	DeviceName          string
	TOTPSecretEncrypted []byte // AES-256-GCM encrypted TOTP secret
	TOTPSecretNonce     []byte
	LastUsedAt          *time.Time // For replay prevention
	CreatedAt           time.Time
	VerifiedAt          *time.Time
}

// IsVerified checks if the device has been verified
func (d *MFADevice) IsVerified() bool {
	return d.VerifiedAt != nil
}

// Challenge methods
const (
	MFAMethodTOTP      = "totp"
	MFAMethodEmailCode = "email_code"
)

// Challenge statuses
const (
	ChallengePending = "pending"
	ChallengePassed  = "passed"
	ChallengeFailed  = "failed"
	ChallengeExpired = "expired"
)

// MFAChallenge is a second-factor step opened by a REQUIRE_MFA or
// REQUIRE_VERIFICATION decision. It must be resolved before ExpiresAt.
type MFAChallenge struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	Email             string     `json:"email"`
	Method            string     `json:"method"`
	CodeHash          string     `json:"-"`
	Status            string     `json:"status"`
	Attempts          int        `json:"attempts"`
	IPAddress         string     `json:"ip_address"`
	UserAgent         string     `json:"user_agent"`
	DeviceFingerprint string     `json:"device_fingerprint"`
	Country           string     `json:"country,omitempty"`
	RiskScore         float64    `json:"risk_score"`
	ExpiresAt         time.Time  `json:"expires_at"`
	CreatedAt         time.Time  `json:"created_at"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
}

// IsPending reports whether the challenge can still be answered at now.
func (c *MFAChallenge) IsPending(now time.Time) bool {
	return c.Status == ChallengePending && now.Before(c.ExpiresAt)
}

// MFASetupResponse contains setup information for TOTP enrollment
type MFASetupResponse struct {
	DeviceID string `json:"device_id"`
	Secret   string `json:"secret"`
	QRCode   string `json:"qr_code"` // Data URL for QR code
}
