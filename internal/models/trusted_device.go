package models

import "time"

// TrustedDevice is a device fingerprint a user verified with a second factor.
type TrustedDevice struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Fingerprint  string     `json:"fingerprint"`
	DeviceName   string     `json:"device_name"`
	UserAgent    string     `json:"user_agent"`
	IPAddress    string     `json:"ip_address"`
	TrustedUntil time.Time  `json:"trusted_until"`
	LastUsedAt   time.Time  `json:"last_used_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// IsTrusted reports whether the device still vouches for its owner at now.
func (d *TrustedDevice) IsTrusted(now time.Time) bool {
	return d != nil && d.RevokedAt == nil && now.Before(d.TrustedUntil)
}

// DeviceStatus summarizes how a fingerprint relates to a user's trusted devices.
type DeviceStatus struct {
	Known             bool
	Trusted           bool
	HasTrustedDevices bool
	DeviceID          string
}
