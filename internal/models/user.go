package models

import (
	"time"
)

type User struct {
	ID                string
	Email             string
	PasswordHash      string
	Name              string
	EmailVerified     bool
	TokenKey          string // Per-user secret for composite token signing
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Role              string     // "user", "admin"
	Status            string     // "active", "suspended", "disabled"
	LockedUntil       *time.Time // mirrors UserSecurityState.AccountLockedUntil
	PasswordChangedAt *time.Time
}

// UserSecurityState holds the lock-controller fields of one account. It is
// mutated only by the account controller and loaded under a row lock.
type UserSecurityState struct {
	UserID                  string       `json:"user_id"`
	Email                   string       `json:"email"`
	State                   AccountState `json:"state"`
	FailedLoginAttempts     int          `json:"failed_login_attempts"`
	AccountLockedUntil      *time.Time   `json:"account_locked_until,omitempty"`
	LockCount               int          `json:"lock_count"`
	LastLockedAt            *time.Time   `json:"last_locked_at,omitempty"`
	RiskScore               float64      `json:"risk_score"`
	SuspiciousActivityCount int          `json:"suspicious_activity_count"`
	LastLogin               *LoginSite   `json:"last_login,omitempty"`
}

// LoginSite is where and when the user last logged in successfully.
type LoginSite struct {
	At        time.Time `json:"at"`
	IPAddress string    `json:"ip_address"`
	Country   string    `json:"country,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	HasCoords bool      `json:"has_coords"`
}

// IsLocked reports whether the lock is still in force at now.
func (s *UserSecurityState) IsLocked(now time.Time) bool {
	return s != nil && s.AccountLockedUntil != nil && now.Before(*s.AccountLockedUntil)
}

// LockExpired reports whether the account carries a lock that has run out.
func (s *UserSecurityState) LockExpired(now time.Time) bool {
	return s != nil && s.AccountLockedUntil != nil && !now.Before(*s.AccountLockedUntil)
}
