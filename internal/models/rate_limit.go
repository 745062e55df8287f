package models

import (
	"fmt"
	"time"
)

// LimitType selects which independent counter an attempt is charged against.
type LimitType string

const (
	LimitIPLogin    LimitType = "IP_LOGIN"
	LimitUserLogin  LimitType = "USER_LOGIN"
	LimitIPGlobal   LimitType = "IP_GLOBAL"
	LimitUserGlobal LimitType = "USER_GLOBAL"
	LimitIPAPI      LimitType = "IP_API"
	LimitUserAPI    LimitType = "USER_API"
)

func (t LimitType) Valid() bool {
	switch t {
	case LimitIPLogin, LimitUserLogin, LimitIPGlobal, LimitUserGlobal, LimitIPAPI, LimitUserAPI:
		return true
	}
	return false
}

// IsLogin reports whether the limit guards the login path.
func (t LimitType) IsLogin() bool {
	return t == LimitIPLogin || t == LimitUserLogin
}

// RateLimitKey identifies one window.
type RateLimitKey struct {
	Identifier string
	LimitType  LimitType
}

func (k RateLimitKey) String() string {
	return fmt.Sprintf("%s:%s", k.LimitType, k.Identifier)
}

// RateLimitPolicy bounds one limit type.
type RateLimitPolicy struct {
	MaxAttempts int
	Window      time.Duration
	Penalty     time.Duration // block duration once exceeded; zero means Window
}

// PenaltyDuration returns the configured penalty or the window length.
func (p RateLimitPolicy) PenaltyDuration() time.Duration {
	if p.Penalty > 0 {
		return p.Penalty
	}
	return p.Window
}

// RateLimitWindow is the persisted counter state for one key.
type RateLimitWindow struct {
	Identifier      string     `json:"identifier"`
	LimitType       LimitType  `json:"limit_type"`
	CurrentAttempts int        `json:"current_attempts"`
	WindowStart     time.Time  `json:"window_start"`
	BlockedUntil    *time.Time `json:"blocked_until,omitempty"`
}

// Blocked reports whether the window denies attempts at now.
func (w *RateLimitWindow) Blocked(now time.Time) bool {
	return w != nil && w.BlockedUntil != nil && w.BlockedUntil.After(now)
}

// Hit applies one attempt to the window and returns the new state. The
// zero window (no previous state) opens a fresh window. A blocked window is
// returned unchanged until the block expires, after which the window restarts.
func (w RateLimitWindow) Hit(policy RateLimitPolicy, now time.Time) RateLimitWindow {
	if w.Blocked(now) {
		return w
	}

	expired := w.WindowStart.IsZero() ||
		!now.Before(w.WindowStart.Add(policy.Window)) ||
		w.BlockedUntil != nil
	if expired {
		w.CurrentAttempts = 1
		w.WindowStart = now
		w.BlockedUntil = nil
	} else {
		w.CurrentAttempts++
	}

	if w.CurrentAttempts > policy.MaxAttempts {
		until := now.Add(policy.PenaltyDuration())
		w.BlockedUntil = &until
	}
	return w
}

// Remaining is how many more attempts the window admits at now.
func (w *RateLimitWindow) Remaining(policy RateLimitPolicy, now time.Time) int {
	if w == nil || w.WindowStart.IsZero() {
		return policy.MaxAttempts
	}
	if w.Blocked(now) {
		return 0
	}
	if w.BlockedUntil != nil || !now.Before(w.WindowStart.Add(policy.Window)) {
		return policy.MaxAttempts
	}
	if rem := policy.MaxAttempts - w.CurrentAttempts; rem > 0 {
		return rem
	}
	return 0
}

// RateLimitResult is the answer for one key after a check or hit.
type RateLimitResult struct {
	Key          RateLimitKey  `json:"key"`
	Allowed      bool          `json:"allowed"`
	Remaining    int           `json:"remaining"`
	RetryAfter   time.Duration `json:"retry_after,omitempty"`
	JustBlocked  bool          `json:"just_blocked,omitempty"`
	StoreFailure bool          `json:"store_failure,omitempty"`
}

// NearExhaustion reports whether at most one attempt is left.
func (r RateLimitResult) NearExhaustion() bool {
	return r.Allowed && r.Remaining <= 1
}

// EvaluateWindow turns a post-hit window into a result. wasBlocked is whether
// the window already denied attempts before this hit.
func EvaluateWindow(key RateLimitKey, after RateLimitWindow, wasBlocked bool, policy RateLimitPolicy, now time.Time) RateLimitResult {
	res := RateLimitResult{Key: key, Allowed: !after.Blocked(now)}
	if res.Allowed {
		res.Remaining = after.Remaining(policy, now)
		return res
	}
	res.RetryAfter = after.BlockedUntil.Sub(now)
	res.JustBlocked = !wasBlocked
	return res
}
