// Package ratestore holds fixed-window rate limit counters. Every store applies
// models.RateLimitWindow.Hit atomically per key, so concurrent hits on one key
// never admit more than the policy allows.
package ratestore

import (
	"context"
	"time"

	"github.com/fortexa/loginguard/internal/models"
)

// Store is implemented by the in-memory, Redis and Postgres backends.
type Store interface {
	// Hit charges one attempt against key and returns the window after the
	// hit, along with whether the window was already blocking beforehand.
	Hit(ctx context.Context, key models.RateLimitKey, policy models.RateLimitPolicy, now time.Time) (models.RateLimitWindow, bool, error)
	// Peek returns the current window without charging. A missing window is (nil, nil).
	Peek(ctx context.Context, key models.RateLimitKey) (*models.RateLimitWindow, error)
	Reset(ctx context.Context, key models.RateLimitKey) error
}

// retention is how long an idle window is worth keeping.
func retention(policy models.RateLimitPolicy) time.Duration {
	d := policy.Window
	if p := policy.PenaltyDuration(); p > d {
		d = p
	}
	return d + policy.Window
}
