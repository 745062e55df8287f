package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fortexa/loginguard/internal/config"
	"github.com/fortexa/loginguard/internal/metrics"
	"github.com/fortexa/loginguard/internal/models"
)

// WindowStore keeps one fixed window per (identifier, limit type). Hit must
// be atomic per key and report whether the window was already blocked.
type WindowStore interface {
	Hit(ctx context.Context, key models.RateLimitKey, policy models.RateLimitPolicy, now time.Time) (models.RateLimitWindow, bool, error)
	Peek(ctx context.Context, key models.RateLimitKey) (*models.RateLimitWindow, error)
	Reset(ctx context.Context, key models.RateLimitKey) error
}

// RateLimitService charges attempts against independent fixed windows
type RateLimitService struct {
	store    WindowStore
	policies map[models.LimitType]models.RateLimitPolicy
	config   config.RateLimitConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewRateLimitService creates a new RateLimitService
func NewRateLimitService(store WindowStore, cfg config.RateLimitConfig, m *metrics.Metrics, logger *slog.Logger) *RateLimitService {
	return &RateLimitService{
		store:    store,
		policies: cfg.Policies(),
		config:   cfg,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Check reports whether identifier may make another attempt without charging it.
func (s *RateLimitService) Check(ctx context.Context, identifier string, limitType models.LimitType) (models.RateLimitResult, error) {
	key := models.RateLimitKey{Identifier: identifier, LimitType: limitType}
	policy, ok := s.policies[limitType]
	if !ok {
		return models.RateLimitResult{}, models.ErrBadRequest
	}

	now := s.now()
	w, err := s.store.Peek(ctx, key)
	if err != nil {
		return s.storeFailure(key, err), nil
	}

	res := models.RateLimitResult{Key: key, Allowed: !w.Blocked(now), Remaining: w.Remaining(policy, now)}
	if !res.Allowed {
		res.RetryAfter = w.BlockedUntil.Sub(now)
	}
	return res, nil
}

// RecordAttempt charges one attempt against identifier's window.
func (s *RateLimitService) RecordAttempt(ctx context.Context, identifier string, limitType models.LimitType) (models.RateLimitResult, error) {
	key := models.RateLimitKey{Identifier: identifier, LimitType: limitType}
	policy, ok := s.policies[limitType]
	if !ok {
		return models.RateLimitResult{}, models.ErrBadRequest
	}

	now := s.now()
	after, wasBlocked, err := s.store.Hit(ctx, key, policy, now)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return models.RateLimitResult{}, err
		}
		return s.storeFailure(key, err), nil
	}

	res := models.EvaluateWindow(key, after, wasBlocked, policy, now)
	if !res.Allowed {
		s.metrics.RateLimitDenied(string(limitType))
		if res.JustBlocked {
			s.logger.Warn("rate limit exceeded",
				slog.String("limit_type", string(limitType)),
				slog.String("identifier", identifier),
				slog.Duration("retry_after", res.RetryAfter))
		}
	}
	return res, nil
}

// ChargeLogin charges every limit that applies to a login attempt. All of
// them are charged even after one denies so the counters stay truthful.
func (s *RateLimitService) ChargeLogin(ctx context.Context, ip, email string) ([]models.RateLimitResult, error) {
	keys := []models.RateLimitKey{{Identifier: ip, LimitType: models.LimitIPLogin}}
	if email != "" {
		keys = append(keys, models.RateLimitKey{Identifier: email, LimitType: models.LimitUserLogin})
	}
	if s.config.EnforceGlobal {
		keys = append(keys, models.RateLimitKey{Identifier: ip, LimitType: models.LimitIPGlobal})
		if email != "" {
			keys = append(keys, models.RateLimitKey{Identifier: email, LimitType: models.LimitUserGlobal})
		}
	}

	results := make([]models.RateLimitResult, 0, len(keys))
	for _, k := range keys {
		res, err := s.RecordAttempt(ctx, k.Identifier, k.LimitType)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Reset clears the window, as an administrative unlock does.
func (s *RateLimitService) Reset(ctx context.Context, identifier string, limitType models.LimitType) error {
	return s.store.Reset(ctx, models.RateLimitKey{Identifier: identifier, LimitType: limitType})
}

// storeFailure applies the configured fail-open or fail-closed policy.
// Only login limits fail closed; the broader limits always fail open.
func (s *RateLimitService) storeFailure(key models.RateLimitKey, err error) models.RateLimitResult {
	s.metrics.SignalDegraded("rate_limit_store")
	allowed := s.config.FailOpen || !key.LimitType.IsLogin()
	s.logger.Warn("rate limit store unavailable",
		slog.String("limit_type", string(key.LimitType)),
		slog.Bool("fail_open", allowed),
		slog.Any("error", err))

	res := models.RateLimitResult{Key: key, Allowed: allowed, StoreFailure: true}
	if allowed {
		res.Remaining = s.policies[key.LimitType].MaxAttempts
	}
	return res
}

// Denied returns the first result that denies, if any.
func Denied(results []models.RateLimitResult) (models.RateLimitResult, bool) {
	for _, r := range results {
		if !r.Allowed {
			return r, true
		}
	}
	return models.RateLimitResult{}, false
}
