package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fortexa/loginguard/internal/auth"
	"github.com/fortexa/loginguard/internal/models"
	pkghttp "github.com/fortexa/loginguard/pkg/http"
	"github.com/go-chi/httprate"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int
}

// DefaultAuthRateLimit returns default rate limit config for auth endpoints
func DefaultAuthRateLimit() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 60,
	}
}

// RateLimitByIP creates a middleware that rate limits requests by client IP.
// It is a coarse per-process throttle in front of the login pipeline, which
// keeps its own shared windows.
func RateLimitByIP(config RateLimitConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		1*time.Minute,
		httprate.WithKeyByRealIP(),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			pkghttp.WriteTooManyRequests(w, 0, "Rate limit exceeded")
		}),
	)
}

// APILimiter charges requests against the shared rate limit windows
type APILimiter interface {
	RecordAttempt(ctx context.Context, identifier string, limitType models.LimitType) (models.RateLimitResult, error)
}

// APIRateLimit charges authenticated traffic to USER_API, keyed by user id,
// and everything else to IP_API. Must run after the auth middleware to see
// the user.
func APIRateLimit(limiter APILimiter, ipConfig *pkghttp.IPConfig, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier, limitType := pkghttp.ExtractClientIP(r, ipConfig), models.LimitIPAPI
			if claims := auth.GetUserFromContext(r); claims != nil {
				identifier, limitType = claims.UserID, models.LimitUserAPI
			}

			res, err := limiter.RecordAttempt(r.Context(), identifier, limitType)
			if err != nil {
				// Only cancellation reaches here; store outages fail open in the limiter.
				logger.Debug("api rate limit check aborted", slog.Any("error", err))
				pkghttp.WriteServiceUnavailable(w, "Rate limit check did not complete")
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(res.Remaining, 0)))
			if !res.Allowed {
				pkghttp.WriteTooManyRequests(w, res.RetryAfter, "Rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
