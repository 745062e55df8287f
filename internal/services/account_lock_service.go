package services

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/fortexa/loginguard/internal/config"
	"github.com/fortexa/loginguard/internal/metrics"
	"github.com/fortexa/loginguard/internal/models"
)

// UserSecurityStore persists the lock-controller fields of accounts
type UserSecurityStore interface {
	GetSecurityState(ctx context.Context, userID string, forUpdate bool) (*models.UserSecurityState, error)
	SaveSecurityState(ctx context.Context, s *models.UserSecurityState) error
	RotateTokenKey(ctx context.Context, userID string) error
	ListLocked(ctx context.Context, now time.Time, limit, offset int) ([]*models.UserSecurityState, error)
	CountLocked(ctx context.Context, now time.Time) (int, error)
}

// SessionRevocationStore keeps an audit trail of all-sessions revocations
type SessionRevocationStore interface {
	RecordSessionRevocation(ctx context.Context, userID, reason string, now time.Time, keep time.Duration) error
}

// SessionEnder closes the refresh sessions of a user
type SessionEnder interface {
	EndAll(ctx context.Context, userID, reason string) error
}

// AccountLockService drives the ACTIVE, LOCKED and PENDING_MFA state machine.
// Every method that changes state returns exactly one event for it; callers
// append that event in the same transaction as the state write.
type AccountLockService struct {
	users       UserSecurityStore
	revocations SessionRevocationStore
	sessions    SessionEnder
	config      config.LockoutConfig
	sessionTTL  time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewAccountLockService creates a new AccountLockService. sessionTTL is the
// longest lifetime of an issued token, used to keep revocation records.
func NewAccountLockService(users UserSecurityStore, revocations SessionRevocationStore, cfg config.LockoutConfig, sessionTTL time.Duration, m *metrics.Metrics, logger *slog.Logger) *AccountLockService {
	return &AccountLockService{
		users:       users,
		revocations: revocations,
		config:      cfg,
		sessionTTL:  sessionTTL,
		metrics:     m,
		logger:      logger,
	}
}

// SetSessions makes Lock end the user's tracked sessions as well
func (s *AccountLockService) SetSessions(sessions SessionEnder) {
	s.sessions = sessions
}

// Load reads the account under a row lock. A lock that ran out is lifted
// here, so the attempt is evaluated as if the account were ACTIVE.
func (s *AccountLockService) Load(ctx context.Context, userID string, now time.Time) (*models.UserSecurityState, *models.SecurityEvent, error) {
	st, err := s.users.GetSecurityState(ctx, userID, true)
	if err != nil {
		return nil, nil, fmt.Errorf("load security state: %w", err)
	}
	if !st.LockExpired(now) {
		return st, nil, nil
	}

	lockedUntil := *st.AccountLockedUntil
	st.State = models.AccountStateActive
	st.AccountLockedUntil = nil
	st.FailedLoginAttempts = 0
	if err := s.users.SaveSecurityState(ctx, st); err != nil {
		return nil, nil, fmt.Errorf("lift expired lock: %w", err)
	}

	s.logger.Info("account lock expired", slog.String("user_id", userID))
	ev := newEvent(models.EventAccountUnlocked, models.SeverityLow, st.UserID, st.Email, "",
		"account lock expired",
		models.EventMetadata{
			"old_state":    string(models.AccountStateLocked),
			"new_state":    string(models.AccountStateActive),
			"trigger":      "lock_expired",
			"locked_until": lockedUntil.Format(time.RFC3339),
		}, now)
	return st, ev, nil
}

// LockDuration is the backoff for the next lock: base * multiplier^n where n
// counts the earlier locks still inside the rolling period, capped at the maximum.
func (s *AccountLockService) LockDuration(st *models.UserSecurityState, now time.Time) time.Duration {
	n := s.priorLocks(st, now)
	d := float64(s.config.BaseDuration) * math.Pow(s.config.Multiplier, float64(n))
	if d >= float64(s.config.MaxDuration) || math.IsInf(d, 1) {
		return s.config.MaxDuration
	}
	return time.Duration(d)
}

func (s *AccountLockService) priorLocks(st *models.UserSecurityState, now time.Time) int {
	if st.LastLockedAt == nil || now.Sub(*st.LastLockedAt) > s.config.RollingPeriod {
		return 0
	}
	return st.LockCount
}

// Lock moves the account to LOCKED and revokes its sessions. Locking an
// account that is already locked changes nothing and returns no event, so
// concurrent triggers cannot stretch the lock.
func (s *AccountLockService) Lock(ctx context.Context, st *models.UserSecurityState, ac *models.AttemptContext, reason string, now time.Time) (*models.SecurityEvent, error) {
	if st.IsLocked(now) {
		return nil, nil
	}

	old := st.State
	duration := s.LockDuration(st, now)
	until := now.Add(duration)
	at := now

	st.LockCount = s.priorLocks(st, now) + 1
	st.State = models.AccountStateLocked
	st.AccountLockedUntil = &until
	st.LastLockedAt = &at

	if err := s.users.SaveSecurityState(ctx, st); err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}
	if err := s.users.RotateTokenKey(ctx, st.UserID); err != nil {
		return nil, fmt.Errorf("revoke sessions: %w", err)
	}
	if s.revocations != nil {
		if err := s.revocations.RecordSessionRevocation(ctx, st.UserID, "account_locked", now, s.sessionTTL); err != nil {
			return nil, fmt.Errorf("record session revocation: %w", err)
		}
	}
	if s.sessions != nil {
		if err := s.sessions.EndAll(ctx, st.UserID, SessionEndAccountLocked); err != nil {
			return nil, err
		}
	}

	s.metrics.AccountLocked()
	s.logger.Warn("account locked",
		slog.String("user_id", st.UserID),
		slog.String("reason", reason),
		slog.Int("lock_count", st.LockCount),
		slog.Duration("duration", duration))

	meta := models.EventMetadata{
		"old_state":    string(old),
		"new_state":    string(models.AccountStateLocked),
		"trigger":      reason,
		"lock_count":   st.LockCount,
		"locked_until": until.Format(time.RFC3339),
	}
	description := fmt.Sprintf("account locked for %s", duration)
	if ac != nil {
		return attemptEvent(models.EventAccountLocked, models.SeverityHigh, ac, description, meta), nil
	}
	return newEvent(models.EventAccountLocked, models.SeverityHigh, st.UserID, st.Email, "", description, meta, now), nil
}

// RecordFailure counts a failed credential check and reports whether the
// failure ceiling has been exceeded.
func (s *AccountLockService) RecordFailure(st *models.UserSecurityState) bool {
	st.FailedLoginAttempts++
	return st.FailedLoginAttempts > s.config.MaxFailedAttempts
}

// RecordSuccess returns the account to ACTIVE after an allowed login. Only a
// clean login, one assessed LOW, clears the failure and risk counters.
func (s *AccountLockService) RecordSuccess(st *models.UserSecurityState, site *models.LoginSite, clean bool) {
	st.State = models.AccountStateActive
	if clean {
		st.FailedLoginAttempts = 0
		st.AccountLockedUntil = nil
		st.RiskScore = 0
		st.SuspiciousActivityCount = 0
	}
	if site != nil {
		st.LastLogin = site
	}
}

// BeginChallenge parks the account in PENDING_MFA while a second factor is outstanding.
func (s *AccountLockService) BeginChallenge(st *models.UserSecurityState) {
	if st.State != models.AccountStateLocked {
		st.State = models.AccountStatePendingMFA
	}
}

// MarkSuspicious bumps the account's suspicious-activity counters.
func (s *AccountLockService) MarkSuspicious(st *models.UserSecurityState, score float64) {
	st.SuspiciousActivityCount++
	st.RiskScore = score
}

// Save writes the state back in the transaction carried by ctx.
func (s *AccountLockService) Save(ctx context.Context, st *models.UserSecurityState) error {
	return s.users.SaveSecurityState(ctx, st)
}

// Unlock is the administrative unlock. It clears the lock and the failure count.
func (s *AccountLockService) Unlock(ctx context.Context, userID, actorID string, now time.Time) (*models.SecurityEvent, error) {
	st, err := s.users.GetSecurityState(ctx, userID, true)
	if err != nil {
		return nil, fmt.Errorf("load security state: %w", err)
	}

	old := st.State
	st.State = models.AccountStateActive
	st.AccountLockedUntil = nil
	st.FailedLoginAttempts = 0
	if err := s.users.SaveSecurityState(ctx, st); err != nil {
		return nil, fmt.Errorf("unlock account: %w", err)
	}

	s.logger.Info("account unlocked by administrator",
		slog.String("user_id", userID),
		slog.String("actor_id", actorID))
	return newEvent(models.EventAccountUnlocked, models.SeverityLow, st.UserID, st.Email, "",
		"account unlocked by administrator",
		models.EventMetadata{
			"old_state": string(old),
			"new_state": string(models.AccountStateActive),
			"trigger":   "admin_unlock",
			"actor_id":  actorID,
		}, now), nil
}

// Locked lists accounts whose lock is in force.
func (s *AccountLockService) Locked(ctx context.Context, now time.Time, limit, offset int) ([]*models.UserSecurityState, error) {
	return s.users.ListLocked(ctx, now, limit, offset)
}
