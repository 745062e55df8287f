package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fortexa/loginguard/internal/models"
)

// Session end reasons
const (
	SessionEndLogout        = "logout"
	SessionEndLogoutAll     = "logout_all"
	SessionEndAccountLocked = "account_locked"
)

// SessionStore persists refresh sessions
type SessionStore interface {
	Create(ctx context.Context, s *models.Session) error
	Extend(ctx context.Context, userID, sessionID string, now, expiresAt time.Time) error
	End(ctx context.Context, userID, sessionID, reason string, now time.Time) error
	EndAll(ctx context.Context, userID, reason string, now time.Time) (int64, error)
	CountActive(ctx context.Context, userID string, now time.Time) (int, error)
}

// SessionService tracks the refresh sessions handed out to each user. A
// session lives as long as its refresh token and is extended on every refresh.
type SessionService struct {
	store  SessionStore
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewSessionService creates a new SessionService. ttl should match the refresh token lifetime.
func NewSessionService(store SessionStore, ttl time.Duration, logger *slog.Logger) *SessionService {
	return &SessionService{store: store, ttl: ttl, logger: logger, now: time.Now}
}

// Start opens a session for a login that was just allowed.
func (s *SessionService) Start(ctx context.Context, userID, ip, userAgent string) (*models.Session, error) {
	now := s.now()
	sess := &models.Session{
		UserID:          userID,
		IPAddress:       ip,
		UserAgent:       userAgent,
		CreatedAt:       now,
		LastRefreshedAt: now,
		ExpiresAt:       now.Add(s.ttl),
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	return sess, nil
}

// Refresh extends a live session. Ended or expired sessions return ErrUnauthorized.
func (s *SessionService) Refresh(ctx context.Context, userID, sessionID string) error {
	now := s.now()
	err := s.store.Extend(ctx, userID, sessionID, now, now.Add(s.ttl))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrNotFound):
		return models.ErrUnauthorized
	default:
		return fmt.Errorf("refresh session: %w", err)
	}
}

func (s *SessionService) End(ctx context.Context, userID, sessionID, reason string) error {
	if sessionID == "" {
		return nil
	}
	return s.store.End(ctx, userID, sessionID, reason, s.now())
}

// EndAll closes every open session of the user.
func (s *SessionService) EndAll(ctx context.Context, userID, reason string) error {
	n, err := s.store.EndAll(ctx, userID, reason, s.now())
	if err != nil {
		return fmt.Errorf("end sessions: %w", err)
	}
	if n > 0 {
		s.logger.Info("sessions ended",
			slog.String("user_id", userID),
			slog.String("reason", reason),
			slog.Int64("count", n))
	}
	return nil
}

// CountActive is the number of sessions of the user still live at now.
func (s *SessionService) CountActive(ctx context.Context, userID string, now time.Time) (int, error) {
	if userID == "" {
		return 0, nil
	}
	return s.store.CountActive(ctx, userID, now)
}
