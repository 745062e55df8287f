package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fortexa/loginguard/internal/auth"
	"github.com/fortexa/loginguard/internal/models"
	pkgauth "github.com/fortexa/loginguard/pkg/auth"
	pkglogger "github.com/fortexa/loginguard/pkg/logger"
)

// AuthUserStore is the subset of UserRepository methods needed by AuthService
type AuthUserStore interface {
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
	RotateTokenKey(ctx context.Context, userID string) error
}

// TokenRevocationRepository defines the interface for token revocation operations
type TokenRevocationRepository interface {
	RevokeToken(ctx context.Context, jti, userID, tokenType string, expiresAt time.Time, reason string) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
	RecordSessionRevocation(ctx context.Context, userID, reason string, now time.Time, keep time.Duration) error
}

// LoginEvaluator decides on one login attempt
type LoginEvaluator interface {
	EvaluateLogin(ctx context.Context, in models.LoginAttemptInput) (*models.LoginDecision, error)
}

// ChallengeVerifier resolves a pending second-factor challenge
type ChallengeVerifier interface {
	Verify(ctx context.Context, challengeID, code string) (*ChallengeOutcome, error)
}

// SessionTracker opens and closes the refresh sessions behind issued tokens
type SessionTracker interface {
	Start(ctx context.Context, userID, ip, userAgent string) (*models.Session, error)
	Refresh(ctx context.Context, userID, sessionID string) error
	End(ctx context.Context, userID, sessionID, reason string) error
	EndAll(ctx context.Context, userID, reason string) error
}

// AuthService handles authentication business logic
type AuthService struct {
	repo        AuthUserStore
	revokeRepo  TokenRevocationRepository
	tm          *auth.TokenManager
	guard       LoginEvaluator
	challenges  ChallengeVerifier
	sessions    SessionTracker
	timing      *auth.TimingDelay
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
}

// NewAuthService creates a new AuthService
func NewAuthService(
	repo AuthUserStore,
	tm *auth.TokenManager,
	revokeRepo TokenRevocationRepository,
	guard LoginEvaluator,
	challenges ChallengeVerifier,
	sessions SessionTracker,
	timing *auth.TimingDelay,
	logger *slog.Logger,
	auditLogger *pkglogger.AuditLogger,
) *AuthService {
	return &AuthService{
		repo:        repo,
		revokeRepo:  revokeRepo,
		tm:          tm,
		guard:       guard,
		challenges:  challenges,
		sessions:    sessions,
		timing:      timing,
		logger:      logger,
		auditLogger: auditLogger,
	}
}

// UserResponse represents a user in the HTTP response
type UserResponse struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	EmailVerified bool   `json:"email_verified"`
	Role          string `json:"role"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// LoginRequest carries the credentials and the client signals of one attempt
type LoginRequest struct {
	Email             string
	Password          string
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
	AcceptLanguage    string
	AcceptEncoding    string
	Accept            string
}

// ChallengeResponse tells the client a second factor is needed
type ChallengeResponse struct {
	ChallengeID string    `json:"challenge_id"`
	Method      string    `json:"method"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// AuthResponse represents the response from auth operations. Exactly one of
// Tokens and Challenge is set.
type AuthResponse struct {
	*models.TokenPair
	User      *UserResponse      `json:"user,omitempty"`
	Challenge *ChallengeResponse `json:"challenge,omitempty"`
}

// Login checks the password, hands the attempt to the risk pipeline and
// issues tokens only when the pipeline allows it. Every denial is the same
// ErrLoginDenied; the reason is kept in the attempt record.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	start := time.Now()
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		s.timing.WaitFrom(ctx, start, false)
		return nil, models.ErrLoginDenied
	}

	var (
		user  *models.User
		valid bool
	)
	u, err := s.repo.GetByEmail(ctx, email)
	switch {
	case err == nil:
		user = u
		valid = pkgauth.VerifyPassword(u.PasswordHash, req.Password)
		if valid {
			if stateErr := validateAccountState(u); stateErr != nil {
				s.logger.Info("login blocked due to account state",
					slog.String("user_id", u.ID),
					slog.String("status", u.Status))
				valid = false
			}
		}
	case errors.Is(err, models.ErrNotFound):
		// Unknown emails still go through the pipeline so they are rate
		// limited and counted against the source address.
		pkgauth.VerifyPassword("", req.Password)
	default:
		s.logger.Error("failed to get user by email", slog.Any("error", err))
		s.timing.WaitFrom(ctx, start, false)
		return nil, models.ErrLoginDenied
	}

	in := models.LoginAttemptInput{
		Email:             email,
		CredentialsValid:  valid,
		IPAddress:         req.IPAddress,
		UserAgent:         req.UserAgent,
		DeviceFingerprint: req.DeviceFingerprint,
		AcceptLanguage:    req.AcceptLanguage,
		AcceptEncoding:    req.AcceptEncoding,
		Accept:            req.Accept,
	}
	if user != nil {
		in.UserID = user.ID
	}

	decision, err := s.guard.EvaluateLogin(ctx, in)
	if err != nil {
		s.logger.Error("login evaluation failed", slog.Any("error", err))
		s.timing.WaitFrom(ctx, start, false)
		return nil, models.ErrLoginDenied
	}

	if decision.Challenge != nil {
		s.timing.WaitFrom(ctx, start, false)
		return &AuthResponse{Challenge: &ChallengeResponse{
			ChallengeID: decision.Challenge.ID,
			Method:      decision.Challenge.Method,
			ExpiresAt:   decision.Challenge.ExpiresAt,
		}}, nil
	}

	if !decision.Allowed {
		s.logger.Info("login denied",
			slog.String("attempt_id", decision.AttemptID),
			slog.String("action", string(decision.Action)),
			slog.String("reason", decision.Reason))
		s.timing.WaitFrom(ctx, start, false)
		return nil, models.ErrLoginDenied
	}

	tokens, err := s.startSession(ctx, user, req.IPAddress, req.UserAgent, []string{models.AMRPassword})
	if err != nil {
		s.logger.Error("failed to issue tokens", slog.String("user_id", user.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.timing.WaitFrom(ctx, start, true)
	s.logger.Info("user logged in", slog.String("user_id", user.ID))
	return &AuthResponse{TokenPair: tokens, User: userModelToResponse(user)}, nil
}

// VerifyChallenge completes a deferred login with its second factor.
func (s *AuthService) VerifyChallenge(ctx context.Context, challengeID, code string) (*AuthResponse, error) {
	outcome, err := s.challenges.Verify(ctx, challengeID, code)
	if err != nil {
		return nil, err
	}

	user, err := s.repo.GetByID(ctx, outcome.UserID)
	if err != nil {
		s.logger.Error("failed to load user after challenge", slog.String("user_id", outcome.UserID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	var ip, ua string
	if ch := outcome.Challenge; ch != nil {
		ip, ua = ch.IPAddress, ch.UserAgent
	}
	tokens, err := s.startSession(ctx, user, ip, ua, outcome.AMR)
	if err != nil {
		s.logger.Error("failed to issue tokens", slog.String("user_id", user.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.logger.Info("user logged in after challenge",
		slog.String("user_id", user.ID),
		slog.String("challenge_id", challengeID))
	return &AuthResponse{TokenPair: tokens, User: userModelToResponse(user)}, nil
}

// RefreshToken generates a new token pair from a refresh token. The used
// refresh token is revoked.
func (s *AuthService) RefreshToken(ctx context.Context, refreshTokenString string) (*AuthResponse, error) {
	if refreshTokenString = strings.TrimSpace(refreshTokenString); refreshTokenString == "" {
		return nil, models.ErrUnauthorized
	}

	claims, err := s.tm.ValidateToken(ctx, refreshTokenString)
	if err != nil {
		s.logger.Info("refresh token validation failed", slog.Any("error", err))
		return nil, models.ErrUnauthorized
	}

	if claims.Type != models.TokenTypeRefresh {
		s.logger.Warn("refresh attempt with non-refresh token", slog.String("user_id", claims.UserID))
		return nil, models.ErrUnauthorized
	}

	revoked, err := s.revokeRepo.IsTokenRevoked(ctx, claims.ID)
	if err != nil {
		s.logger.Error("failed to check refresh token revocation", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if revoked {
		s.logger.Warn("revoked refresh token presented", slog.String("user_id", claims.UserID))
		return nil, models.ErrUnauthorized
	}

	user, err := s.repo.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.logger.Info("user not found for token refresh", slog.String("user_id", claims.UserID))
			return nil, models.ErrUnauthorized
		}
		s.logger.Error("failed to get user for token refresh", slog.String("user_id", claims.UserID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := validateAccountState(user); err != nil {
		s.logger.Info("token refresh blocked due to account state",
			slog.String("user_id", user.ID),
			slog.String("status", user.Status))
		return nil, models.ErrUnauthorized
	}

	// Invalidate tokens if password changed after token was issued
	if user.PasswordChangedAt != nil && claims.IssuedAt != nil {
		if claims.IssuedAt.Time.Before(*user.PasswordChangedAt) {
			s.logger.Info("token refresh blocked: issued before password change",
				slog.String("user_id", user.ID))
			return nil, models.ErrUnauthorized
		}
	}

	if claims.SessionID != "" {
		if err := s.sessions.Refresh(ctx, user.ID, claims.SessionID); err != nil {
			if errors.Is(err, models.ErrUnauthorized) {
				s.logger.Info("token refresh blocked: session ended",
					slog.String("user_id", user.ID),
					slog.String("session_id", claims.SessionID))
				return nil, models.ErrUnauthorized
			}
			s.logger.Error("failed to extend session", slog.String("session_id", claims.SessionID), slog.Any("error", err))
			return nil, models.ErrInternalServer
		}
	}

	if err := s.revokeRepo.RevokeToken(ctx, claims.ID, claims.UserID, claims.Type, claims.ExpiresAt.Time, "refresh"); err != nil {
		s.logger.Error("failed to revoke used refresh token", slog.String("jti", claims.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	tokens, err := s.tm.IssueSessionPair(ctx, claims.SessionID, user.ID, user.Email, claims.AMR)
	if err != nil {
		s.logger.Error("failed to issue tokens", slog.String("user_id", user.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.logger.Info("token refreshed", slog.String("user_id", user.ID))
	return &AuthResponse{TokenPair: tokens, User: userModelToResponse(user)}, nil
}

// Logout revokes the current access token
func (s *AuthService) Logout(ctx context.Context, accessToken string) error {
	claims, err := s.tm.ValidateToken(ctx, accessToken)
	if err != nil {
		return models.ErrUnauthorized
	}

	err = s.revokeRepo.RevokeToken(ctx, claims.ID, claims.UserID, claims.Type, claims.ExpiresAt.Time, "logout")
	if err != nil {
		s.logger.Error("failed to revoke token", slog.String("jti", claims.ID), slog.Any("error", err))
		return models.ErrInternalServer
	}

	if err := s.sessions.End(ctx, claims.UserID, claims.SessionID, SessionEndLogout); err != nil {
		s.logger.Warn("failed to end session", slog.String("session_id", claims.SessionID), slog.Any("error", err))
	}

	s.logger.Info("user logged out", slog.String("user_id", claims.UserID))
	return nil
}

// LogoutAll ends every session of the user by rotating the token key
func (s *AuthService) LogoutAll(ctx context.Context, userID string) error {
	if err := s.repo.RotateTokenKey(ctx, userID); err != nil {
		s.logger.Error("failed to rotate token key", slog.String("user_id", userID), slog.Any("error", err))
		return models.ErrInternalServer
	}

	now := time.Now()
	if err := s.revokeRepo.RecordSessionRevocation(ctx, userID, "logout_all", now, s.tm.AccessTokenExpiry()); err != nil {
		s.logger.Warn("failed to record session revocation", slog.String("user_id", userID), slog.Any("error", err))
	}
	if err := s.sessions.EndAll(ctx, userID, SessionEndLogoutAll); err != nil {
		s.logger.Warn("failed to end sessions", slog.String("user_id", userID), slog.Any("error", err))
	}

	s.logger.Info("user logged out from all devices", slog.String("user_id", userID))
	s.auditLogger.LogAccountAction(ctx, "logout_all", userID, userID, nil)
	return nil
}

// startSession records the session a fresh login opens and issues tokens bound to it.
func (s *AuthService) startSession(ctx context.Context, user *models.User, ip, userAgent string, amr []string) (*models.TokenPair, error) {
	sess, err := s.sessions.Start(ctx, user.ID, ip, userAgent)
	if err != nil {
		return nil, err
	}
	return s.tm.IssueSessionPair(ctx, sess.ID, user.ID, user.Email, amr)
}

// EnsureAdmin creates the bootstrap administrator when no account has its email.
func (s *AuthService) EnsureAdmin(ctx context.Context, email, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil
	}

	if _, err := s.repo.GetByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("check admin account: %w", err)
	}

	if err := pkgauth.ValidatePassword(password, email); err != nil {
		return fmt.Errorf("admin password: %w", err)
	}
	hashed, err := pkgauth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	tokenKey, err := pkgauth.GenerateTokenKey()
	if err != nil {
		return fmt.Errorf("generate token key: %w", err)
	}

	now := time.Now()
	created, err := s.repo.Create(ctx, &models.User{
		Email:             email,
		PasswordHash:      hashed,
		Name:              "Administrator",
		EmailVerified:     true,
		TokenKey:          tokenKey,
		Role:              "admin",
		Status:            "active",
		PasswordChangedAt: &now,
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil
		}
		return fmt.Errorf("create admin account: %w", err)
	}

	s.logger.Info("bootstrap administrator created", slog.String("user_id", created.ID))
	s.auditLogger.LogAccountAction(ctx, "admin_bootstrapped", "system", created.ID, nil)
	return nil
}

// validateAccountState checks if user account is in valid state for authentication.
// Temporary locks are the lock controller's business, not checked here.
func validateAccountState(user *models.User) error {
	switch user.Status {
	case "disabled":
		return models.ErrAccountDisabled
	case "suspended":
		return models.ErrAccountSuspended
	case "active":
		return nil
	default:
		return fmt.Errorf("unknown account status: %s", user.Status)
	}
}

// userModelToResponse converts a user model to response DTO
func userModelToResponse(user *models.User) *UserResponse {
	return &UserResponse{
		ID:            user.ID,
		Email:         user.Email,
		Name:          user.Name,
		EmailVerified: user.EmailVerified,
		Role:          user.Role,
		CreatedAt:     user.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     user.UpdatedAt.Format(time.RFC3339),
	}
}
