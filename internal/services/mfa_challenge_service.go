package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fortexa/loginguard/internal/auth"
	"github.com/fortexa/loginguard/internal/config"
	"github.com/fortexa/loginguard/internal/metrics"
	"github.com/fortexa/loginguard/internal/models"
	pkgauth "github.com/fortexa/loginguard/pkg/auth"
)

// expireBatch bounds how many overdue challenges one sweep handles
const expireBatch = 100

// ChallengeStore persists MFA challenges
type ChallengeStore interface {
	Create(ctx context.Context, c *models.MFAChallenge) error
	Get(ctx context.Context, id string, forUpdate bool) (*models.MFAChallenge, error)
	Save(ctx context.Context, c *models.MFAChallenge) error
	SupersedePending(ctx context.Context, userID string, now time.Time) error
	ExpireDue(ctx context.Context, now time.Time, limit int) ([]*models.MFAChallenge, error)
}

// MFADeviceStore persists enrolled TOTP authenticators
type MFADeviceStore interface {
	Create(ctx context.Context, d *models.MFADevice) error
	GetForUser(ctx context.Context, userID, deviceID string) (*models.MFADevice, error)
	GetPrimary(ctx context.Context, userID string, forUpdate bool) (*models.MFADevice, error)
	HasVerified(ctx context.Context, userID string) (bool, error)
	MarkVerified(ctx context.Context, deviceID string, at time.Time) error
	UpdateLastUsedAt(ctx context.Context, deviceID string, at time.Time) error
	Delete(ctx context.Context, userID, deviceID string) error
}

// TOTPVerifier checks codes against encrypted TOTP secrets
type TOTPVerifier interface {
	DecryptSecret(encrypted, nonce []byte) ([]byte, error)
	ValidateCode(secret []byte, code string, lastUsedAt *time.Time, now time.Time) (bool, error)
}

// AttemptRecorder appends login attempts
type AttemptRecorder interface {
	Record(ctx context.Context, a *models.LoginAttempt) error
}

// ChallengeOutcome is a passed challenge, ready for token issue.
type ChallengeOutcome struct {
	Challenge *models.MFAChallenge
	UserID    string
	Email     string
	AMR       []string
}

// MFAChallengeService resolves the PENDING_MFA state: a challenge passes
// within its window or the login it deferred is reverted to a failure.
type MFAChallengeService struct {
	challenges ChallengeStore
	mfaDevices MFADeviceStore
	totp       TOTPVerifier
	accounts   *AccountLockService
	devices    *DeviceService
	ips        *IPReputationService
	attempts   AttemptRecorder
	events     *EventRecorder
	email      EmailService
	tx         Transactor
	config     config.ChallengeConfig
	retention  time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewMFAChallengeService creates a new MFAChallengeService
func NewMFAChallengeService(
	challenges ChallengeStore,
	mfaDevices MFADeviceStore,
	totp TOTPVerifier,
	accounts *AccountLockService,
	devices *DeviceService,
	ips *IPReputationService,
	attempts AttemptRecorder,
	events *EventRecorder,
	email EmailService,
	tx Transactor,
	cfg config.ChallengeConfig,
	retention time.Duration,
	m *metrics.Metrics,
	logger *slog.Logger,
) *MFAChallengeService {
	return &MFAChallengeService{
		challenges: challenges,
		mfaDevices: mfaDevices,
		totp:       totp,
		accounts:   accounts,
		devices:    devices,
		ips:        ips,
		attempts:   attempts,
		events:     events,
		email:      email,
		tx:         tx,
		config:     cfg,
		retention:  retention,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// Issue opens a challenge for the attempt in the transaction carried by ctx
// and parks the account in PENDING_MFA. REQUIRE_MFA uses the user's
// authenticator when one is enrolled; otherwise a code is emailed. The
// returned code is empty for TOTP and must be delivered after commit.
func (s *MFAChallengeService) Issue(ctx context.Context, st *models.UserSecurityState, ac *models.AttemptContext, assessment *models.RiskAssessment, action models.Action) (*models.MFAChallenge, string, *models.SecurityEvent, error) {
	now := ac.Timestamp
	if err := s.challenges.SupersedePending(ctx, ac.UserID, now); err != nil {
		return nil, "", nil, fmt.Errorf("supersede challenges: %w", err)
	}

	method := models.MFAMethodEmailCode
	if action == models.ActionRequireMFA {
		hasTOTP, err := s.mfaDevices.HasVerified(ctx, ac.UserID)
		if err != nil {
			return nil, "", nil, fmt.Errorf("check authenticator: %w", err)
		}
		if hasTOTP {
			method = models.MFAMethodTOTP
		}
	}

	ch := &models.MFAChallenge{
		UserID:            ac.UserID,
		Email:             ac.Email,
		Method:            method,
		Status:            models.ChallengePending,
		IPAddress:         ac.IPAddress,
		UserAgent:         ac.UserAgent,
		DeviceFingerprint: ac.DeviceFingerprint,
		Country:           ac.Country(),
		RiskScore:         assessment.Score,
		ExpiresAt:         now.Add(s.config.TTL),
		CreatedAt:         now,
	}

	var code string
	if method == models.MFAMethodEmailCode {
		var err error
		if code, err = pkgauth.GenerateNumericCode(s.config.CodeDigits); err != nil {
			return nil, "", nil, err
		}
		if ch.CodeHash, err = pkgauth.HashCode(code); err != nil {
			return nil, "", nil, err
		}
	}

	if err := s.challenges.Create(ctx, ch); err != nil {
		return nil, "", nil, fmt.Errorf("create challenge: %w", err)
	}

	old := st.State
	s.accounts.BeginChallenge(st)
	ev := attemptEvent(models.EventMFAChallengeIssued, models.SeverityMedium, ac,
		fmt.Sprintf("second factor required (%s)", method),
		models.EventMetadata{
			"old_state":    string(old),
			"new_state":    string(st.State),
			"challenge_id": ch.ID,
			"method":       method,
			"action":       string(action),
			"risk_score":   assessment.Score,
			"factors":      assessment.Factors,
		})
	return ch, code, ev, nil
}

// Deliver sends the code of an email challenge. Failures are logged; the
// user can start a new login to get another code.
func (s *MFAChallengeService) Deliver(ctx context.Context, ch *models.MFAChallenge, code string) {
	if ch == nil || ch.Method != models.MFAMethodEmailCode || code == "" {
		return
	}
	if err := s.email.SendVerificationCode(ctx, ch.Email, code, ch.ExpiresAt); err != nil {
		s.metrics.NotificationFailed("verification_code")
		s.logger.Warn("failed to deliver verification code",
			slog.String("challenge_id", ch.ID),
			slog.Any("error", err))
	}
}

// Verify answers a challenge. A wrong code counts against the challenge;
// the last allowed wrong code fails it and reverts the login.
func (s *MFAChallengeService) Verify(ctx context.Context, challengeID, code string) (*ChallengeOutcome, error) {
	var (
		outcome *ChallengeOutcome
		events  []*models.SecurityEvent
		result  error
		metric  string
	)

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		outcome, events, result, metric = nil, nil, nil, ""
		now := s.now()

		ch, err := s.challenges.Get(ctx, challengeID, true)
		if err != nil {
			return err
		}

		switch {
		case ch.Status == models.ChallengeExpired:
			result = models.ErrChallengeExpired
			return nil
		case ch.Status != models.ChallengePending:
			result = models.ErrChallengeResolved
			return nil
		case !now.Before(ch.ExpiresAt):
			ch.Status = models.ChallengeExpired
			ch.ResolvedAt = &now
			if err := s.challenges.Save(ctx, ch); err != nil {
				return err
			}
			if events, err = s.revert(ctx, ch, "expired", now); err != nil {
				return err
			}
			result, metric = models.ErrChallengeExpired, "expired"
			return nil
		}

		valid, err := s.checkCode(ctx, ch, code, now)
		if err != nil {
			return err
		}

		if !valid {
			ch.Attempts++
			if ch.Attempts >= s.config.MaxAttempts {
				ch.Status = models.ChallengeFailed
				ch.ResolvedAt = &now
				if events, err = s.revert(ctx, ch, "too_many_codes", now); err != nil {
					return err
				}
				metric = "failed"
			}
			result = models.ErrInvalidMFACode
			return s.challenges.Save(ctx, ch)
		}

		ch.ResolvedAt = &now
		passEvents, err := s.pass(ctx, ch, now)
		if errors.Is(err, models.ErrAccountLocked) {
			// Locked by a concurrent attempt while the challenge was open.
			ch.Status = models.ChallengeFailed
			result, metric = err, "failed"
			repEv, err := s.ips.SettleOutcome(ctx, ch.IPAddress, false, now)
			if err != nil {
				return err
			}
			if repEv != nil {
				events = []*models.SecurityEvent{repEv}
				if err := s.events.Append(ctx, repEv); err != nil {
					return err
				}
			}
			return s.challenges.Save(ctx, ch)
		}
		if err != nil {
			return err
		}
		ch.Status = models.ChallengePassed
		if err := s.challenges.Save(ctx, ch); err != nil {
			return err
		}
		events, metric = passEvents, "passed"

		amr := []string{models.AMRPassword, models.AMREmailCode}
		if ch.Method == models.MFAMethodTOTP {
			amr = []string{models.AMRPassword, models.AMROTP}
		}
		outcome = &ChallengeOutcome{Challenge: ch, UserID: ch.UserID, Email: ch.Email, AMR: amr}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Publish(events...)
	if metric != "" {
		s.metrics.ChallengeResolved(metric)
	}
	if result != nil {
		return nil, result
	}
	return outcome, nil
}

func (s *MFAChallengeService) checkCode(ctx context.Context, ch *models.MFAChallenge, code string, now time.Time) (bool, error) {
	if code == "" {
		return false, nil
	}
	if ch.Method == models.MFAMethodEmailCode {
		return pkgauth.CompareCode(ch.CodeHash, code), nil
	}

	device, err := s.mfaDevices.GetPrimary(ctx, ch.UserID, true)
	if err != nil {
		if errors.Is(err, models.ErrMFADeviceNotFound) || errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	secret, err := s.totp.DecryptSecret(device.TOTPSecretEncrypted, device.TOTPSecretNonce)
	if err != nil {
		return false, err
	}
	ok, err := s.totp.ValidateCode(secret, code, device.LastUsedAt, now)
	if err != nil {
		if errors.Is(err, auth.ErrCodeReplay) {
			return false, nil
		}
		return false, err
	}
	if ok {
		if err := s.mfaDevices.UpdateLastUsedAt(ctx, device.ID, now); err != nil {
			return false, err
		}
	}
	return ok, nil
}

// pass completes the deferred login: the account returns to ACTIVE, the
// device becomes trusted and the source address is credited with a success.
func (s *MFAChallengeService) pass(ctx context.Context, ch *models.MFAChallenge, now time.Time) ([]*models.SecurityEvent, error) {
	st, unlockEv, err := s.accounts.Load(ctx, ch.UserID, now)
	if err != nil {
		return nil, err
	}
	if st.IsLocked(now) {
		return nil, models.ErrAccountLocked
	}

	old := st.State
	s.accounts.RecordSuccess(st, &models.LoginSite{At: now, IPAddress: ch.IPAddress, Country: ch.Country}, false)
	if err := s.accounts.Save(ctx, st); err != nil {
		return nil, err
	}

	repEv, err := s.ips.SettleOutcome(ctx, ch.IPAddress, true, now)
	if err != nil {
		return nil, err
	}

	if ch.DeviceFingerprint != "" {
		if _, err := s.devices.Trust(ctx, ch.UserID, ch.DeviceFingerprint, ch.UserAgent, ch.IPAddress, now); err != nil {
			return nil, fmt.Errorf("trust device: %w", err)
		}
	}

	if err := s.attempts.Record(ctx, s.challengeAttempt(ch, true, nil, now)); err != nil {
		return nil, err
	}

	ev := newEvent(models.EventMFAChallengePassed, models.SeverityLow, ch.UserID, ch.Email, ch.IPAddress,
		"second factor verified",
		models.EventMetadata{
			"old_state":    string(old),
			"new_state":    string(models.AccountStateActive),
			"challenge_id": ch.ID,
			"method":       ch.Method,
		}, now)

	events := []*models.SecurityEvent{unlockEv, ev, repEv}
	if err := s.events.Append(ctx, events...); err != nil {
		return nil, err
	}
	return events, nil
}

// revert turns the deferred login into a failed one. Failures past the
// ceiling lock the account as any other failed login would.
func (s *MFAChallengeService) revert(ctx context.Context, ch *models.MFAChallenge, reason string, now time.Time) ([]*models.SecurityEvent, error) {
	st, unlockEv, err := s.accounts.Load(ctx, ch.UserID, now)
	if err != nil {
		return nil, err
	}

	old := st.State
	if st.State == models.AccountStatePendingMFA {
		st.State = models.AccountStateActive
	}
	exceeded := s.accounts.RecordFailure(st)

	failed := newEvent(models.EventMFAChallengeFailed, models.SeverityMedium, ch.UserID, ch.Email, ch.IPAddress,
		fmt.Sprintf("second factor not completed (%s)", reason),
		models.EventMetadata{
			"old_state":    string(old),
			"new_state":    string(st.State),
			"challenge_id": ch.ID,
			"method":       ch.Method,
			"reason":       reason,
		}, now)
	events := []*models.SecurityEvent{unlockEv, failed}

	if exceeded {
		lockEv, err := s.accounts.Lock(ctx, st, nil, "mfa_failures", now)
		if err != nil {
			return nil, err
		}
		events = append(events, lockEv)
	}
	if err := s.accounts.Save(ctx, st); err != nil {
		return nil, err
	}

	repEv, err := s.ips.SettleOutcome(ctx, ch.IPAddress, false, now)
	if err != nil {
		return nil, err
	}
	events = append(events, repEv)

	reasonCode := models.FailureMFAFailed
	if err := s.attempts.Record(ctx, s.challengeAttempt(ch, false, &reasonCode, now)); err != nil {
		return nil, err
	}
	if err := s.events.Append(ctx, events...); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *MFAChallengeService) challengeAttempt(ch *models.MFAChallenge, success bool, reason *string, now time.Time) *models.LoginAttempt {
	userID := ch.UserID
	return &models.LoginAttempt{
		Email:             ch.Email,
		UserID:            &userID,
		IPAddress:         ch.IPAddress,
		UserAgent:         ch.UserAgent,
		DeviceFingerprint: ch.DeviceFingerprint,
		Country:           ch.Country,
		Success:           success,
		FailureReason:     reason,
		RiskScore:         ch.RiskScore,
		Action:            models.ActionRequireMFA,
		AttemptTime:       now,
		ExpiresAt:         now.Add(s.retention),
	}
}

// ExpireDue reverts challenges that ran out unanswered. It returns how many were handled.
func (s *MFAChallengeService) ExpireDue(ctx context.Context) (int, error) {
	var events []*models.SecurityEvent
	var handled int

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		events, handled = nil, 0
		now := s.now()

		expired, err := s.challenges.ExpireDue(ctx, now, expireBatch)
		if err != nil {
			return err
		}
		for _, ch := range expired {
			evs, err := s.revert(ctx, ch, "expired", now)
			if err != nil {
				return fmt.Errorf("revert challenge %s: %w", ch.ID, err)
			}
			events = append(events, evs...)
		}
		handled = len(expired)
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.events.Publish(events...)
	for i := 0; i < handled; i++ {
		s.metrics.ChallengeResolved("expired")
	}
	return handled, nil
}
