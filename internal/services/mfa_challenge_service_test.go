package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/fortexa/loginguard/internal/auth"
	"github.com/fortexa/loginguard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockTOTPVerifier implements TOTPVerifier for testing
type MockTOTPVerifier struct {
	ValidCode string
	Replayed  bool
}

func (m *MockTOTPVerifier) DecryptSecret(encrypted, _ []byte) ([]byte, error) {
	return encrypted, nil
}

func (m *MockTOTPVerifier) ValidateCode(_ []byte, code string, _ *time.Time, _ time.Time) (bool, error) {
	if m.Replayed {
		return false, auth.ErrCodeReplay
	}
	return code == m.ValidCode, nil
}

type issuedChallenge struct {
	userID    string
	email     string
	challenge *models.MFAChallenge
	code      string
	event     *models.SecurityEvent
}

// issueChallenge opens a challenge the way the login pipeline does and saves
// the PENDING_MFA state it produced.
func issueChallenge(t *testing.T, f *guardFixture, action models.Action) issuedChallenge {
	t.Helper()
	ctx := context.Background()
	email := gofakeit.Email()
	userID := f.users.AddUser(models.User{Email: email})

	st, _, err := f.accounts.Load(ctx, userID, time.Now())
	require.NoError(t, err)
	ac := &models.AttemptContext{
		Email:             email,
		UserID:            userID,
		CredentialsValid:  true,
		IPAddress:         "198.51.100.30",
		UserAgent:         testBrowserUA,
		DeviceFingerprint: "fp-" + userID,
		Timestamp:         time.Now(),
	}
	assessment := &models.RiskAssessment{Score: 0.4, Severity: models.SeverityMedium, Factors: []string{models.FactorNewCountry}}

	ch, code, ev, err := f.challenge.Issue(ctx, st, ac, assessment, action)
	require.NoError(t, err)
	require.NoError(t, f.accounts.Save(ctx, st))
	return issuedChallenge{userID: userID, email: email, challenge: ch, code: code, event: ev}
}

func TestMFAChallengeService_IssueEmailCode(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())

	got := issueChallenge(t, f, models.ActionRequireMFA)

	assert.Equal(t, models.MFAMethodEmailCode, got.challenge.Method)
	assert.Equal(t, models.ChallengePending, got.challenge.Status)
	assert.Len(t, got.code, f.cfg.Challenge.CodeDigits)
	assert.NotEqual(t, got.code, got.challenge.CodeHash)
	assert.Equal(t, models.AccountStatePendingMFA, f.users.State(got.userID).State)
	assert.Equal(t, models.EventMFAChallengeIssued, got.event.EventType)
	assert.Equal(t, string(models.AccountStatePendingMFA), got.event.Metadata["new_state"])

	f.challenge.Deliver(context.Background(), got.challenge, got.code)
	assert.Equal(t, got.code, f.email.Code(got.email))
}

func TestMFAChallengeService_IssueUsesAuthenticatorWhenEnrolled(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())
	f.mfaDevices.HasVerifiedFunc = func(context.Context, string) (bool, error) { return true, nil }

	got := issueChallenge(t, f, models.ActionRequireMFA)
	assert.Equal(t, models.MFAMethodTOTP, got.challenge.Method)
	assert.Empty(t, got.code)

	// Verification asks for an emailed code even with an authenticator.
	verify := issueChallenge(t, f, models.ActionRequireVerification)
	assert.Equal(t, models.MFAMethodEmailCode, verify.challenge.Method)
}

func TestMFAChallengeService_VerifyPasses(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())
	got := issueChallenge(t, f, models.ActionRequireMFA)

	outcome, err := f.challenge.Verify(context.Background(), got.challenge.ID, got.code)
	require.NoError(t, err)

	assert.Equal(t, got.userID, outcome.UserID)
	assert.Equal(t, []string{models.AMRPassword, models.AMREmailCode}, outcome.AMR)
	assert.Equal(t, models.ChallengePassed, outcome.Challenge.Status)
	assert.Equal(t, models.AccountStateActive, f.users.State(got.userID).State)

	status, err := f.devices.Status(context.Background(), got.userID, "fp-"+got.userID, time.Now())
	require.NoError(t, err)
	assert.True(t, status.Trusted)

	attempts := f.attempts.All()
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Success)
	assert.Contains(t, f.notifier.Types(), models.EventMFAChallengePassed)

	// A passed challenge cannot be replayed.
	_, err = f.challenge.Verify(context.Background(), got.challenge.ID, got.code)
	assert.ErrorIs(t, err, models.ErrChallengeResolved)
}

func TestMFAChallengeService_VerifyTOTP(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())
	f.mfaDevices.HasVerifiedFunc = func(context.Context, string) (bool, error) { return true, nil }
	var lastUsed time.Time
	f.mfaDevices.GetPrimaryFunc = func(_ context.Context, userID string, _ bool) (*models.MFADevice, error) {
		return &models.MFADevice{ID: "dev-1", UserID: userID, TOTPSecretEncrypted: []byte("secret")}, nil
	}
	f.mfaDevices.UpdateLastUsedAtFunc = func(_ context.Context, _ string, at time.Time) error {
		lastUsed = at
		return nil
	}
	totp := &MockTOTPVerifier{ValidCode: "123456"}
	f.challenge.totp = totp

	got := issueChallenge(t, f, models.ActionRequireMFA)

	_, err := f.challenge.Verify(context.Background(), got.challenge.ID, "000000")
	assert.ErrorIs(t, err, models.ErrInvalidMFACode)

	outcome, err := f.challenge.Verify(context.Background(), got.challenge.ID, "123456")
	require.NoError(t, err)
	assert.Equal(t, []string{models.AMRPassword, models.AMROTP}, outcome.AMR)
	assert.False(t, lastUsed.IsZero())
}

func TestMFAChallengeService_ReplayedTOTPCodeIsInvalid(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())
	f.mfaDevices.HasVerifiedFunc = func(context.Context, string) (bool, error) { return true, nil }
	f.mfaDevices.GetPrimaryFunc = func(_ context.Context, userID string, _ bool) (*models.MFADevice, error) {
		return &models.MFADevice{ID: "dev-1", UserID: userID}, nil
	}
	f.challenge.totp = &MockTOTPVerifier{ValidCode: "123456", Replayed: true}

	got := issueChallenge(t, f, models.ActionRequireMFA)

	_, err := f.challenge.Verify(context.Background(), got.challenge.ID, "123456")
	assert.ErrorIs(t, err, models.ErrInvalidMFACode)
}

func TestMFAChallengeService_TooManyWrongCodesRevert(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())
	got := issueChallenge(t, f, models.ActionRequireMFA)
	ctx := context.Background()

	for i := 0; i < f.cfg.Challenge.MaxAttempts; i++ {
		_, err := f.challenge.Verify(ctx, got.challenge.ID, "not-the-code")
		assert.ErrorIs(t, err, models.ErrInvalidMFACode)
	}

	ch, err := f.challenges.Get(ctx, got.challenge.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.ChallengeFailed, ch.Status)
	assert.Equal(t, f.cfg.Challenge.MaxAttempts, ch.Attempts)

	st := f.users.State(got.userID)
	assert.Equal(t, models.AccountStateActive, st.State)
	assert.Equal(t, 1, st.FailedLoginAttempts)
	assert.Contains(t, f.notifier.Types(), models.EventMFAChallengeFailed)

	attempts := f.attempts.All()
	require.Len(t, attempts, 1)
	require.NotNil(t, attempts[0].FailureReason)
	assert.Equal(t, models.FailureMFAFailed, *attempts[0].FailureReason)

	// Even the right code is refused now.
	_, err = f.challenge.Verify(ctx, got.challenge.ID, got.code)
	assert.ErrorIs(t, err, models.ErrChallengeResolved)
}

func TestMFAChallengeService_RevertPastCeilingLocks(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())
	got := issueChallenge(t, f, models.ActionRequireMFA)
	ctx := context.Background()

	st := f.users.State(got.userID)
	st.FailedLoginAttempts = f.cfg.Lockout.MaxFailedAttempts
	f.users.SetState(st)

	for i := 0; i < f.cfg.Challenge.MaxAttempts; i++ {
		_, _ = f.challenge.Verify(ctx, got.challenge.ID, "wrong")
	}

	st = f.users.State(got.userID)
	assert.Equal(t, models.AccountStateLocked, st.State)
	assert.Contains(t, f.notifier.Types(), models.EventAccountLocked)
}

func TestMFAChallengeService_VerifyExpired(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())
	got := issueChallenge(t, f, models.ActionRequireMFA)
	f.challenge.now = func() time.Time { return time.Now().Add(f.cfg.Challenge.TTL + time.Minute) }

	_, err := f.challenge.Verify(context.Background(), got.challenge.ID, got.code)
	assert.ErrorIs(t, err, models.ErrChallengeExpired)

	ch, err := f.challenges.Get(context.Background(), got.challenge.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.ChallengeExpired, ch.Status)
	assert.Equal(t, models.AccountStateActive, f.users.State(got.userID).State)
	assert.Equal(t, 1, f.users.State(got.userID).FailedLoginAttempts)
}

func TestMFAChallengeService_VerifyAfterAccountLocked(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())
	got := issueChallenge(t, f, models.ActionRequireMFA)

	until := time.Now().Add(time.Hour)
	st := f.users.State(got.userID)
	st.State = models.AccountStateLocked
	st.AccountLockedUntil = &until
	f.users.SetState(st)

	_, err := f.challenge.Verify(context.Background(), got.challenge.ID, got.code)
	assert.ErrorIs(t, err, models.ErrAccountLocked)

	ch, err := f.challenges.Get(context.Background(), got.challenge.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.ChallengeFailed, ch.Status)
}

func TestMFAChallengeService_NewChallengeSupersedesPending(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())
	first := issueChallenge(t, f, models.ActionRequireMFA)
	ctx := context.Background()

	st, _, err := f.accounts.Load(ctx, first.userID, time.Now())
	require.NoError(t, err)
	ac := &models.AttemptContext{Email: first.email, UserID: first.userID, IPAddress: "198.51.100.31", Timestamp: time.Now()}
	_, _, _, err = f.challenge.Issue(ctx, st, ac, &models.RiskAssessment{Severity: models.SeverityMedium}, models.ActionRequireMFA)
	require.NoError(t, err)

	_, err = f.challenge.Verify(ctx, first.challenge.ID, first.code)
	assert.ErrorIs(t, err, models.ErrChallengeExpired)
}

func TestMFAChallengeService_ExpireDue(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())
	a := issueChallenge(t, f, models.ActionRequireMFA)
	b := issueChallenge(t, f, models.ActionRequireVerification)
	ctx := context.Background()

	n, err := f.challenge.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.challenge.now = func() time.Time { return time.Now().Add(f.cfg.Challenge.TTL + time.Minute) }
	n, err = f.challenge.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{a.userID, b.userID} {
		st := f.users.State(id)
		assert.Equal(t, models.AccountStateActive, st.State)
		assert.Equal(t, 1, st.FailedLoginAttempts)
	}
	assert.Len(t, f.events.OfType(models.EventMFAChallengeFailed), 2)

	n, err = f.challenge.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMFAChallengeService_UnknownChallenge(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())

	_, err := f.challenge.Verify(context.Background(), "does-not-exist", "123456")
	assert.ErrorIs(t, err, models.ErrChallengeNotFound)
}

func TestMFAChallengeService_DeliveryFailureIsSwallowed(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())
	f.email.SendVerificationErr = errors.New("ses throttled")
	got := issueChallenge(t, f, models.ActionRequireMFA)

	assert.NotPanics(t, func() {
		f.challenge.Deliver(context.Background(), got.challenge, got.code)
	})
	assert.Empty(t, f.email.Code(got.email))
}
