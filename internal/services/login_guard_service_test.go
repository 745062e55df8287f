package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/fortexa/loginguard/internal/geo"
	"github.com/fortexa/loginguard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addTrustedUser registers an account with one trusted device and returns
// its id and the device fingerprint.
func addTrustedUser(t *testing.T, f *guardFixture, email string) (string, string) {
	t.Helper()
	id := f.users.AddUser(models.User{Email: email})
	fp := "fp-" + id
	_, err := f.deviceSvc.Trust(context.Background(), id, fp, testBrowserUA, "198.51.100.99", time.Now().Add(-48*time.Hour))
	require.NoError(t, err)
	return id, fp
}

func intelAt(loc models.GeoLocation) func(context.Context, string) (*geo.Intel, error) {
	return func(_ context.Context, ip string) (*geo.Intel, error) {
		l := loc
		return &geo.Intel{IP: ip, Location: &l, CheckedAt: time.Now()}, nil
	}
}

func TestLoginGuard_IPRateLimitBlocksSixthAttempt(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())
	ctx := context.Background()
	in := models.LoginAttemptInput{
		Email:     "nobody@example.com",
		IPAddress: "203.0.113.5",
		UserAgent: testBrowserUA,
	}

	for i := 1; i <= 5; i++ {
		d, err := f.guard.EvaluateLogin(ctx, in)
		require.NoError(t, err)
		assert.NotEqual(t, models.FailureRateLimited, d.Reason, "attempt %d", i)
		assert.False(t, d.Allowed)
	}

	d, err := f.guard.EvaluateLogin(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, models.ActionBlockRequest, d.Action)
	assert.Equal(t, models.FailureRateLimited, d.Reason)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	exceeded := f.events.OfType(models.EventRateLimitExceeded)
	require.Len(t, exceeded, 1)
	assert.Equal(t, string(models.LimitIPLogin), exceeded[0].Metadata["limit_type"])

	// Denied attempts still count against the address.
	rec, err := f.ips.Get(ctx, "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, 6, rec.LoginAttempts)
	assert.Equal(t, 6, rec.FailedLogins)
	assert.Equal(t, 6, rec.RecentCount)
	assert.Equal(t, models.ReputationSuspicious, rec.Reputation)

	attempts := f.attempts.All()
	require.Len(t, attempts, 6)
	last := attempts[5]
	assert.True(t, last.IsBlocked)
	require.NotNil(t, last.FailureReason)
	assert.Equal(t, models.FailureRateLimited, *last.FailureReason)
	assert.Equal(t, last.ID, d.AttemptID)
}

func TestLoginGuard_ImpossibleTravelBlocks(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())
	ctx := context.Background()
	email := gofakeit.Email()
	userID, fp := addTrustedUser(t, f, email)
	now := time.Now()

	st := f.users.State(userID)
	st.LastLogin = &models.LoginSite{
		At:        now.Add(-time.Hour),
		IPAddress: "198.51.100.10",
		Country:   "US",
		Latitude:  newYork.Latitude,
		Longitude: newYork.Longitude,
		HasCoords: true,
	}
	f.users.SetState(st)
	f.intel.LookupFunc = intelAt(tokyo)

	d, err := f.guard.EvaluateLogin(ctx, models.LoginAttemptInput{
		Email:             email,
		UserID:            userID,
		CredentialsValid:  true,
		IPAddress:         "198.51.100.77",
		UserAgent:         testBrowserUA,
		DeviceFingerprint: fp,
		Timestamp:         now,
	})
	require.NoError(t, err)

	assert.Equal(t, models.ActionBlockRequest, d.Action)
	assert.Equal(t, models.SeverityHigh, d.Assessment.Severity)
	assert.InDelta(t, 0.685, d.Assessment.Score, 1e-9)
	assert.Contains(t, d.Assessment.Factors, models.FactorImpossibleTravel)
	assert.Equal(t, models.FailureRiskBlocked, d.Reason)
	assert.False(t, d.Allowed)
	assert.Nil(t, d.Challenge)

	travel := f.events.OfType(models.EventImpossibleTravel)
	require.Len(t, travel, 1)
	assert.Equal(t, models.SeverityHigh, travel[0].Severity)
	assert.Equal(t, "JP", travel[0].Metadata["country"])
	assert.Equal(t, "US", travel[0].Metadata["previous_country"])
	assert.Len(t, f.events.OfType(models.EventLoginBlocked), 1)

	after := f.users.State(userID)
	assert.Equal(t, 1, after.SuspiciousActivityCount)
	// The last successful location is unchanged by a blocked attempt.
	assert.Equal(t, "US", after.LastLogin.Country)
	assert.Equal(t, models.AccountStateActive, after.State)
}

func TestLoginGuard_BlacklistedIPBlocksDespiteTrustedDevice(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())
	ctx := context.Background()
	email := gofakeit.Email()
	userID, fp := addTrustedUser(t, f, email)

	rec := models.NewIPAddressRecord("198.51.100.7", time.Now())
	rec.IsBlacklisted = true
	rec.Reputation = models.ReputationMalicious
	f.ips.Put(rec)

	d, err := f.guard.EvaluateLogin(ctx, models.LoginAttemptInput{
		Email:             email,
		UserID:            userID,
		CredentialsValid:  true,
		IPAddress:         "198.51.100.7",
		UserAgent:         testBrowserUA,
		DeviceFingerprint: fp,
	})
	require.NoError(t, err)

	assert.Equal(t, models.ActionBlockRequest, d.Action)
	assert.Equal(t, models.FailureIPBlacklisted, d.Reason)
	assert.False(t, d.Allowed)
	assert.Len(t, f.events.OfType(models.EventBlacklistedIPAttempt), 1)
	assert.Contains(t, f.notifier.Types(), models.EventBlacklistedIPAttempt)
}

func TestLoginGuard_CleanLoginIsAllowed(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())
	ctx := context.Background()
	email := gofakeit.Email()
	userID, fp := addTrustedUser(t, f, email)
	f.intel.LookupFunc = intelAt(newYork)

	d, err := f.guard.EvaluateLogin(ctx, models.LoginAttemptInput{
		Email:             email,
		UserID:            userID,
		CredentialsValid:  true,
		IPAddress:         "198.51.100.50",
		UserAgent:         testBrowserUA,
		DeviceFingerprint: fp,
	})
	require.NoError(t, err)

	assert.True(t, d.Allowed)
	assert.Equal(t, models.ActionLogOnly, d.Action)
	assert.Equal(t, models.SeverityLow, d.Assessment.Severity)
	assert.Empty(t, d.Reason)

	st := f.users.State(userID)
	require.NotNil(t, st.LastLogin)
	assert.Equal(t, "US", st.LastLogin.Country)
	assert.True(t, st.LastLogin.HasCoords)

	attempts := f.attempts.All()
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Success)
	assert.Nil(t, attempts[0].FailureReason)
	assert.Equal(t, "US", attempts[0].Country)
}

func TestLoginGuard_EmailIsNormalised(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())

	_, err := f.guard.EvaluateLogin(context.Background(), models.LoginAttemptInput{
		Email:     "  Mixed.Case@Example.COM ",
		IPAddress: "198.51.100.51",
	})
	require.NoError(t, err)

	attempts := f.attempts.All()
	require.Len(t, attempts, 1)
	assert.Equal(t, "mixed.case@example.com", attempts[0].Email)
}

func TestLoginGuard_NewDeviceAloneIsLowRisk(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())
	email := gofakeit.Email()
	userID, _ := addTrustedUser(t, f, email)
	f.intel.LookupFunc = intelAt(newYork)

	d, err := f.guard.EvaluateLogin(context.Background(), models.LoginAttemptInput{
		Email:             email,
		UserID:            userID,
		CredentialsValid:  true,
		IPAddress:         "198.51.100.52",
		UserAgent:         testBrowserUA,
		DeviceFingerprint: "a-brand-new-laptop",
	})
	require.NoError(t, err)

	assert.InDelta(t, 0.285, d.Assessment.Score, 1e-9)
	assert.Equal(t, models.SeverityLow, d.Assessment.Severity)
	assert.Contains(t, d.Assessment.Factors, models.FactorNewDevice)
	assert.True(t, d.Allowed)
	assert.Len(t, f.events.OfType(models.EventNewDevice), 1)
}

func TestLoginGuard_MediumRiskIssuesChallengeAndVerifyCompletes(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())
	ctx := context.Background()
	email := gofakeit.Email()
	userID, _ := addTrustedUser(t, f, email)
	f.intel.LookupFunc = intelAt(newYork)

	// Two earlier bad passwords lift a new-device login into MEDIUM.
	for i := 0; i < 2; i++ {
		_, err := f.guard.EvaluateLogin(ctx, models.LoginAttemptInput{Email: email, UserID: userID, IPAddress: "198.51.100.53", UserAgent: testBrowserUA})
		require.NoError(t, err)
	}

	d, err := f.guard.EvaluateLogin(ctx, models.LoginAttemptInput{
		Email:             email,
		UserID:            userID,
		CredentialsValid:  true,
		IPAddress:         "198.51.100.53",
		UserAgent:         testBrowserUA,
		DeviceFingerprint: "a-brand-new-laptop",
	})
	require.NoError(t, err)

	assert.Equal(t, models.SeverityMedium, d.Assessment.Severity)
	assert.Equal(t, models.ActionRequireMFA, d.Action)
	assert.Equal(t, models.FailureMFAPending, d.Reason)
	assert.False(t, d.Allowed)
	require.NotNil(t, d.Challenge)
	assert.Equal(t, models.AccountStatePendingMFA, f.users.State(userID).State)
	assert.Len(t, f.events.OfType(models.EventNewDevice), 1)

	code := f.email.Code(email)
	require.NotEmpty(t, code)

	outcome, err := f.challenge.Verify(ctx, d.Challenge.ID, code)
	require.NoError(t, err)
	assert.Equal(t, userID, outcome.UserID)
	assert.Equal(t, models.AccountStateActive, f.users.State(userID).State)

	status, err := f.deviceSvc.Status(ctx, userID, "a-brand-new-laptop", time.Now())
	require.NoError(t, err)
	assert.True(t, status.Trusted)
}

func TestLoginGuard_FailedPasswordsLockAccount(t *testing.T) {
	cfg := testSecurityConfig()
	f := newGuardFixture(cfg)
	ctx := context.Background()
	email := gofakeit.Email()
	userID, fp := addTrustedUser(t, f, email)

	// A fresh address per attempt keeps the per-IP limit out of the way.
	in := models.LoginAttemptInput{Email: email, UserID: userID, UserAgent: testBrowserUA, DeviceFingerprint: fp}
	for i := 0; i <= cfg.Lockout.MaxFailedAttempts; i++ {
		in.IPAddress = fmt.Sprintf("198.51.100.%d", 60+i)
		d, err := f.guard.EvaluateLogin(ctx, in)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
	}

	st := f.users.State(userID)
	assert.Equal(t, models.AccountStateLocked, st.State)
	require.NotNil(t, st.AccountLockedUntil)
	assert.Len(t, f.events.OfType(models.EventAccountLocked), 1)
	assert.Equal(t, 1, f.users.Rotated[userID])

	// Even the right password is refused while locked.
	in.CredentialsValid = true
	in.IPAddress = "198.51.100.90"
	d, err := f.guard.EvaluateLogin(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, models.ActionBlockRequest, d.Action)
	assert.Equal(t, models.FailureAccountLocked, d.Reason)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestLoginGuard_ExpiredLockIsLifted(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())
	ctx := context.Background()
	email := gofakeit.Email()
	userID, fp := addTrustedUser(t, f, email)

	past := time.Now().Add(-time.Minute)
	st := f.users.State(userID)
	st.State = models.AccountStateLocked
	st.AccountLockedUntil = &past
	f.users.SetState(st)

	d, err := f.guard.EvaluateLogin(ctx, models.LoginAttemptInput{
		Email: email, UserID: userID, CredentialsValid: true,
		IPAddress: "198.51.100.61", UserAgent: testBrowserUA, DeviceFingerprint: fp,
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Len(t, f.events.OfType(models.EventAccountUnlocked), 1)
}

func TestLoginGuard_RuleBlacklistsAddress(t *testing.T) {
	rule := testRule("blacklist-bots", 1, models.ActionBlacklistIP, `{"type":"pattern","params":{"user_agent_contains":["sqlmap"]}}`)
	f := newGuardFixture(testSecurityConfig(), rule)
	ctx := context.Background()

	d, err := f.guard.EvaluateLogin(ctx, models.LoginAttemptInput{
		Email:     gofakeit.Email(),
		IPAddress: "198.51.100.70",
		UserAgent: "sqlmap/1.7.2#stable (https://sqlmap.org)",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ActionBlacklistIP, d.Action)
	assert.Equal(t, "blacklist-bots", d.RuleName)
	assert.Equal(t, models.FailureIPBlacklisted, d.Reason)

	rec, err := f.ips.Get(ctx, "198.51.100.70")
	require.NoError(t, err)
	assert.True(t, rec.IsBlacklisted)
	assert.Equal(t, models.ReputationMalicious, rec.Reputation)
	assert.Len(t, f.events.OfType(models.EventIPBlacklisted), 1)
	assert.Equal(t, int64(1), f.rules.Triggered(rule.ID))

	// The next attempt stops at the blacklist, before any rule runs.
	d, err = f.guard.EvaluateLogin(ctx, models.LoginAttemptInput{Email: gofakeit.Email(), IPAddress: "198.51.100.70", UserAgent: testBrowserUA})
	require.NoError(t, err)
	assert.Equal(t, models.FailureIPBlacklisted, d.Reason)
	assert.Equal(t, int64(1), f.rules.Triggered(rule.ID))
}

func TestLoginGuard_LockRuleOnUnknownEmailBlocks(t *testing.T) {
	rule := testRule("lock-doc-net", 1, models.ActionLockAccount, condFromDocNet)
	f := newGuardFixture(testSecurityConfig(), rule)

	d, err := f.guard.EvaluateLogin(context.Background(), models.LoginAttemptInput{
		Email:     "ghost@example.com",
		IPAddress: "203.0.113.40",
		UserAgent: testBrowserUA,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ActionBlockRequest, d.Action)
	assert.Equal(t, models.FailureRiskBlocked, d.Reason)
}

func TestLoginGuard_AlertAdminAllowsAndAlerts(t *testing.T) {
	rule := testRule("watch-doc-net", 1, models.ActionAlertAdmin, condFromDocNet)
	f := newGuardFixture(testSecurityConfig(), rule)
	email := gofakeit.Email()
	userID, fp := addTrustedUser(t, f, email)

	d, err := f.guard.EvaluateLogin(context.Background(), models.LoginAttemptInput{
		Email: email, UserID: userID, CredentialsValid: true,
		IPAddress: "203.0.113.41", UserAgent: testBrowserUA, DeviceFingerprint: fp,
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, models.ActionAlertAdmin, d.Action)
	alerts := f.events.OfType(models.EventAdminAlert)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.SeverityHigh, alerts[0].Severity)
}

func TestLoginGuard_StoreFailureFailsClosed(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())
	f.tx.Err = errors.New("connection reset by peer")
	email := gofakeit.Email()
	userID, fp := addTrustedUser(t, f, email)

	d, err := f.guard.EvaluateLogin(context.Background(), models.LoginAttemptInput{
		Email: email, UserID: userID, CredentialsValid: true,
		IPAddress: "198.51.100.80", UserAgent: testBrowserUA, DeviceFingerprint: fp,
	})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, models.ActionBlockRequest, d.Action)
	assert.Equal(t, models.FailureStoreUnavailable, d.Reason)
	assert.Empty(t, f.notifier.Types())
	assert.Empty(t, f.attempts.All())
}

func TestLoginGuard_DegradedSignalsAreNeutral(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())
	f.intel.LookupFunc = func(context.Context, string) (*geo.Intel, error) {
		return nil, errors.New("lookup timed out")
	}
	email := gofakeit.Email()
	userID, fp := addTrustedUser(t, f, email)
	f.devices.Err = errors.New("replica lag")

	d, err := f.guard.EvaluateLogin(context.Background(), models.LoginAttemptInput{
		Email: email, UserID: userID, CredentialsValid: true,
		IPAddress: "198.51.100.81", UserAgent: testBrowserUA, DeviceFingerprint: fp,
	})
	require.NoError(t, err)
	// An unreadable device registry reads as a first device, not as an attack.
	assert.True(t, d.Allowed)
	assert.Equal(t, models.SeverityLow, d.Assessment.Severity)
	assert.Contains(t, d.Assessment.Factors, models.FactorFirstDevice)
	assert.Nil(t, d.Assessment.TravelSpeedKMH)
}

func TestLoginGuard_CallerCancellationDoesNotAbort(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d, err := f.guard.EvaluateLogin(ctx, models.LoginAttemptInput{Email: gofakeit.Email(), IPAddress: "198.51.100.82", UserAgent: testBrowserUA})
	require.NoError(t, err)
	assert.NotEqual(t, models.FailureStoreUnavailable, d.Reason)
	assert.Len(t, f.attempts.All(), 1)
}

const newDeviceStepUp = `{"type":"behavior","params":{"new_device":true}}`

func TestLoginGuard_PassedChallengesCountAsSuccesses(t *testing.T) {
	cfg := testSecurityConfig()
	cfg.RateLimit.IPLogin.MaxAttempts = 50
	f := newGuardFixture(cfg, testRule("step-up-new-device", 1, models.ActionRequireMFA, newDeviceStepUp))
	ctx := context.Background()
	f.intel.LookupFunc = intelAt(newYork)
	const ip = "198.51.100.200"

	for i := 0; i < 5; i++ {
		email := gofakeit.Email()
		userID, _ := addTrustedUser(t, f, email)

		d, err := f.guard.EvaluateLogin(ctx, models.LoginAttemptInput{
			Email: email, UserID: userID, CredentialsValid: true,
			IPAddress: ip, UserAgent: testBrowserUA, DeviceFingerprint: fmt.Sprintf("new-laptop-%d", i),
		})
		require.NoError(t, err)
		require.NotNil(t, d.Challenge, "user %d", i)

		pending, err := f.ips.Get(ctx, ip)
		require.NoError(t, err)
		assert.Equal(t, i, pending.LoginAttempts, "a pending challenge is not counted yet")

		_, err = f.challenge.Verify(ctx, d.Challenge.ID, f.email.Code(email))
		require.NoError(t, err)
	}

	rec, err := f.ips.Get(ctx, ip)
	require.NoError(t, err)
	assert.Equal(t, 5, rec.LoginAttempts)
	assert.Zero(t, rec.FailedLogins)
	assert.Equal(t, 5, rec.RecentCount)
	assert.Equal(t, models.ReputationUnknown, rec.Reputation)
}

func TestLoginGuard_UnresolvedChallengeCountsAsFailure(t *testing.T) {
	tests := []struct {
		name    string
		resolve func(t *testing.T, f *guardFixture, challengeID string)
	}{
		{"wrong codes", func(t *testing.T, f *guardFixture, challengeID string) {
			for i := 0; i < f.cfg.Challenge.MaxAttempts; i++ {
				_, err := f.challenge.Verify(context.Background(), challengeID, "not-the-code")
				assert.ErrorIs(t, err, models.ErrInvalidMFACode)
			}
		}},
		{"expired", func(t *testing.T, f *guardFixture, challengeID string) {
			f.challenge.now = func() time.Time { return time.Now().Add(f.cfg.Challenge.TTL + time.Minute) }
			_, err := f.challenge.Verify(context.Background(), challengeID, "000000")
			assert.ErrorIs(t, err, models.ErrChallengeExpired)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGuardFixture(testSecurityConfig(), testRule("step-up-new-device", 1, models.ActionRequireMFA, newDeviceStepUp))
			ctx := context.Background()
			email := gofakeit.Email()
			userID, _ := addTrustedUser(t, f, email)
			const ip = "198.51.100.201"

			d, err := f.guard.EvaluateLogin(ctx, models.LoginAttemptInput{
				Email: email, UserID: userID, CredentialsValid: true,
				IPAddress: ip, UserAgent: testBrowserUA, DeviceFingerprint: "a-brand-new-laptop",
			})
			require.NoError(t, err)
			require.NotNil(t, d.Challenge)

			tt.resolve(t, f, d.Challenge.ID)

			rec, err := f.ips.Get(ctx, ip)
			require.NoError(t, err)
			assert.Equal(t, 1, rec.LoginAttempts)
			assert.Equal(t, 1, rec.FailedLogins)
			assert.Equal(t, 1, rec.RecentFailures())
		})
	}
}

func TestLoginGuard_CleanLoginResetsRiskCounters(t *testing.T) {
	f := newGuardFixture(testSecurityConfig())
	email := gofakeit.Email()
	userID, fp := addTrustedUser(t, f, email)
	f.intel.LookupFunc = intelAt(newYork)

	st := f.users.State(userID)
	st.RiskScore = 0.9
	st.SuspiciousActivityCount = 3
	st.FailedLoginAttempts = 2
	f.users.SetState(st)

	d, err := f.guard.EvaluateLogin(context.Background(), models.LoginAttemptInput{
		Email: email, UserID: userID, CredentialsValid: true,
		IPAddress: "198.51.100.202", UserAgent: testBrowserUA, DeviceFingerprint: fp,
	})
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, models.SeverityLow, d.Assessment.Severity)

	st = f.users.State(userID)
	assert.Zero(t, st.RiskScore)
	assert.Zero(t, st.SuspiciousActivityCount)
	assert.Zero(t, st.FailedLoginAttempts)
}

func TestLoginGuard_SuspiciousAllowedLoginKeepsCounters(t *testing.T) {
	f := newGuardFixture(testSecurityConfig(), testRule("watch-new-device", 1, models.ActionLogOnly, newDeviceStepUp))
	ctx := context.Background()
	email := gofakeit.Email()
	userID, _ := addTrustedUser(t, f, email)
	f.intel.LookupFunc = intelAt(newYork)

	for i := 0; i < 2; i++ {
		_, err := f.guard.EvaluateLogin(ctx, models.LoginAttemptInput{Email: email, UserID: userID, IPAddress: "198.51.100.203", UserAgent: testBrowserUA})
		require.NoError(t, err)
	}

	d, err := f.guard.EvaluateLogin(ctx, models.LoginAttemptInput{
		Email: email, UserID: userID, CredentialsValid: true,
		IPAddress: "198.51.100.203", UserAgent: testBrowserUA, DeviceFingerprint: "a-brand-new-laptop",
	})
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, models.SeverityMedium, d.Assessment.Severity)

	st := f.users.State(userID)
	assert.Equal(t, models.AccountStateActive, st.State)
	assert.Equal(t, 2, st.FailedLoginAttempts)
	assert.NotNil(t, st.LastLogin)
}

func TestLoginGuard_ExcessiveSessionsRequireVerification(t *testing.T) {
	rule := testRule("excessive-sessions", 1, models.ActionRequireVerification, `{"type":"behavior","params":{"excessive_sessions":true}}`)
	f := newGuardFixture(testSecurityConfig(), rule)
	ctx := context.Background()
	email := gofakeit.Email()
	userID, fp := addTrustedUser(t, f, email)
	f.intel.LookupFunc = intelAt(newYork)
	in := models.LoginAttemptInput{
		Email: email, UserID: userID, CredentialsValid: true,
		IPAddress: "198.51.100.204", UserAgent: testBrowserUA, DeviceFingerprint: fp,
	}

	for i := 0; i < f.cfg.Risk.MaxActiveSessions; i++ {
		_, err := f.sessionSvc.Start(ctx, userID, "198.51.100.204", testBrowserUA)
		require.NoError(t, err)
	}
	d, err := f.guard.EvaluateLogin(ctx, in)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "at the limit")
	assert.NotContains(t, d.Assessment.Factors, models.FactorExcessiveSessions)

	_, err = f.sessionSvc.Start(ctx, userID, "198.51.100.204", testBrowserUA)
	require.NoError(t, err)
	d, err = f.guard.EvaluateLogin(ctx, in)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, models.ActionRequireVerification, d.Action)
	assert.Equal(t, "excessive-sessions", d.RuleName)
	assert.Contains(t, d.Assessment.Factors, models.FactorExcessiveSessions)
	require.NotNil(t, d.Challenge)
}

func TestLoginGuard_LockEndsSessions(t *testing.T) {
	cfg := testSecurityConfig()
	f := newGuardFixture(cfg)
	ctx := context.Background()
	email := gofakeit.Email()
	userID, _ := addTrustedUser(t, f, email)

	_, err := f.sessionSvc.Start(ctx, userID, "198.51.100.205", testBrowserUA)
	require.NoError(t, err)

	for i := 0; i <= cfg.Lockout.MaxFailedAttempts; i++ {
		_, err := f.guard.EvaluateLogin(ctx, models.LoginAttemptInput{
			Email: email, UserID: userID, IPAddress: fmt.Sprintf("198.51.100.%d", 210+i), UserAgent: testBrowserUA,
		})
		require.NoError(t, err)
	}
	require.Equal(t, models.AccountStateLocked, f.users.State(userID).State)

	n, err := f.sessionSvc.CountActive(ctx, userID, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}
