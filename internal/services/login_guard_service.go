package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fortexa/loginguard/internal/config"
	"github.com/fortexa/loginguard/internal/geo"
	"github.com/fortexa/loginguard/internal/metrics"
	"github.com/fortexa/loginguard/internal/models"
	pkghttp "github.com/fortexa/loginguard/pkg/http"
	pkglogger "github.com/fortexa/loginguard/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// LoginHistoryStore answers questions about earlier attempts
type LoginHistoryStore interface {
	Record(ctx context.Context, a *models.LoginAttempt) error
	CountRecentFailures(ctx context.Context, email string, since time.Time) (int, error)
	RecentSuccesses(ctx context.Context, userID string, since time.Time, limit int) ([]*models.LoginAttempt, error)
}

// SessionCounter reports how many refresh sessions a user holds
type SessionCounter interface {
	CountActive(ctx context.Context, userID string, now time.Time) (int, error)
}

// LoginGuardService is the single entry point of the login risk pipeline.
//
// Slow or external signals (threat intel, history, device registry) are
// gathered first, concurrently, and degrade to neutral on failure. Every
// write for the attempt then happens in one transaction: rate-limit windows,
// the IP record, the account state, the rule counter, the attempt row and
// its events commit together or not at all. Notifications go out after commit.
type LoginGuardService struct {
	tx         Transactor
	limiter    *RateLimitService
	ips        *IPReputationService
	devices    *DeviceService
	evaluator  *RiskEvaluator
	rules      *RuleEngine
	accounts   *AccountLockService
	challenges *MFAChallengeService
	history    LoginHistoryStore
	sessions   SessionCounter
	events     *EventRecorder
	audit      *pkglogger.AuditLogger
	config     config.SecurityConfig
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// LoginGuardDeps groups the collaborators of the pipeline
type LoginGuardDeps struct {
	Tx         Transactor
	Limiter    *RateLimitService
	IPs        *IPReputationService
	Devices    *DeviceService
	Evaluator  *RiskEvaluator
	Rules      *RuleEngine
	Accounts   *AccountLockService
	Challenges *MFAChallengeService
	History    LoginHistoryStore
	Sessions   SessionCounter // optional
	Events     *EventRecorder
	Audit      *pkglogger.AuditLogger
	Metrics    *metrics.Metrics
}

// NewLoginGuardService creates a new LoginGuardService
func NewLoginGuardService(deps LoginGuardDeps, cfg config.SecurityConfig, logger *slog.Logger) *LoginGuardService {
	return &LoginGuardService{
		tx:         deps.Tx,
		limiter:    deps.Limiter,
		ips:        deps.IPs,
		devices:    deps.Devices,
		evaluator:  deps.Evaluator,
		rules:      deps.Rules,
		accounts:   deps.Accounts,
		challenges: deps.Challenges,
		history:    deps.History,
		sessions:   deps.Sessions,
		events:     deps.Events,
		audit:      deps.Audit,
		config:     cfg,
		metrics:    deps.Metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// signals are the inputs gathered before the transaction
type signals struct {
	intel        *geo.Intel
	failures     int
	device       models.DeviceStatus
	countries    []string
	typicalHours []int
	sessions     int
}

// evaluation is everything one transaction attempt produced
type evaluation struct {
	decision  models.LoginDecision
	events    []*models.SecurityEvent
	challenge *models.MFAChallenge
	code      string
	attempt   *models.LoginAttempt
}

func (ev *evaluation) emit(e ...*models.SecurityEvent) {
	for _, x := range e {
		if x != nil {
			ev.events = append(ev.events, x)
		}
	}
}

// EvaluateLogin decides what happens to one login attempt. The caller has
// already checked the password and reports it in CredentialsValid.
//
// The work is detached from the caller's cancellation and bounded by the
// pipeline timeout, so an abandoned request still completes or rolls back
// as a unit. When the transaction cannot complete the attempt is denied.
func (s *LoginGuardService) EvaluateLogin(ctx context.Context, in models.LoginAttemptInput) (*models.LoginDecision, error) {
	start := s.now()
	ac := s.normalize(in, start)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.Pipeline.Timeout)
	defer cancel()

	sig := s.gather(ctx, ac)

	var ev *evaluation
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		ev, err = s.evaluate(ctx, ac, sig)
		return err
	})
	if err != nil {
		s.logger.Error("login evaluation failed, denying attempt",
			slog.String("ip_address", ac.IPAddress),
			slog.String("email", pkglogger.SanitizedEmail(ac.Email)),
			slog.Any("error", err))
		s.metrics.SignalDegraded("pipeline")
		decision := &models.LoginDecision{
			Action:     models.ActionBlockRequest,
			Assessment: models.RiskAssessment{Severity: models.SeverityLow, Factors: []string{}},
			Reason:     models.FailureStoreUnavailable,
		}
		s.metrics.ObserveDecision(string(decision.Action), "", 0, s.now().Sub(start))
		return decision, nil
	}

	s.events.Publish(ev.events...)
	if ev.challenge != nil {
		s.challenges.Deliver(ctx, ev.challenge, ev.code)
	}

	d := &ev.decision
	s.metrics.ObserveDecision(string(d.Action), string(d.Assessment.Severity), d.Assessment.Score, s.now().Sub(start))
	if s.audit != nil {
		s.audit.LogLoginDecision(ctx, pkglogger.LoginAudit{
			AttemptID: d.AttemptID,
			UserID:    ac.UserID,
			Email:     ac.Email,
			IPAddress: ac.IPAddress,
			UserAgent: ac.UserAgent,
			Action:    string(d.Action),
			Severity:  string(d.Assessment.Severity),
			Score:     d.Assessment.Score,
			Factors:   d.Assessment.Factors,
			RuleName:  d.RuleName,
			Allowed:   d.Allowed,
		})
	}
	return d, nil
}

func (s *LoginGuardService) normalize(in models.LoginAttemptInput, now time.Time) *models.AttemptContext {
	ts := in.Timestamp
	if ts.IsZero() {
		ts = now
	}
	ip := strings.TrimSpace(in.IPAddress)
	if canonical, ok := pkghttp.CanonicalIP(ip); ok {
		ip = canonical
	}
	fp := strings.TrimSpace(in.DeviceFingerprint)
	if fp == "" {
		fp = DeviceFingerprint(in.UserAgent, in.AcceptLanguage, in.AcceptEncoding, in.Accept)
	}
	return &models.AttemptContext{
		Email:             strings.ToLower(strings.TrimSpace(in.Email)),
		UserID:            in.UserID,
		CredentialsValid:  in.CredentialsValid && in.UserID != "",
		IPAddress:         ip,
		UserAgent:         in.UserAgent,
		DeviceFingerprint: fp,
		Timestamp:         ts,
	}
}

// gather collects the read-only signals concurrently. Each one that fails
// is left neutral and logged; none of them can fail the attempt.
func (s *LoginGuardService) gather(ctx context.Context, ac *models.AttemptContext) signals {
	var sig signals
	var g errgroup.Group

	g.Go(func() error {
		intel, err := s.ips.Resolve(ctx, ac.IPAddress)
		if err != nil {
			s.degraded("threat_intel", err)
			return nil
		}
		sig.intel = intel
		return nil
	})

	g.Go(func() error {
		if ac.Email == "" {
			return nil
		}
		n, err := s.history.CountRecentFailures(ctx, ac.Email, ac.Timestamp.Add(-s.config.Risk.FailureWindow))
		if err != nil {
			s.degraded("recent_failures", err)
			return nil
		}
		sig.failures = n
		return nil
	})

	if ac.UserID != "" {
		g.Go(func() error {
			st, err := s.devices.Status(ctx, ac.UserID, ac.DeviceFingerprint, ac.Timestamp)
			if err != nil {
				s.degraded("device", err)
				return nil
			}
			sig.device = st
			return nil
		})

		g.Go(func() error {
			since := ac.Timestamp.Add(-s.config.Risk.HistoryWindow)
			recent, err := s.history.RecentSuccesses(ctx, ac.UserID, since, s.config.Risk.HistoryLimit)
			if err != nil {
				s.degraded("login_history", err)
				return nil
			}
			seen := make(map[string]bool)
			for _, a := range recent {
				if a.Country != "" && !seen[a.Country] {
					seen[a.Country] = true
					sig.countries = append(sig.countries, a.Country)
				}
				sig.typicalHours = append(sig.typicalHours, a.AttemptTime.UTC().Hour())
			}
			return nil
		})

		if s.sessions != nil {
			g.Go(func() error {
				n, err := s.sessions.CountActive(ctx, ac.UserID, ac.Timestamp)
				if err != nil {
					s.degraded("sessions", err)
					return nil
				}
				sig.sessions = n
				return nil
			})
		}
	}

	_ = g.Wait()
	return sig
}

func (s *LoginGuardService) degraded(signal string, err error) {
	s.metrics.SignalDegraded(signal)
	s.logger.Warn("risk signal unavailable, treating as neutral",
		slog.String("signal", signal),
		slog.Any("error", err))
}

// evaluate runs inside the transaction. It may run more than once when the
// transaction is replayed, so it must not keep state outside its result.
func (s *LoginGuardService) evaluate(ctx context.Context, base *models.AttemptContext, sig signals) (*evaluation, error) {
	acCopy := *base
	ac := &acCopy
	now := ac.Timestamp
	ev := &evaluation{}

	ac.RecentFailures = sig.failures
	ac.Device = sig.device
	ac.RecentCountries = sig.countries
	ac.TypicalHours = sig.typicalHours
	ac.ActiveSessions = sig.sessions

	results, err := s.limiter.ChargeLogin(ctx, ac.IPAddress, ac.Email)
	if err != nil {
		return nil, err
	}
	ac.RateLimits = results

	rec, err := s.ips.LoadForUpdate(ctx, ac.IPAddress, now)
	if err != nil {
		return nil, err
	}
	if old, changed := s.ips.ApplyIntel(rec, sig.intel, now); changed {
		ev.emit(reputationChangedEvent(old, rec, ac.Timestamp))
	}
	ac.IP = rec
	ac.Geo = s.ips.FreshGeo(rec, now)
	ac.ThreatIntelMatch = rec.ThreatIntelHit
	if sig.intel != nil {
		ac.ThreatIntelMatch = sig.intel.Verdict.Listed
	}

	if denied, ok := Denied(results); ok {
		ev.decision = models.LoginDecision{
			Action:     models.ActionBlockRequest,
			Assessment: models.RiskAssessment{Severity: models.SeverityMedium, Factors: []string{models.FactorRateLimitNearLimit}},
			Reason:     models.FailureRateLimited,
			RetryAfter: denied.RetryAfter,
		}
		if denied.StoreFailure {
			ev.decision.Reason = models.FailureStoreUnavailable
		}
		if denied.JustBlocked {
			ev.emit(attemptEvent(models.EventRateLimitExceeded, models.SeverityMedium, ac,
				fmt.Sprintf("%s limit exceeded", denied.Key.LimitType),
				models.EventMetadata{
					"limit_type":  string(denied.Key.LimitType),
					"identifier":  denied.Key.Identifier,
					"retry_after": denied.RetryAfter.String(),
				}))
		}
		return s.finish(ctx, ac, rec, nil, ev)
	}

	if rec.IsBlacklisted {
		ev.decision = models.LoginDecision{
			Action:     models.ActionBlockRequest,
			Assessment: models.RiskAssessment{Score: 1, Severity: models.SeverityHigh, Factors: []string{models.FactorIPReputation}},
			Reason:     models.FailureIPBlacklisted,
		}
		ev.emit(attemptEvent(models.EventBlacklistedIPAttempt, models.SeverityHigh, ac,
			"login attempt from blacklisted address", nil))
		return s.finish(ctx, ac, rec, nil, ev)
	}

	var st *models.UserSecurityState
	if ac.UserID != "" {
		var unlockEv *models.SecurityEvent
		st, unlockEv, err = s.accounts.Load(ctx, ac.UserID, now)
		if err != nil {
			return nil, err
		}
		ev.emit(unlockEv)
		ac.LastLogin = st.LastLogin

		if st.IsLocked(now) {
			ev.decision = models.LoginDecision{
				Action:     models.ActionBlockRequest,
				Assessment: models.RiskAssessment{Severity: models.SeverityMedium, Factors: []string{}},
				Reason:     models.FailureAccountLocked,
				RetryAfter: st.AccountLockedUntil.Sub(now),
			}
			return s.finish(ctx, ac, rec, st, ev)
		}
	}

	assessment := s.evaluator.Evaluate(ac)
	rule, err := s.rules.Apply(ctx, ac, &assessment)
	if err != nil {
		return nil, err
	}

	action := rule.Action
	if action == models.ActionLockAccount && st == nil {
		// No account to lock behind an unknown email.
		action = models.ActionBlockRequest
	}
	ev.decision = models.LoginDecision{
		Action:     action,
		Assessment: assessment,
		RuleID:     rule.RuleID,
		RuleName:   rule.RuleName,
	}

	if assessment.HasFactor(models.FactorImpossibleTravel) {
		meta := models.EventMetadata{"country": ac.Country()}
		if assessment.TravelSpeedKMH != nil {
			meta["speed_kmh"] = *assessment.TravelSpeedKMH
		}
		if ac.LastLogin != nil {
			meta["previous_country"] = ac.LastLogin.Country
			meta["previous_login_at"] = ac.LastLogin.At.Format(time.RFC3339)
		}
		ev.emit(attemptEvent(models.EventImpossibleTravel, models.SeverityHigh, ac,
			"login location implies impossible travel", meta))
	}
	if assessment.HasFactor(models.FactorNewDevice) && ac.CredentialsValid {
		ev.emit(attemptEvent(models.EventNewDevice, models.SeverityMedium, ac,
			"login from unrecognized device", nil))
	}

	if err := s.applyAction(ctx, ac, rec, st, &assessment, rule, ev); err != nil {
		return nil, err
	}
	return s.finish(ctx, ac, rec, st, ev)
}

// applyAction carries out the chosen action and the outcome of the credential check.
func (s *LoginGuardService) applyAction(ctx context.Context, ac *models.AttemptContext, rec *models.IPAddressRecord, st *models.UserSecurityState, assessment *models.RiskAssessment, rule models.RuleDecision, ev *evaluation) error {
	d := &ev.decision
	now := ac.Timestamp
	reason := "severity_" + strings.ToLower(string(assessment.Severity))
	if rule.RuleName != "" {
		reason = "rule:" + rule.RuleName
	}
	meta := func() models.EventMetadata {
		m := models.EventMetadata{
			"risk_score": assessment.Score,
			"severity":   string(assessment.Severity),
			"factors":    assessment.Factors,
			"action":     string(d.Action),
		}
		if rule.RuleName != "" {
			m["rule"] = rule.RuleName
		}
		return m
	}

	if st != nil && assessment.Severity.AtLeast(models.SeverityHigh) {
		s.accounts.MarkSuspicious(st, assessment.Score)
	}

	switch d.Action {
	case models.ActionBlockRequest:
		d.Reason = models.FailureRiskBlocked
		ev.emit(attemptEvent(models.EventLoginBlocked, maxSeverity(assessment.Severity, models.SeverityMedium), ac,
			"login blocked by risk policy", meta()))

	case models.ActionLockAccount:
		d.Reason = models.FailureAccountLocked
		lockEv, err := s.accounts.Lock(ctx, st, ac, reason, now)
		if err != nil {
			return err
		}
		ev.emit(lockEv)
		if st.AccountLockedUntil != nil {
			d.RetryAfter = st.AccountLockedUntil.Sub(now)
		}

	case models.ActionBlacklistIP:
		d.Reason = models.FailureIPBlacklisted
		old := rec.Reputation
		rec.IsBlacklisted = true
		rec.IsWhitelisted = false
		r := reason
		rec.BlacklistReason = &r
		s.ips.reclassify(rec)
		m := meta()
		m["old_reputation"] = string(old)
		m["new_reputation"] = string(rec.Reputation)
		ev.emit(attemptEvent(models.EventIPBlacklisted, models.SeverityHigh, ac,
			"address blacklisted by risk policy", m))
	}

	if rule.AlertAdmin {
		ev.emit(attemptEvent(models.EventAdminAlert, maxSeverity(assessment.Severity, models.SeverityHigh), ac,
			"administrator attention required", meta()))
	}

	if !ac.CredentialsValid {
		if d.Reason == "" {
			d.Reason = models.FailureInvalidCredentials
		}
		if st != nil && !st.IsLocked(now) {
			if exceeded := s.accounts.RecordFailure(st); exceeded {
				lockEv, err := s.accounts.Lock(ctx, st, ac, "failed_attempts", now)
				if err != nil {
					return err
				}
				ev.emit(lockEv)
			}
		}
		return nil
	}

	if d.Action.Denies() {
		return nil
	}

	if d.Action.Challenges() {
		ch, code, chEv, err := s.challenges.Issue(ctx, st, ac, assessment, d.Action)
		if err != nil {
			return err
		}
		ev.challenge, ev.code = ch, code
		ev.emit(chEv)
		d.Challenge = ch
		d.Reason = models.FailureMFAPending
		return nil
	}

	// LOG_ONLY and ALERT_ADMIN let a valid login through.
	if assessment.Severity.AtLeast(models.SeverityMedium) && !rule.AlertAdmin {
		ev.emit(attemptEvent(models.EventSuspiciousLogin, assessment.Severity, ac,
			"suspicious login allowed", meta()))
	}
	d.Allowed = true
	site := &models.LoginSite{At: now, IPAddress: ac.IPAddress}
	if g := ac.Geo; g != nil {
		site.Country = g.Country
		site.Latitude, site.Longitude, site.HasCoords = g.Latitude, g.Longitude, g.HasCoords
	}
	s.accounts.RecordSuccess(st, site, assessment.Severity == models.SeverityLow)
	return s.devices.Touch(ctx, ac.UserID, ac.DeviceFingerprint, ac.IPAddress, now)
}

// finish writes the IP record, the account state, the attempt row and the events.
func (s *LoginGuardService) finish(ctx context.Context, ac *models.AttemptContext, rec *models.IPAddressRecord, st *models.UserSecurityState, ev *evaluation) (*evaluation, error) {
	now := ac.Timestamp
	d := &ev.decision

	if d.Challenge == nil {
		if old, changed := s.ips.RecordOutcome(rec, d.Allowed, now); changed {
			ev.emit(reputationChangedEvent(old, rec, now))
		}
	} else {
		// Counted once the challenge passes, fails or expires.
		rec.LastSeen = now
	}
	if err := s.ips.Save(ctx, rec); err != nil {
		return nil, err
	}

	if st != nil {
		if err := s.accounts.Save(ctx, st); err != nil {
			return nil, err
		}
	}

	attempt := &models.LoginAttempt{
		Email:             ac.Email,
		IPAddress:         ac.IPAddress,
		UserAgent:         ac.UserAgent,
		DeviceFingerprint: ac.DeviceFingerprint,
		Country:           ac.Country(),
		Success:           d.Allowed,
		RiskScore:         d.Assessment.Score,
		Severity:          d.Assessment.Severity,
		Action:            d.Action,
		IsBlocked:         d.Action.Denies(),
		IsSuspicious:      d.Assessment.Severity.AtLeast(models.SeverityMedium),
		AttemptTime:       now,
		ExpiresAt:         now.Add(s.config.Pipeline.AttemptRetention),
	}
	if ac.UserID != "" {
		id := ac.UserID
		attempt.UserID = &id
	}
	if ac.Geo != nil {
		attempt.City = ac.Geo.City
	}
	if !d.Allowed {
		reason := d.Reason
		if reason == "" {
			reason = models.FailureRiskBlocked
		}
		attempt.FailureReason = &reason
	}
	if err := s.history.Record(ctx, attempt); err != nil {
		return nil, err
	}
	d.AttemptID = attempt.ID
	ev.attempt = attempt

	if err := s.events.Append(ctx, ev.events...); err != nil {
		return nil, err
	}
	return ev, nil
}

func maxSeverity(a, b models.Severity) models.Severity {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}
