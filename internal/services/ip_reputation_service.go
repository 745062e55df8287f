package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fortexa/loginguard/internal/config"
	"github.com/fortexa/loginguard/internal/geo"
	"github.com/fortexa/loginguard/internal/models"
)

// IPAddressStore persists per-address reputation records
type IPAddressStore interface {
	Get(ctx context.Context, ip string) (*models.IPAddressRecord, error)
	GetOrCreate(ctx context.Context, ip string, now time.Time, forUpdate bool) (*models.IPAddressRecord, error)
	Save(ctx context.Context, rec *models.IPAddressRecord) error
	ListFlagged(ctx context.Context, limit, offset int) ([]*models.IPAddressRecord, error)
}

// IntelLookup resolves geolocation and threat intel for an address
type IntelLookup interface {
	Lookup(ctx context.Context, ip string) (*geo.Intel, error)
	Invalidate(ctx context.Context, ip string) error
}

// IPReputationService classifies source addresses from their login history
type IPReputationService struct {
	repo   IPAddressStore
	intel  IntelLookup
	config config.ReputationConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewIPReputationService creates a new IPReputationService. intel may be nil.
func NewIPReputationService(repo IPAddressStore, intel IntelLookup, cfg config.ReputationConfig, logger *slog.Logger) *IPReputationService {
	return &IPReputationService{
		repo:   repo,
		intel:  intel,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Lookup returns the record for ip, creating the default UNKNOWN record on first sight.
func (s *IPReputationService) Lookup(ctx context.Context, ip string) (*models.IPAddressRecord, error) {
	rec, err := s.repo.GetOrCreate(ctx, ip, s.now(), false)
	if err != nil {
		return nil, fmt.Errorf("lookup ip %s: %w", ip, err)
	}
	return rec, nil
}

// LoadForUpdate returns the record locked for the transaction carried by ctx.
func (s *IPReputationService) LoadForUpdate(ctx context.Context, ip string, now time.Time) (*models.IPAddressRecord, error) {
	rec, err := s.repo.GetOrCreate(ctx, ip, now, true)
	if err != nil {
		return nil, fmt.Errorf("lock ip %s: %w", ip, err)
	}
	return rec, nil
}

// Save writes the record back.
func (s *IPReputationService) Save(ctx context.Context, rec *models.IPAddressRecord) error {
	return s.repo.Save(ctx, rec)
}

// Classify derives the reputation of a record from its trailing outcomes.
// TRUSTED comes only from the whitelist; MALICIOUS from the blacklist or the
// failure cap.
func (s *IPReputationService) Classify(rec *models.IPAddressRecord) models.Reputation {
	failures := rec.RecentFailures()
	switch {
	case rec.IsWhitelisted:
		return models.ReputationTrusted
	case rec.IsBlacklisted:
		return models.ReputationMalicious
	case s.config.MaliciousFailures > 0 && failures >= s.config.MaliciousFailures:
		return models.ReputationMalicious
	case rec.RecentCount >= s.config.SuspiciousMinAttempts && rec.FailureRatio() > s.config.SuspiciousFailureRatio:
		return models.ReputationSuspicious
	case rec.ThreatIntelHit:
		return models.ReputationSuspicious
	}
	return models.ReputationUnknown
}

// RecordOutcome counts one finished attempt on rec and reclassifies it. It
// returns the previous reputation when the classification changed.
func (s *IPReputationService) RecordOutcome(rec *models.IPAddressRecord, success bool, now time.Time) (models.Reputation, bool) {
	if s.config.TrailingResetAfter > 0 && now.Sub(rec.LastSeen) > s.config.TrailingResetAfter {
		rec.ResetRecent()
	}
	rec.LoginAttempts++
	if !success {
		rec.FailedLogins++
	}
	rec.PushOutcome(!success, s.config.TrailingAttempts)
	rec.LastSeen = now
	return s.reclassify(rec)
}

// SettleOutcome records the late outcome of an attempt that was deferred to
// a second factor. It runs in the transaction carried by ctx and returns the
// reputation change event, if any.
func (s *IPReputationService) SettleOutcome(ctx context.Context, ip string, success bool, now time.Time) (*models.SecurityEvent, error) {
	if ip == "" {
		return nil, nil
	}
	rec, err := s.LoadForUpdate(ctx, ip, now)
	if err != nil {
		return nil, err
	}
	old, changed := s.RecordOutcome(rec, success, now)
	if err := s.repo.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("save ip %s: %w", ip, err)
	}
	if !changed {
		return nil, nil
	}
	return reputationChangedEvent(old, rec, now), nil
}

// ApplyIntel caches a lookup answer on the record.
func (s *IPReputationService) ApplyIntel(rec *models.IPAddressRecord, in *geo.Intel, now time.Time) (models.Reputation, bool) {
	if in == nil {
		return rec.Reputation, false
	}
	if in.Location != nil {
		loc := *in.Location
		if in.Verdict.TorExit {
			loc.IsTor = true
		}
		rec.Geo = &loc
		at := now
		rec.GeoUpdatedAt = &at
	}
	rec.ThreatIntelHit = in.Verdict.Listed
	return s.reclassify(rec)
}

func (s *IPReputationService) reclassify(rec *models.IPAddressRecord) (models.Reputation, bool) {
	old := rec.Reputation
	rec.Reputation = s.Classify(rec)
	rec.RiskScore = reputationScore(rec.Reputation)
	return old, old != rec.Reputation
}

// FreshGeo returns the record's geolocation unless it is missing or older than the TTL.
func (s *IPReputationService) FreshGeo(rec *models.IPAddressRecord, now time.Time) *models.GeoLocation {
	return rec.FreshGeo(now, s.config.GeoTTL)
}

// Resolve asks the external lookup about ip. Callers treat errors as a neutral signal.
func (s *IPReputationService) Resolve(ctx context.Context, ip string) (*geo.Intel, error) {
	if s.intel == nil {
		return nil, nil
	}
	return s.intel.Lookup(ctx, ip)
}

// Blacklist marks ip as blocked. Every later attempt from it is denied.
func (s *IPReputationService) Blacklist(ctx context.Context, ip, reason string, now time.Time) (*models.IPAddressRecord, models.Reputation, error) {
	rec, err := s.LoadForUpdate(ctx, ip, now)
	if err != nil {
		return nil, "", err
	}
	old := rec.Reputation
	rec.IsBlacklisted = true
	rec.IsWhitelisted = false
	if reason != "" {
		rec.BlacklistReason = &reason
	}
	s.reclassify(rec)
	if err := s.repo.Save(ctx, rec); err != nil {
		return nil, "", fmt.Errorf("blacklist ip %s: %w", ip, err)
	}
	return rec, old, nil
}

// Whitelist marks ip as trusted and lifts any blacklist entry.
func (s *IPReputationService) Whitelist(ctx context.Context, ip string, now time.Time) (*models.IPAddressRecord, models.Reputation, error) {
	rec, err := s.LoadForUpdate(ctx, ip, now)
	if err != nil {
		return nil, "", err
	}
	old := rec.Reputation
	rec.IsWhitelisted = true
	rec.IsBlacklisted = false
	rec.BlacklistReason = nil
	s.reclassify(rec)
	if err := s.repo.Save(ctx, rec); err != nil {
		return nil, "", fmt.Errorf("whitelist ip %s: %w", ip, err)
	}
	return rec, old, nil
}

// Flagged lists addresses that are blacklisted or classified SUSPICIOUS or worse.
func (s *IPReputationService) Flagged(ctx context.Context, limit, offset int) ([]*models.IPAddressRecord, error) {
	return s.repo.ListFlagged(ctx, limit, offset)
}

// Invalidate drops the cached lookup answer for ip.
func (s *IPReputationService) Invalidate(ctx context.Context, ip string) {
	if s.intel == nil {
		return
	}
	if err := s.intel.Invalidate(ctx, ip); err != nil {
		s.logger.Warn("failed to invalidate intel cache", slog.String("ip", ip), slog.Any("error", err))
	}
}

func reputationChangedEvent(old models.Reputation, rec *models.IPAddressRecord, now time.Time) *models.SecurityEvent {
	sev := models.SeverityLow
	switch rec.Reputation {
	case models.ReputationSuspicious:
		sev = models.SeverityMedium
	case models.ReputationMalicious:
		sev = models.SeverityHigh
	}
	return newEvent(models.EventIPReputationChanged, sev, "", "", rec.IPAddress,
		fmt.Sprintf("address reputation changed from %s to %s", old, rec.Reputation),
		models.EventMetadata{
			"old_reputation":  string(old),
			"new_reputation":  string(rec.Reputation),
			"login_attempts":  rec.LoginAttempts,
			"failed_logins":   rec.FailedLogins,
			"recent_attempts": rec.RecentCount,
			"recent_failures": rec.RecentFailures(),
			"threat_intel":    rec.ThreatIntelHit,
		}, now)
}

func reputationScore(r models.Reputation) float64 {
	switch r {
	case models.ReputationTrusted:
		return 0
	case models.ReputationSuspicious:
		return 0.5
	case models.ReputationMalicious:
		return 1
	}
	return 0.1
}
