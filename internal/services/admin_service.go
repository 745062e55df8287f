package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fortexa/loginguard/internal/geo"
	"github.com/fortexa/loginguard/internal/models"
	pkghttp "github.com/fortexa/loginguard/pkg/http"
	pkglogger "github.com/fortexa/loginguard/pkg/logger"
)

// AdminEventStore is the subset of SecurityEventRepository methods needed by AdminService.
type AdminEventStore interface {
	List(ctx context.Context, f models.SecurityEventFilter) ([]*models.SecurityEvent, error)
	Resolve(ctx context.Context, id, resolvedBy string, at time.Time) (*models.SecurityEvent, error)
	CountBySeverity(ctx context.Context, since time.Time) (map[models.Severity]int, error)
}

// AdminAttemptStore is the subset of LoginAttemptRepository methods needed by AdminService.
type AdminAttemptStore interface {
	List(ctx context.Context, f models.LoginAttemptFilter) ([]*models.LoginAttempt, error)
	DistinctEmailsByIP(ctx context.Context, ip string, since time.Time) (int, error)
	StatsSince(ctx context.Context, since time.Time) (models.AttemptStats, error)
}

// SecuritySummaryResponse contains aggregate security metrics.
type SecuritySummaryResponse struct {
	Since            time.Time               `json:"since"`
	EventsBySeverity map[models.Severity]int `json:"events_by_severity"`
	Attempts         models.AttemptStats     `json:"attempts"`
	LockedAccounts   int                     `json:"locked_accounts"`
}

// ipStatsLookback bounds the attempt history shown with an address
const ipStatsLookback = 24 * time.Hour

// AdminService backs the security administration endpoints. Unlike the
// login path it returns detailed errors.
type AdminService struct {
	tx       Transactor
	events   AdminEventStore
	attempts AdminAttemptStore
	users    UserSecurityStore
	ips      *IPReputationService
	accounts *AccountLockService
	limiter  *RateLimitService
	recorder *EventRecorder
	audit    *pkglogger.AuditLogger
	logger   *slog.Logger
	now      func() time.Time
}

// NewAdminService creates a new AdminService.
func NewAdminService(
	tx Transactor,
	events AdminEventStore,
	attempts AdminAttemptStore,
	users UserSecurityStore,
	ips *IPReputationService,
	accounts *AccountLockService,
	limiter *RateLimitService,
	recorder *EventRecorder,
	audit *pkglogger.AuditLogger,
	logger *slog.Logger,
) *AdminService {
	return &AdminService{
		tx:       tx,
		events:   events,
		attempts: attempts,
		users:    users,
		ips:      ips,
		accounts: accounts,
		limiter:  limiter,
		recorder: recorder,
		audit:    audit,
		logger:   logger,
		now:      time.Now,
	}
}

// ListEvents returns security events matching the filter, newest first.
func (s *AdminService) ListEvents(ctx context.Context, f models.SecurityEventFilter) ([]*models.SecurityEvent, error) {
	if f.Severity != "" && !f.Severity.Valid() {
		return nil, fmt.Errorf("%w: unknown severity %q", models.ErrBadRequest, f.Severity)
	}
	return s.events.List(ctx, f)
}

// ResolveEvent marks an event handled by actorID. A second resolve is ErrConflict.
func (s *AdminService) ResolveEvent(ctx context.Context, id, actorID string) (*models.SecurityEvent, error) {
	e, err := s.events.Resolve(ctx, id, actorID, s.now())
	if err != nil {
		return nil, err
	}
	s.audit.LogAccountAction(ctx, "security_event_resolved", actorID, id, map[string]string{
		"event_type": e.EventType,
	})
	return e, nil
}

// ListAttempts returns login attempts matching the filter, newest first.
func (s *AdminService) ListAttempts(ctx context.Context, f models.LoginAttemptFilter) ([]*models.LoginAttempt, error) {
	return s.attempts.List(ctx, f)
}

// IPStats returns the reputation record of ip with its recent attempts.
func (s *AdminService) IPStats(ctx context.Context, ip string) (*models.IPStats, error) {
	ip, ok := pkghttp.CanonicalIP(ip)
	if !ok {
		return nil, fmt.Errorf("%w: invalid ip address", models.ErrBadRequest)
	}

	rec, err := s.ips.Lookup(ctx, ip)
	if err != nil {
		return nil, err
	}

	since := s.now().Add(-ipStatsLookback)
	recent, err := s.attempts.List(ctx, models.LoginAttemptFilter{IPAddress: ip, Since: &since, Limit: 50})
	if err != nil {
		return nil, err
	}
	distinct, err := s.attempts.DistinctEmailsByIP(ctx, ip, since)
	if err != nil {
		return nil, err
	}

	stats := &models.IPStats{Record: rec, DistinctEmails: distinct, RecentAttempts: make([]models.LoginAttempt, 0, len(recent))}
	for _, a := range recent {
		stats.RecentAttempts = append(stats.RecentAttempts, *a)
	}
	return stats, nil
}

// BlacklistIP blocks every later attempt from ip.
func (s *AdminService) BlacklistIP(ctx context.Context, ip, reason, actorID string) (*models.IPAddressRecord, error) {
	return s.listIP(ctx, ip, actorID, true, reason)
}

// WhitelistIP marks ip TRUSTED and lifts any blacklist entry.
func (s *AdminService) WhitelistIP(ctx context.Context, ip, actorID string) (*models.IPAddressRecord, error) {
	return s.listIP(ctx, ip, actorID, false, "")
}

func (s *AdminService) listIP(ctx context.Context, ip, actorID string, block bool, reason string) (*models.IPAddressRecord, error) {
	ip, ok := pkghttp.CanonicalIP(ip)
	if !ok {
		return nil, fmt.Errorf("%w: invalid ip address", models.ErrBadRequest)
	}

	var (
		rec   *models.IPAddressRecord
		event *models.SecurityEvent
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		now := s.now()
		var (
			old models.Reputation
			err error
		)
		eventType, severity, desc := models.EventIPWhitelisted, models.SeverityLow, "address whitelisted by administrator"
		if block {
			rec, old, err = s.ips.Blacklist(ctx, ip, reason, now)
			eventType, severity, desc = models.EventIPBlacklisted, models.SeverityHigh, "address blacklisted by administrator"
		} else {
			rec, old, err = s.ips.Whitelist(ctx, ip, now)
		}
		if err != nil {
			return err
		}

		meta := models.EventMetadata{
			"old_reputation": string(old),
			"new_reputation": string(rec.Reputation),
			"actor_id":       actorID,
		}
		if reason != "" {
			meta["reason"] = reason
		}
		event = newEvent(eventType, severity, "", "", ip, desc, meta, now)
		return s.recorder.Append(ctx, event)
	})
	if err != nil {
		return nil, err
	}

	s.recorder.Publish(event)
	s.ips.Invalidate(ctx, ip)
	s.audit.LogAccountAction(ctx, event.EventType, actorID, ip, map[string]string{"reason": reason})
	return rec, nil
}

// UnlockAccount lifts a lock, resets the failure count and clears the
// account's login rate-limit window.
func (s *AdminService) UnlockAccount(ctx context.Context, userID, actorID string) error {
	var event *models.SecurityEvent
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		event, err = s.accounts.Unlock(ctx, userID, actorID, s.now())
		if err != nil {
			return err
		}
		return s.recorder.Append(ctx, event)
	})
	if err != nil {
		return err
	}

	s.recorder.Publish(event)
	if event.Email != "" {
		if err := s.limiter.Reset(ctx, event.Email, models.LimitUserLogin); err != nil {
			s.logger.Warn("failed to reset login rate limit after unlock",
				slog.String("user_id", userID),
				slog.Any("error", err))
		}
	}
	s.audit.LogAccountAction(ctx, models.EventAccountUnlocked, actorID, userID, nil)
	return nil
}

// LookupIntel runs a live geolocation and threat-intel lookup for ip.
func (s *AdminService) LookupIntel(ctx context.Context, ip string) (*geo.Intel, error) {
	ip, ok := pkghttp.CanonicalIP(ip)
	if !ok {
		return nil, fmt.Errorf("%w: invalid ip address", models.ErrBadRequest)
	}
	intel, err := s.ips.Resolve(ctx, ip)
	if err != nil {
		if errors.Is(err, models.ErrLookupFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrLookupFailed, err)
	}
	if intel == nil {
		return nil, models.ErrNotFound
	}
	return intel, nil
}

// Summary aggregates events, attempts and locked accounts since the given time.
func (s *AdminService) Summary(ctx context.Context, since time.Time) (*SecuritySummaryResponse, error) {
	bySeverity, err := s.events.CountBySeverity(ctx, since)
	if err != nil {
		s.logger.Error("summary: failed to count events", slog.Any("error", err))
		return nil, err
	}

	stats, err := s.attempts.StatsSince(ctx, since)
	if err != nil {
		s.logger.Error("summary: failed to count attempts", slog.Any("error", err))
		return nil, err
	}

	locked, err := s.users.CountLocked(ctx, s.now())
	if err != nil {
		s.logger.Error("summary: failed to count locked accounts", slog.Any("error", err))
		return nil, err
	}

	if bySeverity == nil {
		bySeverity = make(map[models.Severity]int)
	}
	for _, sev := range []models.Severity{models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical} {
		if _, ok := bySeverity[sev]; !ok {
			bySeverity[sev] = 0
		}
	}

	return &SecuritySummaryResponse{
		Since:            since,
		EventsBySeverity: bySeverity,
		Attempts:         stats,
		LockedAccounts:   locked,
	}, nil
}

// LockedAccounts lists accounts whose lock is in force.
func (s *AdminService) LockedAccounts(ctx context.Context, limit, offset int) ([]*models.UserSecurityState, error) {
	return s.accounts.Locked(ctx, s.now(), limit, offset)
}

// FlaggedIPs lists blacklisted and low-reputation addresses.
func (s *AdminService) FlaggedIPs(ctx context.Context, limit, offset int) ([]*models.IPAddressRecord, error) {
	return s.ips.Flagged(ctx, limit, offset)
}
