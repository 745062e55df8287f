package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortexa/loginguard/internal/metrics"
	"github.com/fortexa/loginguard/internal/models"
	"github.com/fortexa/loginguard/internal/rules"
)

// SecurityRuleStore persists security rules
type SecurityRuleStore interface {
	ListAll(ctx context.Context) ([]*models.SecurityRule, error)
	GetByID(ctx context.Context, id string) (*models.SecurityRule, error)
	Create(ctx context.Context, rule *models.SecurityRule) (*models.SecurityRule, error)
	Update(ctx context.Context, rule *models.SecurityRule) (*models.SecurityRule, error)
	Delete(ctx context.Context, id string) error
	IncrementTriggered(ctx context.Context, id string) error
	Version(ctx context.Context) (time.Time, int, error)
}

type ruleSetVersion struct {
	updatedAt time.Time
	count     int
}

// RuleEngine picks the action for an assessed attempt. The active rule set
// is swapped atomically, so evaluation never sees a half-loaded set.
type RuleEngine struct {
	repo    SecurityRuleStore
	events  *EventRecorder
	metrics *metrics.Metrics
	logger  *slog.Logger

	set     atomic.Pointer[rules.Set]
	mu      sync.Mutex // serializes reloads
	version ruleSetVersion
	// reported remembers broken rule revisions already raised as events.
	reported map[string]time.Time
	now      func() time.Time
}

// NewRuleEngine creates a RuleEngine with an empty rule set. Call Reload before serving.
func NewRuleEngine(repo SecurityRuleStore, events *EventRecorder, m *metrics.Metrics, logger *slog.Logger) *RuleEngine {
	e := &RuleEngine{
		repo:     repo,
		events:   events,
		metrics:  m,
		logger:   logger,
		reported: make(map[string]time.Time),
		now:      time.Now,
	}
	e.set.Store(rules.NewSet(nil))
	return e
}

// Current returns the active rule set.
func (e *RuleEngine) Current() *rules.Set {
	return e.set.Load()
}

// Reload rebuilds the rule set from storage. Rules that fail to compile are
// skipped and raised once per revision as RULE_CONFIGURATION_ERROR.
func (e *RuleEngine) Reload(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reloadLocked(ctx)
}

func (e *RuleEngine) reloadLocked(ctx context.Context) error {
	updatedAt, count, err := e.repo.Version(ctx)
	if err != nil {
		return fmt.Errorf("read rule version: %w", err)
	}
	stored, err := e.repo.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	plain := make([]models.SecurityRule, 0, len(stored))
	for _, r := range stored {
		plain = append(plain, *r)
	}
	set := rules.NewSet(plain)
	e.set.Store(set)
	e.version = ruleSetVersion{updatedAt: updatedAt, count: count}

	e.reportInvalid(ctx, set.Invalid())
	e.logger.Info("security rules loaded",
		slog.Int("active", set.Len()),
		slog.Int("invalid", len(set.Invalid())))
	return nil
}

// Sync reloads only when the stored rules changed since the last load.
// Other instances' edits reach this one through Sync.
func (e *RuleEngine) Sync(ctx context.Context) (bool, error) {
	updatedAt, count, err := e.repo.Version(ctx)
	if err != nil {
		return false, fmt.Errorf("read rule version: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if updatedAt.Equal(e.version.updatedAt) && count == e.version.count {
		return false, nil
	}
	return true, e.reloadLocked(ctx)
}

func (e *RuleEngine) reportInvalid(ctx context.Context, invalid []rules.InvalidRule) {
	var events []*models.SecurityEvent
	for _, bad := range invalid {
		if seen, ok := e.reported[bad.Rule.ID]; ok && seen.Equal(bad.Rule.UpdatedAt) {
			continue
		}
		e.reported[bad.Rule.ID] = bad.Rule.UpdatedAt

		e.logger.Error("skipping invalid security rule",
			slog.String("rule_id", bad.Rule.ID),
			slog.String("rule", bad.Rule.Name),
			slog.Any("error", bad.Err))
		events = append(events, newEvent(models.EventRuleConfigurationError, models.SeverityHigh, "", "", "",
			fmt.Sprintf("security rule %q skipped: %v", bad.Rule.Name, bad.Err),
			models.EventMetadata{"rule_id": bad.Rule.ID, "rule_name": bad.Rule.Name, "error": bad.Err.Error()},
			e.now()))
	}
	if len(events) == 0 || e.events == nil {
		return
	}
	if err := e.events.Record(ctx, events...); err != nil {
		e.logger.Warn("failed to record rule configuration events", slog.Any("error", err))
	}
}

// Apply returns the action for the attempt: the first active matching rule
// in ascending priority, or the severity default when none matches. The
// winner's triggered count is incremented in the transaction carried by ctx.
func (e *RuleEngine) Apply(ctx context.Context, ac *models.AttemptContext, assessment *models.RiskAssessment) (models.RuleDecision, error) {
	match := e.Current().FirstMatch(ac, assessment)
	if match == nil {
		return DefaultDecision(assessment.Severity), nil
	}

	if err := e.repo.IncrementTriggered(ctx, match.Rule.ID); err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			return models.RuleDecision{}, fmt.Errorf("count rule %s: %w", match.Rule.Name, err)
		}
		// Deleted by another instance since the last sync; the decision stands.
		e.logger.Warn("matched rule no longer stored", slog.String("rule_id", match.Rule.ID))
	}
	e.metrics.RuleMatched(match.Rule.Name)

	id := match.Rule.ID
	return models.RuleDecision{
		Action:     match.Rule.Action,
		AlertAdmin: match.Rule.Action == models.ActionAlertAdmin,
		RuleID:     &id,
		RuleName:   match.Rule.Name,
	}, nil
}

// DefaultDecision maps severity to the action taken when no rule matches.
func DefaultDecision(sev models.Severity) models.RuleDecision {
	switch sev {
	case models.SeverityCritical:
		return models.RuleDecision{Action: models.ActionLockAccount, AlertAdmin: true}
	case models.SeverityHigh:
		return models.RuleDecision{Action: models.ActionBlockRequest}
	case models.SeverityMedium:
		return models.RuleDecision{Action: models.ActionRequireMFA}
	}
	return models.RuleDecision{Action: models.ActionLogOnly}
}

// List returns every stored rule in evaluation order, inactive ones included.
func (e *RuleEngine) List(ctx context.Context) ([]*models.SecurityRule, error) {
	return e.repo.ListAll(ctx)
}

func (e *RuleEngine) Get(ctx context.Context, id string) (*models.SecurityRule, error) {
	return e.repo.GetByID(ctx, id)
}

// Create validates and stores a rule, then makes it live.
func (e *RuleEngine) Create(ctx context.Context, rule *models.SecurityRule) (*models.SecurityRule, error) {
	if _, err := rules.Compile(*rule); err != nil {
		return nil, err
	}
	created, err := e.repo.Create(ctx, rule)
	if err != nil {
		return nil, err
	}
	e.reloadAfterEdit(ctx)
	return created, nil
}

// Update applies a patch. Reprioritising and disabling take effect immediately.
func (e *RuleEngine) Update(ctx context.Context, id string, patch models.SecurityRulePatch) (*models.SecurityRule, error) {
	rule, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		rule.Name = *patch.Name
	}
	if patch.Description != nil {
		rule.Description = *patch.Description
	}
	if len(patch.Condition) > 0 {
		rule.Condition = patch.Condition
	}
	if patch.Action != nil {
		rule.Action = *patch.Action
	}
	if patch.IsActive != nil {
		rule.IsActive = *patch.IsActive
	}
	if patch.Priority != nil {
		rule.Priority = *patch.Priority
	}

	if _, err := rules.Compile(*rule); err != nil {
		return nil, err
	}
	updated, err := e.repo.Update(ctx, rule)
	if err != nil {
		return nil, err
	}
	e.reloadAfterEdit(ctx)
	return updated, nil
}

func (e *RuleEngine) Delete(ctx context.Context, id string) error {
	if err := e.repo.Delete(ctx, id); err != nil {
		return err
	}
	e.reloadAfterEdit(ctx)
	return nil
}

// reloadAfterEdit keeps the edit even if the reload fails; the next Sync picks it up.
func (e *RuleEngine) reloadAfterEdit(ctx context.Context) {
	if err := e.Reload(ctx); err != nil {
		e.logger.Warn("rule reload after edit failed", slog.Any("error", err))
	}
}
