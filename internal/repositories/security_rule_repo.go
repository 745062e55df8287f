package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/fortexa/loginguard/internal/database"
	"github.com/fortexa/loginguard/internal/models"
	"github.com/google/uuid"
)

type SecurityRuleRepository struct {
	db *database.DB
}

func NewSecurityRuleRepository(db *database.DB) *SecurityRuleRepository {
	return &SecurityRuleRepository{db: db}
}

const ruleColumns = `id, name, description, rule_type, condition, action, is_active, priority, triggered_count, created_at, updated_at`

func scanRule(scanner rowScanner) (*models.SecurityRule, error) {
	var rule models.SecurityRule
	var condition []byte
	err := scanner.Scan(&rule.ID, &rule.Name, &rule.Description, &rule.RuleType, &condition, &rule.Action,
		&rule.IsActive, &rule.Priority, &rule.TriggeredCount, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	rule.Condition = condition
	return &rule, nil
}

// ListAll returns every rule, active or not, in evaluation order.
func (r *SecurityRuleRepository) ListAll(ctx context.Context) ([]*models.SecurityRule, error) {
	rows, err := r.db.Conn(ctx).Query(ctx,
		`SELECT `+ruleColumns+` FROM security_rules ORDER BY priority, created_at, id`)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	rules := make([]*models.SecurityRule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (r *SecurityRuleRepository) GetByID(ctx context.Context, id string) (*models.SecurityRule, error) {
	return scanRule(r.db.Conn(ctx).QueryRow(ctx, `SELECT `+ruleColumns+` FROM security_rules WHERE id = $1`, id))
}

func (r *SecurityRuleRepository) Create(ctx context.Context, rule *models.SecurityRule) (*models.SecurityRule, error) {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}

	query := `
		INSERT INTO security_rules (id, name, description, rule_type, condition, action, is_active, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + ruleColumns

	return scanRule(r.db.Conn(ctx).QueryRow(ctx, query,
		rule.ID, rule.Name, rule.Description, rule.RuleType, []byte(rule.Condition), rule.Action, rule.IsActive, rule.Priority))
}

// Update writes the editable fields. triggered_count is left alone.
func (r *SecurityRuleRepository) Update(ctx context.Context, rule *models.SecurityRule) (*models.SecurityRule, error) {
	query := `
		UPDATE security_rules SET
			name = $2, description = $3, condition = $4, action = $5, is_active = $6, priority = $7,
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + ruleColumns

	return scanRule(r.db.Conn(ctx).QueryRow(ctx, query,
		rule.ID, rule.Name, rule.Description, []byte(rule.Condition), rule.Action, rule.IsActive, rule.Priority))
}

func (r *SecurityRuleRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Conn(ctx).Exec(ctx, `DELETE FROM security_rules WHERE id = $1`, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// IncrementTriggered bumps the match counter of the winning rule.
func (r *SecurityRuleRepository) IncrementTriggered(ctx context.Context, id string) error {
	_, err := r.db.Conn(ctx).Exec(ctx,
		`UPDATE security_rules SET triggered_count = triggered_count + 1 WHERE id = $1`, id)
	return database.MapPostgresError(err)
}

// Version fingerprints the rule table so other instances can tell when to reload.
func (r *SecurityRuleRepository) Version(ctx context.Context) (time.Time, int, error) {
	var latest *time.Time
	var count int
	err := r.db.Conn(ctx).QueryRow(ctx,
		`SELECT MAX(updated_at), COUNT(*) FROM security_rules`).Scan(&latest, &count)
	if err != nil {
		return time.Time{}, 0, database.MapPostgresError(err)
	}
	if latest == nil {
		return time.Time{}, count, nil
	}
	return *latest, count, nil
}
