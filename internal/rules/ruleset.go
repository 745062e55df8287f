package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fortexa/loginguard/internal/models"
)

// CompiledRule pairs a stored rule with its validated condition tree.
type CompiledRule struct {
	Rule      models.SecurityRule
	Condition Condition
}

// Compile validates the rule's metadata and parses its condition.
func Compile(rule models.SecurityRule) (*CompiledRule, error) {
	if err := ValidateRule(rule); err != nil {
		return nil, err
	}
	cond, err := Parse(rule.Condition)
	if err != nil {
		return nil, fmt.Errorf("%w: rule %q: %w", models.ErrInvalidRule, rule.Name, err)
	}
	return &CompiledRule{Rule: rule, Condition: cond}, nil
}

// ValidateRule checks the fields of a rule other than its condition.
func ValidateRule(rule models.SecurityRule) error {
	var problems []string
	if strings.TrimSpace(rule.Name) == "" {
		problems = append(problems, "name is required")
	}
	if !rule.RuleType.Valid() {
		problems = append(problems, fmt.Sprintf("unknown rule type %q", rule.RuleType))
	}
	if !rule.Action.Valid() {
		problems = append(problems, fmt.Sprintf("unknown action %q", rule.Action))
	}
	if rule.Priority < 0 {
		problems = append(problems, "priority must not be negative")
	}
	if len(rule.Condition) == 0 {
		problems = append(problems, "condition is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", models.ErrInvalidRule, strings.Join(problems, "; "))
	}
	return nil
}

// InvalidRule is a stored rule that failed to compile.
type InvalidRule struct {
	Rule models.SecurityRule
	Err  error
}

// Set is an immutable, priority-ordered list of active compiled rules.
type Set struct {
	rules   []*CompiledRule
	invalid []InvalidRule
}

// NewSet compiles every active rule. Rules that fail to compile are left
// out of the set and reported through Invalid.
func NewSet(stored []models.SecurityRule) *Set {
	s := &Set{}
	for _, r := range stored {
		if !r.IsActive {
			continue
		}
		compiled, err := Compile(r)
		if err != nil {
			s.invalid = append(s.invalid, InvalidRule{Rule: r, Err: err})
			continue
		}
		s.rules = append(s.rules, compiled)
	}

	sort.SliceStable(s.rules, func(i, j int) bool {
		a, b := s.rules[i].Rule, s.rules[j].Rule
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return s
}

// Len is the number of active compiled rules.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Rules returns the compiled rules in evaluation order.
func (s *Set) Rules() []*CompiledRule {
	if s == nil {
		return nil
	}
	return s.rules
}

// Invalid returns the rules that were skipped when the set was built.
func (s *Set) Invalid() []InvalidRule {
	if s == nil {
		return nil
	}
	return s.invalid
}

// FirstMatch returns the lowest-priority rule whose condition holds, or nil.
// Later rules are not evaluated once one matches.
func (s *Set) FirstMatch(attempt *models.AttemptContext, assessment *models.RiskAssessment) *CompiledRule {
	if s == nil {
		return nil
	}
	for _, r := range s.rules {
		if r.Condition.Match(attempt, assessment) {
			return r
		}
	}
	return nil
}
