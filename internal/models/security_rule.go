package models

import (
	"encoding/json"
	"time"
)

// SecurityRule is one editable policy unit. Lower priority is evaluated first.
type SecurityRule struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	RuleType       RuleType        `json:"rule_type"`
	Condition      json.RawMessage `json:"condition"`
	Action         Action          `json:"action"`
	IsActive       bool            `json:"is_active"`
	Priority       int             `json:"priority"`
	TriggeredCount int64           `json:"triggered_count"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// SecurityRulePatch carries the editable fields of a rule; nil fields are left unchanged.
type SecurityRulePatch struct {
	Name        *string
	Description *string
	Condition   json.RawMessage
	Action      *Action
	IsActive    *bool
	Priority    *int
}

// RuleDecision is what the rule engine settled on for one attempt.
type RuleDecision struct {
	Action     Action  `json:"action"`
	AlertAdmin bool    `json:"alert_admin"`
	RuleID     *string `json:"rule_id,omitempty"`
	RuleName   string  `json:"rule_name,omitempty"`
}
