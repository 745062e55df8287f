// Package rules compiles security rule conditions into a typed condition tree.
//
// Conditions are stored as JSON envelopes of the form
//
//	{"type": "<kind>", "params": {...}}
//
// and validated once when a rule set is loaded. Matching is a pure predicate
// over the attempt context and its risk assessment.
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fortexa/loginguard/internal/models"
)

// Kind names a condition variant.
type Kind string

const (
	KindAll      Kind = "all"
	KindAny      Kind = "any"
	KindNot      Kind = "not"
	KindIP       Kind = "ip"
	KindGeo      Kind = "geo"
	KindTime     Kind = "time"
	KindBehavior Kind = "behavior"
	KindPattern  Kind = "pattern"
	KindRisk     Kind = "risk"
)

// MaxDepth bounds nesting of composite conditions.
const MaxDepth = 8

// Condition is one node of a compiled condition tree.
type Condition interface {
	Kind() Kind
	Match(attempt *models.AttemptContext, assessment *models.RiskAssessment) bool
}

type envelope struct {
	Type   Kind            `json:"type"`
	Params json.RawMessage `json:"params"`
}

// Parse decodes and validates a condition envelope.
func Parse(raw []byte) (Condition, error) {
	return parse(raw, 1)
}

func parse(raw []byte, depth int) (Condition, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", models.ErrInvalidCondition, MaxDepth)
	}

	var env envelope
	if err := decodeStrict(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidCondition, err)
	}
	if len(env.Params) == 0 {
		return nil, fmt.Errorf("%w: %q condition has no params", models.ErrInvalidCondition, env.Type)
	}

	switch env.Type {
	case KindAll, KindAny:
		return parseComposite(env, depth)
	case KindNot:
		return parseNot(env, depth)
	case KindIP:
		return parseIP(env.Params)
	case KindGeo:
		return parseGeo(env.Params)
	case KindTime:
		return parseTime(env.Params)
	case KindBehavior:
		return parseBehavior(env.Params)
	case KindPattern:
		return parsePattern(env.Params)
	case KindRisk:
		return parseRisk(env.Params)
	case "":
		return nil, fmt.Errorf("%w: missing type", models.ErrInvalidCondition)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", models.ErrInvalidCondition, env.Type)
	}
}

func decodeStrict(raw []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func invalid(kind Kind, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %s", models.ErrInvalidCondition, kind, fmt.Sprintf(format, args...))
}

// All matches when every child matches.
type All struct {
	Conditions []Condition
}

func (All) Kind() Kind { return KindAll }

func (c All) Match(attempt *models.AttemptContext, assessment *models.RiskAssessment) bool {
	for _, child := range c.Conditions {
		if !child.Match(attempt, assessment) {
			return false
		}
	}
	return true
}

// Any matches when at least one child matches.
type Any struct {
	Conditions []Condition
}

func (Any) Kind() Kind { return KindAny }

func (c Any) Match(attempt *models.AttemptContext, assessment *models.RiskAssessment) bool {
	for _, child := range c.Conditions {
		if child.Match(attempt, assessment) {
			return true
		}
	}
	return false
}

// Not inverts its child.
type Not struct {
	Condition Condition
}

func (Not) Kind() Kind { return KindNot }

func (c Not) Match(attempt *models.AttemptContext, assessment *models.RiskAssessment) bool {
	return !c.Condition.Match(attempt, assessment)
}

func parseComposite(env envelope, depth int) (Condition, error) {
	var params struct {
		Conditions []json.RawMessage `json:"conditions"`
	}
	if err := decodeStrict(env.Params, &params); err != nil {
		return nil, invalid(env.Type, "%v", err)
	}
	if len(params.Conditions) == 0 {
		return nil, invalid(env.Type, "needs at least one condition")
	}

	children := make([]Condition, 0, len(params.Conditions))
	for _, raw := range params.Conditions {
		child, err := parse(raw, depth+1)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}

	if env.Type == KindAll {
		return All{Conditions: children}, nil
	}
	return Any{Conditions: children}, nil
}

func parseNot(env envelope, depth int) (Condition, error) {
	var params struct {
		Condition json.RawMessage `json:"condition"`
	}
	if err := decodeStrict(env.Params, &params); err != nil {
		return nil, invalid(KindNot, "%v", err)
	}
	if len(params.Condition) == 0 {
		return nil, invalid(KindNot, "needs a condition")
	}
	child, err := parse(params.Condition, depth+1)
	if err != nil {
		return nil, err
	}
	return Not{Condition: child}, nil
}
