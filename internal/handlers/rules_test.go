package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fortexa/loginguard/internal/handlers"
	"github.com/fortexa/loginguard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sqlmapCondition = json.RawMessage(`{"type":"pattern","params":{"user_agent_contains":["sqlmap"]}}`)

func TestRules_Create(t *testing.T) {
	var stored *models.SecurityRule
	mock := &handlers.MockRuleService{
		CreateFunc: func(ctx context.Context, rule *models.SecurityRule) (*models.SecurityRule, error) {
			stored = rule
			out := *rule
			out.ID = "rule-1"
			return &out, nil
		},
	}

	handler := handlers.NewRuleHandler(mock)
	req := adminRequest(t, "POST", "/admin/security/rules", handlers.CreateRuleRequest{
		Name:      "Block sqlmap",
		RuleType:  models.RuleTypePatternBased,
		Condition: sqlmapCondition,
		Action:    models.ActionBlacklistIP,
		Priority:  5,
	}, nil)
	w := httptest.NewRecorder()
	handler.Create(w, req)

	var created models.SecurityRule
	handlers.AssertJSONResponse(t, w, http.StatusCreated, &created)
	assert.Equal(t, "rule-1", created.ID)
	require.NotNil(t, stored)
	assert.True(t, stored.IsActive, "rules are active unless stated otherwise")
	assert.Equal(t, 5, stored.Priority)
	assert.JSONEq(t, string(sqlmapCondition), string(stored.Condition))
}

func TestRules_CreateRejected(t *testing.T) {
	tests := []struct {
		name string
		body interface{}
		err  error
	}{
		{"missing name", handlers.CreateRuleRequest{RuleType: models.RuleTypeIPBased, Condition: sqlmapCondition, Action: models.ActionLogOnly}, nil},
		{"negative priority", handlers.CreateRuleRequest{Name: "x", RuleType: models.RuleTypeIPBased, Condition: sqlmapCondition, Action: models.ActionLogOnly, Priority: -1}, nil},
		{"bad condition", handlers.CreateRuleRequest{Name: "x", RuleType: models.RuleTypeIPBased, Condition: json.RawMessage(`{"type":"nope"}`), Action: models.ActionLogOnly},
			fmt.Errorf("%w: unknown type \"nope\"", models.ErrInvalidCondition)},
		{"unknown action", handlers.CreateRuleRequest{Name: "x", RuleType: models.RuleTypeIPBased, Condition: sqlmapCondition, Action: "EXPLODE"}, nil},
		{"unknown rule type", handlers.CreateRuleRequest{Name: "x", RuleType: "DEVICE", Condition: sqlmapCondition, Action: models.ActionLogOnly}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &handlers.MockRuleService{
				CreateFunc: func(ctx context.Context, rule *models.SecurityRule) (*models.SecurityRule, error) {
					if tt.err == nil {
						t.Fatal("service should not be reached")
					}
					return nil, tt.err
				},
			}
			handler := handlers.NewRuleHandler(mock)
			w := httptest.NewRecorder()
			handler.Create(w, adminRequest(t, "POST", "/admin/security/rules", tt.body, nil))

			handlers.AssertErrorResponse(t, w, http.StatusBadRequest, "bad_request")
		})
	}
}

func TestRules_UpdatePassesOnlyGivenFields(t *testing.T) {
	var got models.SecurityRulePatch
	mock := &handlers.MockRuleService{
		UpdateFunc: func(ctx context.Context, id string, patch models.SecurityRulePatch) (*models.SecurityRule, error) {
			assert.Equal(t, "rule-1", id)
			got = patch
			return &models.SecurityRule{ID: id, Priority: *patch.Priority}, nil
		},
	}

	handler := handlers.NewRuleHandler(mock)
	body := map[string]interface{}{"priority": 1, "is_active": false}
	w := httptest.NewRecorder()
	handler.Update(w, adminRequest(t, "PATCH", "/admin/security/rules/rule-1", body, map[string]string{"ruleID": "rule-1"}))

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, got.Priority)
	assert.Equal(t, 1, *got.Priority)
	require.NotNil(t, got.IsActive)
	assert.False(t, *got.IsActive)
	assert.Nil(t, got.Name)
	assert.Nil(t, got.Action)
	assert.Empty(t, got.Condition)
}

func TestRules_NotFound(t *testing.T) {
	mock := &handlers.MockRuleService{
		DeleteFunc: func(ctx context.Context, id string) error { return models.ErrNotFound },
	}
	handler := handlers.NewRuleHandler(mock)
	params := map[string]string{"ruleID": "missing"}

	w := httptest.NewRecorder()
	handler.Get(w, adminRequest(t, "GET", "/admin/security/rules/missing", nil, params))
	handlers.AssertErrorResponse(t, w, http.StatusNotFound, "not_found")

	w = httptest.NewRecorder()
	handler.Update(w, adminRequest(t, "PATCH", "/admin/security/rules/missing", map[string]interface{}{"priority": 2}, params))
	handlers.AssertErrorResponse(t, w, http.StatusNotFound, "not_found")

	w = httptest.NewRecorder()
	handler.Delete(w, adminRequest(t, "DELETE", "/admin/security/rules/missing", nil, params))
	handlers.AssertErrorResponse(t, w, http.StatusNotFound, "not_found")
}

func TestRules_ListAndDelete(t *testing.T) {
	deleted := ""
	mock := &handlers.MockRuleService{
		ListFunc: func(ctx context.Context) ([]*models.SecurityRule, error) {
			return []*models.SecurityRule{{ID: "r1", Priority: 1}, {ID: "r2", Priority: 2}}, nil
		},
		DeleteFunc: func(ctx context.Context, id string) error {
			deleted = id
			return nil
		},
	}
	handler := handlers.NewRuleHandler(mock)

	w := httptest.NewRecorder()
	handler.List(w, adminRequest(t, "GET", "/admin/security/rules", nil, nil))
	var resp struct {
		Rules []models.SecurityRule `json:"rules"`
	}
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Len(t, resp.Rules, 2)

	w = httptest.NewRecorder()
	handler.Delete(w, adminRequest(t, "DELETE", "/admin/security/rules/r2", nil, map[string]string{"ruleID": "r2"}))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "r2", deleted)
}
