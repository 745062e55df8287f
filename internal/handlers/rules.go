package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/fortexa/loginguard/internal/models"
	pkghttp "github.com/fortexa/loginguard/pkg/http"
	"github.com/go-chi/chi/v5"
)

// RuleServiceInterface manages the stored security rules
type RuleServiceInterface interface {
	List(ctx context.Context) ([]*models.SecurityRule, error)
	Get(ctx context.Context, id string) (*models.SecurityRule, error)
	Create(ctx context.Context, rule *models.SecurityRule) (*models.SecurityRule, error)
	Update(ctx context.Context, id string, patch models.SecurityRulePatch) (*models.SecurityRule, error)
	Delete(ctx context.Context, id string) error
}

// RuleHandler serves /admin/security/rules. Every change is live on return.
type RuleHandler struct {
	service RuleServiceInterface
}

func NewRuleHandler(service RuleServiceInterface) *RuleHandler {
	return &RuleHandler{service: service}
}

// CreateRuleRequest is the body of POST /admin/security/rules
type CreateRuleRequest struct {
	Name        string          `json:"name" validate:"required,max=100"`
	Description string          `json:"description" validate:"max=500"`
	RuleType    models.RuleType `json:"rule_type" validate:"required,rule_type"`
	Condition   json.RawMessage `json:"condition" validate:"required"`
	Action      models.Action   `json:"action" validate:"required,rule_action"`
	IsActive    *bool           `json:"is_active"`
	Priority    int             `json:"priority" validate:"gte=0"`
}

// UpdateRuleRequest is the body of PATCH /admin/security/rules/{ruleID}; absent fields are kept
type UpdateRuleRequest struct {
	Name        *string         `json:"name" validate:"omitempty,min=1,max=100"`
	Description *string         `json:"description" validate:"omitempty,max=500"`
	Condition   json.RawMessage `json:"condition"`
	Action      *models.Action  `json:"action" validate:"omitempty,rule_action"`
	IsActive    *bool           `json:"is_active"`
	Priority    *int            `json:"priority" validate:"omitempty,gte=0"`
}

// List handles GET /admin/security/rules
func (h *RuleHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context())
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": nonNil(list)})
}

// Get handles GET /admin/security/rules/{ruleID}
func (h *RuleHandler) Get(w http.ResponseWriter, r *http.Request) {
	rule, err := h.service.Get(r.Context(), chi.URLParam(r, "ruleID"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// Create handles POST /admin/security/rules
func (h *RuleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	created, err := h.service.Create(r.Context(), &models.SecurityRule{
		Name:        req.Name,
		Description: req.Description,
		RuleType:    req.RuleType,
		Condition:   req.Condition,
		Action:      req.Action,
		IsActive:    active,
		Priority:    req.Priority,
	})
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// Update handles PATCH /admin/security/rules/{ruleID}
func (h *RuleHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	updated, err := h.service.Update(r.Context(), chi.URLParam(r, "ruleID"), models.SecurityRulePatch{
		Name:        req.Name,
		Description: req.Description,
		Condition:   req.Condition,
		Action:      req.Action,
		IsActive:    req.IsActive,
		Priority:    req.Priority,
	})
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Delete handles DELETE /admin/security/rules/{ruleID}
func (h *RuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "ruleID")); err != nil {
		writeAdminError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
