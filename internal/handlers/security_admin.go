package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fortexa/loginguard/internal/auth"
	"github.com/fortexa/loginguard/internal/geo"
	"github.com/fortexa/loginguard/internal/models"
	"github.com/fortexa/loginguard/internal/services"
	pkghttp "github.com/fortexa/loginguard/pkg/http"
	"github.com/go-chi/chi/v5"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	// Summary window when ?since is absent
	defaultSummaryWindow = 24 * time.Hour
)

// SecurityAdminServiceInterface defines the security administration contract.
type SecurityAdminServiceInterface interface {
	ListEvents(ctx context.Context, f models.SecurityEventFilter) ([]*models.SecurityEvent, error)
	ResolveEvent(ctx context.Context, id, actorID string) (*models.SecurityEvent, error)
	ListAttempts(ctx context.Context, f models.LoginAttemptFilter) ([]*models.LoginAttempt, error)
	IPStats(ctx context.Context, ip string) (*models.IPStats, error)
	BlacklistIP(ctx context.Context, ip, reason, actorID string) (*models.IPAddressRecord, error)
	WhitelistIP(ctx context.Context, ip, actorID string) (*models.IPAddressRecord, error)
	UnlockAccount(ctx context.Context, userID, actorID string) error
	LookupIntel(ctx context.Context, ip string) (*geo.Intel, error)
	Summary(ctx context.Context, since time.Time) (*services.SecuritySummaryResponse, error)
	LockedAccounts(ctx context.Context, limit, offset int) ([]*models.UserSecurityState, error)
	FlaggedIPs(ctx context.Context, limit, offset int) ([]*models.IPAddressRecord, error)
}

// SecurityAdminHandler serves the /admin/security endpoints.
type SecurityAdminHandler struct {
	service SecurityAdminServiceInterface
	now     func() time.Time
}

// NewSecurityAdminHandler creates a new SecurityAdminHandler.
func NewSecurityAdminHandler(service SecurityAdminServiceInterface) *SecurityAdminHandler {
	return &SecurityAdminHandler{service: service, now: time.Now}
}

// BlacklistIPRequest is the optional body of a blacklist call
type BlacklistIPRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// ListResponse wraps a page of results
type ListResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ListEvents handles GET /admin/security/events
// Query params: severity, type, user_id, ip, resolved, since, until, limit, offset.
func (h *SecurityAdminHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := parsePagination(r)

	f := models.SecurityEventFilter{
		EventType: q.Get("type"),
		Severity:  models.Severity(q.Get("severity")),
		UserID:    q.Get("user_id"),
		IPAddress: q.Get("ip"),
		Limit:     limit,
		Offset:    offset,
	}

	var err error
	if f.Resolved, err = parseBoolParam(r, "resolved"); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}
	if f.Since, err = parseTimeParam(r, "since"); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}
	if f.Until, err = parseTimeParam(r, "until"); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	events, err := h.service.ListEvents(r.Context(), f)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ListResponse[*models.SecurityEvent]{Items: nonNil(events), Limit: limit, Offset: offset})
}

// ResolveEvent handles POST /admin/security/events/{eventID}/resolve
func (h *SecurityAdminHandler) ResolveEvent(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	event, err := h.service.ResolveEvent(r.Context(), chi.URLParam(r, "eventID"), claims.UserID)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, event)
}

// ListAttempts handles GET /admin/security/attempts
// Query params: email, ip, success, blocked, suspicious, since, until, limit, offset.
func (h *SecurityAdminHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := parsePagination(r)

	f := models.LoginAttemptFilter{
		Email:     q.Get("email"),
		IPAddress: q.Get("ip"),
		Limit:     limit,
		Offset:    offset,
	}

	var err error
	if f.Success, err = parseBoolParam(r, "success"); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}
	blocked, err := parseBoolParam(r, "blocked")
	if err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}
	f.OnlyBlocked = blocked != nil && *blocked
	suspicious, err := parseBoolParam(r, "suspicious")
	if err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}
	f.Suspicious = suspicious != nil && *suspicious
	if f.Since, err = parseTimeParam(r, "since"); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}
	if f.Until, err = parseTimeParam(r, "until"); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	attempts, err := h.service.ListAttempts(r.Context(), f)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ListResponse[*models.LoginAttempt]{Items: nonNil(attempts), Limit: limit, Offset: offset})
}

// IPStats handles GET /admin/security/ips/{ip}
func (h *SecurityAdminHandler) IPStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.IPStats(r.Context(), chi.URLParam(r, "ip"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// FlaggedIPs handles GET /admin/security/ips
func (h *SecurityAdminHandler) FlaggedIPs(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	ips, err := h.service.FlaggedIPs(r.Context(), limit, offset)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[*models.IPAddressRecord]{Items: nonNil(ips), Limit: limit, Offset: offset})
}

// BlacklistIP handles POST /admin/security/ips/{ip}/blacklist
func (h *SecurityAdminHandler) BlacklistIP(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req BlacklistIPRequest
	// The body is optional
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			pkghttp.WriteBadRequest(w, "Invalid request body")
			return
		}
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	rec, err := h.service.BlacklistIP(r.Context(), chi.URLParam(r, "ip"), req.Reason, claims.UserID)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// WhitelistIP handles POST /admin/security/ips/{ip}/whitelist
func (h *SecurityAdminHandler) WhitelistIP(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	rec, err := h.service.WhitelistIP(r.Context(), chi.URLParam(r, "ip"), claims.UserID)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// LookupIntel handles GET /admin/security/ips/{ip}/intel
func (h *SecurityAdminHandler) LookupIntel(w http.ResponseWriter, r *http.Request) {
	intel, err := h.service.LookupIntel(r.Context(), chi.URLParam(r, "ip"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intel)
}

// UnlockAccount handles POST /admin/security/accounts/{userID}/unlock
func (h *SecurityAdminHandler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	if err := h.service.UnlockAccount(r.Context(), chi.URLParam(r, "userID"), claims.UserID); err != nil {
		writeAdminError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LockedAccounts handles GET /admin/security/accounts/locked
func (h *SecurityAdminHandler) LockedAccounts(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	states, err := h.service.LockedAccounts(r.Context(), limit, offset)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[*models.UserSecurityState]{Items: nonNil(states), Limit: limit, Offset: offset})
}

// Summary handles GET /admin/security/summary
// Accepts optional ?since=RFC3339 (default: last 24 hours).
func (h *SecurityAdminHandler) Summary(w http.ResponseWriter, r *http.Request) {
	since, err := parseTimeParam(r, "since")
	if err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}
	if since == nil {
		t := h.now().Add(-defaultSummaryWindow)
		since = &t
	}

	summary, err := h.service.Summary(r.Context(), *since)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// writeAdminError maps service errors onto status codes. Admin callers get
// the detailed message; the login path never goes through here.
func writeAdminError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrBadRequest),
		errors.Is(err, models.ErrInvalidRule),
		errors.Is(err, models.ErrInvalidCondition):
		pkghttp.WriteBadRequest(w, err.Error())
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, "Resource not found")
	case errors.Is(err, models.ErrConflict):
		pkghttp.WriteConflict(w, err.Error())
	case errors.Is(err, models.ErrLookupFailed):
		pkghttp.WriteBadGateway(w, "Threat intelligence lookup failed")
	default:
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// nonNil keeps empty pages encoding as [] rather than null
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = min(n, maxPageSize)
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func parseTimeParam(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC3339 timestamp", key)
	}
	return &t, nil
}

func parseBoolParam(r *http.Request, key string) (*bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("%s must be true or false", key)
	}
	return &b, nil
}
