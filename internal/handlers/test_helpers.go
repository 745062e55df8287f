package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fortexa/loginguard/internal/auth"
	"github.com/fortexa/loginguard/internal/geo"
	"github.com/fortexa/loginguard/internal/models"
	"github.com/fortexa/loginguard/internal/services"
	pkghttp "github.com/fortexa/loginguard/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithAuthContext adds user claims to request context for testing authenticated endpoints
func WithAuthContext(req *http.Request, userID, email string) *http.Request {
	claims := &models.TokenClaims{
		UserID: userID,
		Email:  email,
		Type:   models.TokenTypeAccess,
	}
	ctx := context.WithValue(req.Context(), auth.UserContextKey, claims)
	return req.WithContext(ctx)
}

// WithBearerToken adds claims and the raw token the way AuthMiddleware does
func WithBearerToken(req *http.Request, userID, token string) *http.Request {
	req = WithAuthContext(req, userID, "")
	ctx := context.WithValue(req.Context(), auth.TokenContextKey, token)
	return req.WithContext(ctx)
}

// WithURLParams sets chi route params so handlers can be called directly
func WithURLParams(req *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	contentType := w.Header().Get("Content-Type")
	assert.Equal(t, "application/json", contentType, "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
}

// MockAuthService implements AuthServiceInterface for testing
type MockAuthService struct {
	LoginFunc           func(ctx context.Context, req services.LoginRequest) (*services.AuthResponse, error)
	VerifyChallengeFunc func(ctx context.Context, challengeID, code string) (*services.AuthResponse, error)
	RefreshTokenFunc    func(ctx context.Context, refreshToken string) (*services.AuthResponse, error)
	LogoutFunc          func(ctx context.Context, accessToken string) error
	LogoutAllFunc       func(ctx context.Context, userID string) error
}

func (m *MockAuthService) Login(ctx context.Context, req services.LoginRequest) (*services.AuthResponse, error) {
	if m.LoginFunc == nil {
		return nil, models.ErrLoginDenied
	}
	return m.LoginFunc(ctx, req)
}

func (m *MockAuthService) VerifyChallenge(ctx context.Context, challengeID, code string) (*services.AuthResponse, error) {
	if m.VerifyChallengeFunc == nil {
		return nil, models.ErrInvalidMFACode
	}
	return m.VerifyChallengeFunc(ctx, challengeID, code)
}

func (m *MockAuthService) RefreshToken(ctx context.Context, refreshToken string) (*services.AuthResponse, error) {
	if m.RefreshTokenFunc == nil {
		return nil, models.ErrUnauthorized
	}
	return m.RefreshTokenFunc(ctx, refreshToken)
}

func (m *MockAuthService) Logout(ctx context.Context, accessToken string) error {
	if m.LogoutFunc == nil {
		return nil
	}
	return m.LogoutFunc(ctx, accessToken)
}

func (m *MockAuthService) LogoutAll(ctx context.Context, userID string) error {
	if m.LogoutAllFunc == nil {
		return nil
	}
	return m.LogoutAllFunc(ctx, userID)
}

// MockMFAService implements MFAServiceInterface for testing
type MockMFAService struct {
	InitiateSetupFunc func(ctx context.Context, userID, email, deviceName string) (*models.MFASetupResponse, error)
	VerifySetupFunc   func(ctx context.Context, userID, deviceID, code string) error
	RemoveDeviceFunc  func(ctx context.Context, userID, deviceID string) error
	EnabledFunc       func(ctx context.Context, userID string) (bool, error)
}

func (m *MockMFAService) InitiateSetup(ctx context.Context, userID, email, deviceName string) (*models.MFASetupResponse, error) {
	if m.InitiateSetupFunc == nil {
		return nil, models.ErrInternalServer
	}
	return m.InitiateSetupFunc(ctx, userID, email, deviceName)
}

func (m *MockMFAService) VerifySetup(ctx context.Context, userID, deviceID, code string) error {
	if m.VerifySetupFunc == nil {
		return nil
	}
	return m.VerifySetupFunc(ctx, userID, deviceID, code)
}

func (m *MockMFAService) RemoveDevice(ctx context.Context, userID, deviceID string) error {
	if m.RemoveDeviceFunc == nil {
		return nil
	}
	return m.RemoveDeviceFunc(ctx, userID, deviceID)
}

func (m *MockMFAService) Enabled(ctx context.Context, userID string) (bool, error) {
	if m.EnabledFunc == nil {
		return false, nil
	}
	return m.EnabledFunc(ctx, userID)
}

// MockDeviceService implements DeviceServiceInterface for testing
type MockDeviceService struct {
	ListFunc   func(ctx context.Context, userID string) ([]*models.TrustedDevice, error)
	RevokeFunc func(ctx context.Context, userID, deviceID string, now time.Time) error
}

func (m *MockDeviceService) List(ctx context.Context, userID string) ([]*models.TrustedDevice, error) {
	if m.ListFunc == nil {
		return nil, nil
	}
	return m.ListFunc(ctx, userID)
}

func (m *MockDeviceService) Revoke(ctx context.Context, userID, deviceID string, now time.Time) error {
	if m.RevokeFunc == nil {
		return nil
	}
	return m.RevokeFunc(ctx, userID, deviceID, now)
}

// MockSecurityAdminService implements SecurityAdminServiceInterface for testing
type MockSecurityAdminService struct {
	ListEventsFunc     func(ctx context.Context, f models.SecurityEventFilter) ([]*models.SecurityEvent, error)
	ResolveEventFunc   func(ctx context.Context, id, actorID string) (*models.SecurityEvent, error)
	ListAttemptsFunc   func(ctx context.Context, f models.LoginAttemptFilter) ([]*models.LoginAttempt, error)
	IPStatsFunc        func(ctx context.Context, ip string) (*models.IPStats, error)
	BlacklistIPFunc    func(ctx context.Context, ip, reason, actorID string) (*models.IPAddressRecord, error)
	WhitelistIPFunc    func(ctx context.Context, ip, actorID string) (*models.IPAddressRecord, error)
	UnlockAccountFunc  func(ctx context.Context, userID, actorID string) error
	LookupIntelFunc    func(ctx context.Context, ip string) (*geo.Intel, error)
	SummaryFunc        func(ctx context.Context, since time.Time) (*services.SecuritySummaryResponse, error)
	LockedAccountsFunc func(ctx context.Context, limit, offset int) ([]*models.UserSecurityState, error)
	FlaggedIPsFunc     func(ctx context.Context, limit, offset int) ([]*models.IPAddressRecord, error)
}

func (m *MockSecurityAdminService) ListEvents(ctx context.Context, f models.SecurityEventFilter) ([]*models.SecurityEvent, error) {
	if m.ListEventsFunc == nil {
		return nil, nil
	}
	return m.ListEventsFunc(ctx, f)
}

func (m *MockSecurityAdminService) ResolveEvent(ctx context.Context, id, actorID string) (*models.SecurityEvent, error) {
	if m.ResolveEventFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.ResolveEventFunc(ctx, id, actorID)
}

func (m *MockSecurityAdminService) ListAttempts(ctx context.Context, f models.LoginAttemptFilter) ([]*models.LoginAttempt, error) {
	if m.ListAttemptsFunc == nil {
		return nil, nil
	}
	return m.ListAttemptsFunc(ctx, f)
}

func (m *MockSecurityAdminService) IPStats(ctx context.Context, ip string) (*models.IPStats, error) {
	if m.IPStatsFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.IPStatsFunc(ctx, ip)
}

func (m *MockSecurityAdminService) BlacklistIP(ctx context.Context, ip, reason, actorID string) (*models.IPAddressRecord, error) {
	if m.BlacklistIPFunc == nil {
		return nil, models.ErrInternalServer
	}
	return m.BlacklistIPFunc(ctx, ip, reason, actorID)
}

func (m *MockSecurityAdminService) WhitelistIP(ctx context.Context, ip, actorID string) (*models.IPAddressRecord, error) {
	if m.WhitelistIPFunc == nil {
		return nil, models.ErrInternalServer
	}
	return m.WhitelistIPFunc(ctx, ip, actorID)
}

func (m *MockSecurityAdminService) UnlockAccount(ctx context.Context, userID, actorID string) error {
	if m.UnlockAccountFunc == nil {
		return nil
	}
	return m.UnlockAccountFunc(ctx, userID, actorID)
}

func (m *MockSecurityAdminService) LookupIntel(ctx context.Context, ip string) (*geo.Intel, error) {
	if m.LookupIntelFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.LookupIntelFunc(ctx, ip)
}

func (m *MockSecurityAdminService) Summary(ctx context.Context, since time.Time) (*services.SecuritySummaryResponse, error) {
	if m.SummaryFunc == nil {
		return &services.SecuritySummaryResponse{Since: since}, nil
	}
	return m.SummaryFunc(ctx, since)
}

func (m *MockSecurityAdminService) LockedAccounts(ctx context.Context, limit, offset int) ([]*models.UserSecurityState, error) {
	if m.LockedAccountsFunc == nil {
		return nil, nil
	}
	return m.LockedAccountsFunc(ctx, limit, offset)
}

func (m *MockSecurityAdminService) FlaggedIPs(ctx context.Context, limit, offset int) ([]*models.IPAddressRecord, error) {
	if m.FlaggedIPsFunc == nil {
		return nil, nil
	}
	return m.FlaggedIPsFunc(ctx, limit, offset)
}

// MockRuleService implements RuleServiceInterface for testing
type MockRuleService struct {
	ListFunc   func(ctx context.Context) ([]*models.SecurityRule, error)
	GetFunc    func(ctx context.Context, id string) (*models.SecurityRule, error)
	CreateFunc func(ctx context.Context, rule *models.SecurityRule) (*models.SecurityRule, error)
	UpdateFunc func(ctx context.Context, id string, patch models.SecurityRulePatch) (*models.SecurityRule, error)
	DeleteFunc func(ctx context.Context, id string) error
}

func (m *MockRuleService) List(ctx context.Context) ([]*models.SecurityRule, error) {
	if m.ListFunc == nil {
		return nil, nil
	}
	return m.ListFunc(ctx)
}

func (m *MockRuleService) Get(ctx context.Context, id string) (*models.SecurityRule, error) {
	if m.GetFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.GetFunc(ctx, id)
}

func (m *MockRuleService) Create(ctx context.Context, rule *models.SecurityRule) (*models.SecurityRule, error) {
	if m.CreateFunc == nil {
		return rule, nil
	}
	return m.CreateFunc(ctx, rule)
}

func (m *MockRuleService) Update(ctx context.Context, id string, patch models.SecurityRulePatch) (*models.SecurityRule, error) {
	if m.UpdateFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.UpdateFunc(ctx, id, patch)
}

func (m *MockRuleService) Delete(ctx context.Context, id string) error {
	if m.DeleteFunc == nil {
		return nil
	}
	return m.DeleteFunc(ctx, id)
}
