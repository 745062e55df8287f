package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fortexa/loginguard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRevocations struct {
	revoked map[string]bool
	err     error
}

func (f *fakeRevocations) IsTokenRevoked(_ context.Context, jti string) (bool, error) {
	return f.revoked[jti], f.err
}

type fakeUsers map[string]*models.User

func (f fakeUsers) GetByID(_ context.Context, id string) (*models.User, error) {
	if u, ok := f[id]; ok {
		return u, nil
	}
	return nil, models.ErrNotFound
}

func newMiddlewareTokens(t *testing.T) (*TokenManager, *models.TokenPair) {
	t.Helper()
	tm := NewTokenManager("middleware-test-secret-0123456789abcdef", 15*time.Minute, time.Hour)
	pair, err := tm.IssuePair(context.Background(), "user-1", "user@example.com", []string{models.AMRPassword})
	require.NoError(t, err)
	return tm, pair
}

// echoClaims answers 200 and records what the middleware put in the context.
func echoClaims(got **models.TokenClaims, raw *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = GetUserFromContext(r)
		*raw = GetTokenFromContext(r)
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	tm, pair := newMiddlewareTokens(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic " + pair.AccessToken},
		{"empty token", "Bearer   "},
		{"garbage", "Bearer not.a.jwt"},
		{"refresh token", "Bearer " + pair.RefreshToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var claims *models.TokenClaims
			var raw string
			req := httptest.NewRequest(http.MethodGet, "/auth/devices", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			AuthMiddleware(tm)(echoClaims(&claims, &raw)).ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Nil(t, claims)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		})
	}
}

func TestAuthMiddleware_InjectsClaimsAndToken(t *testing.T) {
	tm, pair := newMiddlewareTokens(t)
	var claims *models.TokenClaims
	var raw string

	req := httptest.NewRequest(http.MethodGet, "/auth/devices", nil)
	req.Header.Set("Authorization", "bearer "+pair.AccessToken)
	w := httptest.NewRecorder()
	AuthMiddleware(tm)(echoClaims(&claims, &raw)).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, claims)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, pair.AccessToken, raw)
}

func TestAuthMiddleware_Revocation(t *testing.T) {
	tm, pair := newMiddlewareTokens(t)
	claims, err := tm.ValidateToken(context.Background(), pair.AccessToken)
	require.NoError(t, err)

	tests := []struct {
		name       string
		checker    *fakeRevocations
		failClosed bool
		want       int
	}{
		{"not revoked", &fakeRevocations{}, false, http.StatusOK},
		{"revoked", &fakeRevocations{revoked: map[string]bool{claims.ID: true}}, false, http.StatusUnauthorized},
		{"store down fails open", &fakeRevocations{err: errors.New("timeout")}, false, http.StatusOK},
		{"store down fails closed", &fakeRevocations{err: errors.New("timeout")}, true, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *models.TokenClaims
			var raw string
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
			w := httptest.NewRecorder()

			mw := AuthMiddlewareWithRevocation(tm, tt.checker, RevocationConfig{FailClosed: tt.failClosed}, nil)
			mw(echoClaims(&got, &raw)).ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestAuthMiddleware_RotatedTokenKeyEndsSessions(t *testing.T) {
	users := fakeUsers{"user-1": {ID: "user-1", TokenKey: "before"}}
	tm := NewTokenManager("middleware-test-secret-0123456789abcdef", 15*time.Minute, time.Hour)
	tm.SetUserRepo(users)
	pair, err := tm.IssuePair(context.Background(), "user-1", "user@example.com", nil)
	require.NoError(t, err)

	users["user-1"].TokenKey = "after"

	var got *models.TokenClaims
	var raw string
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	w := httptest.NewRecorder()
	AuthMiddleware(tm)(echoClaims(&got, &raw)).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRole(t *testing.T) {
	users := fakeUsers{
		"admin-1": {ID: "admin-1", Role: "admin"},
		"user-1":  {ID: "user-1", Role: "user"},
	}
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	tests := []struct {
		name   string
		userID string
		want   int
	}{
		{"admin passes", "admin-1", http.StatusOK},
		{"user forbidden", "user-1", http.StatusForbidden},
		{"deleted user", "gone", http.StatusUnauthorized},
		{"no claims", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/security/events", nil)
			if tt.userID != "" {
				ctx := context.WithValue(req.Context(), UserContextKey, &models.TokenClaims{UserID: tt.userID, Type: models.TokenTypeAccess})
				req = req.WithContext(ctx)
			}
			w := httptest.NewRecorder()

			RequireRole(users, "admin")(ok).ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
		})
	}
}
