package http_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	pkghttp "github.com/fortexa/loginguard/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) pkghttp.ErrorResponse {
	t.Helper()
	var resp pkghttp.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestErrorWriters(t *testing.T) {
	tests := []struct {
		name   string
		write  func(http.ResponseWriter, string)
		status int
		code   string
	}{
		{"bad request", pkghttp.WriteBadRequest, http.StatusBadRequest, pkghttp.CodeBadRequest},
		{"unauthorized", pkghttp.WriteUnauthorized, http.StatusUnauthorized, pkghttp.CodeUnauthorized},
		{"forbidden", pkghttp.WriteForbidden, http.StatusForbidden, pkghttp.CodeForbidden},
		{"not found", pkghttp.WriteNotFound, http.StatusNotFound, pkghttp.CodeNotFound},
		{"conflict", pkghttp.WriteConflict, http.StatusConflict, pkghttp.CodeConflict},
		{"internal", pkghttp.WriteInternalError, http.StatusInternalServerError, pkghttp.CodeInternal},
		{"bad gateway", pkghttp.WriteBadGateway, http.StatusBadGateway, pkghttp.CodeBadGateway},
		{"unavailable", pkghttp.WriteServiceUnavailable, http.StatusServiceUnavailable, pkghttp.CodeServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w, "Authentication failed")

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
			resp := decodeError(t, w)
			assert.Equal(t, tt.code, resp.Error)
			assert.Equal(t, "Authentication failed", resp.Message)
			assert.Zero(t, resp.RetryAfter)
		})
	}
}

func TestWriteTooManyRequests_RoundsRetryAfterUp(t *testing.T) {
	w := httptest.NewRecorder()
	pkghttp.WriteTooManyRequests(w, 1500*time.Millisecond, "Rate limit exceeded")

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	resp := decodeError(t, w)
	assert.Equal(t, pkghttp.CodeRateLimited, resp.Error)
	assert.Equal(t, 2, resp.RetryAfter)
}

func TestWriteTooManyRequests_NoWindowOmitsRetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	pkghttp.WriteTooManyRequests(w, 0, "Rate limit exceeded")

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Empty(t, w.Header().Get("Retry-After"))
	assert.NotContains(t, w.Body.String(), "retry_after_seconds")
}
