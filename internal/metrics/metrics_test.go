package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Recording(t *testing.T) {
	m := New()

	m.ObserveDecision("BLOCK_REQUEST", "HIGH", 0.7, 20*time.Millisecond)
	m.ObserveDecision("BLOCK_REQUEST", "HIGH", 0.72, 20*time.Millisecond)
	m.RateLimitDenied("IP_LOGIN")
	m.AccountLocked()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.decisions.WithLabelValues("BLOCK_REQUEST", "HIGH")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimitDenials.WithLabelValues("IP_LOGIN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.accountLocks))
}

func TestMetrics_ObserveHTTP(t *testing.T) {
	m := New()

	m.ObserveHTTP("/auth/login", http.MethodPost, http.StatusUnauthorized, 5*time.Millisecond)
	m.ObserveHTTP("/auth/login", http.MethodPost, http.StatusUnauthorized, 7*time.Millisecond)
	m.ObserveHTTP("/auth/login", http.MethodPost, http.StatusOK, 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("/auth/login", "POST", "401")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("/auth/login", "POST", "200")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDecision("LOG_ONLY", "LOW", 0, time.Millisecond)
		m.SignalDegraded("geo")
		m.NotificationDropped()
		m.TransactionRetried()
		m.ObserveHTTP("/", "GET", 200, time.Millisecond)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.EventRecorded("ACCOUNT_LOCKED", "HIGH")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `loginguard_security_events_total{event_type="ACCOUNT_LOCKED",severity="HIGH"} 1`)
}
