package http

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Error codes carried in ErrorResponse.Error
const (
	CodeBadRequest         = "bad_request"
	CodeUnauthorized       = "unauthorized"
	CodeForbidden          = "forbidden"
	CodeNotFound           = "not_found"
	CodeConflict           = "conflict"
	CodeRateLimited        = "rate_limit_exceeded"
	CodeInternal           = "internal_error"
	CodeBadGateway         = "lookup_failed"
	CodeServiceUnavailable = "service_unavailable"
)

// ErrorResponse is the body of every non-2xx API response
type ErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

// WriteError writes a JSON error body with the given status code
func WriteError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeError(w, statusCode, ErrorResponse{Error: errorCode, Message: message})
}

func writeError(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeBadRequest, message)
}

func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

func WriteConflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeConflict, message)
}

// WriteTooManyRequests answers a rejected attempt. A positive retryAfter is
// rounded up to whole seconds and sent both as Retry-After and in the body.
func WriteTooManyRequests(w http.ResponseWriter, retryAfter time.Duration, message string) {
	resp := ErrorResponse{Error: CodeRateLimited, Message: message}
	if retryAfter > 0 {
		resp.RetryAfter = int(math.Ceil(retryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfter))
	}
	writeError(w, http.StatusTooManyRequests, resp)
}

func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternal, message)
}

// WriteBadGateway reports a failed call to an upstream provider
func WriteBadGateway(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, CodeBadGateway, message)
}

// WriteServiceUnavailable is for requests that could not be checked, such as
// a rate limit or revocation lookup cut short by a cancelled request.
func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, CodeServiceUnavailable, message)
}
