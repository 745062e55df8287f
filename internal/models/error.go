package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Account state errors
	ErrAccountDisabled  = errors.New("account is disabled")
	ErrAccountSuspended = errors.New("account is suspended")
	ErrAccountLocked    = errors.New("account is temporarily locked")

	// Login pipeline errors
	ErrLoginDenied      = errors.New("login denied")
	ErrConcurrentUpdate = errors.New("concurrent update conflict")
	ErrStoreUnavailable = errors.New("security store unavailable")
	ErrLookupFailed     = errors.New("external lookup failed")

	// Rule errors
	ErrInvalidRule      = errors.New("invalid security rule")
	ErrInvalidCondition = errors.New("invalid rule condition")

	// MFA challenge errors
	ErrChallengeNotFound = errors.New("mfa challenge not found")
	ErrChallengeExpired  = errors.New("mfa challenge expired")
	ErrChallengeResolved = errors.New("mfa challenge already resolved")
	ErrInvalidMFACode    = errors.New("invalid mfa code")
	ErrMFADeviceNotFound = errors.New("mfa device not found")
)
