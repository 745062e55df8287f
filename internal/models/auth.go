package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// Token types
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Authentication methods recorded in the amr claim
const (
	AMRPassword  = "pwd"
	AMROTP       = "otp"
	AMREmailCode = "email"
)

type TokenClaims struct {
	Type   string   `json:"type"`
	UserID string   `json:"user_id"`
	Email  string   `json:"email,omitempty"`
	AMR    []string `json:"amr,omitempty"`

	// SessionID ties the token to a row in user_sessions.
	SessionID string `json:"sid,omitempty"`

	jwt.RegisteredClaims
}

// TokenPair is issued once a login is allowed.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}
