package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

const (
	BcryptCost     = 14
	TokenKeyLength = 32 // 256 bits
	MinPasswordLen = 12

	// bcrypt only reads the first 72 bytes
	MaxPasswordBytes = 72
)

// PasswordValidationError lists every rule a password broke. Error() stays
// generic; the list is for logs.
type PasswordValidationError struct {
	Errors []string
}

func (e *PasswordValidationError) Error() string {
	return "invalid password"
}

// Base words of passwords that show up first in credential stuffing lists.
// Matched after lowercasing and dropping trailing digits and symbols, so
// "Password123!" is caught as "password".
var commonPasswords = map[string]struct{}{
	"password": {}, "passw0rd": {}, "qwerty": {}, "qwertyuiop": {}, "abc": {},
	"admin": {}, "administrator": {}, "letmein": {}, "welcome": {}, "monkey": {},
	"dragon": {}, "master": {}, "shadow": {}, "sunshine": {}, "princess": {},
	"football": {}, "trustno": {}, "iloveyou": {}, "changeme": {}, "login": {},
}

func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

var (
	decoyOnce sync.Once
	decoyHash []byte
)

// VerifyPassword reports whether password matches hash. An empty hash (no
// such account) is compared against a decoy at the same cost, so unknown
// emails take as long as wrong passwords.
func VerifyPassword(hash, password string) bool {
	if hash == "" {
		decoyOnce.Do(func() {
			decoyHash, _ = bcrypt.GenerateFromPassword([]byte("decoy"), BcryptCost)
		})
		_ = bcrypt.CompareHashAndPassword(decoyHash, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func GenerateTokenKey() (string, error) {
	b := make([]byte, TokenKeyLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// ValidatePassword checks a password chosen for the account with the given
// email: length, the four character classes, the common-password list and
// reuse of the email's local part.
func ValidatePassword(password, email string) error {
	var problems []string

	if utf8.RuneCountInString(password) < MinPasswordLen {
		problems = append(problems, fmt.Sprintf("shorter than %d characters", MinPasswordLen))
	}
	if len(password) > MaxPasswordBytes {
		problems = append(problems, fmt.Sprintf("longer than %d bytes", MaxPasswordBytes))
	}

	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	if !upper || !lower || !digit || !special {
		problems = append(problems, "missing a character class")
	}

	lowered := strings.ToLower(password)
	if _, ok := commonPasswords[baseWord(lowered)]; ok {
		problems = append(problems, "common password")
	}
	if local, _, ok := strings.Cut(strings.ToLower(email), "@"); ok && len(local) >= 4 && strings.Contains(lowered, local) {
		problems = append(problems, "contains the email name")
	}

	if len(problems) > 0 {
		return &PasswordValidationError{Errors: problems}
	}
	return nil
}

// baseWord strips the digits and symbols people tack onto a dictionary word.
func baseWord(s string) string {
	return strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsDigit(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
}
