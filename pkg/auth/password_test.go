package auth

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePassword(t *testing.T) {
	const email = "ops.admin@example.com"

	tests := []struct {
		name     string
		password string
		problem  string
	}{
		{"strong", "Tr4vel-Lantern-Quiet", ""},
		{"unicode letters count as characters", "Zürich-Bahnhof-9!", ""},
		{"too short", "Sh0rt!pass", "shorter than 12 characters"},
		{"over bcrypt limit", "Aa1!" + strings.Repeat("x", 70), "longer than 72 bytes"},
		{"no digit", "NoDigitsHere!!", "missing a character class"},
		{"no symbol", "NoSymbols12345", "missing a character class"},
		{"common word with suffix", "Password1234!", "common password"},
		{"common word leetspeak", "Passw0rd2024#", "common password"},
		{"contains email name", "My-Ops.Admin-99", "contains the email name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.password, email)
			if tt.problem == "" {
				assert.NoError(t, err)
				return
			}
			var pve *PasswordValidationError
			require.True(t, errors.As(err, &pve))
			assert.Contains(t, pve.Errors, tt.problem)
			assert.Equal(t, "invalid password", err.Error())
		})
	}
}

func TestValidatePassword_ShortEmailNameIgnored(t *testing.T) {
	assert.NoError(t, ValidatePassword("Bob-Lantern-Quiet-7", "bob@example.com"))
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("Tr4vel-Lantern-Quiet")
	require.NoError(t, err)
	assert.NotEqual(t, "Tr4vel-Lantern-Quiet", hash)

	assert.True(t, VerifyPassword(hash, "Tr4vel-Lantern-Quiet"))
	assert.False(t, VerifyPassword(hash, "Tr4vel-Lantern-Loud"))

	_, err = HashPassword("")
	assert.Error(t, err)
}

func TestVerifyPassword_UnknownAccountNeverMatches(t *testing.T) {
	assert.False(t, VerifyPassword("", ""))
	assert.False(t, VerifyPassword("", "decoy"))
}

func TestGenerateTokenKey(t *testing.T) {
	a, err := GenerateTokenKey()
	require.NoError(t, err)
	b, err := GenerateTokenKey()
	require.NoError(t, err)
	assert.Len(t, a, 44)
	assert.NotEqual(t, a, b)
}
