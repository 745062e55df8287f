package auth

import (
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTOTPManager(t *testing.T) *TOTPManager {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	tm, err := NewTOTPManager(key, "LoginGuard")
	require.NoError(t, err)
	return tm
}

func TestTOTPManager_NewTOTPManager_InvalidKeyLength(t *testing.T) {
	for _, length := range []int{0, 16, 24, 31, 33, 64} {
		tm, err := NewTOTPManager(make([]byte, length), "LoginGuard")
		assert.Error(t, err)
		assert.Nil(t, tm)
		assert.Contains(t, err.Error(), "must be exactly 32 bytes")
	}
}

func TestTOTPManager_Enroll(t *testing.T) {
	tm := newTestTOTPManager(t)

	enrollment, err := tm.Enroll("user@example.com")
	require.NoError(t, err)

	assert.NotEmpty(t, enrollment.Secret)
	assert.NotEmpty(t, enrollment.EncryptedSecret)
	assert.Len(t, enrollment.Nonce, 12)
	assert.True(t, strings.HasPrefix(enrollment.QRCodeDataURL, "data:image/png;base64,"))

	decrypted, err := tm.DecryptSecret(enrollment.EncryptedSecret, enrollment.Nonce)
	require.NoError(t, err)
	assert.Equal(t, enrollment.Secret, string(decrypted))
}

func TestTOTPManager_DecryptSecret_Tampered(t *testing.T) {
	tm := newTestTOTPManager(t)

	encrypted, nonce, err := tm.EncryptSecret([]byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)

	encrypted[0] ^= 0xFF
	_, err = tm.DecryptSecret(encrypted, nonce)
	assert.Error(t, err)

	_, err = tm.DecryptSecret(encrypted, nonce[:4])
	assert.Error(t, err)
}

func TestTOTPManager_ValidateCode(t *testing.T) {
	tm := newTestTOTPManager(t)
	enrollment, err := tm.Enroll("user@example.com")
	require.NoError(t, err)
	secret := []byte(enrollment.Secret)
	now := time.Now()

	tests := []struct {
		name  string
		at    time.Time
		valid bool
	}{
		{"current step", now, true},
		{"next step within skew", now.Add(30 * time.Second), true},
		{"previous step within skew", now.Add(-30 * time.Second), true},
		{"outside skew", now.Add(-3 * time.Minute), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := totp.GenerateCode(enrollment.Secret, tt.at)
			require.NoError(t, err)

			valid, err := tm.ValidateCode(secret, code, nil, now)
			assert.NoError(t, err)
			assert.Equal(t, tt.valid, valid)
		})
	}
}

func TestTOTPManager_ValidateCode_Replay(t *testing.T) {
	tm := newTestTOTPManager(t)
	enrollment, err := tm.Enroll("user@example.com")
	require.NoError(t, err)
	now := time.Now()

	code, err := totp.GenerateCode(enrollment.Secret, now)
	require.NoError(t, err)

	lastUsed := now.Add(-30 * time.Second)
	valid, err := tm.ValidateCode([]byte(enrollment.Secret), code, &lastUsed, now)
	assert.ErrorIs(t, err, ErrCodeReplay)
	assert.False(t, valid)

	longAgo := now.Add(-10 * time.Minute)
	valid, err = tm.ValidateCode([]byte(enrollment.Secret), code, &longAgo, now)
	assert.NoError(t, err)
	assert.True(t, valid)
}
