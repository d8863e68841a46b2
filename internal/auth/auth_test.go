package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTOTPSecret(t *testing.T) {
	secret, uri, err := GenerateTOTPSecret("", "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, secret)
	assert.True(t, strings.HasPrefix(uri, "otpauth://totp/"))
	assert.Contains(t, uri, "alice")
	assert.Contains(t, uri, defaultIssuer)
}

func TestValidateTOTP(t *testing.T) {
	secret, _, err := GenerateTOTPSecret("Test", "bob")
	require.NoError(t, err)

	code, err := totp.GenerateCode(secret, time.Now().UTC())
	require.NoError(t, err)

	assert.True(t, ValidateTOTP(secret, code, 1))
	assert.False(t, ValidateTOTP(secret, "000000", 1))
	assert.False(t, ValidateTOTP("", code, 1))
}

func TestValidateTOTP_SkewToleratesDrift(t *testing.T) {
	secret, _, err := GenerateTOTPSecret("Test", "carol")
	require.NoError(t, err)

	// A code from the previous period passes with skew 1 but a code
	// from five periods back never does.
	previous, err := totp.GenerateCode(secret, time.Now().UTC().Add(-30*time.Second))
	require.NoError(t, err)
	assert.True(t, ValidateTOTP(secret, previous, 1))

	stale, err := totp.GenerateCode(secret, time.Now().UTC().Add(-150*time.Second))
	require.NoError(t, err)
	assert.False(t, ValidateTOTP(secret, stale, 1))
}

func TestQRCodePNG(t *testing.T) {
	_, uri, err := GenerateTOTPSecret("Test", "dave")
	require.NoError(t, err)

	data, err := QRCodePNG(uri)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(data, "data:image/png;base64,"))
}

func TestPassword_HashAndVerify(t *testing.T) {
	hash, err := HashPassword("hunter2!")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2!", hash)

	assert.True(t, VerifyPassword("hunter2!", hash))
	assert.False(t, VerifyPassword("hunter3!", hash))
	assert.False(t, VerifyPassword("hunter2!", "not-a-hash"))
}

func TestToken_GenerateHashVerify(t *testing.T) {
	token, err := GenerateToken()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(token), 40)

	other, err := GenerateToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)

	hash := HashToken(token)
	assert.NotEqual(t, token, hash)
	assert.True(t, VerifyToken(token, hash))
	assert.False(t, VerifyToken(other, hash))
}
