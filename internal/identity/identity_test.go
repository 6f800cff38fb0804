package identity

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/org/raskol/pkg/errors"
)

func asAppError(t *testing.T, err error) *apperrors.AppError {
	t.Helper()
	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok, "expected *apperrors.AppError, got %T", err)
	return appErr
}

func testConfig() Config {
	return Config{Secret: "super-secret", Audience: "authenticated", Issuer: "https://raskol.test"}
}

func TestMintVerifyRoundTrip(t *testing.T) {
	v := NewVerifier(testConfig())

	token, err := v.Mint("foo", RoleHacker, 5*time.Second)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "foo", claims.Subject)
	assert.Equal(t, RoleHacker, claims.Role)
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	good := testConfig()
	bad := good
	bad.Secret = good.Secret + "naughty"

	token, err := NewVerifier(good).Mint("foo", RoleUser, 5*time.Second)
	require.NoError(t, err)

	_, err = NewVerifier(bad).Verify(token)
	require.Error(t, err)
	assert.True(t, strings.Contains(asAppError(t, err).Message, "bad-signature"))
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	v := NewVerifier(testConfig())

	_, err := v.Verify("not.a.jwt")
	require.Error(t, err)
	assert.True(t, strings.Contains(asAppError(t, err).Message, "bad-format"))
}

func TestVerifyRejectsExpired(t *testing.T) {
	v := NewVerifier(testConfig())
	token, err := v.Mint("foo", RoleUser, -10*time.Second)
	require.NoError(t, err)

	_, err = v.Verify(token)
	require.Error(t, err)
	assert.True(t, strings.Contains(asAppError(t, err).Message, "expired"))
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	cfg := testConfig()
	v := NewVerifier(cfg)
	token, err := v.Mint("foo", RoleUser, 5*time.Second)
	require.NoError(t, err)

	otherCfg := cfg
	otherCfg.Audience = "someone-else"
	_, err = NewVerifier(otherCfg).Verify(token)
	require.Error(t, err)
	assert.True(t, strings.Contains(asAppError(t, err).Message, "wrong-audience"))
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	cfg := testConfig()
	v := NewVerifier(cfg)
	token, err := v.Mint("foo", RoleUser, 5*time.Second)
	require.NoError(t, err)

	otherCfg := cfg
	otherCfg.Issuer = "https://someone-else.test"
	_, err = NewVerifier(otherCfg).Verify(token)
	require.Error(t, err)
	assert.True(t, strings.Contains(asAppError(t, err).Message, "wrong-issuer"))
}

func TestRoleChecks(t *testing.T) {
	assert.True(t, RoleAdmin.CanDiagnose())
	assert.True(t, RoleHacker.CanDiagnose())
	assert.False(t, RoleUser.CanDiagnose())

	assert.True(t, RoleAdmin.IsAdmin())
	assert.False(t, RoleHacker.IsAdmin())
}
