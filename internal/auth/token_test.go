package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	tok, err := IssueToken("ops", "s3cret", time.Hour, time.Now())
	require.NoError(t, err)

	claims, err := ValidateToken(tok, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.OperatorID)
	assert.Equal(t, "childbook", claims.Issuer)
}

func TestValidate_WrongSecret(t *testing.T) {
	tok, err := IssueToken("ops", "s3cret", 0, time.Now())
	require.NoError(t, err)

	_, err = ValidateToken(tok, "other")
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
}

func TestValidate_Expired(t *testing.T) {
	tok, err := IssueToken("ops", "s3cret", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	_, err = ValidateToken(tok, "s3cret")
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestValidate_ForeignIssuer(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, OperatorClaims{
		OperatorID:       "ops",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"},
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	_, err = ValidateToken(tok, "s3cret")
	assert.ErrorIs(t, err, jwt.ErrTokenInvalidIssuer)
}

func TestNoSecret(t *testing.T) {
	_, err := IssueToken("ops", "", 0, time.Now())
	assert.ErrorIs(t, err, ErrNoSecret)
	_, err = ValidateToken("x", "")
	assert.ErrorIs(t, err, ErrNoSecret)
}
