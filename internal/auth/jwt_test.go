package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	svc := NewJWTService("secret", 1)
	user, org := uuid.New(), uuid.New()
	tok, err := svc.Generate(user, org, "officer")
	require.NoError(t, err)

	claims, err := svc.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, user, claims.UserID)
	assert.Equal(t, org, claims.OrganizationID)
	assert.Equal(t, "officer", claims.Role)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	tok, err := NewJWTService("one", 1).Generate(uuid.New(), uuid.New(), "member")
	require.NoError(t, err)
	_, err = NewJWTService("two", 1).Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsExpired(t *testing.T) {
	svc := NewJWTService("secret", 1)
	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	tok, err := svc.Generate(uuid.New(), uuid.New(), "member")
	require.NoError(t, err)
	_, err = NewJWTService("secret", 1).Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsOtherSigningMethods(t *testing.T) {
	claims := Claims{UserID: uuid.New(), Role: "officer"}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = NewJWTService("secret", 1).Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
