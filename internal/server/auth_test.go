package server

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mintToken(t *testing.T, secret []byte, claims *Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return token
}

func memberClaims(subject string, admin bool, teams ...string) *Claims {
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Teams: teams,
		Admin: admin,
	}
}

func TestParseToken(t *testing.T) {
	secret := []byte("test-signing-secret")
	auth, err := NewAuthenticator(secret)
	require.NoError(t, err)

	token := mintToken(t, secret, memberClaims("alice", false, "team-a", "team-b"))

	claims, err := auth.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.True(t, claims.MemberOf("team-a"))
	assert.True(t, claims.MemberOf("team-b"))
	assert.False(t, claims.MemberOf("team-c"))
	assert.False(t, claims.Admin)
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	auth, err := NewAuthenticator([]byte("the right secret"))
	require.NoError(t, err)

	token := mintToken(t, []byte("the wrong secret"), memberClaims("alice", false, "team-a"))

	_, err = auth.ParseToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("test-signing-secret")
	auth, err := NewAuthenticator(secret)
	require.NoError(t, err)

	claims := memberClaims("alice", false, "team-a")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	token := mintToken(t, secret, claims)

	_, err = auth.ParseToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseTokenRejectsMissingSubject(t *testing.T) {
	secret := []byte("test-signing-secret")
	auth, err := NewAuthenticator(secret)
	require.NoError(t, err)

	token := mintToken(t, secret, memberClaims("", false, "team-a"))

	_, err = auth.ParseToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseTokenRejectsUnsignedToken(t *testing.T) {
	auth, err := NewAuthenticator([]byte("test-signing-secret"))
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, memberClaims("alice", false, "team-a")).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = auth.ParseToken(unsigned)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewAuthenticatorRequiresSecret(t *testing.T) {
	_, err := NewAuthenticator(nil)
	require.Error(t, err)
}
