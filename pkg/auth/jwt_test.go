package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner_RoundTrip(t *testing.T) {
	s := NewSigner("secret", "souq")
	tok, err := s.GenerateAccessToken("user-1", "sess-1", time.Minute)
	require.NoError(t, err)

	claims, err := s.ValidateAccessToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "sess-1", claims.SessionID)
}

func TestSigner_Rejects(t *testing.T) {
	s := NewSigner("secret", "souq")

	expired, err := s.GenerateAccessToken("user-1", "", -time.Minute)
	require.NoError(t, err)
	_, err = s.ValidateAccessToken(expired)
	assert.Error(t, err)

	other, err := NewSigner("other", "souq").GenerateAccessToken("user-1", "", time.Minute)
	require.NoError(t, err)
	_, err = s.ValidateAccessToken(other)
	assert.Error(t, err)

	wrongIssuer, err := NewSigner("secret", "elsewhere").GenerateAccessToken("user-1", "", time.Minute)
	require.NoError(t, err)
	_, err = s.ValidateAccessToken(wrongIssuer)
	assert.Error(t, err)

	_, err = s.ValidateAccessToken("not-a-jwt")
	assert.Error(t, err)
}

func TestSigner_SubjectFallback(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Subject:   "user-9",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	got, err := NewSigner("secret", "").ValidateAccessToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-9", got.UserID)
}

func TestSigner_MissingUser(t *testing.T) {
	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = NewSigner("secret", "").ValidateAccessToken(tok)
	assert.ErrorIs(t, err, ErrMissingSubject)
}
