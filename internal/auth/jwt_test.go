package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndParse(t *testing.T) {
	tok, err := SignJWT("s3cret", "alice", time.Hour)
	require.NoError(t, err)

	cl, err := ParseJWT("s3cret", tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", cl.UserID)

	_, err = ParseJWT("other", tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseExpired(t *testing.T) {
	tok, err := SignJWT("s3cret", "alice", -time.Minute)
	require.NoError(t, err)
	_, err = ParseJWT("s3cret", tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseFallsBackToSubject(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "bob"}).SignedString([]byte("k"))
	require.NoError(t, err)
	cl, err := ParseJWT("k", tok)
	require.NoError(t, err)
	assert.Equal(t, "bob", cl.UserID)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc", ""))
	assert.Equal(t, "q", BearerToken("Bearer abc", "q"))
	assert.Equal(t, "", BearerToken("Basic xyz", ""))
}
