package testutil

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Secret used to sign test tokens
// Signature is never verified by the client, any value works
const jwtSecret = "valis-test-secret"

// Mint a signed access token expiring at exp
func MintJWT(t *testing.T, exp time.Time) string {
	t.Helper()

	token, err := signJWT("test-user", exp)
	require.NoError(t, err, "test token should be signed")
	return token
}

// Mint a signed access token without the exp claim
func MintJWTWithoutExp(t *testing.T) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "test-user",
		ID:      uuid.NewString(),
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return token
}

func signJWT(subject string, exp time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(exp.Add(-time.Hour)),
		ID:        uuid.NewString(), // two tokens minted in the same second still differ
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
}
