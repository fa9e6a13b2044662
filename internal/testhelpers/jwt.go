package testhelpers

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

// GenerateJWK generates an RSA 2048-bit signing key with key ID "test-kid".
func GenerateJWK(t *testing.T) jose.JSONWebKey {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate private key")

	return jose.JSONWebKey{
		Key:       privateKey,
		KeyID:     "test-kid",
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
}

// JWKS renders the public half of key as a JSON key set, the form accepted
// by JWT_JWKS_STATIC.
func JWKS(t *testing.T, key jose.JSONWebKey) string {
	t.Helper()

	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{key.Public()}}
	b, err := json.Marshal(set)
	require.NoError(t, err, "failed to marshal JWKS")

	return string(b)
}

// CreateJWT signs the claims with key using RS256.
func CreateJWT(t *testing.T, key jose.JSONWebKey, claims jwt.Claims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.KeyID

	signed, err := token.SignedString(key.Key)
	require.NoError(t, err, "failed to sign JWT")

	return signed
}

// ValidClaims returns claims for the issuer and audience that are valid from
// one minute ago until one minute from now.
func ValidClaims(issuer, audience, subject string) jwt.RegisteredClaims {
	now := time.Now().UTC()

	return jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-1 * time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(1 * time.Minute)),
	}
}
