package main

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chinmina/regtoken/internal/testhelpers"
)

func testConfig() Config {
	return Config{
		Audience: "regtoken",
		Subject:  "test-subject",
		Issuer:   "https://local.testing",
		Validity: time.Minute,
	}
}

func TestCreateJWT_RSA(t *testing.T) {
	key := testhelpers.GenerateJWK(t)

	signed, err := createJWT(key, claims(testConfig(), time.Now()))
	require.NoError(t, err)

	parsed := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(signed, parsed, func(*jwt.Token) (any, error) {
		return key.Public().Key, nil
	})
	require.NoError(t, err)

	assert.Equal(t, "RS256", tok.Method.Alg())
	assert.Equal(t, "test-kid", tok.Header["kid"])
	assert.Equal(t, "test-subject", parsed.Subject)
	assert.Equal(t, "https://local.testing", parsed.Issuer)
	assert.True(t, parsed.VerifyAudience("regtoken", true))
}

func TestCreateJWT_UnsupportedKey(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	for _, key := range []any{ecKey, edKey} {
		_, err = createJWT(jose.JSONWebKey{Key: key}, claims(testConfig(), time.Now()))
		assert.ErrorContains(t, err, "unsupported signing key type")
	}
}

func TestClaims_Validity(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.Validity = 5 * time.Minute

	c := claims(cfg, now)

	assert.Equal(t, now, c.IssuedAt.Time)
	assert.Equal(t, now.Add(-time.Minute), c.NotBefore.Time)
	assert.Equal(t, now.Add(5*time.Minute), c.ExpiresAt.Time)
}
