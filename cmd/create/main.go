// This command is only used for local testing: it prints a JWT signed with a
// local development key, for calling a locally running server.
package main

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v4"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Audience string        `env:"UTIL_AUDIENCE, default=regtoken"`
	Subject  string        `env:"UTIL_SUBJECT, default=test-subject"`
	Issuer   string        `env:"UTIL_ISSUER, default=https://local.testing"`
	KeyPath  string        `env:"UTIL_KEY_PATH, default=.development/keys/jwk-sig-testing-priv.json"`
	Validity time.Duration `env:"UTIL_VALIDITY, default=1m"`
}

func main() {
	cfg := Config{}
	err := envconfig.Process(context.Background(), &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
		os.Exit(1)
	}

	keyBytes, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading jwk: %v\n", err)
		os.Exit(1)
	}

	var key jose.JSONWebKey
	if err := key.UnmarshalJSON(keyBytes); err != nil {
		fmt.Fprintf(os.Stderr, "error loading jwk: %v\n", err)
		os.Exit(1)
	}

	tokenStr, err := createJWT(key, claims(cfg, time.Now()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating JWT: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s", tokenStr)
}

func claims(cfg Config, now time.Time) jwt.RegisteredClaims {
	now = now.UTC()

	return jwt.RegisteredClaims{
		Issuer:    cfg.Issuer,
		Subject:   cfg.Subject,
		Audience:  jwt.ClaimStrings{cfg.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-1 * time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(cfg.Validity)),
	}
}

// createJWT signs with RS256, the only algorithm the server accepts.
func createJWT(key jose.JSONWebKey, claims jwt.Claims) (string, error) {
	if _, ok := key.Key.(*rsa.PrivateKey); !ok {
		return "", fmt.Errorf("unsupported signing key type %T", key.Key)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if key.KeyID != "" {
		token.Header["kid"] = key.KeyID
	}

	return token.SignedString(key.Key)
}
